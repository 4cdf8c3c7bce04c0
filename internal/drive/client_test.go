package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/gdrive-local-sync/pkg/errors"
	"github.com/chmdznr/gdrive-local-sync/pkg/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{BaseURL: srv.URL, Token: "test-token"})
	require.NoError(t, err)
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func folderMeta(id, name string) map[string]interface{} {
	return map[string]interface{}{"id": id, "name": name, "mimeType": models.FolderMimeType}
}

func binMeta(id, name, size string) map[string]interface{} {
	return map[string]interface{}{
		"id": id, "name": name, "mimeType": "application/octet-stream",
		"size": size, "modifiedTime": "2024-01-01T00:00:00Z", "md5Checksum": "abc",
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	_, err := NewClient(Options{})
	require.Error(t, err)
	assert.Equal(t, errors.Auth, errors.KindOf(err))
}

func TestLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  secret-token\n"), 0o600))

	token, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token, "surrounding whitespace is stripped")
}

func TestLoadTokenMissingOrEmpty(t *testing.T) {
	_, err := LoadToken(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, errors.Auth, errors.KindOf(err))

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	_, err = LoadToken(empty)
	require.Error(t, err)
	assert.Equal(t, errors.Auth, errors.KindOf(err))
}

func TestListFollowsPageTokens(t *testing.T) {
	var queries []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		queries = append(queries, r.URL.Query().Get("pageToken"))

		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(t, w, map[string]interface{}{
				"nextPageToken": "page2",
				"files":         []interface{}{binMeta("a", "a.bin", "100")},
			})
		case "page2":
			writeJSON(t, w, map[string]interface{}{
				"files": []interface{}{binMeta("b", "b.bin", "200")},
			})
		default:
			http.Error(w, "bad page token", http.StatusBadRequest)
		}
	}))

	files, err := client.List(context.Background(), "root")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, []string{"", "page2"}, queries)
	assert.Equal(t, "a.bin", files[0].Name)
	assert.Equal(t, int64(100), files[0].Size, "string sizes parse to bytes")
	assert.Equal(t, int64(200), files[1].Size)
}

func TestListRecursiveBuildsPaths(t *testing.T) {
	// root contains sub/ and top.bin; sub/ contains nested.bin
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		switch {
		case strings.Contains(q, "'root' in parents"):
			writeJSON(t, w, map[string]interface{}{
				"files": []interface{}{folderMeta("sub-id", "sub"), binMeta("t", "top.bin", "1")},
			})
		case strings.Contains(q, "'sub-id' in parents"):
			writeJSON(t, w, map[string]interface{}{
				"files": []interface{}{binMeta("n", "nested.bin", "2")},
			})
		default:
			http.Error(w, "unexpected query "+q, http.StatusBadRequest)
		}
	}))

	var visited []string
	files, err := client.ListRecursive(context.Background(), "root", func(p string) {
		visited = append(visited, p)
	})
	require.NoError(t, err)

	require.Len(t, files, 2, "folders are walked, not returned")
	assert.Equal(t, "sub/nested.bin", files[0].Path)
	assert.Equal(t, "top.bin", files[1].Path)
	assert.Equal(t, []string{"sub", "sub/nested.bin", "top.bin"}, visited)
}

func TestFetchSendsRangeHeader(t *testing.T) {
	payload := []byte("hello ranged world")
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/file-1", r.URL.Path)
		assert.Equal(t, "media", r.URL.Query().Get("alt"))

		switch r.Header.Get("Range") {
		case "":
			w.Write(payload)
		case "bytes=6-":
			w.WriteHeader(http.StatusPartialContent)
			w.Write(payload[6:])
		default:
			http.Error(w, "unexpected range", http.StatusBadRequest)
		}
	}))

	body, length, err := client.Fetch(context.Background(), "file-1", 0)
	require.NoError(t, err)
	got, _ := io.ReadAll(body)
	body.Close()
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(len(payload)), length)

	body, length, err = client.Fetch(context.Background(), "file-1", 6)
	require.NoError(t, err)
	got, _ = io.ReadAll(body)
	body.Close()
	assert.Equal(t, payload[6:], got)
	assert.Equal(t, int64(len(payload)-6), length)
}

func TestFetchClassifiesAuthFailures(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))

	_, _, err := client.Fetch(context.Background(), "file-1", 0)
	require.Error(t, err)
	assert.Equal(t, errors.Auth, errors.KindOf(err))
	assert.Contains(t, err.Error(), "token expired")
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	}))

	_, _, err := client.Fetch(context.Background(), "file-1", 0)
	require.Error(t, err)
	assert.Equal(t, errors.Transient, errors.KindOf(err))
}

func TestExportRequestsConvertedFormat(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/doc-1/export", r.URL.Path)
		assert.Equal(t, "application/pdf", r.URL.Query().Get("mimeType"))
		fmt.Fprint(w, "%PDF-1.4 fake")
	}))

	body, err := client.Export(context.Background(), "doc-1", "application/pdf")
	require.NoError(t, err)
	defer body.Close()
	got, _ := io.ReadAll(body)
	assert.Equal(t, "%PDF-1.4 fake", string(got))
}

func TestExportMimeFor(t *testing.T) {
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		ExportMimeFor("application/vnd.google-apps.document"))
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		ExportMimeFor("application/vnd.google-apps.spreadsheet"))
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		ExportMimeFor("application/vnd.google-apps.presentation"))
	assert.Equal(t, "application/pdf", ExportMimeFor("application/vnd.google-apps.drawing"))
}

func TestAboutReturnsAuthorizedUser(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/about", r.URL.Path)
		writeJSON(t, w, map[string]interface{}{
			"user": map[string]string{"displayName": "A User", "emailAddress": "user@example.com"},
		})
	}))

	who, err := client.About(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", who)
}

func TestSearchFoldersQuotesQuery(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		assert.Contains(t, q, "name contains 'reports'")
		assert.Contains(t, q, models.FolderMimeType)
		writeJSON(t, w, map[string]interface{}{
			"files": []interface{}{folderMeta("f1", "reports 2024")},
		})
	}))

	folders, err := client.SearchFolders(context.Background(), "reports")
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "reports 2024", folders[0].Name)
}
