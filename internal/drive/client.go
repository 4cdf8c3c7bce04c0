// Package drive talks to the remote file store: recursive listing, ranged
// content fetch and format export for native documents.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chmdznr/gdrive-local-sync/pkg/errors"
	"github.com/chmdznr/gdrive-local-sync/pkg/models"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://www.googleapis.com/drive/v3"

const listPageSize = 1000

// Export formats by source document kind. Anything else exports as PDF.
var exportFormats = map[string]string{
	"application/vnd.google-apps.document":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.google-apps.spreadsheet":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.google-apps.presentation": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// ExportMimeFor returns the export format for a native document kind.
func ExportMimeFor(sourceMime string) string {
	if mime, ok := exportFormats[sourceMime]; ok {
		return mime
	}
	return "application/pdf"
}

// Options holds configuration for the client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is a read-only remote store client authenticated with a bearer
// token.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient validates the options and builds a client. A missing token is
// an auth error so the run fails before any scanning starts.
func NewClient(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, errors.Newf(errors.Auth, "drive.NewClient", "no access token configured")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		httpc:   &http.Client{Transport: tr},
	}, nil
}

// LoadToken reads a bearer token from path. Credential acquisition and
// renewal happen outside this tool; we only consume the result.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Newf(errors.Auth, "drive.LoadToken", "cannot read token file %s: %v", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.Newf(errors.Auth, "drive.LoadToken", "token file %s is empty", path)
	}
	return token, nil
}

func (c *Client) newRequest(ctx context.Context, rawurl string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

// classify maps an unexpected HTTP status to the error taxonomy.
func classify(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Newf(errors.Auth, op, "remote rejected credentials: %s", msg)
	default:
		return errors.Newf(errors.Transient, op, "remote returned %d: %s", resp.StatusCode, msg)
	}
}

type userInfo struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

type aboutResponse struct {
	User userInfo `json:"user"`
}

// About fetches the authorized user. Used as the pre-run auth probe so
// credential problems surface before any transfer starts.
func (c *Client) About(ctx context.Context) (string, error) {
	const op = "drive.About"
	req, err := c.newRequest(ctx, c.baseURL+"/about?fields=user")
	if err != nil {
		return "", errors.New(errors.Transient, op, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", errors.New(errors.Transient, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classify(op, resp)
	}

	var about aboutResponse
	if err := json.NewDecoder(resp.Body).Decode(&about); err != nil {
		return "", errors.New(errors.Transient, op, err)
	}
	if about.User.EmailAddress != "" {
		return about.User.EmailAddress, nil
	}
	return about.User.DisplayName, nil
}

type fileMeta struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	Size         string   `json:"size"` // the remote reports sizes as decimal strings
	ModifiedTime string   `json:"modifiedTime"`
	MD5Checksum  string   `json:"md5Checksum"`
	Parents      []string `json:"parents"`
}

type listResponse struct {
	NextPageToken string     `json:"nextPageToken"`
	Files         []fileMeta `json:"files"`
}

func (m *fileMeta) toModel() models.RemoteFile {
	size, _ := strconv.ParseInt(m.Size, 10, 64)
	return models.RemoteFile{
		ID:           m.ID,
		Name:         m.Name,
		MimeType:     m.MimeType,
		Size:         size,
		ModifiedTime: m.ModifiedTime,
		MD5Checksum:  m.MD5Checksum,
		Parents:      m.Parents,
	}
}

// List returns the direct children of a folder, following page tokens.
func (c *Client) List(ctx context.Context, folderID string) ([]models.RemoteFile, error) {
	const op = "drive.List"
	query := fmt.Sprintf("'%s' in parents and trashed=false", folderID)

	var files []models.RemoteFile
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("q", query)
		params.Set("fields", "nextPageToken, files(id, name, mimeType, size, modifiedTime, md5Checksum, parents)")
		params.Set("pageSize", strconv.Itoa(listPageSize))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		req, err := c.newRequest(ctx, c.baseURL+"/files?"+params.Encode())
		if err != nil {
			return nil, errors.New(errors.Transient, op, err)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, errors.New(errors.Transient, op, err)
		}
		if resp.StatusCode != http.StatusOK {
			err := classify(op, resp)
			resp.Body.Close()
			return nil, err
		}

		var page listResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, errors.New(errors.Transient, op, err)
		}

		for i := range page.Files {
			files = append(files, page.Files[i].toModel())
		}
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

// SearchFolders finds folders whose name contains the query string.
func (c *Client) SearchFolders(ctx context.Context, query string) ([]models.RemoteFile, error) {
	const op = "drive.SearchFolders"
	q := fmt.Sprintf("mimeType='%s' and name contains '%s' and trashed=false",
		models.FolderMimeType, strings.ReplaceAll(query, "'", `\'`))

	params := url.Values{}
	params.Set("q", q)
	params.Set("fields", "files(id, name, mimeType, parents)")
	params.Set("pageSize", "100")

	req, err := c.newRequest(ctx, c.baseURL+"/files?"+params.Encode())
	if err != nil {
		return nil, errors.New(errors.Transient, op, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.New(errors.Transient, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classify(op, resp)
	}

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.New(errors.Transient, op, err)
	}
	folders := make([]models.RemoteFile, 0, len(page.Files))
	for i := range page.Files {
		folders = append(folders, page.Files[i].toModel())
	}
	return folders, nil
}

// Fetch opens the raw content stream of a file. A positive offset turns
// into a byte-range request so interrupted transfers continue where the
// local file ends. The second return value is the remaining byte count
// reported by the remote, or -1 when unknown.
func (c *Client) Fetch(ctx context.Context, fileID string, offset int64) (io.ReadCloser, int64, error) {
	const op = "drive.Fetch"
	req, err := c.newRequest(ctx, fmt.Sprintf("%s/files/%s?alt=media", c.baseURL, url.PathEscape(fileID)))
	if err != nil {
		return nil, -1, errors.New(errors.Transient, op, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, -1, errors.New(errors.Transient, op, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		err := classify(op, resp)
		resp.Body.Close()
		return nil, -1, err
	}
	return resp.Body, resp.ContentLength, nil
}

// Export streams a native document converted to the given format. The
// endpoint does not support ranges, so exports always restart from zero.
func (c *Client) Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error) {
	const op = "drive.Export"
	rawurl := fmt.Sprintf("%s/files/%s/export?mimeType=%s",
		c.baseURL, url.PathEscape(fileID), url.QueryEscape(mimeType))
	req, err := c.newRequest(ctx, rawurl)
	if err != nil {
		return nil, errors.New(errors.Transient, op, err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.New(errors.Transient, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := classify(op, resp)
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}
