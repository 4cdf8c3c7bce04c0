package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	gosync "sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/eiannone/keyboard"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/gdrive-local-sync/internal/db"
	"github.com/chmdznr/gdrive-local-sync/internal/drive"
	"github.com/chmdznr/gdrive-local-sync/internal/sync"
	"github.com/chmdznr/gdrive-local-sync/pkg/models"
	"github.com/chmdznr/gdrive-local-sync/pkg/utils"
	"github.com/chmdznr/gdrive-local-sync/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "gsync",
		Usage:                "Drive sync tool for remote to local synchronization",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the sync database",
				Value: "gsync.db",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if c.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create a new sync task",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Task name",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "folder-id",
						Usage:    "Remote root folder ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "local",
						Usage:    "Local destination directory",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "include-ext",
						Usage: "Comma-separated list of extensions to include (e.g. .jpg,.png)",
					},
					&cli.StringFlag{
						Name:  "exclude-ext",
						Usage: "Comma-separated list of extensions to exclude",
					},
					&cli.Int64Flag{
						Name:  "min-size",
						Usage: "Minimum file size in bytes",
					},
					&cli.Int64Flag{
						Name:  "max-size",
						Usage: "Maximum file size in bytes",
					},
					&cli.StringFlag{
						Name:  "name-contains",
						Usage: "Only sync files whose name contains this text",
					},
					&cli.StringFlag{
						Name:  "name-excludes",
						Usage: "Skip files whose name contains this text",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel download workers",
						Value: sync.DefaultConcurrency,
					},
					&cli.IntFlag{
						Name:  "retries",
						Usage: "Retry budget per file for transient failures",
						Value: sync.DefaultRetryCount,
					},
					&cli.IntFlag{
						Name:  "bandwidth",
						Usage: "Bandwidth cap in KiB/s (0 = unlimited)",
					},
				},
				Action: createTask,
			},
			{
				Name:   "list",
				Usage:  "List configured sync tasks",
				Action: listTasks,
			},
			{
				Name:  "delete",
				Usage: "Delete a task with its progress records and error log",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "task",
						Usage:    "Task name",
						Required: true,
					},
				},
				Action: deleteTask,
			},
			{
				Name:  "scan",
				Usage: "Scan the remote tree and show what a sync would do",
				Flags: append(remoteFlags(),
					&cli.StringFlag{
						Name:     "task",
						Usage:    "Task name",
						Required: true,
					},
				),
				Action: scanTask,
			},
			{
				Name:  "sync",
				Usage: "Start or resume synchronization (p pauses, r resumes, q cancels)",
				Flags: append(remoteFlags(),
					&cli.StringFlag{
						Name:     "task",
						Usage:    "Task name",
						Required: true,
					},
				),
				Action: startSync,
			},
			{
				Name:  "status",
				Usage: "Show transfer state for a task",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "task",
						Usage:    "Task name",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "pending",
						Usage: "Also list files not yet completed",
					},
				},
				Action: showStatus,
			},
			{
				Name:  "errors",
				Usage: "Show the error log for a task",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "task",
						Usage:    "Task name",
						Required: true,
					},
				},
				Action: showErrors,
			},
			{
				Name:  "find-folder",
				Usage: "Search remote folders by name to discover folder IDs",
				Flags: append(remoteFlags(),
					&cli.StringFlag{
						Name:     "query",
						Usage:    "Folder name fragment",
						Required: true,
					},
				),
				Action: findFolder,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func remoteFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "token",
			Usage: "Path to the bearer token file",
			Value: "config/token",
		},
		&cli.StringFlag{
			Name:  "endpoint",
			Usage: "Remote API base URL",
			Value: drive.DefaultBaseURL,
		},
	}
}

func openDB(c *cli.Context) (*db.DB, error) {
	database, err := db.New(c.String("db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	return database, nil
}

// newClient builds the remote client and runs the auth probe so credential
// problems surface before any scanning or transfer starts.
func newClient(ctx context.Context, c *cli.Context) (*drive.Client, error) {
	token, err := drive.LoadToken(c.String("token"))
	if err != nil {
		return nil, err
	}
	client, err := drive.NewClient(drive.Options{
		BaseURL: c.String("endpoint"),
		Token:   token,
	})
	if err != nil {
		return nil, err
	}
	user, err := client.About(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Authorized as %s\n", user)
	return client, nil
}

func splitExtensions(s string) []string {
	if s == "" {
		return nil
	}
	var exts []string
	for _, part := range strings.Split(s, ",") {
		ext := strings.ToLower(strings.TrimSpace(part))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return exts
}

func createTask(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return err
	}
	defer database.Close()

	var filters *models.FilterRules
	rules := models.FilterRules{
		IncludeExtensions: splitExtensions(c.String("include-ext")),
		ExcludeExtensions: splitExtensions(c.String("exclude-ext")),
		MinSize:           c.Int64("min-size"),
		MaxSize:           c.Int64("max-size"),
		NameContains:      c.String("name-contains"),
		NameExcludes:      c.String("name-excludes"),
	}
	if len(rules.IncludeExtensions) > 0 || len(rules.ExcludeExtensions) > 0 ||
		rules.MinSize > 0 || rules.MaxSize > 0 ||
		rules.NameContains != "" || rules.NameExcludes != "" {
		filters = &rules
	}

	task := &models.SyncTask{
		Name:           c.String("name"),
		RemoteRootID:   c.String("folder-id"),
		LocalRoot:      c.String("local"),
		Filters:        filters,
		BandwidthLimit: c.Int("bandwidth"),
		Concurrency:    c.Int("workers"),
		RetryCount:     c.Int("retries"),
	}

	if _, err := database.CreateTask(task); err != nil {
		return fmt.Errorf("failed to create task: %v", err)
	}
	fmt.Printf("Task '%s' created successfully\n", task.Name)
	return nil
}

func listTasks(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return err
	}
	defer database.Close()

	tasks, err := database.ListTasks()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks configured")
		return nil
	}
	for _, task := range tasks {
		fmt.Printf("%s: remote %s -> %s (workers %d, retries %d)\n",
			task.Name, task.RemoteRootID, task.LocalRoot, task.Concurrency, task.RetryCount)
	}
	return nil
}

func deleteTask(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return err
	}
	defer database.Close()

	task, err := database.GetTask(c.String("task"))
	if err != nil {
		return fmt.Errorf("task not found: %v", err)
	}
	if err := database.DeleteTask(task.ID); err != nil {
		return err
	}
	fmt.Printf("Task '%s' deleted\n", task.Name)
	return nil
}

func scanTask(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return err
	}
	defer database.Close()

	task, err := database.GetTask(c.String("task"))
	if err != nil {
		return fmt.Errorf("task not found: %v", err)
	}

	ctx := c.Context
	client, err := newClient(ctx, c)
	if err != nil {
		return err
	}

	engine := sync.NewEngine(database, client)
	toDownload, toSkip, err := engine.ScanAndCompare(ctx, task, func(path string) {
		fmt.Printf("\rScanning: %-60.60s", path)
	})
	if err != nil {
		return err
	}
	fmt.Println()

	var totalBytes int64
	for _, f := range toDownload {
		totalBytes += f.Size
	}
	fmt.Printf("Would download %d files (%s):\n", len(toDownload), utils.FormatSize(totalBytes))
	for _, f := range toDownload {
		fmt.Printf("  %s (%s)\n", f.Path, utils.FormatSize(f.Size))
	}
	fmt.Printf("Already in sync: %d files\n", len(toSkip))
	return nil
}

func startSync(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return err
	}
	defer database.Close()

	task, err := database.GetTask(c.String("task"))
	if err != nil {
		return fmt.Errorf("task not found: %v", err)
	}

	// Interrupt aborts in-flight chunk loops; bytes already written stay
	// on disk as the resume point for the next run.
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	client, err := newClient(ctx, c)
	if err != nil {
		return err
	}

	ctl := &sync.Control{}
	if err := keyboard.Open(); err == nil {
		defer keyboard.Close()
		go watchKeys(ctl)
	}

	var (
		bar    *pb.ProgressBar
		barMu  gosync.Mutex
		lastBy = make(map[string]int64)
	)
	callbacks := sync.Callbacks{
		Scan: func(path string) {
			fmt.Printf("\rScanning: %-60.60s", path)
		},
		BatchStart: func(files []models.RemoteFile) {
			var totalBytes int64
			for _, f := range files {
				totalBytes += f.Size
			}
			fmt.Printf("\nStarting download of %d files (%s)...\n",
				len(files), utils.FormatSize(totalBytes))
			bar = pb.New64(totalBytes)
			bar.Set(pb.Bytes, true)
			bar.Start()
		},
		Progress: func(f *models.RemoteFile, downloaded, total int64) {
			barMu.Lock()
			defer barMu.Unlock()
			if bar == nil {
				return
			}
			bar.Add64(downloaded - lastBy[f.ID])
			lastBy[f.ID] = downloaded
		},
	}

	engine := sync.NewEngine(database, client)
	start := time.Now()
	stats, err := engine.Sync(ctx, task, ctl, callbacks)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("sync failed: %v", err)
	}

	fmt.Printf("\nSync finished in %s:\n", utils.FormatDuration(time.Since(start)))
	fmt.Printf("- Scanned: %d files (%d already in sync)\n", stats.Scanned, stats.DiffSkipped)
	fmt.Printf("- Downloaded: %d files\n", stats.Success)
	fmt.Printf("- Failed: %d files\n", stats.Failed)
	fmt.Printf("- Skipped: %d files\n", stats.Skipped)
	if ctl.Canceled() {
		fmt.Println("Run was canceled; remaining files were not started")
	}
	return nil
}

func watchKeys(ctl *sync.Control) {
	for {
		ch, key, err := keyboard.GetKey()
		if err != nil {
			return
		}
		switch {
		case ch == 'p':
			ctl.Pause()
			fmt.Println("\nPaused (press 'r' to resume, 'q' to cancel)")
		case ch == 'r':
			ctl.Resume()
		case ch == 'q' || key == keyboard.KeyCtrlC:
			ctl.Cancel()
			fmt.Println("\nCanceling: in-flight files will finish, no new files start")
			return
		}
	}
}

func showStatus(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return err
	}
	defer database.Close()

	task, err := database.GetTask(c.String("task"))
	if err != nil {
		return fmt.Errorf("task not found: %v", err)
	}

	stats, err := database.ProgressStats(task.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Task: %s\n", task.Name)
	fmt.Printf("Remote root: %s\n", task.RemoteRootID)
	fmt.Printf("Local root: %s\n", task.LocalRoot)
	fmt.Printf("Tracked files: %d (Size: %s)\n", stats.Total, utils.FormatSize(stats.TotalSize))
	fmt.Printf("Completed: %d (Size: %s)\n", stats.Completed, utils.FormatSize(stats.CompletedSize))
	fmt.Printf("Pending: %d, Failed: %d\n", stats.Pending, stats.Failed)
	if stats.TotalSize > 0 {
		fmt.Printf("Progress: %.2f%% (Size)\n",
			float64(stats.DownloadedSize)/float64(stats.TotalSize)*100)
	}

	if c.Bool("pending") {
		records, err := database.PendingProgress(task.ID)
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Printf("  %s: %s of %s (%s)\n",
				rec.RemotePath, utils.FormatSize(rec.DownloadedSize),
				utils.FormatSize(rec.TotalSize), rec.Status)
		}
	}
	return nil
}

func showErrors(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return err
	}
	defer database.Close()

	task, err := database.GetTask(c.String("task"))
	if err != nil {
		return fmt.Errorf("task not found: %v", err)
	}

	entries, err := database.ErrorsByTask(task.ID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No errors recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s [%s] %s (retry %d): %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.ErrorKind, e.FilePath, e.RetryCount, e.Message)
	}
	return nil
}

func findFolder(c *cli.Context) error {
	ctx := c.Context
	client, err := newClient(ctx, c)
	if err != nil {
		return err
	}

	folders, err := client.SearchFolders(ctx, c.String("query"))
	if err != nil {
		return err
	}
	if len(folders) == 0 {
		fmt.Println("No folders matched")
		return nil
	}
	for _, f := range folders {
		fmt.Printf("%s  %s\n", f.ID, f.Name)
	}
	return nil
}
