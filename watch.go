package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/panupload/internal/source"
	"github.com/tonimelisma/panupload/internal/upload"
	"github.com/tonimelisma/panupload/internal/watch"
)

type watchOptions struct {
	quietPeriod time.Duration
	existing    bool
	ignoreFile  string
}

func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Upload files as they appear in a directory",
		Long: `Watch a directory tree and upload every file that is created or
changed, once it has gone unchanged for the quiet period.

Paths matching gitignore-style patterns in the ignore file at the root of
the tree (default ` + watch.DefaultIgnoreFile + `) are skipped. Runs until
interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args[0], opts)
		},
	}

	addUploadFlags(cmd)
	cmd.Flags().DurationVar(&opts.quietPeriod, "quiet-period", watch.DefaultQuietPeriod, "time a file must stay unchanged")
	cmd.Flags().BoolVar(&opts.existing, "existing", false, "also upload files already present")
	cmd.Flags().StringVar(&opts.ignoreFile, "ignore-file", watch.DefaultIgnoreFile, "ignore file name in the watched root")

	return cmd
}

func runWatch(cmd *cobra.Command, dir string, opts *watchOptions) error {
	cc := mustCLIContext(cmd.Context())

	w, err := watch.New(dir, watch.Options{
		QuietPeriod: opts.quietPeriod,
		IgnoreFile:  opts.ignoreFile,
		Existing:    opts.existing,
	}, cc.Logger)
	if err != nil {
		return err
	}

	unlock, err := writePIDFile(watchLockPath(w.Root()))
	if err != nil {
		return err
	}
	defer unlock()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	us, err := NewUploadSession(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer us.Close()

	cc.Statusf("Watching %s (Ctrl-C to stop).\n", w.Root())

	pool := upload.NewPoolScheduler(cc.Cfg.Upload.AsyncWorkers, cc.Logger)
	ready := make(chan string)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ready)
		return w.Run(gctx, ready)
	})

	var inflight sync.WaitGroup

	for p := range ready {
		req := upload.Request{
			Source:    source.FromPath(p),
			FolderID:  cc.Cfg.Upload.DefaultFolderID,
			Duplicate: cc.Cfg.Duplicate,
		}

		fut := us.Uploader.UploadAsync(ctx, req, pool)

		inflight.Add(1)

		go func() {
			defer inflight.Done()
			reportWatched(cc, w.Root(), p, fut)
		}()
	}

	inflight.Wait()

	if err := pool.Close(); err != nil {
		cc.Logger.Warn("closing scheduler pool", slog.String("error", err.Error()))
	}

	return g.Wait()
}

// reportWatched waits for one upload and reports it. Failures are logged and
// do not stop the watch.
func reportWatched(cc *CLIContext, root, path string, fut *upload.Future) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	rec, err := fut.Wait(context.Background())
	if err != nil {
		cc.Logger.Error("upload failed",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return
	}

	cc.Statusf("%s %s (%s, %s, file ID %d)\n", uploadVerb(rec.Reused), rel,
		formatSize(rec.Size), uploadMode(rec.Reused, rec.Multipart, rec.Parts), rec.FileID)
}
