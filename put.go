package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/panupload/internal/source"
	"github.com/tonimelisma/panupload/internal/upload"
)

// putOptions are the put-only flags. --folder, --duplicate and --bwlimit are
// read back through the resolved config, see applyUploadFlags.
type putOptions struct {
	urls  []string
	name  string
	md5   string
	size  int64
	async bool
}

func (o *putOptions) hasHints() bool {
	return o.name != "" || o.md5 != "" || o.size >= 0
}

// addUploadFlags registers the flags shared by put and watch. Their values
// reach the command through the resolved config.
func addUploadFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int64("folder", 0, "destination folder ID (default: upload.default_folder_id)")
	f.String("duplicate", "", "on name clash: ask, keep, or overwrite")
	f.String("bwlimit", "", "bandwidth limit for part bodies (e.g. 5MB/s)")
}

func newPutCmd() *cobra.Command {
	opts := &putOptions{}

	cmd := &cobra.Command{
		Use:   "put [path|-]...",
		Short: "Upload files, stdin or URLs",
		Long: `Upload one or more local files, standard input ("-") or remote URLs.

Content already stored by 123pan is deduplicated without transfer. --name,
--md5 and --size describe a single input; a stream with both --md5 and --size
is uploaded without being spooled first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cmd, args, opts)
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&opts.urls, "url", nil, "upload from an http(s):// or s3:// URL (repeatable)")
	addUploadFlags(cmd)
	f.StringVar(&opts.name, "name", "", "name to store the upload under")
	f.StringVar(&opts.md5, "md5", "", "known MD5 of the content (hex)")
	f.Int64Var(&opts.size, "size", -1, "known size of the content in bytes")
	f.BoolVar(&opts.async, "async", false, "run uploads concurrently (upload.async_workers)")

	return cmd
}

// putItem is one input as given on the command line.
type putItem struct {
	Label string
	Input source.Input
}

var md5Pattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// collectInputs turns positional args and --url values into inputs. "-"
// reads stdin and may appear once.
func collectInputs(args, urls []string, stdin io.Reader) ([]putItem, error) {
	items := make([]putItem, 0, len(args)+len(urls))
	sawStdin := false

	for _, arg := range args {
		if arg == "-" {
			if sawStdin {
				return nil, errors.New("stdin (-) can only be uploaded once")
			}

			sawStdin = true

			items = append(items, putItem{Label: "stdin", Input: source.FromReader(stdin)})

			continue
		}

		if fi, err := os.Stat(arg); err == nil && fi.IsDir() {
			return nil, fmt.Errorf("%q is a directory; use 'panupload watch --existing' to upload a tree", arg)
		}

		items = append(items, putItem{Label: arg, Input: source.FromPath(arg)})
	}

	for _, u := range urls {
		items = append(items, putItem{Label: u, Input: source.FromURL(u)})
	}

	return items, nil
}

// buildRequest fills one upload request from the item and the single-input
// hints.
func buildRequest(item putItem, opts *putOptions, cc *CLIContext) (upload.Request, error) {
	req := upload.Request{
		Source:       item.Input,
		ExpectedName: opts.name,
		FolderID:     cc.Cfg.Upload.DefaultFolderID,
		Duplicate:    cc.Cfg.Duplicate,
	}

	if opts.md5 != "" {
		digest := strings.ToLower(opts.md5)
		if !md5Pattern.MatchString(digest) {
			return req, fmt.Errorf("invalid --md5 %q: want 32 hex digits", opts.md5)
		}

		req.ExpectedDigest = digest
	}

	if opts.size >= 0 {
		size := opts.size
		req.ExpectedSize = &size
	}

	return req, nil
}

// putResult pairs an input with its outcome.
type putResult struct {
	Label  string
	Record *upload.Record
	Err    error
}

type putJSON struct {
	Input       string `json:"input"`
	FileID      int64  `json:"file_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	MD5         string `json:"md5,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	FolderID    int64  `json:"folder_id"`
	Reused      bool   `json:"reused"`
	Multipart   bool   `json:"multipart"`
	Parts       int    `json:"parts,omitempty"`
	Error       string `json:"error,omitempty"`
}

func runPut(cmd *cobra.Command, args []string, opts *putOptions) error {
	cc := mustCLIContext(cmd.Context())

	items, err := collectInputs(args, opts.urls, cmd.InOrStdin())
	if err != nil {
		return err
	}

	if len(items) == 0 {
		return errors.New("nothing to upload: give a path, - for stdin, or --url")
	}

	if len(items) > 1 && opts.hasHints() {
		return errors.New("--name, --md5 and --size need exactly one input")
	}

	reqs := make([]upload.Request, len(items))
	for i := range items {
		if reqs[i], err = buildRequest(items[i], opts, cc); err != nil {
			return err
		}
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	us, err := NewUploadSession(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer us.Close()

	var results []putResult
	if opts.async {
		results = uploadAsync(ctx, us.Uploader, items, reqs, cc.Cfg.Upload.AsyncWorkers, cc.Logger)
	} else {
		results = uploadSequential(ctx, us.Uploader, items, reqs)
	}

	return reportPut(cmd.OutOrStdout(), cc, results)
}

// uploadSequential runs one upload after another, stopping early only when
// ctx is canceled.
func uploadSequential(ctx context.Context, up *upload.Uploader, items []putItem, reqs []upload.Request) []putResult {
	results := make([]putResult, len(items))

	for i := range items {
		results[i].Label = items[i].Label

		// Inputs not yet started report why the run stopped.
		if ctx.Err() != nil {
			results[i].Err = context.Cause(ctx)
			continue
		}

		results[i].Record, results[i].Err = up.Upload(ctx, reqs[i])
		results[i].Err = withCause(ctx, results[i].Err)
	}

	return results
}

// withCause names the shutdown signal in uploads that failed because ctx was
// canceled, so the report says "interrupted by interrupt" rather than just
// "context canceled".
func withCause(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if err == nil || cause == nil || errors.Is(err, cause) || !errors.Is(err, context.Canceled) {
		return err
	}

	return fmt.Errorf("%w: %w", cause, err)
}

// uploadAsync drives every upload through one worker pool.
func uploadAsync(
	ctx context.Context, up *upload.Uploader, items []putItem, reqs []upload.Request,
	workers int, logger *slog.Logger,
) []putResult {
	pool := upload.NewPoolScheduler(workers, logger)

	futures := make([]*upload.Future, len(reqs))
	for i := range reqs {
		futures[i] = up.UploadAsync(ctx, reqs[i], pool)
	}

	results := make([]putResult, len(items))

	for i, f := range futures {
		results[i].Label = items[i].Label
		// Every future resolves: cancellation of ctx fails the upload.
		results[i].Record, results[i].Err = f.Wait(context.Background())
		results[i].Err = withCause(ctx, results[i].Err)
	}

	if err := pool.Close(); err != nil {
		logger.Warn("closing scheduler pool", slog.String("error", err.Error()))
	}

	return results
}

// reportPut prints results and returns an error when any upload failed.
func reportPut(w io.Writer, cc *CLIContext, results []putResult) error {
	var failed []error

	out := make([]putJSON, 0, len(results))

	for _, r := range results {
		j := putJSON{Input: r.Label}

		if r.Err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", r.Label, r.Err))
			j.Error = r.Err.Error()

			// A lone failure is reported by main.
			if !cc.Flags.JSON && len(results) > 1 {
				cc.Warnf("Failed %s: %v\n", r.Label, r.Err)
			}

			out = append(out, j)

			continue
		}

		rec := r.Record
		j.FileID = rec.FileID
		j.Name = rec.FileName
		j.Size = rec.Size
		j.MD5 = rec.Digest
		j.ContentType = rec.ContentType
		j.FolderID = rec.FolderID
		j.Reused = rec.Reused
		j.Multipart = rec.Multipart
		j.Parts = rec.Parts
		out = append(out, j)

		if cc.Flags.JSON {
			continue
		}

		cc.Statusf("%s %s as %q (%s, %s, file ID %d)\n", uploadVerb(rec.Reused), r.Label, rec.FileName,
			formatSize(rec.Size), uploadMode(rec.Reused, rec.Multipart, rec.Parts), rec.FileID)
	}

	if cc.Flags.JSON {
		if err := printJSON(w, out); err != nil {
			return err
		}
	}

	switch len(failed) {
	case 0:
		return nil
	case 1:
		if len(results) == 1 {
			return failed[0]
		}
	}

	return fmt.Errorf("%d of %d uploads failed: %w", len(failed), len(results), errors.Join(failed...))
}
