// Package upload runs the 123pan upload pipeline: normalize the source,
// fingerprint it, negotiate the upload (possibly hitting server-side dedup),
// then PUT the payload single-shot or in parts using batch-issued presigned
// URLs, and complete the upload.
//
// The pipeline is a step-by-step state machine (Driver). Run drives it on
// the calling goroutine; RunAsync drives the same steps through a Scheduler.
package upload

import (
	"context"
	"log/slog"
	"time"

	"github.com/tonimelisma/panupload/internal/pan"
	"github.com/tonimelisma/panupload/internal/source"
)

// Request describes one upload.
type Request struct {
	Source source.Input

	// Optional caller knowledge. A supplied digest and size let a
	// non-seekable source stream without spooling.
	ExpectedDigest string
	ExpectedName   string
	ExpectedSize   *int64

	FolderID  int64
	Duplicate pan.DuplicatePolicy
}

// Record is the outcome of a successful upload.
type Record struct {
	FileID      int64
	FileName    string
	Size        int64
	Digest      string
	ContentType string
	FolderID    int64
	Origin      string
	Reused      bool // dedup hit: nothing was transferred
	Multipart   bool
	Parts       int
	StartedAt   time.Time
	CompletedAt time.Time
}

// HistoryRecorder stores completed uploads.
type HistoryRecorder interface {
	RecordUpload(ctx context.Context, rec Record) error
}

// Options configures an Uploader.
type Options struct {
	BatchSize int               // presigned URLs per batch; <= 0 selects DefaultBatchSize
	Limiter   *BandwidthLimiter // nil = unlimited
	History   HistoryRecorder   // optional
}

// Uploader creates Drivers that share one API client, normalizer and
// bandwidth limiter. Safe for concurrent use; each Driver is not.
type Uploader struct {
	api        API
	norm       *source.Normalizer
	negotiator *Negotiator
	opts       Options
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// NewUploader creates an Uploader.
func NewUploader(api API, norm *source.Normalizer, opts Options, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	return &Uploader{
		api:        api,
		norm:       norm,
		negotiator: NewNegotiator(api, logger),
		opts:       opts,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Upload runs req to completion on the calling goroutine.
func (u *Uploader) Upload(ctx context.Context, req Request) (*Record, error) {
	d := u.NewDriver(req)
	defer d.Close()

	return Run(ctx, d)
}

// UploadAsync runs req through sched and returns immediately.
func (u *Uploader) UploadAsync(ctx context.Context, req Request, sched Scheduler) *Future {
	return RunAsync(ctx, u.NewDriver(req), sched)
}

// NewDriver prepares a Driver for req without performing any I/O.
func (u *Uploader) NewDriver(req Request) *Driver {
	return &Driver{
		up:     u,
		req:    req,
		step:   StepSeeking,
		logger: u.logger,
	}
}
