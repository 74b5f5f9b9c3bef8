package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tonimelisma/panupload/internal/pan"
	"github.com/tonimelisma/panupload/internal/source"
)

// Step is one suspension point of the pipeline. Each call to Driver.Advance
// performs the I/O of exactly one step.
type Step int

const (
	StepSeeking       Step = iota // open the source, spooling it if it cannot seek
	StepHashing                   // resolve size and digest
	StepNegotiating               // request upload; may end in a dedup hit
	StepFetchingBatch             // obtain presigned URLs for upcoming parts
	StepPuttingPart               // PUT the part at the cursor
	StepCompleting                // finalize the upload
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepSeeking:
		return "seeking"
	case StepHashing:
		return "hashing"
	case StepNegotiating:
		return "negotiating"
	case StepFetchingBatch:
		return "fetching batch"
	case StepPuttingPart:
		return "putting part"
	case StepCompleting:
		return "completing"
	case StepDone:
		return "done"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// PartCursor tracks multipart progress. Current only ever increases.
type PartCursor struct {
	Current   int // next part to PUT, 1-based
	Total     int
	BatchSize int
}

// Driver is the upload state machine for one Request. It owns its
// ByteSource exclusively and releases it when it reaches StepDone, fails, or
// is closed. Not safe for concurrent use.
type Driver struct {
	up     *Uploader
	req    Request
	logger *slog.Logger

	step    Step
	src     *source.ByteSource
	name    string
	session *Session
	batcher *Batcher
	cursor  PartCursor
	partBuf []byte
	puts    int
	started time.Time

	record *Record
	err    error
}

// Step returns the step the next Advance will perform.
func (d *Driver) Step() Step {
	return d.step
}

// Cursor returns the multipart progress.
func (d *Driver) Cursor() PartCursor {
	c := d.cursor
	if d.batcher != nil {
		c.BatchSize = d.batcher.BatchSize()
	}

	return c
}

// Session returns the negotiated session, nil before StepNegotiating ran.
func (d *Driver) Session() *Session {
	return d.session
}

// Result returns the upload record once the driver is done.
func (d *Driver) Result() (*Record, error) {
	if d.err != nil {
		return nil, d.err
	}

	if d.step != StepDone {
		return nil, fmt.Errorf("upload: not finished (at %s)", d.step)
	}

	return d.record, nil
}

// Close releases the source. Safe to call at any time and more than once.
func (d *Driver) Close() error {
	if d.src == nil {
		return nil
	}

	err := d.src.Close()
	d.src = nil

	return err
}

// Advance performs the current step and returns the next one. After a
// failure it keeps returning StepDone and the same *TransferFailedError.
func (d *Driver) Advance(ctx context.Context) (Step, error) {
	if d.err != nil {
		return StepDone, d.err
	}

	if d.step == StepDone {
		return StepDone, nil
	}

	if err := ctx.Err(); err != nil {
		return d.fail(d.failurePart(), err)
	}

	var (
		next Step
		err  error
	)

	switch d.step {
	case StepSeeking:
		next, err = d.seek(ctx)
	case StepHashing:
		next, err = d.hash(ctx)
	case StepNegotiating:
		next, err = d.negotiate(ctx)
	case StepFetchingBatch:
		next, err = d.fetchBatch(ctx)
	case StepPuttingPart:
		next, err = d.putPart(ctx)
	case StepCompleting:
		next, err = d.complete(ctx)
	default:
		err = fmt.Errorf("unknown step %d", int(d.step))
	}

	if err != nil {
		return d.fail(d.failurePart(), err)
	}

	d.step = next

	if next == StepDone {
		_ = d.Close()
	}

	return next, nil
}

// failurePart is the part a failure at the current step is attributed to.
func (d *Driver) failurePart() int {
	if d.step == StepFetchingBatch || d.step == StepPuttingPart {
		return d.cursor.Current
	}

	return 0
}

func (d *Driver) fail(part int, err error) (Step, error) {
	d.err = &TransferFailedError{Step: d.step, Part: part, Err: err}

	d.logger.Warn("upload failed",
		slog.String("step", d.step.String()),
		slog.Int("part", part),
		slog.String("error", err.Error()),
	)

	_ = d.Close()
	d.step = StepDone

	return StepDone, d.err
}

func (d *Driver) seek(ctx context.Context) (Step, error) {
	d.started = d.up.nowFunc()

	hints := source.Hints{
		Digest: d.req.ExpectedDigest,
		Size:   source.UnknownSize,
		Name:   d.req.ExpectedName,
	}

	if d.req.ExpectedSize != nil {
		hints.Size = *d.req.ExpectedSize
	}

	src, err := d.up.norm.Open(ctx, d.req.Source, hints)
	if err != nil {
		return 0, categorize(ErrSourceUnavailable, err)
	}

	d.src = src

	return StepHashing, nil
}

func (d *Driver) hash(ctx context.Context) (Step, error) {
	if err := d.up.norm.Resolve(ctx, d.src); err != nil {
		if errors.Is(err, ErrSourceUnavailable) || ctx.Err() != nil {
			return 0, err
		}

		return 0, categorize(ErrHashComputationFailed, err)
	}

	d.name = d.up.norm.DisplayName(d.src, d.req.ExpectedName)

	return StepNegotiating, nil
}

func (d *Driver) negotiate(ctx context.Context) (Step, error) {
	s, err := d.up.negotiator.Negotiate(ctx, Meta{
		Digest:    d.src.Digest,
		Name:      d.name,
		Size:      d.src.Size,
		FolderID:  d.req.FolderID,
		Duplicate: d.req.Duplicate,
	})
	if err != nil {
		return 0, err
	}

	d.session = s

	if s.DedupHit {
		d.finish(ctx, s.Existing)
		return StepDone, nil
	}

	issue := d.issueParts
	if !s.Multipart() {
		issue = d.issueSingle
	}

	d.batcher = NewBatcher(issue, s.TotalParts, d.up.opts.BatchSize, d.logger)
	d.batcher.nowFunc = d.up.nowFunc
	d.cursor = PartCursor{Current: 1, Total: s.TotalParts, BatchSize: d.batcher.BatchSize()}

	return StepFetchingBatch, nil
}

func (d *Driver) issueParts(ctx context.Context, first, last int) (map[int]string, error) {
	return d.up.api.RequestPartURLs(ctx, d.session.Token, first, last)
}

// issueSingle makes the single-shot authorization look like a one-part
// batch, so both paths share the put loop.
func (d *Driver) issueSingle(ctx context.Context, _, _ int) (map[int]string, error) {
	url, err := d.up.api.AuthorizeSingle(ctx, d.session.Token)
	if err != nil {
		return nil, err
	}

	return map[int]string{1: url}, nil
}

func (d *Driver) fetchBatch(ctx context.Context) (Step, error) {
	if err := d.batcher.Refresh(ctx, d.cursor.Current); err != nil {
		return 0, categorize(ErrCredentialBatchFailed, err)
	}

	d.cursor.BatchSize = d.batcher.BatchSize()

	return StepPuttingPart, nil
}

func (d *Driver) putPart(ctx context.Context) (Step, error) {
	part := d.cursor.Current

	if d.batcher.State(part) == BatchExpiring {
		d.logger.Debug("using presigned url close to expiry", slog.Int("part", part))
	}

	url, err := d.batcher.URLFor(ctx, part)
	if err != nil {
		return 0, categorize(ErrCredentialBatchFailed, err)
	}

	n := d.session.PartLen(part)

	// A source shorter or longer than declared is a source failure.
	body, err := d.readPart(n)
	if err != nil {
		return 0, categorize(ErrSourceUnavailable, err)
	}

	if part == d.cursor.Total {
		if err := d.checkExhausted(); err != nil {
			return 0, categorize(ErrSourceUnavailable, err)
		}
	}

	d.logger.Debug("putting part",
		slog.Int("part", part),
		slog.Int("total", d.cursor.Total),
		slog.Int64("bytes", n),
	)

	r := d.up.opts.Limiter.WrapReader(ctx, bytes.NewReader(body))
	if err := d.up.api.PutPart(ctx, url, r, n); err != nil {
		return 0, categorize(ErrPartTransferFailed, err)
	}

	d.puts++
	d.cursor.Current++

	if d.cursor.Current > d.cursor.Total {
		return StepCompleting, nil
	}

	if d.batcher.State(d.cursor.Current) == NeedBatch {
		return StepFetchingBatch, nil
	}

	return StepPuttingPart, nil
}

// readPart reads exactly n bytes from the source into the reusable part
// buffer.
func (d *Driver) readPart(n int64) ([]byte, error) {
	if int64(cap(d.partBuf)) < n {
		d.partBuf = make([]byte, n)
	}

	buf := d.partBuf[:n]

	if _, err := io.ReadFull(d.src.Reader, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("source ended before its declared size %d: %w", d.session.Size, io.ErrUnexpectedEOF)
		}

		return nil, fmt.Errorf("reading source: %w", err)
	}

	return buf, nil
}

// checkExhausted fails when the source still has data after the declared
// size was read.
func (d *Driver) checkExhausted() error {
	var one [1]byte

	n, err := d.src.Reader.Read(one[:])
	if n > 0 {
		return fmt.Errorf("source is longer than its declared size %d", d.session.Size)
	}

	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading source: %w", err)
	}

	return nil
}

func (d *Driver) complete(ctx context.Context) (Step, error) {
	s := d.session

	info, err := d.up.api.CompleteUpload(ctx, s.Token, s.Multipart(), s.Size)
	if err != nil {
		return 0, categorize(ErrCompletionFailed, err)
	}

	if info != nil && info.Etag != "" && !strings.EqualFold(info.Etag, s.Digest) {
		d.logger.Warn("server digest differs from local digest",
			slog.String("local", s.Digest),
			slog.String("server", info.Etag),
			slog.Int64("file_id", info.FileID),
		)
	}

	d.finish(ctx, info)

	return StepDone, nil
}

// finish builds the record and hands it to the history recorder.
func (d *Driver) finish(ctx context.Context, info *pan.FileInfo) {
	s := d.session
	now := d.up.nowFunc()

	rec := &Record{
		FileName:    s.Name,
		Size:        s.Size,
		Digest:      s.Digest,
		ContentType: d.src.ContentType,
		FolderID:    s.FolderID,
		Origin:      d.src.Origin.String(),
		Reused:      s.DedupHit,
		Multipart:   !s.DedupHit && s.Multipart(),
		Parts:       d.puts,
		StartedAt:   d.started,
		CompletedAt: now,
	}

	if info != nil {
		rec.FileID = info.FileID

		if info.FileName != "" {
			rec.FileName = info.FileName
		}
	}

	if rec.FileID == 0 {
		rec.FileID = s.Token.FileID
	}

	d.record = rec

	d.logger.Info("upload complete",
		slog.String("name", rec.FileName),
		slog.Int64("file_id", rec.FileID),
		slog.Int64("size", rec.Size),
		slog.Bool("reused", rec.Reused),
		slog.Int("parts", rec.Parts),
	)

	if h := d.up.opts.History; h != nil {
		if err := h.RecordUpload(ctx, *rec); err != nil {
			d.logger.Warn("failed to record upload history",
				slog.String("error", err.Error()),
			)
		}
	}
}
