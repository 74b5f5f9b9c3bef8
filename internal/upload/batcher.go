package upload

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// CredentialValidity is how long a presigned URL stays usable after
	// its batch is issued.
	CredentialValidity = 600 * time.Second

	// ExpiringThreshold is the remaining validity below which a batch
	// counts as expiring and the next batch is made smaller.
	ExpiringThreshold = 120 * time.Second

	// DefaultBatchSize is the number of parts requested per batch.
	DefaultBatchSize = 5
)

// BatchState is the batcher's view of one part index.
type BatchState int

const (
	NeedBatch     BatchState = iota // no usable batch covers the part
	BatchValid                      // covered with plenty of validity left
	BatchExpiring                   // covered, but under ExpiringThreshold left
)

func (s BatchState) String() string {
	switch s {
	case NeedBatch:
		return "need-batch"
	case BatchValid:
		return "batch-valid"
	case BatchExpiring:
		return "batch-expiring"
	default:
		return fmt.Sprintf("BatchState(%d)", int(s))
	}
}

// CredentialBatch is a group of presigned URLs for parts FirstPart through
// LastPart (inclusive), issued together. A batch is never modified; a new
// one replaces it.
type CredentialBatch struct {
	FirstPart int
	LastPart  int
	URLs      map[int]string
	IssuedAt  time.Time
	Validity  time.Duration
}

// Covers reports whether part is inside the batch's range.
func (b *CredentialBatch) Covers(part int) bool {
	return part >= b.FirstPart && part <= b.LastPart
}

// Remaining returns the validity left at now; negative once expired.
func (b *CredentialBatch) Remaining(now time.Time) time.Duration {
	return b.Validity - now.Sub(b.IssuedAt)
}

// IssueFunc obtains presigned URLs for parts first..last (inclusive).
type IssueFunc func(ctx context.Context, first, last int) (map[int]string, error)

// Batcher hands out presigned part URLs, requesting them in batches whose
// size adapts to how fast parts are consumed. It is driven by one upload at a
// time and is not safe for concurrent use.
type Batcher struct {
	issue   IssueFunc
	total   int
	base    int
	size    int
	current *CredentialBatch
	issued  int

	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewBatcher creates a Batcher for an upload of totalParts parts. baseSize
// <= 0 selects DefaultBatchSize.
func NewBatcher(issue IssueFunc, totalParts, baseSize int, logger *slog.Logger) *Batcher {
	if baseSize <= 0 {
		baseSize = DefaultBatchSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Batcher{
		issue:   issue,
		total:   totalParts,
		base:    baseSize,
		size:    baseSize,
		nowFunc: time.Now,
		logger:  logger,
	}
}

// BatchSize is the size the next batch will be requested with (before
// clamping to the remaining parts).
func (b *Batcher) BatchSize() int {
	return b.size
}

// Current returns the batch in use, or nil before the first issue.
func (b *Batcher) Current() *CredentialBatch {
	return b.current
}

// Issued returns how many batches have been requested so far.
func (b *Batcher) Issued() int {
	return b.issued
}

// State classifies part against the current batch.
func (b *Batcher) State(part int) BatchState {
	if b.current == nil || !b.current.Covers(part) {
		return NeedBatch
	}

	remaining := b.current.Remaining(b.nowFunc())

	switch {
	case remaining <= 0:
		return NeedBatch
	case remaining < ExpiringThreshold:
		return BatchExpiring
	default:
		return BatchValid
	}
}

// Refresh replaces the current batch with one starting at part. The batch
// being superseded decides the new size: if it had less than
// ExpiringThreshold left, the size is halved (floor 1); otherwise a size
// shrunk earlier grows back toward the base size.
func (b *Batcher) Refresh(ctx context.Context, part int) error {
	if part < 1 || part > b.total {
		return fmt.Errorf("part %d outside 1..%d", part, b.total)
	}

	now := b.nowFunc()

	if prev := b.current; prev != nil {
		remaining := prev.Remaining(now)

		switch {
		case remaining < ExpiringThreshold:
			b.size = max(1, b.size/2)

			b.logger.Info("credential batch was expiring, shrinking batch size",
				slog.Duration("remaining", remaining),
				slog.Int("batch_size", b.size),
			)
		case b.size < b.base:
			b.size = min(b.base, b.size*2)
		}
	}

	last := min(part+b.size-1, b.total)

	urls, err := b.issue(ctx, part, last)
	if err != nil {
		return err
	}

	for p := part; p <= last; p++ {
		if urls[p] == "" {
			return fmt.Errorf("no presigned url for part %d in batch %d..%d", p, part, last)
		}
	}

	b.current = &CredentialBatch{
		FirstPart: part,
		LastPart:  last,
		URLs:      urls,
		IssuedAt:  b.nowFunc(),
		Validity:  CredentialValidity,
	}
	b.issued++

	b.logger.Debug("credential batch issued",
		slog.Int("first_part", part),
		slog.Int("last_part", last),
		slog.Int("batch_size", b.size),
	)

	return nil
}

// URLFor returns the presigned URL for part, issuing a new batch first when
// the part is not covered or the current batch has expired.
func (b *Batcher) URLFor(ctx context.Context, part int) (string, error) {
	if b.State(part) == NeedBatch {
		if err := b.Refresh(ctx, part); err != nil {
			return "", err
		}
	}

	return b.current.URLs[part], nil
}
