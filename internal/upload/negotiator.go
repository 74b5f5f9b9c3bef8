package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tonimelisma/panupload/internal/pan"
)

// API is the subset of the 123pan client the pipeline drives. Defined at
// the consumer; *pan.Client satisfies it.
type API interface {
	RequestUpload(ctx context.Context, req pan.UploadRequest) (*pan.UploadTicket, error)
	RequestPartURLs(ctx context.Context, tok pan.UploadToken, first, last int) (map[int]string, error)
	AuthorizeSingle(ctx context.Context, tok pan.UploadToken) (string, error)
	PutPart(ctx context.Context, url string, body io.Reader, size int64) error
	CompleteUpload(ctx context.Context, tok pan.UploadToken, multipart bool, size int64) (*pan.FileInfo, error)
}

// Meta is what the negotiator sends for one upload.
type Meta struct {
	Digest    string
	Name      string // already sanitized
	Size      int64
	FolderID  int64
	Duplicate pan.DuplicatePolicy
}

// Session is the negotiated state of one upload. Only DedupHit is decided
// after creation; the rest is fixed for the session's lifetime.
type Session struct {
	Digest    string
	Name      string
	Size      int64
	FolderID  int64
	Duplicate pan.DuplicatePolicy

	DedupHit   bool
	Existing   *pan.FileInfo // the stored file on a dedup hit
	PartSize   int64
	TotalParts int
	Token      pan.UploadToken
}

// Multipart reports whether the payload is split into parts. Payloads that
// fit in one part (including empty ones) go single-shot.
func (s *Session) Multipart() bool {
	return s.Size > s.PartSize
}

// PartLen returns the byte length of 1-based part n.
func (s *Session) PartLen(n int) int64 {
	if !s.Multipart() {
		return s.Size
	}

	off := int64(n-1) * s.PartSize

	return min(s.PartSize, s.Size-off)
}

// totalParts is ceil(size / partSize), and 1 for single-shot payloads.
func totalParts(size, partSize int64) int {
	if size <= partSize {
		return 1
	}

	return int((size + partSize - 1) / partSize)
}

// Negotiator issues the request-upload call and interprets the answer.
type Negotiator struct {
	api    API
	logger *slog.Logger
}

// NewNegotiator creates a Negotiator.
func NewNegotiator(api API, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Negotiator{api: api, logger: logger}
}

// Negotiate asks the service to start an upload. A rejected request, or an
// answer that neither reports a dedup hit nor carries a usable part size,
// fails with ErrNegotiationRejected. Nothing is retried.
func (n *Negotiator) Negotiate(ctx context.Context, m Meta) (*Session, error) {
	ticket, err := n.api.RequestUpload(ctx, pan.UploadRequest{
		Digest:    m.Digest,
		Name:      m.Name,
		Size:      m.Size,
		ParentID:  m.FolderID,
		Duplicate: m.Duplicate,
	})
	if err != nil {
		return nil, categorize(ErrNegotiationRejected, err)
	}

	s := &Session{
		Digest:    m.Digest,
		Name:      m.Name,
		Size:      m.Size,
		FolderID:  m.FolderID,
		Duplicate: m.Duplicate,
		Token:     ticket.Token,
	}

	if ticket.Reuse {
		s.DedupHit = true
		s.Existing = ticket.Info

		n.logger.Info("dedup hit, no transfer needed",
			slog.String("name", m.Name),
			slog.String("md5", m.Digest),
			slog.Int64("size", m.Size),
		)

		return s, nil
	}

	if ticket.PartSize <= 0 {
		return nil, fmt.Errorf("%w: server returned part size %d", ErrNegotiationRejected, ticket.PartSize)
	}

	s.PartSize = ticket.PartSize
	s.TotalParts = totalParts(m.Size, ticket.PartSize)

	n.logger.Info("upload negotiated",
		slog.String("name", m.Name),
		slog.Int64("size", m.Size),
		slog.Int64("part_size", s.PartSize),
		slog.Int("total_parts", s.TotalParts),
		slog.Bool("multipart", s.Multipart()),
	)

	return s, nil
}
