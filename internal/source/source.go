// Package source turns the accepted input shapes (a local path, an in-memory
// buffer, a reader, a remote URL, or a sequence of byte chunks) into one
// ByteSource with a known size and content digest.
package source

import (
	"errors"
	"io"
	"iter"
	"time"
)

// ErrSourceUnavailable is returned when an origin cannot be opened or read.
var ErrSourceUnavailable = errors.New("source: unavailable")

// UnknownSize marks a size that has not been resolved yet.
const UnknownSize int64 = -1

// Kind names the origin of a ByteSource.
type Kind int

const (
	KindPath Kind = iota
	KindBuffer
	KindStream
	KindURL
	KindChunks
)

func (k Kind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindBuffer:
		return "buffer"
	case KindStream:
		return "stream"
	case KindURL:
		return "url"
	case KindChunks:
		return "chunks"
	default:
		return "unknown"
	}
}

// Input is one of the accepted origins. Build it with FromPath, FromBytes,
// FromReader, FromURL, FromChunks or FromChannel.
type Input struct {
	kind   Kind
	path   string
	buf    []byte
	stream io.Reader
	url    string
	chunks iter.Seq2[[]byte, error]
	ch     <-chan Chunk
}

// FromPath reads a local file.
func FromPath(path string) Input { return Input{kind: KindPath, path: path} }

// FromBytes uploads an in-memory buffer. The slice must not be modified until
// the upload finishes.
func FromBytes(b []byte) Input { return Input{kind: KindBuffer, buf: b} }

// FromReader uploads whatever r yields. If r is also an io.Seeker that can
// actually seek, it is fingerprinted in place; otherwise it is spooled first.
// If r is an io.Closer it is closed when the ByteSource is closed.
func FromReader(r io.Reader) Input { return Input{kind: KindStream, stream: r} }

// FromURL downloads from a remote URL (http, https or s3).
func FromURL(rawURL string) Input { return Input{kind: KindURL, url: rawURL} }

// FromChunks uploads a finite sequence of byte chunks. A non-nil error ends
// the sequence and fails the upload.
func FromChunks(seq iter.Seq2[[]byte, error]) Input {
	return Input{kind: KindChunks, chunks: seq}
}

// Chunk is one element of an asynchronous chunk stream.
type Chunk struct {
	Data []byte
	Err  error
}

// FromChannel uploads chunks received from ch until it is closed. A chunk
// with a non-nil Err fails the upload. Receiving stops early when the
// upload's context is canceled.
func FromChannel(ch <-chan Chunk) Input { return Input{kind: KindChunks, ch: ch} }

// Kind reports the origin shape.
func (in Input) Kind() Kind { return in.kind }

// Hints carries caller-supplied metadata. When both Digest and Size are set a
// non-seekable source is streamed directly instead of being spooled.
type Hints struct {
	Digest string
	Size   int64 // UnknownSize when not supplied
	Name   string
}

// NoHints returns Hints with nothing supplied.
func NoHints() Hints { return Hints{Size: UnknownSize} }

// ByteSource is a normalized origin: a reader positioned at the first byte to
// upload, plus whatever is known about it. It is consumed exactly once.
type ByteSource struct {
	Origin      Kind
	Reader      io.Reader
	Size        int64  // UnknownSize until resolved
	Digest      string // lowercase hex MD5; empty until resolved
	ContentType string
	Name        string // unsanitized display name; empty if none derivable

	// Path and ModTime identify path sources for the digest cache.
	Path    string
	ModTime time.Time

	// Spooled is set when the content was materialized into a buffer or
	// temp file.
	Spooled bool

	closers []func() error
	closed  bool
}

// Resolved reports whether both size and digest are known.
func (s *ByteSource) Resolved() bool {
	return s.Size >= 0 && s.Digest != ""
}

// Close releases every resource held by the source: open files, response
// bodies, spool files and chunk iterators. Safe to call more than once.
func (s *ByteSource) Close() error {
	if s == nil || s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	// Release in reverse acquisition order.
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	s.closers = nil

	return errors.Join(errs...)
}

func (s *ByteSource) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
