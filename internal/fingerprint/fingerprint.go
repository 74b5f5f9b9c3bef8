// Package fingerprint computes the content digest (MD5, lowercase hex) and
// exact byte length of a source in one pass, and sniffs its content type from
// the leading bytes.
package fingerprint

import (
	"crypto/md5" //nolint:gosec // MD5 is the service's content address, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

// ErrHashFailed is returned when the source could not be read to the end.
var ErrHashFailed = errors.New("fingerprint: hash computation failed")

// sniffLen is how many leading bytes are kept for content-type detection.
const sniffLen = 3072

// Result is the outcome of fingerprinting a source.
type Result struct {
	Size        int64
	Digest      string // lowercase hex MD5
	ContentType string
}

// Compute reads r to EOF. It is destructive: a non-seekable r cannot be read
// again afterwards.
func Compute(r io.Reader) (Result, error) {
	h := md5.New() //nolint:gosec // see import
	head := &headBuffer{max: sniffLen}

	n, err := io.Copy(io.MultiWriter(h, head), r)
	if err != nil {
		return Result{}, fmt.Errorf("%w: after %d bytes: %w", ErrHashFailed, n, err)
	}

	return Result{
		Size:        n,
		Digest:      hex.EncodeToString(h.Sum(nil)),
		ContentType: mimetype.Detect(head.buf).String(),
	}, nil
}

// ComputeAt fingerprints rs from its current position to EOF and then seeks
// back, so the position after the call equals the position before it.
func ComputeAt(rs io.ReadSeeker) (Result, error) {
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading position: %w", ErrHashFailed, err)
	}

	res, hashErr := Compute(rs)

	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("%w: restoring position %d: %w", ErrHashFailed, start, err)
	}

	if hashErr != nil {
		return Result{}, hashErr
	}

	return res, nil
}

// Sum returns the lowercase hex MD5 of b.
func Sum(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// DetectContentType sniffs the content type of the leading bytes of a
// payload.
func DetectContentType(head []byte) string {
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}

	return mimetype.Detect(head).String()
}

// headBuffer keeps the first max bytes written to it and discards the rest.
type headBuffer struct {
	buf []byte
	max int
}

func (b *headBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}

		b.buf = append(b.buf, p[:room]...)
	}

	return len(p), nil
}

// HashingWriter accumulates a fingerprint over bytes written to it, for
// callers that already copy the payload somewhere (a spool) and want the
// digest from the same pass.
type HashingWriter struct {
	h    hashState
	head headBuffer
	n    int64
}

type hashState interface {
	io.Writer
	Sum(b []byte) []byte
}

// NewHashingWriter returns a HashingWriter ready for use.
func NewHashingWriter() *HashingWriter {
	return &HashingWriter{
		h:    md5.New(), //nolint:gosec // see import
		head: headBuffer{max: sniffLen},
	}
}

func (w *HashingWriter) Write(p []byte) (int, error) {
	_, _ = w.h.Write(p) //nolint:errcheck // hash.Hash.Write never fails
	_, _ = w.head.Write(p)
	w.n += int64(len(p))

	return len(p), nil
}

// Result returns the fingerprint of everything written so far.
func (w *HashingWriter) Result() Result {
	return Result{
		Size:        w.n,
		Digest:      hex.EncodeToString(w.h.Sum(nil)),
		ContentType: mimetype.Detect(w.head.buf).String(),
	}
}
