package source

import (
	"context"
	"io"
	"io/fs"
)

// DiscoverLength reports how many bytes remain in r from its current
// position. It tries, in order, a file stat, a Len method and a
// seek-to-end-and-restore. ok is false when none of them works.
func DiscoverLength(r io.Reader) (n int64, ok bool) {
	if n, ok := statLength(r); ok {
		return n, true
	}

	if l, isLen := r.(interface{ Len() int }); isLen {
		return int64(l.Len()), true
	}

	if rs, isSeeker := r.(io.Seeker); isSeeker {
		return seekLength(rs)
	}

	return 0, false
}

func statLength(r io.Reader) (int64, bool) {
	st, ok := r.(interface{ Stat() (fs.FileInfo, error) })
	if !ok {
		return 0, false
	}

	info, err := st.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}

	var pos int64

	if rs, isSeeker := r.(io.Seeker); isSeeker {
		p, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, false
		}

		pos = p
	}

	if pos > info.Size() {
		return 0, true
	}

	return info.Size() - pos, true
}

func seekLength(rs io.Seeker) (int64, bool) {
	cur, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, false
	}

	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false
	}

	if _, err := rs.Seek(cur, io.SeekStart); err != nil {
		return 0, false
	}

	return end - cur, true
}

// canSeek checks whether rs really seeks. Pipes and terminals wrapped in an
// *os.File satisfy io.Seeker but fail at runtime.
func canSeek(r io.Reader) (io.ReadSeeker, bool) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		return nil, false
	}

	if _, err := rs.Seek(0, io.SeekCurrent); err != nil {
		return nil, false
	}

	return rs, true
}

// ctxReader fails reads once ctx is done, so long copies stop promptly on
// cancellation.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

type ctxReadSeeker struct {
	ctxReader
	s io.Seeker
}

func (c ctxReadSeeker) Seek(offset int64, whence int) (int64, error) {
	return c.s.Seek(offset, whence)
}

func withContext(ctx context.Context, rs io.ReadSeeker) io.ReadSeeker {
	return ctxReadSeeker{ctxReader: ctxReader{ctx: ctx, r: rs}, s: rs}
}
