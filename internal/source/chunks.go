package source

import (
	"context"
	"io"
	"iter"
)

// chunkReader adapts a pull-style chunk sequence to io.Reader.
type chunkReader struct {
	next func() ([]byte, error, bool)
	stop func()
	cur  []byte
	err  error
}

func newChunkReader(seq iter.Seq2[[]byte, error]) *chunkReader {
	next, stop := iter.Pull2(seq)

	return &chunkReader{next: next, stop: stop}
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for len(c.cur) == 0 {
		if c.err != nil {
			return 0, c.err
		}

		b, err, ok := c.next()

		switch {
		case !ok:
			c.err = io.EOF
		case err != nil:
			c.err = err
		default:
			c.cur = b
		}
	}

	n := copy(p, c.cur)
	c.cur = c.cur[n:]

	return n, nil
}

func (c *chunkReader) Close() error {
	c.stop()
	return nil
}

// channelSeq turns a chunk channel into a sequence that ends early when ctx
// is done.
func channelSeq(ctx context.Context, ch <-chan Chunk) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case c, ok := <-ch:
				if !ok {
					return
				}

				if !yield(c.Data, c.Err) {
					return
				}
			}
		}
	}
}
