package fingerprint

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloMD5 = "5eb63bbbe01eeed093cb22bb8f5acdc3" // "hello world"

func TestCompute(t *testing.T) {
	res, err := Compute(strings.NewReader("hello world"))
	require.NoError(t, err)

	assert.Equal(t, int64(11), res.Size)
	assert.Equal(t, helloMD5, res.Digest)
	assert.True(t, strings.HasPrefix(res.ContentType, "text/plain"), res.ContentType)
}

func TestCompute_Empty(t *testing.T) {
	res, err := Compute(bytes.NewReader(nil))
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.Size)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", res.Digest)
}

func TestCompute_ReadError(t *testing.T) {
	r := io.MultiReader(strings.NewReader("abc"), errReader{errors.New("disk gone")})

	_, err := Compute(r)
	require.ErrorIs(t, err, ErrHashFailed)
	assert.Contains(t, err.Error(), "disk gone")
	assert.Contains(t, err.Error(), "after 3 bytes")
}

func TestCompute_DetectsPNG(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

	res, err := Compute(bytes.NewReader(png))
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.ContentType)
}

func TestComputeAt_RestoresPosition(t *testing.T) {
	data := []byte("0123456789abcdef")

	for _, start := range []int64{0, 1, 7, 16} {
		rs := bytes.NewReader(data)
		_, err := rs.Seek(start, io.SeekStart)
		require.NoError(t, err)

		res, err := ComputeAt(rs)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data))-start, res.Size)
		assert.Equal(t, Sum(data[start:]), res.Digest)

		pos, err := rs.Seek(0, io.SeekCurrent)
		require.NoError(t, err)
		assert.Equal(t, start, pos, "position after fingerprinting")

		// The remaining bytes are still readable.
		rest, err := io.ReadAll(rs)
		require.NoError(t, err)
		assert.Equal(t, data[start:], rest)
	}
}

func TestComputeAt_SeekFailure(t *testing.T) {
	_, err := ComputeAt(brokenSeeker{})
	require.ErrorIs(t, err, ErrHashFailed)
}

func TestHashingWriter_MatchesCompute(t *testing.T) {
	payload := bytes.Repeat([]byte("xyz"), 5000)

	w := NewHashingWriter()
	_, err := io.Copy(w, bytes.NewReader(payload))
	require.NoError(t, err)

	want, err := Compute(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, want, w.Result())
}

func TestDetectContentType_TruncatesHead(t *testing.T) {
	head := bytes.Repeat([]byte("a"), sniffLen*2)
	assert.True(t, strings.HasPrefix(DetectContentType(head), "text/plain"))
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type brokenSeeker struct{}

func (brokenSeeker) Read([]byte) (int, error) { return 0, io.EOF }

func (brokenSeeker) Seek(int64, int) (int64, error) { return 0, errors.New("not seekable") }
