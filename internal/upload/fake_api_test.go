package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tonimelisma/panupload/internal/pan"
	"github.com/tonimelisma/panupload/internal/source"
)

const (
	kib = 1 << 10
	mib = 1 << 20
)

// apiCall is one recorded call on fakeAPI.
type apiCall struct {
	Op        string // request, urls, single, put, complete
	First     int
	Last      int
	Part      int
	Size      int64
	Multipart bool
}

func (c apiCall) String() string {
	switch c.Op {
	case "urls":
		return fmt.Sprintf("urls(%d..%d)", c.First, c.Last)
	case "put":
		return fmt.Sprintf("put(%d,%d)", c.Part, c.Size)
	case "complete":
		return fmt.Sprintf("complete(%t)", c.Multipart)
	default:
		return c.Op
	}
}

// fakeAPI is an in-memory API recording every call in order.
type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
	data  []byte // concatenated PUT bodies

	partSize int64
	reuse    bool

	requestErr  error
	urlsErr     error
	singleErr   error
	completeErr error
	failPutPart int // part whose PUT fails; 0 = none
	dropURLPart int // part left out of url batches; 0 = none
	serverEtag  string

	// onPut runs after each successful PUT (outside the lock).
	onPut func(part int)
}

func newFakeAPI(partSize int64) *fakeAPI {
	return &fakeAPI{partSize: partSize}
}

func (f *fakeAPI) record(c apiCall) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, c)
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]apiCall(nil), f.calls...)
}

// Trace renders the call log compactly, e.g. "request urls(1..3) put(1,4)".
func (f *fakeAPI) Trace() string {
	calls := f.Calls()
	parts := make([]string, len(calls))

	for i, c := range calls {
		parts[i] = c.String()
	}

	return strings.Join(parts, " ")
}

func (f *fakeAPI) Puts() []apiCall {
	var puts []apiCall

	for _, c := range f.Calls() {
		if c.Op == "put" {
			puts = append(puts, c)
		}
	}

	return puts
}

func (f *fakeAPI) RequestUpload(_ context.Context, req pan.UploadRequest) (*pan.UploadTicket, error) {
	f.record(apiCall{Op: "request", Size: req.Size})

	if f.requestErr != nil {
		return nil, f.requestErr
	}

	if f.reuse {
		return &pan.UploadTicket{
			Reuse: true,
			Info:  &pan.FileInfo{FileID: 777, FileName: req.Name, Size: req.Size, Etag: req.Digest},
		}, nil
	}

	return &pan.UploadTicket{
		PartSize: f.partSize,
		Token:    pan.UploadToken{Bucket: "b", Key: "k", UploadID: "u", StorageNode: "n", FileID: 42},
	}, nil
}

func (f *fakeAPI) RequestPartURLs(_ context.Context, _ pan.UploadToken, first, last int) (map[int]string, error) {
	f.record(apiCall{Op: "urls", First: first, Last: last})

	if f.urlsErr != nil {
		return nil, f.urlsErr
	}

	urls := make(map[int]string, last-first+1)

	for p := first; p <= last; p++ {
		if p == f.dropURLPart {
			continue
		}

		urls[p] = "https://s3.test/part/" + strconv.Itoa(p)
	}

	return urls, nil
}

func (f *fakeAPI) AuthorizeSingle(_ context.Context, _ pan.UploadToken) (string, error) {
	f.record(apiCall{Op: "single"})

	if f.singleErr != nil {
		return "", f.singleErr
	}

	return "https://s3.test/part/1", nil
}

func (f *fakeAPI) PutPart(ctx context.Context, url string, body io.Reader, size int64) error {
	part, err := strconv.Atoi(url[strings.LastIndex(url, "/")+1:])
	if err != nil {
		return fmt.Errorf("bad url %q", url)
	}

	f.record(apiCall{Op: "put", Part: part, Size: size})

	if part == f.failPutPart {
		return &pan.APIError{HTTPStatus: 403, Message: "SignatureDoesNotMatch", Err: pan.ErrForbidden}
	}

	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	if int64(len(b)) != size {
		return fmt.Errorf("body has %d bytes, declared %d", len(b), size)
	}

	f.mu.Lock()
	f.data = append(f.data, b...)
	f.mu.Unlock()

	if f.onPut != nil {
		f.onPut(part)
	}

	return ctx.Err()
}

func (f *fakeAPI) CompleteUpload(_ context.Context, tok pan.UploadToken, multipart bool, size int64) (*pan.FileInfo, error) {
	f.record(apiCall{Op: "complete", Multipart: multipart, Size: size})

	if f.completeErr != nil {
		return nil, f.completeErr
	}

	return &pan.FileInfo{FileID: tok.FileID, Size: size, Etag: f.serverEtag}, nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// newTestUploader wires an Uploader to api with a temp spool dir.
func newTestUploader(t *testing.T, api API, opts Options) *Uploader {
	t.Helper()

	norm := source.NewNormalizer(source.Options{
		Platform:         source.PlatformWindows,
		SpoolMemoryLimit: 64 * kib,
		TempDir:          t.TempDir(),
	}, slog.Default())

	return NewUploader(api, norm, opts, slog.Default())
}

// pattern returns n deterministic bytes.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}

	return b
}

// pipeReader hides everything but Read, like a network stream.
type pipeReader struct{ r io.Reader }

func (p pipeReader) Read(b []byte) (int, error) { return p.r.Read(b) }
