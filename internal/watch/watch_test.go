package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFsWatcher implements FsWatcher with injectable channels for testing.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error
	added  []string
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 10),
		errs:   make(chan error, 1),
	}
}

func (m *mockFsWatcher) Add(name string) error          { m.added = append(m.added, name); return nil }
func (m *mockFsWatcher) Close() error                   { return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTestWatcher(t *testing.T, root string, opts Options) (*Watcher, *fakeClock) {
	t.Helper()

	w, err := New(root, opts, slog.Default())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	w.nowFunc = clock.Now

	return w, clock
}

func TestNew_NotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	writeFile(t, path, "x")

	_, err := New(path, Options{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestNew_QuietPeriodBounds(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		in, want time.Duration
	}{
		{0, DefaultQuietPeriod},
		{-time.Second, DefaultQuietPeriod},
		{time.Nanosecond, MinQuietPeriod},
		{MinQuietPeriod - 1, MinQuietPeriod},
		{MinQuietPeriod, MinQuietPeriod},
		{5 * time.Second, 5 * time.Second},
	}

	for _, tt := range tests {
		w, err := New(root, Options{QuietPeriod: tt.in}, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, w.opts.QuietPeriod, "quiet period %v", tt.in)
	}
}

func TestRun_NanosecondQuietPeriod(t *testing.T) {
	root := t.TempDir()

	w, err := New(root, Options{QuietPeriod: time.Nanosecond}, slog.Default())
	require.NoError(t, err)

	mock := newMockFsWatcher()
	w.watcherFactory = func() (FsWatcher, error) { return mock, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	assert.NoError(t, w.Run(ctx, make(chan string, 1)))
}

func TestIgnored(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, DefaultIgnoreFile), "*.tmp\nbuild/\n!keep.tmp\n")

	w, _ := newTestWatcher(t, root, Options{})

	tests := []struct {
		rel   string
		isDir bool
		want  bool
	}{
		{"a.txt", false, false},
		{"a.tmp", false, true},
		{"sub/b.tmp", false, true},
		{"keep.tmp", false, false},
		{"build", true, true},
		{"build/out.bin", false, true},
		{DefaultIgnoreFile, false, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, w.Ignored(tt.rel, tt.isDir), tt.rel)
	}
}

func TestIgnored_NoIgnoreFile(t *testing.T) {
	w, _ := newTestWatcher(t, t.TempDir(), Options{})

	assert.False(t, w.Ignored("anything.tmp", false))
	assert.True(t, w.Ignored(DefaultIgnoreFile, false))
}

func TestHandleEvent_SettlesAfterQuietPeriod(t *testing.T) {
	root := t.TempDir()
	w, clock := newTestWatcher(t, root, Options{QuietPeriod: 2 * time.Second})
	mock := newMockFsWatcher()

	p := filepath.Join(root, "a.txt")
	writeFile(t, p, "hello")

	w.handleEvent(fsnotify.Event{Name: p, Op: fsnotify.Create}, mock)
	assert.Empty(t, w.settled())

	clock.Advance(time.Second)
	w.handleEvent(fsnotify.Event{Name: p, Op: fsnotify.Write}, mock)

	// Write restarted the quiet period.
	clock.Advance(1500 * time.Millisecond)
	assert.Empty(t, w.settled())

	clock.Advance(time.Second)
	assert.Equal(t, []string{p}, w.settled())

	// Reported once.
	assert.Empty(t, w.settled())
}

func TestHandleEvent_IgnoresChmodAndIgnoredFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, DefaultIgnoreFile), "*.part\n")

	w, clock := newTestWatcher(t, root, Options{QuietPeriod: time.Second})
	mock := newMockFsWatcher()

	partial := filepath.Join(root, "video.part")
	writeFile(t, partial, "x")
	chmodded := filepath.Join(root, "b.txt")
	writeFile(t, chmodded, "x")

	w.handleEvent(fsnotify.Event{Name: partial, Op: fsnotify.Create}, mock)
	w.handleEvent(fsnotify.Event{Name: chmodded, Op: fsnotify.Chmod}, mock)

	clock.Advance(time.Minute)
	assert.Empty(t, w.settled())
}

func TestHandleEvent_RemoveDropsPending(t *testing.T) {
	root := t.TempDir()
	w, clock := newTestWatcher(t, root, Options{QuietPeriod: time.Second})
	mock := newMockFsWatcher()

	p := filepath.Join(root, "gone.txt")
	writeFile(t, p, "x")

	w.handleEvent(fsnotify.Event{Name: p, Op: fsnotify.Create}, mock)
	w.handleEvent(fsnotify.Event{Name: p, Op: fsnotify.Remove}, mock)

	clock.Advance(time.Minute)
	assert.Empty(t, w.settled())
}

func TestHandleEvent_DeletedBeforeSettling(t *testing.T) {
	root := t.TempDir()
	w, clock := newTestWatcher(t, root, Options{QuietPeriod: time.Second})
	mock := newMockFsWatcher()

	p := filepath.Join(root, "short.txt")
	writeFile(t, p, "x")
	w.handleEvent(fsnotify.Event{Name: p, Op: fsnotify.Create}, mock)

	require.NoError(t, os.Remove(p))

	clock.Advance(time.Minute)
	assert.Empty(t, w.settled())
}

func TestHandleEvent_NewDirectoryIsWatchedAndScanned(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, DefaultIgnoreFile), "cache/\n")

	w, clock := newTestWatcher(t, root, Options{QuietPeriod: time.Second})
	mock := newMockFsWatcher()

	dir := filepath.Join(root, "new")
	inner := filepath.Join(dir, "inner.txt")
	writeFile(t, inner, "x")
	writeFile(t, filepath.Join(dir, "cache", "junk"), "x")

	w.handleEvent(fsnotify.Event{Name: dir, Op: fsnotify.Create}, mock)

	assert.Equal(t, []string{dir}, mock.added)

	clock.Advance(time.Second)
	assert.Equal(t, []string{inner}, w.settled())
}

func TestAddTree_Existing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, DefaultIgnoreFile), "skip/\n")
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "b")
	writeFile(t, filepath.Join(root, "skip", "c.txt"), "c")

	w, clock := newTestWatcher(t, root, Options{QuietPeriod: time.Second, Existing: true})
	mock := newMockFsWatcher()

	require.NoError(t, w.addTree(mock, root, true))
	assert.ElementsMatch(t, []string{root, filepath.Join(root, "sub")}, mock.added)

	clock.Advance(time.Second)
	assert.Equal(t, []string{filepath.Join(root, "a.txt"), filepath.Join(root, "sub", "b.txt")}, w.settled())
}

func TestRun_ReportsSettledFiles(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, Options{QuietPeriod: 100 * time.Millisecond}, slog.Default())
	require.NoError(t, err)

	mock := newMockFsWatcher()
	w.watcherFactory = func() (FsWatcher, error) { return mock, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx, ready) }()

	p := filepath.Join(root, "a.txt")
	writeFile(t, p, "payload")
	mock.events <- fsnotify.Event{Name: p, Op: fsnotify.Create}

	select {
	case got := <-ready:
		assert.Equal(t, p, got)
	case <-time.After(5 * time.Second):
		t.Fatal("settled file not reported")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestRun_RealWatcher(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, Options{QuietPeriod: 100 * time.Millisecond}, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx, ready) }()

	p := filepath.Join(root, "real.txt")

	// The watch is added asynchronously; touch the file again if the first
	// write went unseen.
	deadline := time.After(5 * time.Second)
	retouch := time.NewTicker(time.Second)
	defer retouch.Stop()

	writeFile(t, p, "v1")

	for {
		select {
		case got := <-ready:
			assert.Equal(t, p, got)
			cancel()
			require.NoError(t, <-done)

			return
		case <-retouch.C:
			writeFile(t, p, "v1")
		case <-deadline:
			t.Fatal("real watcher did not report the file")
		}
	}
}
