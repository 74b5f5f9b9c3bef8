// Package watch reports files that appear or change under a directory once
// they have stopped changing for a quiet period. Paths matching the
// gitignore-style rules in the directory's ignore file are skipped.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnoreFile is the ignore file looked up in the watched root.
const DefaultIgnoreFile = ".panignore"

// DefaultQuietPeriod is how long a file must go without events before it is
// reported.
const DefaultQuietPeriod = 2 * time.Second

// MinQuietPeriod is the shortest quiet period New accepts; shorter positive
// values are raised to it. Pending files are checked every half period.
const MinQuietPeriod = 100 * time.Millisecond

// Backoff bounds for sustained watcher errors.
const (
	watchErrInitBackoff = 100 * time.Millisecond
	watchErrMaxBackoff  = 10 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher is the subset of *fsnotify.Watcher the Watcher needs.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWatcher) Add(name string) error          { return f.w.Add(name) }
func (f fsnotifyWatcher) Close() error                   { return f.w.Close() }
func (f fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return fsnotifyWatcher{w: w}, nil
}

// Options configures a Watcher.
type Options struct {
	QuietPeriod time.Duration // <= 0 selects DefaultQuietPeriod; raised to MinQuietPeriod
	IgnoreFile  string        // name inside root; "" selects DefaultIgnoreFile
	Existing    bool          // also report files already present at start
}

// Watcher watches a directory tree. Not safe for concurrent Run calls.
type Watcher struct {
	root    string
	opts    Options
	rules   *ignore.GitIgnore
	logger  *slog.Logger
	pending map[string]time.Time // abs path -> last event

	watcherFactory func() (FsWatcher, error)
	nowFunc        func() time.Time
}

// New creates a Watcher for root and loads its ignore file, if any.
func New(root string, opts Options, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case opts.QuietPeriod <= 0:
		opts.QuietPeriod = DefaultQuietPeriod
	case opts.QuietPeriod < MinQuietPeriod:
		opts.QuietPeriod = MinQuietPeriod
	}

	if opts.IgnoreFile == "" {
		opts.IgnoreFile = DefaultIgnoreFile
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolving %s: %w", root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("watch: %s is not a directory", abs)
	}

	w := &Watcher{
		root:           abs,
		opts:           opts,
		logger:         logger,
		pending:        make(map[string]time.Time),
		watcherFactory: newFsnotifyWatcher,
		nowFunc:        time.Now,
	}

	ignorePath := filepath.Join(abs, opts.IgnoreFile)

	rules, err := ignore.CompileIgnoreFile(ignorePath)
	switch {
	case err == nil:
		logger.Debug("loaded ignore file", slog.String("path", ignorePath))
		w.rules = rules
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("no ignore file", slog.String("path", ignorePath))
	default:
		return nil, fmt.Errorf("watch: reading %s: %w", ignorePath, err)
	}

	return w, nil
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Ignored reports whether the path, relative to root, is excluded. The ignore
// file itself is always excluded.
func (w *Watcher) Ignored(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	if rel == w.opts.IgnoreFile {
		return true
	}

	if w.rules == nil {
		return false
	}

	// go-gitignore uses a trailing slash for directories.
	if isDir {
		rel += "/"
	}

	return w.rules.MatchesPath(rel)
}

// Run watches until ctx is canceled, sending each settled file's absolute
// path on ready. A file that changes again after being reported is reported
// again once it settles. Returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context, ready chan<- string) error {
	watcher, err := w.watcherFactory()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addTree(watcher, w.root, w.opts.Existing); err != nil {
		return err
	}

	w.logger.Info("watching directory",
		slog.String("root", w.root),
		slog.Duration("quiet_period", w.opts.QuietPeriod),
	)

	tick := time.NewTicker(w.opts.QuietPeriod / 2)
	defer tick.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			w.handleEvent(ev, watcher)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleep(ctx, errBackoff) != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-tick.C:
			for _, p := range w.settled() {
				select {
				case ready <- p:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// addTree watches dir and every non-ignored directory below it. With queue
// set, files found on the way are marked pending too.
func (w *Watcher) addTree(watcher FsWatcher, dir string, queue bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping unreadable path",
				slog.String("path", p), slog.String("error", err.Error()))

			if d != nil && d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		rel, relErr := filepath.Rel(w.root, p)
		if relErr != nil {
			return nil //nolint:nilerr // path outside root, skip it
		}

		if rel != "." && w.Ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			if addErr := watcher.Add(p); addErr != nil {
				if p == w.root {
					return fmt.Errorf("watch: adding %s: %w", p, addErr)
				}

				w.logger.Warn("failed to watch directory",
					slog.String("path", p), slog.String("error", addErr.Error()))
			}

			return nil
		}

		if queue && d.Type().IsRegular() {
			w.pending[p] = w.nowFunc()
		}

		return nil
	})
}

// handleEvent updates the pending set for one fsnotify event.
func (w *Watcher) handleEvent(ev fsnotify.Event, watcher FsWatcher) {
	// Mode changes alone carry no content.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		delete(w.pending, ev.Name)
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Gone again before we looked.
		delete(w.pending, ev.Name)
		return
	}

	if w.Ignored(rel, info.IsDir()) {
		w.logger.Debug("ignoring path", slog.String("path", rel))
		return
	}

	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			// Files created before the watch was added are picked up by the walk.
			if err := w.addTree(watcher, ev.Name, true); err != nil {
				w.logger.Warn("failed to watch new directory",
					slog.String("path", rel), slog.String("error", err.Error()))
			}
		}

		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	w.pending[ev.Name] = w.nowFunc()
}

// settled removes and returns, sorted, the pending files that have been quiet
// for the whole quiet period and still exist.
func (w *Watcher) settled() []string {
	now := w.nowFunc()

	var out []string

	for p, last := range w.pending {
		if now.Sub(last) < w.opts.QuietPeriod {
			continue
		}

		delete(w.pending, p)

		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		out = append(out, p)
	}

	sort.Strings(out)

	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
