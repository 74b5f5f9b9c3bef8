package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/panupload/internal/fingerprint"
)

// DefaultSpoolMemoryLimit is how much of a non-seekable source is buffered
// in memory before spooling moves to a temp file.
const DefaultSpoolMemoryLimit = 16 << 20

// DigestCache remembers digests of local files keyed by path, size and
// modification time. Defined here, at the consumer.
type DigestCache interface {
	LookupDigest(ctx context.Context, path string, size int64, modTime time.Time) (string, bool, error)
	StoreDigest(ctx context.Context, path string, size int64, modTime time.Time, digest string) error
}

// Options configures a Normalizer.
type Options struct {
	Platform         Platform
	SpoolMemoryLimit int64             // <= 0 selects DefaultSpoolMemoryLimit
	TempDir          string            // "" selects os.TempDir()
	Openers          map[string]Opener // by URL scheme; http and https default to HTTPOpener
	Cache            DigestCache       // optional
}

// Normalizer opens Inputs as ByteSources and resolves their size and digest.
type Normalizer struct {
	opts   Options
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts Options, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.SpoolMemoryLimit <= 0 {
		opts.SpoolMemoryLimit = DefaultSpoolMemoryLimit
	}

	openers := map[string]Opener{
		"http":  &HTTPOpener{},
		"https": &HTTPOpener{},
	}
	for scheme, o := range opts.Openers {
		openers[strings.ToLower(scheme)] = o
	}

	opts.Openers = openers

	return &Normalizer{opts: opts, logger: logger}
}

// Platform returns the naming convention names are sanitized for.
func (n *Normalizer) Platform() Platform {
	return n.opts.Platform
}

// DisplayName returns the sanitized upload name: the caller's expected name
// if given, else the name derived from the source, else a random UUID.
func (n *Normalizer) DisplayName(src *ByteSource, expected string) string {
	name := expected
	if name == "" && src != nil {
		name = src.Name
	}

	return Sanitize(name, n.opts.Platform)
}

// Open turns in into a ByteSource. Sources that cannot seek are spooled so
// they can be fingerprinted, unless hints already carry both digest and
// size. The caller must Close the returned source.
func (n *Normalizer) Open(ctx context.Context, in Input, hints Hints) (*ByteSource, error) {
	src := &ByteSource{Origin: in.kind, Size: UnknownSize}

	var err error

	switch in.kind {
	case KindPath:
		err = n.openPath(src, in.path)
	case KindBuffer:
		n.openBuffer(src, in.buf, hints)
	case KindStream:
		err = n.openStream(src, in.stream)
	case KindURL:
		err = n.openURL(ctx, src, in.url)
	case KindChunks:
		seq := in.chunks
		if in.ch != nil {
			seq = channelSeq(ctx, in.ch)
		}

		if seq == nil {
			err = fmt.Errorf("%w: empty chunk input", ErrSourceUnavailable)
			break
		}

		cr := newChunkReader(seq)
		src.Reader = cr
		src.onClose(cr.Close)
	default:
		err = fmt.Errorf("%w: unknown input kind %d", ErrSourceUnavailable, in.kind)
	}

	if err != nil {
		_ = src.Close()
		return nil, err
	}

	applyHints(src, hints)

	if _, seekable := canSeek(src.Reader); !seekable && !src.Resolved() {
		if err := n.spool(ctx, src); err != nil {
			_ = src.Close()
			return nil, err
		}
	}

	n.logger.Debug("source opened",
		slog.String("origin", src.Origin.String()),
		slog.String("name", src.Name),
		slog.Int64("size", src.Size),
		slog.Bool("spooled", src.Spooled),
	)

	return src, nil
}

func applyHints(src *ByteSource, hints Hints) {
	if hints.Name != "" {
		src.Name = hints.Name
	}

	if src.Size < 0 && hints.Size >= 0 {
		src.Size = hints.Size
	}

	if src.Digest == "" && hints.Digest != "" {
		src.Digest = strings.ToLower(hints.Digest)
	}
}

func (n *Normalizer) openPath(src *ByteSource, p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, p, err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	src.onClose(f.Close)

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrSourceUnavailable, abs)
	}

	src.Reader = f
	src.Name = filepath.Base(abs)
	src.Path = abs
	src.ModTime = info.ModTime()

	if info.Mode().IsRegular() {
		src.Size = info.Size()
	}

	return nil
}

func (n *Normalizer) openBuffer(src *ByteSource, b []byte, hints Hints) {
	src.Reader = bytes.NewReader(b)
	src.Size = int64(len(b))
	src.ContentType = fingerprint.DetectContentType(b)

	if hints.Digest == "" {
		src.Digest = fingerprint.Sum(b)
	}
}

func (n *Normalizer) openStream(src *ByteSource, r io.Reader) error {
	if r == nil {
		return fmt.Errorf("%w: nil reader", ErrSourceUnavailable)
	}

	src.Reader = r

	if c, ok := r.(io.Closer); ok {
		src.onClose(c.Close)
	}

	if f, ok := r.(*os.File); ok {
		src.Name = filepath.Base(f.Name())
	}

	return nil
}

func (n *Normalizer) openURL(ctx context.Context, src *ByteSource, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	opener, ok := n.opts.Openers[strings.ToLower(u.Scheme)]
	if !ok {
		return fmt.Errorf("%w: unsupported URL scheme %q", ErrSourceUnavailable, u.Scheme)
	}

	n.logger.Info("opening remote source", slog.String("url", u.Redacted()))

	rem, err := opener.Open(ctx, u)
	if err != nil {
		return err
	}

	src.Reader = rem.Body
	src.onClose(rem.Body.Close)
	src.Size = rem.Size
	src.Digest = rem.Digest
	src.Name = rem.Name
	src.ContentType = rem.ContentType

	return nil
}

// spool copies the whole source into memory, or into a temp file once it
// outgrows SpoolMemoryLimit, hashing as it goes. Afterwards the source is
// seekable and resolved.
func (n *Normalizer) spool(ctx context.Context, src *ByteSource) error {
	hw := fingerprint.NewHashingWriter()
	r := ctxReader{ctx: ctx, r: src.Reader}

	var mem bytes.Buffer

	onDisk := false

	_, err := io.CopyN(io.MultiWriter(&mem, hw), r, n.opts.SpoolMemoryLimit+1)
	switch {
	case errors.Is(err, io.EOF):
		src.Reader = bytes.NewReader(mem.Bytes())
	case err != nil:
		return spoolError(ctx, err)
	default:
		f, ferr := n.spoolToFile(ctx, src, &mem, r, hw)
		if ferr != nil {
			return ferr
		}

		src.Reader = f
		onDisk = true
	}

	res := hw.Result()
	src.Spooled = true

	if src.Size >= 0 && src.Size != res.Size {
		return fmt.Errorf("%w: read %d bytes but the declared size is %d", ErrSourceUnavailable, res.Size, src.Size)
	}

	src.Size = res.Size

	if src.Digest == "" {
		src.Digest = res.Digest
	}

	if src.ContentType == "" {
		src.ContentType = res.ContentType
	}

	n.logger.Debug("source spooled",
		slog.Int64("size", res.Size),
		slog.Bool("on_disk", onDisk),
	)

	return nil
}

func (n *Normalizer) spoolToFile(
	ctx context.Context, src *ByteSource, head *bytes.Buffer, rest io.Reader, hw io.Writer,
) (*os.File, error) {
	f, err := os.CreateTemp(n.opts.TempDir, "panupload-spool-*")
	if err != nil {
		return nil, fmt.Errorf("source: creating spool file: %w", err)
	}

	name := f.Name()
	src.onClose(func() error {
		f.Close()
		return os.Remove(name)
	})

	if _, err := head.WriteTo(f); err != nil {
		return nil, fmt.Errorf("source: writing spool file: %w", err)
	}

	if _, err := io.Copy(io.MultiWriter(f, hw), rest); err != nil {
		return nil, spoolError(ctx, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("source: rewinding spool file: %w", err)
	}

	return f, nil
}

func spoolError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("source: spooling canceled: %w", ctx.Err())
	}

	return fmt.Errorf("%w: reading source: %w", ErrSourceUnavailable, err)
}

// Resolve fills in the size and digest of src. Seekable sources are
// fingerprinted in place and left at their original position.
func (n *Normalizer) Resolve(ctx context.Context, src *ByteSource) error {
	if src.Digest == "" && src.Path != "" && src.Size >= 0 && n.opts.Cache != nil {
		n.lookupCache(ctx, src)
	}

	rs, seekable := canSeek(src.Reader)

	if src.Digest != "" && src.Size < 0 {
		if l, ok := DiscoverLength(src.Reader); ok {
			src.Size = l
		}
	}

	if src.Resolved() {
		if src.ContentType == "" && seekable {
			src.ContentType = sniffAt(rs)
		}

		return nil
	}

	if !seekable {
		return fmt.Errorf("%w: non-seekable %s source reached hashing unresolved",
			fingerprint.ErrHashFailed, src.Origin)
	}

	started := time.Now()

	res, err := fingerprint.ComputeAt(withContext(ctx, rs))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("source: hashing canceled: %w", ctx.Err())
		}

		return err
	}

	n.logger.Debug("source fingerprinted",
		slog.String("name", src.Name),
		slog.Int64("size", res.Size),
		slog.String("md5", res.Digest),
		slog.Duration("elapsed", time.Since(started)),
	)

	src.Size = res.Size
	src.Digest = res.Digest

	if src.ContentType == "" {
		src.ContentType = res.ContentType
	}

	if src.Path != "" && n.opts.Cache != nil {
		if err := n.opts.Cache.StoreDigest(ctx, src.Path, src.Size, src.ModTime, src.Digest); err != nil {
			n.logger.Warn("failed to cache digest",
				slog.String("path", src.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func (n *Normalizer) lookupCache(ctx context.Context, src *ByteSource) {
	digest, ok, err := n.opts.Cache.LookupDigest(ctx, src.Path, src.Size, src.ModTime)
	if err != nil {
		n.logger.Warn("digest cache lookup failed",
			slog.String("path", src.Path),
			slog.String("error", err.Error()),
		)

		return
	}

	if ok {
		n.logger.Debug("digest cache hit", slog.String("path", src.Path))
		src.Digest = digest
	}
}

// sniffAt detects the content type from the next bytes of rs without
// moving its position.
func sniffAt(rs io.ReadSeeker) string {
	cur, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return ""
	}

	head := make([]byte, 3072)
	n, _ := io.ReadFull(rs, head) //nolint:errcheck // short reads are fine for sniffing

	if _, err := rs.Seek(cur, io.SeekStart); err != nil {
		return ""
	}

	return fingerprint.DetectContentType(head[:n])
}
