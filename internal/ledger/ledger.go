// Package ledger is the local SQLite store: a cache of content digests for
// files on disk, keyed by path, size and modification time, and the history
// of completed uploads.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/panupload/internal/source"
	"github.com/tonimelisma/panupload/internal/upload"
)

const (
	sqlLookupDigest = `SELECT md5 FROM digest_cache
		WHERE path = ? AND size = ? AND mtime_ns = ?`

	sqlUpsertDigest = `INSERT INTO digest_cache (path, size, mtime_ns, md5, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
		 size = excluded.size,
		 mtime_ns = excluded.mtime_ns,
		 md5 = excluded.md5,
		 updated_at = excluded.updated_at`

	sqlDeleteDigest = `DELETE FROM digest_cache WHERE path = ?`

	sqlInsertUpload = `INSERT INTO uploads
		(file_id, file_name, size, md5, content_type, folder_id, origin,
		 reused, multipart, parts, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlListUploads = `SELECT id, file_id, file_name, size, md5, content_type,
		folder_id, origin, reused, multipart, parts, started_at, completed_at
		FROM uploads ORDER BY completed_at DESC, id DESC LIMIT ?`

	sqlFindByDigest = `SELECT id, file_id, file_name, size, md5, content_type,
		folder_id, origin, reused, multipart, parts, started_at, completed_at
		FROM uploads WHERE md5 = ? ORDER BY completed_at DESC, id DESC`

	sqlPruneUploads = `DELETE FROM uploads WHERE completed_at < ?`
)

// Entry is one stored upload.
type Entry struct {
	ID int64
	upload.Record
}

// Store is the ledger database. Safe for concurrent use; writes are
// serialized through a single connection.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the database at dbPath and applies
// migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: creating directory for %s: %w", dbPath, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LookupDigest returns the cached digest for path when size and modTime
// still match what was recorded.
func (s *Store) LookupDigest(ctx context.Context, path string, size int64, modTime time.Time) (string, bool, error) {
	var digest string

	err := s.db.QueryRowContext(ctx, sqlLookupDigest, path, size, modTime.UnixNano()).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("ledger: looking up digest for %s: %w", path, err)
	}

	return digest, true, nil
}

// StoreDigest records the digest of path at the given size and modTime,
// replacing any earlier entry for the path.
func (s *Store) StoreDigest(ctx context.Context, path string, size int64, modTime time.Time, digest string) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertDigest,
		path, size, modTime.UnixNano(), digest, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: storing digest for %s: %w", path, err)
	}

	return nil
}

// ForgetDigest drops the cached digest for path.
func (s *Store) ForgetDigest(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteDigest, path); err != nil {
		return fmt.Errorf("ledger: forgetting digest for %s: %w", path, err)
	}

	return nil
}

// RecordUpload appends a completed upload to the history.
func (s *Store) RecordUpload(ctx context.Context, rec upload.Record) error {
	_, err := s.db.ExecContext(ctx, sqlInsertUpload,
		rec.FileID, rec.FileName, rec.Size, rec.Digest, nullString(rec.ContentType),
		rec.FolderID, rec.Origin, rec.Reused, rec.Multipart, rec.Parts,
		rec.StartedAt.UnixNano(), rec.CompletedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording upload of %s: %w", rec.FileName, err)
	}

	s.logger.Debug("upload recorded",
		slog.String("name", rec.FileName),
		slog.Int64("file_id", rec.FileID),
	)

	return nil
}

// List returns up to limit uploads, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}

	return s.query(ctx, sqlListUploads, limit)
}

// FindByDigest returns every recorded upload of content with digest, most
// recent first.
func (s *Store) FindByDigest(ctx context.Context, digest string) ([]Entry, error) {
	return s.query(ctx, sqlFindByDigest, digest)
}

// Prune deletes uploads completed before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlPruneUploads, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning history: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning history: %w", err)
	}

	if n > 0 {
		s.logger.Info("pruned upload history",
			slog.Int64("removed", n),
			slog.Time("cutoff", cutoff),
		)
	}

	return n, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying uploads: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating uploads: %w", err)
	}

	return out, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e           Entry
		contentType sql.NullString
		started     int64
		completed   int64
	)

	err := rows.Scan(
		&e.ID, &e.FileID, &e.FileName, &e.Size, &e.Digest, &contentType,
		&e.FolderID, &e.Origin, &e.Reused, &e.Multipart, &e.Parts, &started, &completed,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: scanning upload row: %w", err)
	}

	e.ContentType = contentType.String
	e.StartedAt = time.Unix(0, started)
	e.CompletedAt = time.Unix(0, completed)

	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ upload.HistoryRecorder = (*Store)(nil)
	_ source.DigestCache     = (*Store)(nil)
)
