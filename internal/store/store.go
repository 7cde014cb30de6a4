// Package store persists one entity's archive in its own SQLite
// database: message history, the content-addressed media index, and
// run metadata. The database is the sole authority on which blobs
// exist; the filesystem is just where the bytes live.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Schema version recorded in backup_metadata. Bumped when migrations
// change the shape of existing tables.
const schemaVersion = "2"

// Metadata keys in backup_metadata.
const (
	MetaSchemaVersion = "schema_version"
	MetaHashAlgorithm = "hash_algorithm"
	MetaLastIndexTime = "last_media_index_time"
	MetaLastIndexSize = "last_media_index_count"
)

// ErrAlgorithmMismatch is returned by Open when the database was
// indexed under a different hash algorithm. Digests from different
// algorithms must never be compared, so the store refuses to open.
var ErrAlgorithmMismatch = errors.New("store: hash algorithm mismatch")

// Store wraps the archive database. A single Store owns the file for
// the life of a run (sole-writer via SetMaxOpenConns(1)).
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens (or creates) the archive database at dbPath, runs
// migrations, backfills legacy columns, and verifies the recorded hash
// algorithm matches algo. WAL mode with synchronous=FULL gives
// crash-safe durability.
func Open(ctx context.Context, dbPath, algo string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := addLegacyColumns(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, path: dbPath, logger: logger, nowFunc: time.Now}

	if err := s.checkAlgorithm(ctx, algo); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.SetMeta(ctx, MetaSchemaVersion, schemaVersion); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("archive store opened",
		slog.String("db_path", dbPath),
		slog.String("hash_algorithm", algo),
	)

	return s, nil
}

// checkAlgorithm enforces that an existing index and the configured
// algorithm agree. A fresh database (or one with no hashed rows yet)
// adopts the configured algorithm.
func (s *Store) checkAlgorithm(ctx context.Context, algo string) error {
	recorded, err := s.GetMeta(ctx, MetaHashAlgorithm)
	if err != nil {
		return err
	}

	if recorded == "" || recorded == algo {
		return s.SetMeta(ctx, MetaHashAlgorithm, algo)
	}

	var hashed int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media_files WHERE file_hash IS NOT NULL`).Scan(&hashed)
	if err != nil {
		return fmt.Errorf("store: counting hashed media: %w", err)
	}

	if hashed > 0 {
		return fmt.Errorf("%w: index built with %s, configured %s",
			ErrAlgorithmMismatch, recorded, algo)
	}

	return s.SetMeta(ctx, MetaHashAlgorithm, algo)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// GetMeta returns the value for a backup_metadata key, or "" when the
// key is absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM backup_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("store: reading metadata %s: %w", key, err)
	}

	return value, nil
}

// SetMeta upserts a backup_metadata key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_metadata (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("store: writing metadata %s: %w", key, err)
	}

	return nil
}

// isUniqueConstraint reports whether err is a UNIQUE constraint
// violation. The driver does not export a typed error for this.
func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
