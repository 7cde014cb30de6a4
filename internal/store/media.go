package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MediaFile is one row of the media index. A row with an empty Hash is
// a reservation: the download is in flight and the identity columns are
// filled in on completion. Pointer fields are nil when unknown.
type MediaFile struct {
	ID         int64
	Hash       string
	Size       int64
	Name       string
	Ext        string
	MimeType   string
	Duration   *int64
	Width      *int64
	Height     *int64
	Path       string
	FileID     string
	AccessHash int64
	Kind       string
	IndexedAt  time.Time
	LastUsedAt time.Time
}

// Completed reports whether the row represents a fully ingested blob.
func (m *MediaFile) Completed() bool {
	return m.Hash != "" && m.Path != ""
}

const mediaColumns = `id, file_hash, file_size, file_name, file_ext, mime_type,
	duration, width, height, file_path, telegram_file_id, telegram_access_hash,
	media_kind, indexed_at, last_used_at`

func scanMediaFile(row interface{ Scan(...any) error }) (*MediaFile, error) {
	var (
		m          MediaFile
		hash       sql.NullString
		name       sql.NullString
		ext        sql.NullString
		mime       sql.NullString
		duration   sql.NullInt64
		width      sql.NullInt64
		height     sql.NullInt64
		path       sql.NullString
		fileID     sql.NullString
		accessHash sql.NullInt64
		kind       sql.NullString
		lastUsed   sql.NullTime
	)

	err := row.Scan(&m.ID, &hash, &m.Size, &name, &ext, &mime,
		&duration, &width, &height, &path, &fileID, &accessHash,
		&kind, &m.IndexedAt, &lastUsed)
	if err != nil {
		return nil, err
	}

	m.Hash = hash.String
	m.Name = name.String
	m.Ext = ext.String
	m.MimeType = mime.String
	m.Path = path.String
	m.FileID = fileID.String
	m.AccessHash = accessHash.Int64
	m.Kind = kind.String

	if duration.Valid {
		m.Duration = &duration.Int64
	}

	if width.Valid {
		m.Width = &width.Int64
	}

	if height.Valid {
		m.Height = &height.Int64
	}

	if lastUsed.Valid {
		m.LastUsedAt = lastUsed.Time
	}

	return &m, nil
}

// nullStr maps "" to NULL so partial rows stay sparse.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *p, Valid: true}
}

// InsertMedia inserts a new index row and returns its id. An empty
// Hash reserves the identity slot for an in-flight download.
func (s *Store) InsertMedia(ctx context.Context, m *MediaFile) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO media_files
			(file_hash, file_size, file_name, file_ext, mime_type,
			 duration, width, height, file_path, telegram_file_id,
			 telegram_access_hash, media_kind, indexed_at, last_used_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(m.Hash), m.Size, nullStr(m.Name), nullStr(m.Ext), nullStr(m.MimeType),
		nullInt(m.Duration), nullInt(m.Width), nullInt(m.Height),
		nullStr(m.Path), nullStr(m.FileID),
		sql.NullInt64{Int64: m.AccessHash, Valid: m.AccessHash != 0},
		nullStr(m.Kind), s.nowFunc().UTC(), s.nowFunc().UTC())
	if err != nil {
		return 0, fmt.Errorf("store: inserting media row: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: media insert id: %w", err)
	}

	return id, nil
}

// FindByIdentity looks up the row for a content identity (hash, size).
// Returns nil when no row exists.
func (s *Store) FindByIdentity(ctx context.Context, hash string, size int64) (*MediaFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media_files
			WHERE file_hash = ? AND file_size = ?`, hash, size)

	m, err := scanMediaFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: finding media by identity: %w", err)
	}

	return m, nil
}

// UpsertByIdentity registers a hashed blob. When a row for (hash, size)
// already exists it is merged with m (missing remote ids and metadata
// filled in) and returned with existed=true. Otherwise m is inserted.
// A concurrent insert losing the unique-index race is treated as a hit.
func (s *Store) UpsertByIdentity(ctx context.Context, m *MediaFile) (out *MediaFile, existed bool, err error) {
	if m.Hash == "" {
		return nil, false, fmt.Errorf("store: upsert requires a hash")
	}

	existing, err := s.FindByIdentity(ctx, m.Hash, m.Size)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		if err := s.mergeInto(ctx, existing, m); err != nil {
			return nil, false, err
		}

		return existing, true, nil
	}

	id, err := s.InsertMedia(ctx, m)
	if isUniqueConstraint(err) {
		// Lost the race: another writer registered the identity first.
		winner, ferr := s.FindByIdentity(ctx, m.Hash, m.Size)
		if ferr != nil {
			return nil, false, ferr
		}

		if winner == nil {
			return nil, false, fmt.Errorf("store: identity row vanished after constraint hit")
		}

		if err := s.mergeInto(ctx, winner, m); err != nil {
			return nil, false, err
		}

		return winner, true, nil
	}

	if err != nil {
		return nil, false, err
	}

	m.ID = id

	return m, false, nil
}

// mergeInto fills existing's missing attributes from src and bumps
// last_used_at. The existing row's hash, size, and path are preserved.
func (s *Store) mergeInto(ctx context.Context, existing, src *MediaFile) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET
			telegram_file_id = COALESCE(telegram_file_id, ?),
			telegram_access_hash = COALESCE(telegram_access_hash, ?),
			file_name = COALESCE(file_name, ?),
			file_ext = COALESCE(file_ext, ?),
			mime_type = COALESCE(mime_type, ?),
			duration = COALESCE(duration, ?),
			width = COALESCE(width, ?),
			height = COALESCE(height, ?),
			media_kind = COALESCE(media_kind, ?),
			last_used_at = ?
			WHERE id = ?`,
		nullStr(src.FileID),
		sql.NullInt64{Int64: src.AccessHash, Valid: src.AccessHash != 0},
		nullStr(src.Name), nullStr(src.Ext), nullStr(src.MimeType),
		nullInt(src.Duration), nullInt(src.Width), nullInt(src.Height),
		nullStr(src.Kind), s.nowFunc().UTC(), existing.ID)
	if err != nil {
		return fmt.Errorf("store: merging media row %d: %w", existing.ID, err)
	}

	if existing.FileID == "" {
		existing.FileID = src.FileID
	}

	if existing.AccessHash == 0 {
		existing.AccessHash = src.AccessHash
	}

	if existing.Name == "" {
		existing.Name = src.Name
	}

	return nil
}

// CompleteMedia finalizes a reservation after a successful download:
// the measured hash and size plus the final path are written to row id.
// When the identity turns out to already belong to another row, the
// reservation is collapsed into that winner (message references
// migrated, reservation deleted) and the winner is returned.
func (s *Store) CompleteMedia(ctx context.Context, id int64, hash string, size int64, path string) (*MediaFile, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET file_hash = ?, file_size = ?, file_path = ?, last_used_at = ?
			WHERE id = ?`,
		hash, size, path, s.nowFunc().UTC(), id)

	if isUniqueConstraint(err) {
		winner, ferr := s.FindByIdentity(ctx, hash, size)
		if ferr != nil {
			return nil, ferr
		}

		if winner == nil {
			return nil, fmt.Errorf("store: identity row vanished after constraint hit")
		}

		if err := s.MigrateMessageRefs(ctx, id, winner.ID); err != nil {
			return nil, err
		}

		if err := s.DeleteMedia(ctx, id); err != nil {
			return nil, err
		}

		s.logger.Debug("collapsed reservation into existing identity",
			slog.Int64("reservation_id", id),
			slog.Int64("winner_id", winner.ID),
		)

		return winner, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: completing media row %d: %w", id, err)
	}

	return s.MediaByID(ctx, id)
}

// MediaByID fetches a single row. Returns nil when absent.
func (s *Store) MediaByID(ctx context.Context, id int64) (*MediaFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media_files WHERE id = ?`, id)

	m, err := scanMediaFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: fetching media %d: %w", id, err)
	}

	return m, nil
}

// MetadataQuery carries the pre-download attributes used to match a
// remote descriptor against already-ingested blobs.
type MetadataQuery struct {
	Name     string
	Size     int64
	Duration *int64
	Width    *int64
	Height   *int64
	FileID   string
}

// FindByMetadata matches a remote descriptor against completed rows.
// Candidates share the exact size; a declared duration or resolution
// must agree unless the stored value is unknown. A single candidate is
// the match. Several candidates are narrowed by name: a stored name
// carrying the remote id wins, then a normalized-name containment in
// either direction, then the oldest candidate.
func (s *Store) FindByMetadata(ctx context.Context, q MetadataQuery) (*MediaFile, error) {
	if q.Size <= 0 {
		return nil, nil
	}

	query := `SELECT ` + mediaColumns + ` FROM media_files
		WHERE file_size = ? AND file_hash IS NOT NULL AND file_path IS NOT NULL`
	args := []any{q.Size}

	if q.Duration != nil {
		query += ` AND (duration = ? OR duration IS NULL)`
		args = append(args, *q.Duration)
	}

	if q.Width != nil && q.Height != nil {
		query += ` AND ((width = ? AND height = ?) OR (width IS NULL AND height IS NULL))`
		args = append(args, *q.Width, *q.Height)
	}

	rows, err := s.listMedia(ctx, query+` ORDER BY indexed_at, id`, args...)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, nil
	}

	if len(rows) == 1 {
		return rows[0], nil
	}

	if q.FileID != "" {
		for _, m := range rows {
			if m.Name != "" && strings.Contains(m.Name, q.FileID) {
				return m, nil
			}
		}
	}

	if q.Name != "" {
		for _, m := range rows {
			if m.Name == "" {
				continue
			}

			if strings.Contains(m.Name, q.Name) || strings.Contains(q.Name, m.Name) {
				return m, nil
			}
		}
	}

	return rows[0], nil
}

// FindByFileID looks up a completed row by the remote file identifier.
func (s *Store) FindByFileID(ctx context.Context, fileID string) (*MediaFile, error) {
	if fileID == "" {
		return nil, nil
	}

	return s.findOne(ctx,
		`SELECT `+mediaColumns+` FROM media_files
			WHERE telegram_file_id = ? AND file_hash IS NOT NULL AND file_path IS NOT NULL
			ORDER BY indexed_at LIMIT 1`, fileID)
}

// FindByPath looks up a row by its relative archive path.
func (s *Store) FindByPath(ctx context.Context, path string) (*MediaFile, error) {
	return s.findOne(ctx,
		`SELECT `+mediaColumns+` FROM media_files WHERE file_path = ? LIMIT 1`, path)
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (*MediaFile, error) {
	m, err := scanMediaFile(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: media lookup: %w", err)
	}

	return m, nil
}

// SetMediaPath rewrites a row's archive path, used when a blob is
// renamed to its deterministic name or found at a new location.
func (s *Store) SetMediaPath(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET file_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("store: setting path for media %d: %w", id, err)
	}

	return nil
}

// ClearMediaPath nulls a row's path after its blob was found missing,
// removing the row from the completed set until re-downloaded.
func (s *Store) ClearMediaPath(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET file_path = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: clearing path for media %d: %w", id, err)
	}

	return nil
}

// SetMediaFileRef backfills the remote identifiers on a row that was
// ingested without them (e.g. matched by metadata only).
func (s *Store) SetMediaFileRef(ctx context.Context, id int64, fileID string, accessHash int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET
			telegram_file_id = COALESCE(telegram_file_id, ?),
			telegram_access_hash = COALESCE(telegram_access_hash, ?)
			WHERE id = ?`,
		nullStr(fileID),
		sql.NullInt64{Int64: accessHash, Valid: accessHash != 0}, id)
	if err != nil {
		return fmt.Errorf("store: setting file ref for media %d: %w", id, err)
	}

	return nil
}

// TouchMedia bumps last_used_at on a row.
func (s *Store) TouchMedia(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET last_used_at = ? WHERE id = ?`, s.nowFunc().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: touching media %d: %w", id, err)
	}

	return nil
}

// MigrateMessageRefs repoints every message referencing media row from
// to row to.
func (s *Store) MigrateMessageRefs(ctx context.Context, from, to int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET media_file_id = ? WHERE media_file_id = ?`, to, from)
	if err != nil {
		return fmt.Errorf("store: migrating refs %d -> %d: %w", from, to, err)
	}

	return nil
}

// DeleteMedia removes an index row. Callers are responsible for any
// filesystem cleanup and reference migration first.
func (s *Store) DeleteMedia(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM media_files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting media %d: %w", id, err)
	}

	return nil
}

// RemoveReservations deletes hash-less reservation rows. Run after a
// batch has settled: any reservation left at that point belongs to a
// download that failed or was skipped, and the next encounter of the
// item reserves anew.
func (s *Store) RemoveReservations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM media_files WHERE file_hash IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("store: removing reservations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reservations affected: %w", err)
	}

	return n, nil
}

// MediaCount returns the number of index rows.
func (s *Store) MediaCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting media: %w", err)
	}

	return n, nil
}

// CompletedMedia returns every fully ingested row, for reconciliation.
func (s *Store) CompletedMedia(ctx context.Context) ([]*MediaFile, error) {
	return s.listMedia(ctx,
		`SELECT `+mediaColumns+` FROM media_files
			WHERE file_hash IS NOT NULL AND file_path IS NOT NULL ORDER BY id`)
}

// UnusedMedia returns completed rows no message references.
func (s *Store) UnusedMedia(ctx context.Context) ([]*MediaFile, error) {
	return s.listMedia(ctx,
		`SELECT `+mediaColumns+` FROM media_files m
			WHERE m.file_hash IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM messages WHERE media_file_id = m.id)
			ORDER BY m.id`)
}

// DuplicateMedia returns rows sharing a content identity with an older
// row, oldest first within each group. The unique index prevents new
// duplicates; this surfaces rows from databases predating it.
func (s *Store) DuplicateMedia(ctx context.Context) ([][]*MediaFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media_files
			WHERE file_hash IS NOT NULL
			AND (file_hash, file_size) IN (
				SELECT file_hash, file_size FROM media_files
					WHERE file_hash IS NOT NULL
					GROUP BY file_hash, file_size HAVING COUNT(*) > 1)
			ORDER BY file_hash, file_size, indexed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: listing duplicate media: %w", err)
	}
	defer rows.Close()

	var (
		groups  [][]*MediaFile
		current []*MediaFile
		lastKey string
	)

	for rows.Next() {
		m, err := scanMediaFile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning duplicate media: %w", err)
		}

		key := fmt.Sprintf("%s/%d", m.Hash, m.Size)
		if key != lastKey && current != nil {
			groups = append(groups, current)
			current = nil
		}

		lastKey = key
		current = append(current, m)
	}

	if current != nil {
		groups = append(groups, current)
	}

	return groups, rows.Err()
}

// ClearDanglingRefs nulls message media references that point at index
// rows that no longer exist. Returns the number of messages fixed.
func (s *Store) ClearDanglingRefs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET media_file_id = NULL
			WHERE media_file_id IS NOT NULL
			AND media_file_id NOT IN (SELECT id FROM media_files)`)
	if err != nil {
		return 0, fmt.Errorf("store: clearing dangling refs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: dangling refs affected: %w", err)
	}

	return n, nil
}

func (s *Store) listMedia(ctx context.Context, query string, args ...any) ([]*MediaFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing media: %w", err)
	}
	defer rows.Close()

	var out []*MediaFile

	for rows.Next() {
		m, err := scanMediaFile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning media row: %w", err)
		}

		out = append(out, m)
	}

	return out, rows.Err()
}
