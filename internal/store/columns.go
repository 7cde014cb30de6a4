package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// legacyColumns lists columns added to existing tables after their
// initial release. Databases created by older builds predate the goose
// history, so these are applied idempotently on every open. The
// allow-list keeps ALTER TABLE input fully static.
var legacyColumns = []struct {
	table, column, definition string
}{
	{"messages", "forward_url", "TEXT"},
	{"messages", "pinned", "INTEGER NOT NULL DEFAULT 0"},
	{"messages", "web_preview", "TEXT"},
	{"messages", "service", "INTEGER NOT NULL DEFAULT 0"},
	{"messages", "voice", "INTEGER NOT NULL DEFAULT 0"},
	{"messages", "telegram_file_id", "TEXT"},
	{"messages", "telegram_access_hash", "INTEGER"},
	{"messages", "declared_size", "INTEGER"},
	{"messages", "archived_at", "TIMESTAMP"},
	{"media_files", "telegram_access_hash", "INTEGER"},
	{"media_files", "media_kind", "TEXT"},
	{"media_files", "last_used_at", "TIMESTAMP"},
}

// addLegacyColumns adds any allow-listed column that is missing.
func addLegacyColumns(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	for _, c := range legacyColumns {
		exists, err := columnExists(ctx, db, c.table, c.column)
		if err != nil {
			return err
		}

		if exists {
			continue
		}

		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.definition)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: adding column %s.%s: %w", c.table, c.column, err)
		}

		logger.Info("added legacy column",
			slog.String("table", c.table),
			slog.String("column", c.column),
		)
	}

	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("store: inspecting table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("store: scanning table info: %w", err)
		}

		if name == column {
			return true, nil
		}
	}

	return false, rows.Err()
}
