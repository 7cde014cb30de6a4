package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tgvault/tgvault/internal/telegram"
)

// SaveMessage persists one message and its child rows (reply link,
// reactions, buttons, extracted links) in a single transaction.
// mediaFileID is 0 when the message carries no ingested blob.
//
// Messages already present keep their original row (INSERT OR IGNORE),
// but a newly resolved media reference is still attached: re-running a
// backup after a media failure repairs the reference without rewriting
// history.
func (s *Store) SaveMessage(ctx context.Context, entityID int64, msg *telegram.Message, mediaFileID int64, links []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save message: %w", err)
	}
	defer tx.Rollback()

	text := msg.Text
	service := msg.Service != nil
	if service {
		text = msg.Service.Text()
	}

	var (
		mediaType, webPreview sql.NullString
		declaredSize          sql.NullInt64
		voice                 bool
	)

	if msg.Media != nil {
		mediaType = nullStr(msg.Media.Kind())

		switch v := msg.Media.(type) {
		case *telegram.WebPage:
			webPreview = nullStr(v.URL)
		case *telegram.Photo:
			declaredSize = sql.NullInt64{Int64: v.Largest().Bytes, Valid: true}
		case *telegram.Document:
			voice = v.Voice()
			declaredSize = sql.NullInt64{Int64: v.Size, Valid: true}
		}
	}

	ref := telegram.Ref(msg.Media)

	var forwardedFrom, forwardURL sql.NullString
	if msg.Forward != nil {
		forwardedFrom = nullStr(msg.Forward.FromName)
		forwardURL = nullStr(msg.Forward.URL())
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
			(id, entity_id, date, text, from_id, sender_name, views, pinned,
			 forwarded_from, forward_url, web_preview, service, voice,
			 media_type, media_file_id, telegram_file_id,
			 telegram_access_hash, declared_size, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, entityID, msg.Date.UTC(), text, nullStr(msg.FromID),
		nullStr(msg.SenderName), msg.Views, boolInt(msg.Pinned),
		forwardedFrom, forwardURL, webPreview, boolInt(service), boolInt(voice),
		mediaType,
		sql.NullInt64{Int64: mediaFileID, Valid: mediaFileID != 0},
		nullStr(ref.FileID()),
		sql.NullInt64{Int64: ref.AccessHash, Valid: ref.AccessHash != 0},
		declaredSize, s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("store: inserting message %d: %w", msg.ID, err)
	}

	if mediaFileID != 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET media_file_id = ? WHERE id = ? AND entity_id = ?`,
			mediaFileID, msg.ID, entityID)
		if err != nil {
			return fmt.Errorf("store: attaching media to message %d: %w", msg.ID, err)
		}
	}

	if err := saveChildren(ctx, tx, entityID, msg, links); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing message %d: %w", msg.ID, err)
	}

	return nil
}

func saveChildren(ctx context.Context, tx *sql.Tx, entityID int64, msg *telegram.Message, links []string) error {
	if msg.ReplyTo != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO replies (message_id, entity_id, reply_to_id, quote_text)
				VALUES (?, ?, ?, ?)`,
			msg.ID, entityID, msg.ReplyTo.MsgID, nullStr(msg.ReplyTo.Quote))
		if err != nil {
			return fmt.Errorf("store: saving reply for message %d: %w", msg.ID, err)
		}
	}

	for _, r := range msg.Reactions {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO reactions (message_id, entity_id, emoji, count)
				VALUES (?, ?, ?, ?)`,
			msg.ID, entityID, r.Emoji, r.Count)
		if err != nil {
			return fmt.Errorf("store: saving reaction for message %d: %w", msg.ID, err)
		}
	}

	for row, buttons := range msg.Buttons {
		for col, b := range buttons {
			_, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO buttons (message_id, entity_id, row, col, text, data, url)
					VALUES (?, ?, ?, ?, ?, ?, ?)`,
				msg.ID, entityID, row, col, nullStr(b.Text), nullStr(b.Data), nullStr(b.URL))
			if err != nil {
				return fmt.Errorf("store: saving button for message %d: %w", msg.ID, err)
			}
		}
	}

	for _, u := range links {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO links (message_id, entity_id, url) VALUES (?, ?, ?)`,
			msg.ID, entityID, u)
		if err != nil {
			return fmt.Errorf("store: saving link for message %d: %w", msg.ID, err)
		}
	}

	return nil
}

// MessageCount returns the number of stored messages for an entity.
func (s *Store) MessageCount(ctx context.Context, entityID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE entity_id = ?`, entityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: counting messages: %w", err)
	}

	return n, nil
}

// HasMessage reports whether a message row already exists.
func (s *Store) HasMessage(ctx context.Context, entityID, msgID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE id = ? AND entity_id = ?`, msgID, entityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: checking message %d: %w", msgID, err)
	}

	return true, nil
}

// MessageMediaRef returns the media row id attached to a message, or 0.
func (s *Store) MessageMediaRef(ctx context.Context, entityID, msgID int64) (int64, error) {
	var ref sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT media_file_id FROM messages WHERE id = ? AND entity_id = ?`,
		msgID, entityID).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("store: reading media ref for message %d: %w", msgID, err)
	}

	return ref.Int64, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
