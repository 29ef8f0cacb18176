package store

import (
	"database/sql"
	"errors"
)

// ApplySummary folds one message into the owner's chat-list row.
//
// A missing row is created with unread 1, or 0 when the owner sent the
// message. An existing row takes the newer last-message fields and has its
// unread counter incremented. The owner's own message resets the counter
// only when it is not older than the row, so a late retry of an old send
// keeps the counts of messages received since. Each message id is applied
// at most once per row.
func (db *DB) ApplySummary(u SummaryUpdate) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO summary_applied (owner_id, conversation_id, chat_type, message_id, applied_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.OwnerID, u.ConversationID, u.ChatType, u.LastMessageID, nowMillis())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.Commit()
	}

	unread := 1
	if u.OwnerID == u.SenderID {
		unread = 0
	}
	_, err = tx.Exec(`
		INSERT INTO chat_summaries (owner_id, conversation_id, chat_type, last_message, last_message_id, last_sender_id, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id, chat_type) DO UPDATE SET
			last_message = CASE WHEN excluded.updated_at >= chat_summaries.updated_at THEN excluded.last_message ELSE chat_summaries.last_message END,
			last_message_id = CASE WHEN excluded.updated_at >= chat_summaries.updated_at THEN excluded.last_message_id ELSE chat_summaries.last_message_id END,
			last_sender_id = CASE WHEN excluded.updated_at >= chat_summaries.updated_at THEN excluded.last_sender_id ELSE chat_summaries.last_sender_id END,
			unread_count = CASE
				WHEN excluded.unread_count = 0 AND excluded.updated_at >= chat_summaries.updated_at THEN 0
				WHEN excluded.unread_count = 0 THEN chat_summaries.unread_count
				ELSE chat_summaries.unread_count + 1
			END,
			updated_at = MAX(chat_summaries.updated_at, excluded.updated_at)`,
		u.OwnerID, u.ConversationID, u.ChatType, u.LastMessage, u.LastMessageID, u.SenderID, unread, u.MessageAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// PruneAppliedSummaries forgets applied message ids recorded before the
// given unix millisecond time. Returns the number of ids removed.
func (db *DB) PruneAppliedSummaries(before int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM summary_applied WHERE applied_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSummary returns one chat-list row, or ErrNotFound.
func (db *DB) GetSummary(ownerID, conversationID, chatType string) (*Summary, error) {
	var s Summary
	err := db.QueryRow(`
		SELECT owner_id, conversation_id, chat_type, last_message, last_message_id, last_sender_id, unread_count, pinned, updated_at
		FROM chat_summaries
		WHERE owner_id = ? AND conversation_id = ? AND chat_type = ?`, ownerID, conversationID, chatType).
		Scan(&s.OwnerID, &s.ConversationID, &s.ChatType, &s.LastMessage, &s.LastMessageID, &s.LastSenderID, &s.UnreadCount, &s.Pinned, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSummaries returns the owner's chat list, pinned rows first, then most
// recently updated.
func (db *DB) ListSummaries(ownerID string, limit, offset int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT owner_id, conversation_id, chat_type, last_message, last_message_id, last_sender_id, unread_count, pinned, updated_at
		FROM chat_summaries
		WHERE owner_id = ?
		ORDER BY pinned DESC, updated_at DESC
		LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.OwnerID, &s.ConversationID, &s.ChatType, &s.LastMessage, &s.LastMessageID, &s.LastSenderID, &s.UnreadCount, &s.Pinned, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ResetUnread zeroes the owner's unread counter for a conversation.
func (db *DB) ResetUnread(ownerID, conversationID, chatType string) error {
	_, err := db.Exec(`
		UPDATE chat_summaries SET unread_count = 0
		WHERE owner_id = ? AND conversation_id = ? AND chat_type = ?`, ownerID, conversationID, chatType)
	return err
}

// SetPinned sets the pinned flag on an existing row. Returns ErrNotFound if
// the owner has no such conversation.
func (db *DB) SetPinned(ownerID, conversationID, chatType string, pinned bool) error {
	res, err := db.Exec(`
		UPDATE chat_summaries SET pinned = ?
		WHERE owner_id = ? AND conversation_id = ? AND chat_type = ?`, pinned, ownerID, conversationID, chatType)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SummaryCount returns the total number of chat-list rows.
func (db *DB) SummaryCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chat_summaries`).Scan(&count)
	return count, err
}
