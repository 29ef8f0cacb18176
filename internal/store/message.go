package store

import (
	"database/sql"
	"errors"
)

const messageColumns = `seq, id, sender_id, recipient_id, chat_type, content, message_type, source, status, created_at, updated_at`

// InsertMessage persists a new message. The caller assigns ID and timestamps.
func (db *DB) InsertMessage(m *Message) error {
	if m.UpdatedAt == 0 {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	res, err := db.Exec(`
		INSERT INTO messages (id, sender_id, recipient_id, chat_type, content, message_type, source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.RecipientID, m.ChatType, m.Content, m.MessageType, m.Source, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	m.Seq, err = res.LastInsertId()
	return err
}

// GetMessage returns a message by id, or ErrNotFound.
func (db *DB) GetMessage(id string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListPrivateMessages returns one page of the private conversation between a
// and b, newest first.
func (db *DB) ListPrivateMessages(a, b string, offset, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.queryMessages(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_type = 'private'
			AND ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?`, a, b, b, a, limit, offset)
}

// ListGroupMessages returns one page of a group conversation, newest first.
func (db *DB) ListGroupMessages(groupID string, offset, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.queryMessages(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_type = 'group' AND recipient_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?`, groupID, limit, offset)
}

// RecentPrivateMessages returns up to limit private messages exchanged
// between a and b, oldest first, leaving out the message excludeID.
func (db *DB) RecentPrivateMessages(a, b string, limit int, excludeID string) ([]Message, error) {
	msgs, err := db.queryMessages(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_type = 'private'
			AND ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))
			AND id != ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`, a, b, b, a, excludeID, limit)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// MarkRead flips private messages from sender to reader to read and returns
// how many changed.
func (db *DB) MarkRead(reader, sender string) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = 'read', updated_at = ?
		WHERE chat_type = 'private' AND recipient_id = ? AND sender_id = ? AND status != 'read'`,
		nowMillis(), reader, sender)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func (db *DB) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	if err := s.Scan(&m.Seq, &m.ID, &m.SenderID, &m.RecipientID, &m.ChatType, &m.Content,
		&m.MessageType, &m.Source, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
