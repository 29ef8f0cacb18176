package store

// QueueSummaryRetry records a summary update that could not be applied.
// Queuing the same update twice keeps a single entry.
func (db *DB) QueueSummaryRetry(u SummaryUpdate, cause string) error {
	now := nowMillis()
	_, err := db.Exec(`
		INSERT INTO summary_retries (owner_id, conversation_id, chat_type, sender_id, last_message, last_message_id, message_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id, chat_type, last_message_id) DO UPDATE SET
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		u.OwnerID, u.ConversationID, u.ChatType, u.SenderID, u.LastMessage, u.LastMessageID, u.MessageAt, cause, now, now)
	return err
}

// PendingSummaryRetries returns queued updates with fewer than maxAttempts
// attempts, oldest message first so rows converge in message order.
func (db *DB) PendingSummaryRetries(maxAttempts, limit int) ([]SummaryRetry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, owner_id, conversation_id, chat_type, sender_id, last_message, last_message_id, message_at, attempts, last_error
		FROM summary_retries
		WHERE attempts < ?
		ORDER BY message_at ASC, id ASC
		LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SummaryRetry
	for rows.Next() {
		var r SummaryRetry
		if err := rows.Scan(&r.ID, &r.Update.OwnerID, &r.Update.ConversationID, &r.Update.ChatType, &r.Update.SenderID,
			&r.Update.LastMessage, &r.Update.LastMessageID, &r.Update.MessageAt, &r.Attempts, &r.LastError); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompleteSummaryRetry removes a retry entry after it was applied.
func (db *DB) CompleteSummaryRetry(id int64) error {
	_, err := db.Exec(`DELETE FROM summary_retries WHERE id = ?`, id)
	return err
}

// FailSummaryRetry bumps the attempt counter of a retry entry.
func (db *DB) FailSummaryRetry(id int64, cause string) error {
	_, err := db.Exec(`
		UPDATE summary_retries SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, cause, nowMillis(), id)
	return err
}
