package store

// SearchMessages performs a full-text search over the messages userID can
// see: private messages they sent or received and messages of groups they
// currently belong to.
func (db *DB) SearchMessages(userID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.Query(`
		SELECT m.seq, m.id, m.sender_id, m.recipient_id, m.chat_type, m.content,
		       m.message_type, m.source, m.status, m.created_at, m.updated_at,
		       snippet(messages_fts, '<<', '>>', '...', -1, 16)
		FROM messages_fts f
		JOIN messages m ON m.seq = f.docid
		WHERE messages_fts MATCH ?
			AND (
				(m.chat_type = 'private' AND (m.sender_id = ? OR m.recipient_id = ?))
				OR (m.chat_type = 'group' AND m.recipient_id IN (SELECT group_id FROM group_members WHERE user_id = ?))
			)
		ORDER BY m.created_at DESC
		LIMIT ?`, query, userID, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.Seq, &r.Message.ID, &r.Message.SenderID, &r.Message.RecipientID,
			&r.Message.ChatType, &r.Message.Content, &r.Message.MessageType, &r.Message.Source,
			&r.Message.Status, &r.Message.CreatedAt, &r.Message.UpdatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
