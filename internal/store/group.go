package store

import (
	"database/sql"
	"errors"
)

// CreateGroup inserts a group and adds its members in one transaction.
func (db *DB) CreateGroup(g *Group, members []string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if g.CreatedAt == 0 {
		g.CreatedAt = nowMillis()
	}
	if _, err := tx.Exec(`INSERT INTO chat_groups (id, name, created_by, created_at) VALUES (?, ?, ?, ?)`,
		g.ID, g.Name, g.CreatedBy, g.CreatedAt); err != nil {
		return err
	}
	for _, uid := range members {
		if _, err := tx.Exec(`
			INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)
			ON CONFLICT(group_id, user_id) DO NOTHING`, g.ID, uid, g.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetGroup returns a group by id, or ErrNotFound.
func (db *DB) GetGroup(id string) (*Group, error) {
	var g Group
	err := db.QueryRow(`SELECT id, name, created_by, created_at FROM chat_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.CreatedBy, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// AddGroupMember adds a member; adding an existing member is a no-op.
func (db *DB) AddGroupMember(groupID, userID string) error {
	_, err := db.Exec(`
		INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT(group_id, user_id) DO NOTHING`, groupID, userID, nowMillis())
	return err
}

// RemoveGroupMember removes a member from a group.
func (db *DB) RemoveGroupMember(groupID, userID string) error {
	_, err := db.Exec(`DELETE FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID)
	return err
}

// GroupMembers returns the current member ids of a group in join order.
func (db *DB) GroupMembers(groupID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT user_id FROM group_members WHERE group_id = ? ORDER BY joined_at, user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsGroupMember reports whether userID currently belongs to groupID.
func (db *DB) IsGroupMember(groupID, userID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID).Scan(&n)
	return n > 0, err
}
