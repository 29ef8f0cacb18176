package store

import (
	"database/sql"
	"errors"
	"strings"
)

// UpsertUser inserts a user or refreshes its display fields.
func (db *DB) UpsertUser(u *User) error {
	now := nowMillis()
	_, err := db.Exec(`
		INSERT INTO users (id, display_name, avatar, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE users.avatar END`,
		u.ID, u.DisplayName, u.Avatar, now)
	return err
}

// GetUser returns a user by id, or ErrNotFound.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, display_name, avatar, online, last_active_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.Avatar, &u.Online, &u.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUsers returns the known users among ids keyed by id. Unknown ids are skipped.
func (db *DB) GetUsers(ids []string) (map[string]User, error) {
	out := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.Query(`
		SELECT id, display_name, avatar, online, last_active_at
		FROM users WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Avatar, &u.Online, &u.LastActiveAt); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// SetOnline records the presence flag and bumps last activity. Users that
// were never upserted get a bare row so the flag is not lost.
func (db *DB) SetOnline(id string, online bool) error {
	now := nowMillis()
	_, err := db.Exec(`
		INSERT INTO users (id, online, last_active_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			online = excluded.online,
			last_active_at = excluded.last_active_at`,
		id, online, now, now)
	return err
}

// AddFriendship records a symmetric friendship between a and b.
func (db *DB) AddFriendship(a, b string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMillis()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if _, err := tx.Exec(`
			INSERT INTO friendships (user_id, friend_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id, friend_id) DO NOTHING`, pair[0], pair[1], now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Friends returns the user's friends with their cached online flag.
func (db *DB) Friends(id string) ([]User, error) {
	rows, err := db.Query(`
		SELECT f.friend_id, COALESCE(u.display_name, ''), COALESCE(u.avatar, ''),
			COALESCE(u.online, 0), COALESCE(u.last_active_at, 0)
		FROM friendships f
		LEFT JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY f.friend_id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Avatar, &u.Online, &u.LastActiveAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
