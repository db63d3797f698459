package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetUserByUsername fetches an API account for login.
func (r *Repository) GetUserByUsername(username string) (*User, error) {
	var u User
	err := r.conn.DB.QueryRow(
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts an API account. The password must already be hashed.
func (r *Repository) CreateUser(u *User) error {
	res, err := r.conn.DB.Exec(
		`INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)`,
		u.Username, u.PasswordHash, u.Role,
	)
	if err != nil {
		return fmt.Errorf("error creating user: %w", err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}
