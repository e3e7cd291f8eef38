package db

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
)

const (
	insertUserSQL = `INSERT OR IGNORE INTO t_user (name, password, user_group) VALUES (?, ?, ?)`
	selectUserSQL = `SELECT name, user_group FROM t_user WHERE name = ?`
)

// UserDAO manages the local account table.
type UserDAO struct {
	db *sql.DB
}

// NewUserDAO builds a DAO on the given database handle.
func NewUserDAO(db *sql.DB) *UserDAO {
	return &UserDAO{db: db}
}

// EnsureUser creates the account if it does not exist yet. An existing
// account keeps its stored credentials.
func (dao *UserDAO) EnsureUser(ctx context.Context, name, password, group string) error {
	sum := md5.Sum([]byte(password))
	hashed := hex.EncodeToString(sum[:])
	if _, err := dao.db.ExecContext(ctx, insertUserSQL, name, hashed, group); err != nil {
		return fmt.Errorf("ensure user %s: %w", name, err)
	}
	return nil
}

// HasUser reports whether the named account exists.
func (dao *UserDAO) HasUser(ctx context.Context, name string) (bool, error) {
	rows, err := dao.db.QueryContext(ctx, selectUserSQL, name)
	if err != nil {
		return false, fmt.Errorf("query user %s: %w", name, err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}
