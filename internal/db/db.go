package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var defaultDB *sql.DB

// DatabaseGetter returns a database handle. Used to defer retrieval until first use.
type DatabaseGetter func() *sql.DB

// SetDefault assigns the global database instance.
func SetDefault(db *sql.DB) {
	defaultDB = db
}

// Default returns the configured global database instance.
func Default() *sql.DB {
	return defaultDB
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	return db, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS t_circle (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS t_work (
	id INTEGER PRIMARY KEY,
	root_folder TEXT NOT NULL,
	dir TEXT NOT NULL,
	title TEXT NOT NULL,
	circle_id INTEGER NOT NULL,
	nsfw INTEGER NOT NULL DEFAULT 0,
	release TEXT NOT NULL DEFAULT '',
	add_time TEXT NOT NULL DEFAULT '',
	dl_count INTEGER NOT NULL DEFAULT 0,
	price INTEGER NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	rate_count INTEGER NOT NULL DEFAULT 0,
	rate_average_2dp REAL NOT NULL DEFAULT 0,
	rate_count_detail TEXT NOT NULL DEFAULT '',
	rank TEXT NOT NULL DEFAULT '',
	memo TEXT NOT NULL DEFAULT '',
	duration REAL NOT NULL DEFAULT 0,
	has_lyric INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE TABLE IF NOT EXISTS t_tag (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS t_va (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS r_tag_work (
	tag_id INTEGER NOT NULL,
	work_id INTEGER NOT NULL,
	PRIMARY KEY (tag_id, work_id)
);`,
	`CREATE TABLE IF NOT EXISTS r_va_work (
	va_id TEXT NOT NULL,
	work_id INTEGER NOT NULL,
	PRIMARY KEY (va_id, work_id)
);`,
	`CREATE TABLE IF NOT EXISTS t_review (
	user_name TEXT NOT NULL,
	work_id INTEGER NOT NULL,
	rating INTEGER,
	review_text TEXT,
	progress TEXT,
	updated_at TEXT,
	PRIMARY KEY (user_name, work_id)
);`,
	`CREATE TABLE IF NOT EXISTS t_user (
	name TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	user_group TEXT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_t_work_circle_id ON t_work(circle_id);`,
	`CREATE INDEX IF NOT EXISTS idx_r_tag_work_work_id ON r_tag_work(work_id);`,
	`CREATE INDEX IF NOT EXISTS idx_r_va_work_work_id ON r_va_work(work_id);`,
}

// EnsureSchema initialises required tables and indexes.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// OnTransaction runs cb inside a transaction, rolling back on error.
func OnTransaction(ctx context.Context, db *sql.DB, cb func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := cb(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
