package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/accordchat/accord/internal/dbx"
	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

type SQLiteManager struct {
	db       *sql.DB
	accounts *sqlAccountRepository
	messages *sqlMessageRepository
	access   *sqlAccessRepository
}

// NewSQLiteManager opens (or creates) a SQLite database file and brings its
// schema up to date.
func NewSQLiteManager(ctx context.Context, path string) (*SQLiteManager, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	// SQLite is single-writer; more connections waste FDs and increase
	// lock contention.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("db error: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db connect error: %w", err)
	}

	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return &SQLiteManager{
		db:       db,
		accounts: newSQLAccountRepository(db),
		messages: newSQLMessageRepository(db),
		access:   newSQLAccessRepository(db),
	}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	if version >= sqliteSchemaVersion {
		return nil
	}

	if version < 1 {
		err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return createSQLiteSchema(ctx, tx)
		})
		if err != nil {
			return err
		}
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion))
	return err
}

func createSQLiteSchema(ctx context.Context, tx dbx.DBTX) error {
	schema := []string{
		`CREATE TABLE accounts (
			username      TEXT PRIMARY KEY,
			password_hash BLOB NOT NULL,
			salt          BLOB NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE messages (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			sender  TEXT NOT NULL,
			kind    INTEGER NOT NULL DEFAULT 0,
			body    BLOB NOT NULL,
			sent_at INTEGER NOT NULL
		)`,
		`CREATE TABLE bans (
			username TEXT PRIMARY KEY,
			ip       TEXT NOT NULL DEFAULT '',
			reason   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX bans_ip_idx ON bans (ip)`,
		`CREATE TABLE whitelist (username TEXT PRIMARY KEY)`,
		`CREATE TABLE operators (username TEXT PRIMARY KEY)`,
		`CREATE TABLE settings (name TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	}
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *SQLiteManager) Accounts() AccountRepository { return m.accounts }
func (m *SQLiteManager) Messages() MessageRepository { return m.messages }
func (m *SQLiteManager) Access() AccessRepository    { return m.access }

func (m *SQLiteManager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *SQLiteManager) Close() error {
	return m.db.Close()
}
