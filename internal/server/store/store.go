// Package store is the persistence gateway: a narrow interface over durable
// accounts, messages and authorization state, with PostgreSQL, SQLite and
// in-memory backends.
package store

import (
	"context"
	"fmt"
	"strings"
)

// AccountRepository stores registered users.
type AccountRepository interface {
	// Get returns the account or common.ErrNotFound.
	Get(ctx context.Context, username string) (*Account, error)
	// Create inserts a new account; common.ErrDuplicate if the username
	// is taken.
	Create(ctx context.Context, a *Account) error
}

// MessageRepository stores the append-only chat log.
type MessageRepository interface {
	// Append persists one message and returns it with ID and SentAt set.
	Append(ctx context.Context, sender string, kind uint8, body []byte) (*MessageRecord, error)
	// LoadRecent returns up to limit newest messages in chronological order.
	LoadRecent(ctx context.Context, limit int) ([]MessageRecord, error)
	// LoadBefore returns up to limit messages with ID < before, in
	// chronological order.
	LoadBefore(ctx context.Context, before uint64, limit int) ([]MessageRecord, error)
}

// AccessRepository stores bans, the whitelist and the operator set.
type AccessRepository interface {
	IsBanned(ctx context.Context, usernameOrIP string) (bool, error)
	AddBan(ctx context.Context, b Ban) error
	RemoveBan(ctx context.Context, username string) error
	ListBans(ctx context.Context) ([]Ban, error)

	WhitelistEnabled(ctx context.Context) (bool, error)
	SetWhitelistEnabled(ctx context.Context, on bool) error
	AddWhitelist(ctx context.Context, username string) error
	RemoveWhitelist(ctx context.Context, username string) error
	ListWhitelist(ctx context.Context) ([]string, error)

	Operators(ctx context.Context) ([]string, error)
	AddOperator(ctx context.Context, username string) error
	RemoveOperator(ctx context.Context, username string) error
}

// Manager aggregates the repositories of one backend.
type Manager interface {
	Accounts() AccountRepository
	Messages() MessageRepository
	Access() AccessRepository
	Ping(ctx context.Context) error
	Close() error
}

// Open dispatches on the DSN scheme: "postgres://"/"postgresql://" opens
// the PostgreSQL backend, "sqlite:"/"file:" the SQLite backend, and
// "memory:" the in-process backend used by tests.
func Open(ctx context.Context, dsn string) (Manager, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresManager(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLiteManager(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "file:"):
		return NewSQLiteManager(ctx, dsn)
	case dsn == "memory:":
		return NewMemoryManager(), nil
	default:
		return nil, fmt.Errorf("unsupported database DSN %q", dsn)
	}
}
