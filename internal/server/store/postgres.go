package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/accordchat/accord/internal/server/store/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

// connectAttempts bounds the startup retry budget. Exhausting it is a fatal
// initialization error (process exit code 2).
const connectAttempts = 5

type PostgresManager struct {
	db       *sql.DB
	accounts *sqlAccountRepository
	messages *sqlMessageRepository
	access   *sqlAccessRepository
}

// NewPostgresManager opens the DSN, waits for the database with a fibonacci
// retry budget, and runs the embedded goose migrations.
func NewPostgresManager(ctx context.Context, dsn string) (*PostgresManager, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	backoff := retry.WithMaxRetries(connectAttempts, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db connect error: %w", err)
	}

	m := &PostgresManager{
		db:       db,
		accounts: newSQLAccountRepository(db),
		messages: newSQLMessageRepository(db),
		access:   newSQLAccessRepository(db),
	}

	if err := m.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return m, nil
}

func (m *PostgresManager) runMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, m.db, ".")
}

func (m *PostgresManager) Accounts() AccountRepository { return m.accounts }
func (m *PostgresManager) Messages() MessageRepository { return m.messages }
func (m *PostgresManager) Access() AccessRepository    { return m.access }

func (m *PostgresManager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *PostgresManager) Close() error {
	return m.db.Close()
}
