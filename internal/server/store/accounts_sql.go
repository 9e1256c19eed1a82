package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/accordchat/accord/internal/common"
	"github.com/accordchat/accord/internal/dbx"
	"github.com/jackc/pgx/v5/pgconn"
)

// sqlAccountRepository runs against both PostgreSQL and SQLite: the query
// text is restricted to the dialect both support ($N placeholders, RETURNING,
// ON CONFLICT), and timestamps are stored as epoch seconds.
type sqlAccountRepository struct {
	db dbx.DBTX
}

func newSQLAccountRepository(db dbx.DBTX) *sqlAccountRepository {
	return &sqlAccountRepository{db: db}
}

func (r *sqlAccountRepository) Get(ctx context.Context, username string) (*Account, error) {
	query :=
		`SELECT username, password_hash, salt, created_at FROM accounts
		 WHERE username = $1
		 `

	a := &Account{}
	var createdAt int64
	err := r.db.QueryRowContext(ctx, query, username).
		Scan(&a.Username, &a.PasswordHash, &a.Salt, &createdAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return a, nil
}

func (r *sqlAccountRepository) Create(ctx context.Context, a *Account) error {
	query :=
		`INSERT INTO accounts (username, password_hash, salt, created_at)
         VALUES ($1, $2, $3, $4)
		 `

	_, err := r.db.ExecContext(ctx, query,
		a.Username, a.PasswordHash, a.Salt, a.CreatedAt.Unix())

	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrDuplicate
		}
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

// isUniqueViolation recognizes constraint violations from both backends.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
