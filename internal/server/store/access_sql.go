package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/accordchat/accord/internal/dbx"
)

type sqlAccessRepository struct {
	db dbx.DBTX
}

func newSQLAccessRepository(db dbx.DBTX) *sqlAccessRepository {
	return &sqlAccessRepository{db: db}
}

func (r *sqlAccessRepository) IsBanned(ctx context.Context, usernameOrIP string) (bool, error) {
	query :=
		`SELECT 1 FROM bans
		 WHERE username = $1 OR ip = $1
		 LIMIT 1
		 `

	var one int
	err := r.db.QueryRowContext(ctx, query, usernameOrIP).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("db error: %w", err)
	}
	return true, nil
}

func (r *sqlAccessRepository) AddBan(ctx context.Context, b Ban) error {
	query :=
		`INSERT INTO bans (username, ip, reason)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO NOTHING
		 `

	if _, err := r.db.ExecContext(ctx, query, b.Username, b.IP, b.Reason); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *sqlAccessRepository) RemoveBan(ctx context.Context, username string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM bans WHERE username = $1`, username); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *sqlAccessRepository) ListBans(ctx context.Context) ([]Ban, error) {
	query :=
		`SELECT username, ip, reason FROM bans
		 ORDER BY username
		 `

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.Username, &b.IP, &b.Reason); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

const whitelistSetting = "whitelist_enabled"

func (r *sqlAccessRepository) WhitelistEnabled(ctx context.Context) (bool, error) {
	query :=
		`SELECT value FROM settings
		 WHERE name = $1
		 `

	var value string
	err := r.db.QueryRowContext(ctx, query, whitelistSetting).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("db error: %w", err)
	}
	return value == "1", nil
}

func (r *sqlAccessRepository) SetWhitelistEnabled(ctx context.Context, on bool) error {
	query :=
		`INSERT INTO settings (name, value)
		 VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value
		 `

	value := "0"
	if on {
		value = "1"
	}
	if _, err := r.db.ExecContext(ctx, query, whitelistSetting, value); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *sqlAccessRepository) AddWhitelist(ctx context.Context, username string) error {
	return r.addName(ctx, "whitelist", username)
}

func (r *sqlAccessRepository) RemoveWhitelist(ctx context.Context, username string) error {
	return r.removeName(ctx, "whitelist", username)
}

func (r *sqlAccessRepository) ListWhitelist(ctx context.Context) ([]string, error) {
	return r.listNames(ctx, "whitelist")
}

func (r *sqlAccessRepository) Operators(ctx context.Context) ([]string, error) {
	return r.listNames(ctx, "operators")
}

func (r *sqlAccessRepository) AddOperator(ctx context.Context, username string) error {
	return r.addName(ctx, "operators", username)
}

func (r *sqlAccessRepository) RemoveOperator(ctx context.Context, username string) error {
	return r.removeName(ctx, "operators", username)
}

// The whitelist and operator tables are both single-column username sets.
func (r *sqlAccessRepository) addName(ctx context.Context, table, username string) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (username) VALUES ($1) ON CONFLICT (username) DO NOTHING`, table)

	if _, err := r.db.ExecContext(ctx, query, username); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *sqlAccessRepository) removeName(ctx context.Context, table, username string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE username = $1`, table)

	if _, err := r.db.ExecContext(ctx, query, username); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *sqlAccessRepository) listNames(ctx context.Context, table string) ([]string, error) {
	query := fmt.Sprintf(`SELECT username FROM %s ORDER BY username`, table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
