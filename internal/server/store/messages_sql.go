package store

import (
	"context"
	"fmt"
	"time"

	"github.com/accordchat/accord/internal/dbx"
)

type sqlMessageRepository struct {
	db dbx.DBTX
}

func newSQLMessageRepository(db dbx.DBTX) *sqlMessageRepository {
	return &sqlMessageRepository{db: db}
}

func (r *sqlMessageRepository) Append(ctx context.Context, sender string, kind uint8, body []byte) (*MessageRecord, error) {
	query :=
		`INSERT INTO messages (sender, kind, body, sent_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id
		 `

	rec := &MessageRecord{
		Sender: sender,
		Kind:   kind,
		Body:   body,
		SentAt: time.Now().UTC().Truncate(time.Second),
	}

	err := r.db.QueryRowContext(ctx, query,
		sender, kind, body, rec.SentAt.Unix()).Scan(&rec.ID)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return rec, nil
}

func (r *sqlMessageRepository) LoadRecent(ctx context.Context, limit int) ([]MessageRecord, error) {
	query :=
		`SELECT id, sender, kind, body, sent_at FROM messages
		 ORDER BY id DESC
		 LIMIT $1
		 `

	return r.loadPage(ctx, query, limit)
}

func (r *sqlMessageRepository) LoadBefore(ctx context.Context, before uint64, limit int) ([]MessageRecord, error) {
	query :=
		`SELECT id, sender, kind, body, sent_at FROM messages
		 WHERE id < $1
		 ORDER BY id DESC
		 LIMIT $2
		 `

	return r.loadPage(ctx, query, before, limit)
}

// loadPage runs a newest-first query and returns the rows reversed into
// chronological order.
func (r *sqlMessageRepository) loadPage(ctx context.Context, query string, args ...any) ([]MessageRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var sentAt int64
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.Kind, &rec.Body, &sentAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		rec.SentAt = time.Unix(sentAt, 0).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
