package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS school_records (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    school_id  TEXT NOT NULL DEFAULT '',
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_school_records_school ON school_records (collection, school_id);
`

// Postgres stores every collection in one hosted Postgres table keyed by
// (collection, id). Upserts and deletes are idempotent.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn and makes sure the records table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the records table if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create school_records: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Invoke maps per-collection actions onto school_records.
func (p *Postgres) Invoke(ctx context.Context, req Request) Result {
	collection, verb, ok := ParseAction(req.Action)
	if !ok {
		return Unsupported(req.Action)
	}

	switch verb {
	case VerbUpsert:
		ref, err := decodePayload(req.Payload)
		if err != nil {
			return Fail(err)
		}
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO school_records (collection, id, school_id, data, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (collection, id) DO UPDATE
			SET school_id = EXCLUDED.school_id, data = EXCLUDED.data, updated_at = now()`,
			collection, ref.ID, ref.SchoolID, string(req.Payload))
		if err != nil {
			return Fail(fmt.Errorf("upsert %s/%s: %w", collection, ref.ID, err))
		}
		return OK(nil)

	case VerbDelete:
		ref, err := decodePayload(req.Payload)
		if err != nil {
			return Fail(err)
		}
		if _, err := p.db.ExecContext(ctx,
			`DELETE FROM school_records WHERE collection = $1 AND id = $2`,
			collection, ref.ID); err != nil {
			return Fail(fmt.Errorf("delete %s/%s: %w", collection, ref.ID, err))
		}
		return OK(nil)

	case VerbFetch:
		var rows []string
		query := `SELECT data::text FROM school_records WHERE collection = $1 ORDER BY id`
		args := []any{collection}
		if req.SchoolID != "" {
			query = `SELECT data::text FROM school_records WHERE collection = $1 AND school_id = $2 ORDER BY id`
			args = append(args, req.SchoolID)
		}
		if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return Fail(fmt.Errorf("fetch %s: %w", collection, err))
		}
		out := make([]json.RawMessage, len(rows))
		for i, r := range rows {
			out[i] = json.RawMessage(r)
		}
		return OK(out)
	}
	return Unsupported(req.Action)
}
