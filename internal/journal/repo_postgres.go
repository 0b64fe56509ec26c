package journal

import (
	"context"
	"database/sql"

	"callsignal/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_transitions (
  id UUID PRIMARY KEY,
  session_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  direction TEXT NOT NULL,
  kind TEXT NOT NULL,
  state TEXT NOT NULL,
  source TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  backend_error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`

const schemaIndex = `
CREATE INDEX IF NOT EXISTS call_transitions_session_idx
  ON call_transitions (session_id, created_at)`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// EnsureSchema creates the table and its index if missing. Both run in one transaction.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, schemaIndex)
		return err
	})
}

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO call_transitions (
  id, session_id, user_id, direction, kind, state, source, reason, backend_error, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.SessionID,
		e.UserID,
		e.Direction,
		e.Kind,
		e.State,
		e.Source,
		e.Reason,
		e.BackendError,
		e.CreatedAt,
	)
	return err
}

// ListBySession returns a session's entries in append order.
func (r *PostgresRepo) ListBySession(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
SELECT id, session_id, user_id, direction, kind, state, source, reason, backend_error, created_at
FROM call_transitions
WHERE session_id = $1
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID,
			&e.SessionID,
			&e.UserID,
			&e.Direction,
			&e.Kind,
			&e.State,
			&e.Source,
			&e.Reason,
			&e.BackendError,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
