package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/thelinks/realtime/internal/event"
)

// PostgresLog stores events in the events table. Rows are indexed by
// (target_kind, target, created_at) so a poll reads one index range per
// subscription.
type PostgresLog struct {
	db *sql.DB
}

// OpenPostgres opens and pings a database handle for dsn.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: ping: %w", err)
	}
	return db, nil
}

// NewPostgresLog creates a log backed by the given database handle.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// Append inserts events in one transaction. Re-appending an event ID is a
// no-op.
func (l *PostgresLog) Append(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventlog: begin: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO events (id, event_key, type, target_kind, target, exclude_identity, item_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("eventlog: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		data := []byte(ev.Data)
		if len(data) == 0 {
			data = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID,
			ev.Key,
			ev.Type,
			ev.Target.Kind,
			ev.Target.ID,
			ev.Exclude,
			ev.ItemID,
			data,
			ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("eventlog: insert %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventlog: commit: %w", err)
	}
	return nil
}

// Since returns the events visible to q.Identity, oldest first.
func (l *PostgresLog) Since(ctx context.Context, q Query) ([]event.Event, error) {
	const query = `
		SELECT id, event_key, type, target_kind, target, exclude_identity, item_id, data, created_at
		FROM events
		WHERE created_at > $1
		  AND (
		        (target_kind = 'user' AND target = $2)
		     OR (target_kind = 'room' AND target = ANY($3) AND exclude_identity <> $2)
		  )
		ORDER BY created_at ASC, seq ASC
		LIMIT $4`

	topics := q.Topics
	if topics == nil {
		topics = []string{}
	}

	rows, err := l.db.QueryContext(ctx, query, q.Since, q.Identity, pq.Array(topics), q.limit())
	if err != nil {
		return nil, fmt.Errorf("eventlog: query since: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			ev   event.Event
			data []byte
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.Key,
			&ev.Type,
			&ev.Target.Kind,
			&ev.Target.ID,
			&ev.Exclude,
			&ev.ItemID,
			&data,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		ev.Data = json.RawMessage(data)
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: rows: %w", err)
	}
	return out, nil
}

// Prune deletes events older than retention and returns how many were
// removed.
func (l *PostgresLog) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	const query = `DELETE FROM events WHERE created_at < $1`

	res, err := l.db.ExecContext(ctx, query, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("eventlog: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eventlog: prune rows affected: %w", err)
	}
	return n, nil
}
