package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bioreg/bioreg/internal/registry"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS registry_events (
	event_id   TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	caller     TEXT NOT NULL,
	emitted_at TIMESTAMPTZ NOT NULL,
	fields     JSONB
)`

// PostgresSink exports committed events into a relational table so audit
// dashboards can query the registry history with SQL.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, createEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	return &PostgresSink{pool: pool}, nil
}

func (p *PostgresSink) Send(event *registry.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields, err := json.Marshal(event.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal event fields: %w", err)
	}

	// Inserts are idempotent on event id so a redelivered event never
	// duplicates a row.
	_, err = p.pool.Exec(ctx,
		`INSERT INTO registry_events (event_id, kind, caller, emitted_at, fields)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id) DO NOTHING`,
		event.ID, string(event.Kind), event.Caller, event.Timestamp, fields)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (p *PostgresSink) Close() {
	p.pool.Close()
}
