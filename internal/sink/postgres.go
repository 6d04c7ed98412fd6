package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS testagent_events (
	event_id    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	event_time  TIMESTAMPTZ NOT NULL,
	links       JSONB NOT NULL,
	data        JSONB,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS testagent_events_run_idx ON testagent_events (run_id, seq);
`

// PostgresSink inserts events into testagent_events. Redelivery of the same
// event id is ignored, so retried sends never duplicate rows.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: create schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (p *PostgresSink) Send(ctx context.Context, e events.Event) error {
	if err := events.Validate(e); err != nil {
		return dagerrors.NewSinkError(err, false)
	}
	links, err := json.Marshal(e.Links)
	if err != nil {
		return dagerrors.NewSinkError(fmt.Errorf("marshal links: %w", err), false)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return dagerrors.NewSinkError(fmt.Errorf("marshal data: %w", err), false)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO testagent_events (event_id, run_id, kind, seq, event_time, links, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.ID, e.RunID, string(e.Kind), e.Seq, e.Time, links, data)
	if err != nil {
		return dagerrors.NewSinkError(fmt.Errorf("postgres sink: insert: %w", err), isRetriable(err))
	}
	return nil
}

// Records returns a run's stored events in sequence order.
func (p *PostgresSink) Records(ctx context.Context, runID string) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT event_id, run_id, kind, seq, event_time, links, data
		 FROM testagent_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: query: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		var kind string
		var links []byte
		if err := row.Scan(&r.ID, &r.RunID, &kind, &r.Seq, &r.Time, &links, &r.Data); err != nil {
			return Record{}, err
		}
		r.Kind = events.Kind(kind)
		if err := json.Unmarshal(links, &r.Links); err != nil {
			return Record{}, fmt.Errorf("decode links: %w", err)
		}
		return r, nil
	})
}

func (p *PostgresSink) Close() error {
	p.pool.Close()
	return nil
}

// isRetriable treats connection problems and transient conflicts as
// retryable. Any other server-reported error is permanent.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return true
	}
	switch {
	case pgErr.Code == "40001", pgErr.Code == "40P01":
		return true
	case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
		return true
	}
	return false
}
