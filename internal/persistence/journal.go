// Package persistence journals admission decisions and fill commits to
// Postgres. Writes drain from a bounded channel off the decision path; when
// the queue is full the record is dropped and counted, never blocking a
// decision.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS admission_decisions (
	decision_id   BIGSERIAL PRIMARY KEY,
	ts_utc_ms     BIGINT      NOT NULL,
	instrument    TEXT        NOT NULL,
	allowed       BOOLEAN     NOT NULL,
	reason        TEXT        NOT NULL DEFAULT '',
	size_notional DOUBLE PRECISION NOT NULL DEFAULT 0,
	snapshot_id   BIGINT      NOT NULL,
	diagnostics   JSONB       NOT NULL DEFAULT '{}'::jsonb
);
CREATE TABLE IF NOT EXISTS fill_commits (
	fill_id        BIGSERIAL PRIMARY KEY,
	ts_utc_ms      BIGINT    NOT NULL,
	reservation_id TEXT      NOT NULL,
	instrument     TEXT      NOT NULL,
	filled_qty     DOUBLE PRECISION NOT NULL,
	fill_price     DOUBLE PRECISION NOT NULL,
	risk_amount_usd DOUBLE PRECISION NOT NULL,
	portfolio_id   BIGINT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON admission_decisions (ts_utc_ms);
CREATE INDEX IF NOT EXISTS idx_fills_reservation ON fill_commits (reservation_id);
`

// DecisionRecord is one journaled admission outcome.
type DecisionRecord struct {
	TsUTCMs      int64          `db:"ts_utc_ms"`
	Instrument   string         `db:"instrument"`
	Allowed      bool           `db:"allowed"`
	Reason       string         `db:"reason"`
	SizeNotional float64        `db:"size_notional"`
	SnapshotID   int64          `db:"snapshot_id"`
	Diagnostics  map[string]any `db:"-"`
}

// FillRecord is one committed fill.
type FillRecord struct {
	TsUTCMs       int64   `db:"ts_utc_ms"`
	ReservationID string  `db:"reservation_id"`
	Instrument    string  `db:"instrument"`
	FilledQty     float64 `db:"filled_qty"`
	FillPrice     float64 `db:"fill_price"`
	RiskAmountUSD float64 `db:"risk_amount_usd"`
	PortfolioID   int64   `db:"portfolio_id"`
}

// Journal owns the bounded queue and the flush loop.
type Journal struct {
	db      *sqlx.DB
	log     zerolog.Logger
	queue   chan any
	dropped atomic.Int64
	onDrop  func()
}

// New builds a journal over an existing connection without starting the
// drain loop; callers run Run themselves. Used directly by tests.
func New(db *sqlx.DB, queueSize int, log zerolog.Logger) *Journal {
	return &Journal{
		db:    db,
		log:   log.With().Str("component", "journal").Logger(),
		queue: make(chan any, queueSize),
	}
}

// Open connects, applies the schema, and starts the drain loop.
func Open(ctx context.Context, dsn string, queueSize int, log zerolog.Logger) (*Journal, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect decision journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	j := New(db, queueSize, log)
	go j.Run(ctx)
	return j, nil
}

// SetDropHook registers a callback fired once per dropped record (metrics).
func (j *Journal) SetDropHook(fn func()) { j.onDrop = fn }

// RecordDecision enqueues without blocking; a full queue drops with a
// counter.
func (j *Journal) RecordDecision(rec DecisionRecord) {
	j.enqueue(rec)
}

// RecordFill enqueues a fill commit.
func (j *Journal) RecordFill(rec FillRecord) {
	j.enqueue(rec)
}

func (j *Journal) enqueue(item any) {
	select {
	case j.queue <- item:
	default:
		j.dropped.Add(1)
		if j.onDrop != nil {
			j.onDrop()
		}
	}
}

// Dropped reports records lost to backpressure.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Run drains the queue until ctx is done.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-j.queue:
			if err := j.write(ctx, item); err != nil {
				j.log.Error().Err(err).Msg("journal write failed")
			}
		}
	}
}

// Flush synchronously writes everything queued so far. One-shot callers
// (the evaluate command) use it instead of Run.
func (j *Journal) Flush(ctx context.Context) error {
	for {
		select {
		case item := <-j.queue:
			if err := j.write(ctx, item); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (j *Journal) write(ctx context.Context, item any) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch rec := item.(type) {
	case DecisionRecord:
		diag, err := json.Marshal(rec.Diagnostics)
		if err != nil {
			diag = []byte("{}")
		}
		_, err = j.db.ExecContext(writeCtx,
			`INSERT INTO admission_decisions
			 (ts_utc_ms, instrument, allowed, reason, size_notional, snapshot_id, diagnostics)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.TsUTCMs, rec.Instrument, rec.Allowed, rec.Reason, rec.SizeNotional, rec.SnapshotID, diag)
		return err
	case FillRecord:
		_, err := j.db.NamedExecContext(writeCtx,
			`INSERT INTO fill_commits
			 (ts_utc_ms, reservation_id, instrument, filled_qty, fill_price, risk_amount_usd, portfolio_id)
			 VALUES (:ts_utc_ms, :reservation_id, :instrument, :filled_qty, :fill_price, :risk_amount_usd, :portfolio_id)`,
			rec)
		return err
	default:
		return fmt.Errorf("unknown journal record type %T", item)
	}
}

// Close closes the connection.
func (j *Journal) Close() error { return j.db.Close() }
