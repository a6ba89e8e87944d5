// Package portfolio implements the single-writer portfolio state, the risk
// reservation ledger with TTL/lease/heartbeat, the two-phase fill commit,
// and the orphan sweep. Readers only ever see immutable snapshot pointers;
// the writer swaps them atomically under optimistic concurrency.
package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/domain"
)

// Typed conflict errors surfaced through the reservation API.
var (
	ErrPortfolioLimit = errors.New("portfolio_limit_exceeded")
	ErrClusterLimit   = errors.New("cluster_limit_exceeded")
	ErrGrossLimit     = errors.New("gross_limit_exceeded")
	ErrHeatBudget     = errors.New("heat_budget_exceeded")
	ErrStaleSnapshot  = errors.New("stale_snapshot")
	ErrWriterOverload = errors.New("portfolio_writer_overload")
	ErrUnknownReservation = errors.New("unknown_reservation")
)

// Writer is the sole mutator of portfolio state. Every commit produces a new
// immutable snapshot with an incremented portfolio id; readers load the
// current pointer without locks.
type Writer struct {
	mu      sync.Mutex
	current atomic.Pointer[domain.PortfolioState]
	clock   *domain.LogicalClock
	queue   atomic.Int64
	cfg     *config.ReservationConfig
	log     zerolog.Logger
}

// NewWriter seeds the writer with an initial state.
func NewWriter(initial *domain.PortfolioState, clock *domain.LogicalClock, cfg *config.ReservationConfig, log zerolog.Logger) *Writer {
	w := &Writer{clock: clock, cfg: cfg, log: log.With().Str("component", "portfolio_writer").Logger()}
	w.current.Store(initial)
	return w
}

// Current returns the live snapshot pointer.
func (w *Writer) Current() *domain.PortfolioState { return w.current.Load() }

// QueueDepth reports the writer's pending commit count for the fast-reject
// path.
func (w *Writer) QueueDepth() int64 { return w.queue.Load() }

// Overloaded reports whether new-entry admissions should fast-reject.
func (w *Writer) Overloaded() bool {
	return w.queue.Load() > int64(w.cfg.WriterQueueHardCap)
}

// Commit applies mutate to a clone of the current state under OCC: the
// caller names the portfolio id its decision was computed against, and a
// mismatch returns ErrStaleSnapshot without touching state. On success the
// clone becomes current with portfolio_id+1.
func (w *Writer) Commit(expectedPortfolioID int64, mutate func(*domain.PortfolioState) error) (*domain.PortfolioState, error) {
	w.queue.Add(1)
	defer w.queue.Add(-1)

	w.mu.Lock()
	defer w.mu.Unlock()

	cur := w.current.Load()
	if cur.PortfolioID != expectedPortfolioID {
		return nil, fmt.Errorf("%w: expected portfolio_id %d, current %d",
			ErrStaleSnapshot, expectedPortfolioID, cur.PortfolioID)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.PortfolioID = cur.PortfolioID + 1
	next.TsUTCMs = w.clock.Tick(next.TsUTCMs)
	w.current.Store(next)
	return next, nil
}

// CommitRetry re-reads the current id and retries mutate up to the
// configured OCC retry budget. mutate must recheck its limits against the
// fresh state on every attempt.
func (w *Writer) CommitRetry(mutate func(*domain.PortfolioState) error) (*domain.PortfolioState, error) {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxOCCRetries; attempt++ {
		cur := w.current.Load()
		next, err := w.Commit(cur.PortfolioID, mutate)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrStaleSnapshot) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("occ retries exhausted: %w", lastErr)
}
