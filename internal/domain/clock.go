package domain

import (
	"fmt"
	"sync"
)

// LogicalClock issues monotone millisecond timestamps:
// logical_clock_ms = max(external_ts_ms, prev+1). Lamport-style; shared by
// the snapshot registry and the portfolio writer for total commit ordering.
type LogicalClock struct {
	mu   sync.Mutex
	prev int64
}

// Tick advances the clock given an external wall timestamp.
func (c *LogicalClock) Tick(externalTsMs int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := externalTsMs
	if next <= c.prev {
		next = c.prev + 1
	}
	c.prev = next
	return next
}

// Now returns the last issued value without advancing.
func (c *LogicalClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev
}

// Snapshot is the immutable (market, portfolio) pair a decision runs on.
type Snapshot struct {
	SnapshotID     int64           `json:"snapshot_id"`
	LogicalClockMs int64           `json:"logical_clock_ms"`
	Market         *MarketState    `json:"market"`
	Portfolio      *PortfolioState `json:"portfolio"`
}

// SnapshotRegistry issues monotone snapshot ids and enforces max age.
type SnapshotRegistry struct {
	mu       sync.Mutex
	clock    *LogicalClock
	nextID   int64
	maxAgeMs int64
	current  *Snapshot
}

// NewSnapshotRegistry builds a registry over the shared logical clock.
func NewSnapshotRegistry(clock *LogicalClock, maxAgeMs int64) *SnapshotRegistry {
	return &SnapshotRegistry{clock: clock, nextID: 1, maxAgeMs: maxAgeMs}
}

// ErrClockRegression marks a snapshot whose market timestamp is ahead of the
// logical clock. The pipeline treats it as a diagnostic event and forces
// DRP >= DEFENSIVE.
var ErrClockRegression = fmt.Errorf("logical clock behind market timestamp")

// Publish freezes a new snapshot. The logical clock is advanced to at least
// the market timestamp, so the invariant logical_clock_ms >= ts_utc_ms holds
// by construction; a nil market or portfolio is rejected.
func (r *SnapshotRegistry) Publish(market *MarketState, portfolio *PortfolioState) (*Snapshot, error) {
	if market == nil || portfolio == nil {
		return nil, fmt.Errorf("snapshot requires both market and portfolio state")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clockMs := r.clock.Tick(market.TsUTCMs)
	if clockMs < market.TsUTCMs {
		return nil, ErrClockRegression
	}
	snap := &Snapshot{
		SnapshotID:     r.nextID,
		LogicalClockMs: clockMs,
		Market:         market,
		Portfolio:      portfolio,
	}
	r.nextID++
	r.current = snap
	return snap, nil
}

// Current returns the latest published snapshot, or nil.
func (r *SnapshotRegistry) Current() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Stale reports whether the snapshot is older than the registry max age at
// the given wall time. Stale snapshots are invalid for admission.
func (r *SnapshotRegistry) Stale(s *Snapshot, nowMs int64) bool {
	if s == nil {
		return true
	}
	return nowMs-s.Market.TsUTCMs > r.maxAgeMs
}
