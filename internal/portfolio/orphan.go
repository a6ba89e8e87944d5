package portfolio

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ExchangeOrder is a REST-snapshot view of one exchange-side open order.
type ExchangeOrder struct {
	ExchangeOrderID string
	Instrument      string
	ReservationID   string // empty when the exchange order carries no local tag
}

// OrphanAction is the disposition for an order with no local reservation.
type OrphanAction string

const (
	OrphanCancel       OrphanAction = "cancel"
	OrphanRiskReducing OrphanAction = "risk_reducing_only"
)

// OrphanResult reports one reconciled orphan.
type OrphanResult struct {
	Order  ExchangeOrder `json:"order"`
	Action OrphanAction  `json:"action"`
}

// Sweeper reconciles exchange-side orders against the local execution shadow
// after a restart or websocket reconnect. New entries are blocked while a
// sweep is in progress.
type Sweeper struct {
	coordinator *Coordinator
	log         zerolog.Logger

	mu         sync.Mutex
	shadow     map[string]struct{} // exchange order ids the engine placed
	inProgress atomic.Bool
}

// NewSweeper builds a sweeper over the reservation coordinator.
func NewSweeper(coordinator *Coordinator, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		coordinator: coordinator,
		log:         log.With().Str("component", "orphan_sweep").Logger(),
		shadow:      make(map[string]struct{}),
	}
}

// Track records an order the engine itself placed.
func (s *Sweeper) Track(exchangeOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shadow[exchangeOrderID] = struct{}{}
}

// Untrack forgets a closed order.
func (s *Sweeper) Untrack(exchangeOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shadow, exchangeOrderID)
}

// InProgress reports whether admissions must block with
// orphan_sweep_in_progress_block.
func (s *Sweeper) InProgress() bool { return s.inProgress.Load() }

// Begin marks the sweep started; admission blocks until End.
func (s *Sweeper) Begin() { s.inProgress.Store(true) }

// End releases the admission block.
func (s *Sweeper) End() { s.inProgress.Store(false) }

// Reconcile compares the REST snapshot against the local shadow and
// reservation ledger. Orders lacking a local reservation are orphans:
// cancelled outright when unknown entirely, demoted to risk-reducing-only
// when the shadow knows them but the reservation is gone.
func (s *Sweeper) Reconcile(open []ExchangeOrder) []OrphanResult {
	s.Begin()
	defer s.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var orphans []OrphanResult
	for _, order := range open {
		if order.ReservationID != "" {
			if _, ok := s.coordinator.Get(order.ReservationID); ok {
				continue
			}
		}
		action := OrphanCancel
		if _, known := s.shadow[order.ExchangeOrderID]; known {
			action = OrphanRiskReducing
		}
		s.log.Warn().
			Str("exchange_order_id", order.ExchangeOrderID).
			Str("instrument", order.Instrument).
			Str("action", string(action)).
			Msg("orphan_order_detected")
		orphans = append(orphans, OrphanResult{Order: order, Action: action})
	}
	return orphans
}
