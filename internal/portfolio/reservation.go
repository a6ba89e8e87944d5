package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/domain"
)

// ReservationState is the reservation FSM. All transitions are idempotent in
// the reservation id: re-applying commit/cancel/expire is a no-op.
type ReservationState string

const (
	StateReserved  ReservationState = "RESERVED"
	StateCommitted ReservationState = "COMMITTED"
	StateCancelled ReservationState = "CANCELLED"
	StateExpired   ReservationState = "EXPIRED"
)

// Reservation is one pre-execution risk hold.
type Reservation struct {
	ID                     string           `json:"reservation_id"`
	SnapshotIDUsed         int64            `json:"snapshot_id_used"`
	PortfolioIDUsed        int64            `json:"portfolio_id_used"`
	Instrument             string           `json:"instrument"`
	ClusterID              string           `json:"cluster_id"`
	Direction              domain.Direction `json:"direction"`
	ReservedRiskPct        float64          `json:"reserved_risk_pct"`
	ReservedSumAbsRiskPct  float64          `json:"reserved_sum_abs_risk_pct"`
	ReservedHeatUpperBound float64          `json:"reserved_heat_upper_bound_pct"`
	OrderType              domain.OrderType `json:"order_type"`
	State                  ReservationState `json:"state"`
	ExpiresAtMs            int64            `json:"expires_at"`
	LeaseID                string           `json:"lease_id"`
	LeaseRenewalDeadline   int64            `json:"lease_renewal_deadline"`
	LastHeartbeatMs        int64            `json:"last_heartbeat_ms"`

	// Partial-fill policy carried from gate 18.
	AbandonThresholdR  float64 `json:"abandon_threshold_r"`
	PassiveFadeTimeout float64 `json:"passive_fade_timeout_sec"`
}

// ReserveRequest is the admission-side reservation ask.
type ReserveRequest struct {
	SnapshotID      int64
	PortfolioIDUsed int64
	Instrument      string
	ClusterID       string
	Direction       domain.Direction
	RiskPct         float64
	OrderType       domain.OrderType
	// Limits re-checked atomically at reserve time.
	MaxPortfolioRiskPct float64
	MaxClusterRiskPct   float64
	MaxSumAbsRiskPct    float64
	HeatBudgetPct       float64

	AbandonThresholdR  float64
	PassiveFadeTimeout float64
}

// Fill is an EXM fill report entering the two-phase commit.
type Fill struct {
	ReservationID  string
	SnapshotIDUsed int64
	FilledQty      float64
	FillPrice      float64
	EntryEffAllin  float64
	SLEffAllin     float64
	UnitRiskAllin  float64
	NotionalUSD    float64
	TsMs           int64
}

// Events the coordinator raises toward the DRP.
type EventSink interface {
	ReservationExpiredFill(reservationID string)
	HeartbeatLostRelease(reservationID string, repeats int)
}

// Coordinator maintains scalar reservations with an atomic check-and-set:
// the whole {portfolio, cluster, gross, heat budget} check runs inside one
// critical section, the in-process analogue of a Lua script on the ledger.
type Coordinator struct {
	cfg    *config.ReservationConfig
	writer *Writer
	log    zerolog.Logger
	nowMs  func() int64
	events EventSink

	onEvent func(event string)

	mu           sync.Mutex
	reservations map[string]*Reservation
	renewLimit   map[string]*rate.Limiter
	hbLossCount  int

	reservedPortfolio float64
	reservedCluster   map[string]float64
	reservedGross     float64
	reservedHeat      float64
}

// NewCoordinator builds a coordinator over the single writer.
func NewCoordinator(cfg *config.ReservationConfig, writer *Writer, events EventSink, log zerolog.Logger, nowMs func() int64) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		writer:       writer,
		events:       events,
		log:          log.With().Str("component", "reservations").Logger(),
		nowMs:        nowMs,
		reservations: make(map[string]*Reservation),
		renewLimit:   make(map[string]*rate.Limiter),
		reservedCluster: make(map[string]float64),
	}
}

// SetEventHook registers a lifecycle-event callback (metrics). Events:
// reserved, renewed, committed, cancelled, expired, heartbeat_lost,
// expired_fill.
func (c *Coordinator) SetEventHook(fn func(event string)) { c.onEvent = fn }

func (c *Coordinator) event(name string) {
	if c.onEvent != nil {
		c.onEvent(name)
	}
}

func (c *Coordinator) ttlSec(orderType domain.OrderType) float64 {
	switch orderType {
	case domain.OrderTaker:
		return c.cfg.TTLSecMinTaker
	case domain.OrderStop:
		return c.cfg.TTLSecMinStop
	default:
		// Maker holds must outlive the passive-fade hard timeout.
		return math.Max(c.cfg.TTLSecMinMaker, c.cfg.PassiveFadeHardTimeout)
	}
}

// Reserve performs the atomic check-and-set. Limit violations return the
// typed conflict errors; an OCC mismatch against the live portfolio id
// returns ErrStaleSnapshot.
func (c *Coordinator) Reserve(req ReserveRequest) (*Reservation, error) {
	if c.writer.Overloaded() {
		return nil, ErrWriterOverload
	}
	cur := c.writer.Current()
	if cur.PortfolioID != req.PortfolioIDUsed {
		return nil, fmt.Errorf("%w: decision used portfolio_id %d, current %d",
			ErrStaleSnapshot, req.PortfolioIDUsed, cur.PortfolioID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	risk := req.RiskPct
	if cur.Risk.CurrentPortfolioRiskPct+c.reservedPortfolio+risk > req.MaxPortfolioRiskPct {
		return nil, ErrPortfolioLimit
	}
	clusterCur := cur.ClusterRiskPct(req.ClusterID)
	if clusterCur+c.reservedCluster[req.ClusterID]+risk > req.MaxClusterRiskPct {
		return nil, ErrClusterLimit
	}
	if cur.Risk.SumAbsRiskPct+c.reservedGross+risk > req.MaxSumAbsRiskPct {
		return nil, ErrGrossLimit
	}
	if c.reservedHeat+risk > req.HeatBudgetPct {
		return nil, ErrHeatBudget
	}

	now := c.nowMs()
	ttlMs := int64(c.ttlSec(req.OrderType) * 1000)
	res := &Reservation{
		ID:                     uuid.NewString(),
		SnapshotIDUsed:         req.SnapshotID,
		PortfolioIDUsed:        req.PortfolioIDUsed,
		Instrument:             req.Instrument,
		ClusterID:              req.ClusterID,
		Direction:              req.Direction,
		ReservedRiskPct:        risk,
		ReservedSumAbsRiskPct:  risk,
		ReservedHeatUpperBound: math.Abs(risk),
		OrderType:              req.OrderType,
		State:                  StateReserved,
		ExpiresAtMs:            now + ttlMs,
		LeaseID:                uuid.NewString(),
		LeaseRenewalDeadline:   now + ttlMs,
		LastHeartbeatMs:        now,
		AbandonThresholdR:      req.AbandonThresholdR,
		PassiveFadeTimeout:     req.PassiveFadeTimeout,
	}
	c.reservations[res.ID] = res
	c.renewLimit[res.ID] = rate.NewLimiter(rate.Every(time.Duration(c.cfg.RenewalMinPeriodSec*float64(time.Second))), 1)
	c.reservedPortfolio += risk
	c.reservedCluster[req.ClusterID] += risk
	c.reservedGross += risk
	c.reservedHeat += math.Abs(risk)

	c.log.Info().
		Str("reservation_id", res.ID).
		Str("instrument", req.Instrument).
		Float64("risk_pct", risk).
		Str("order_type", string(req.OrderType)).
		Msg("risk reserved")
	c.event("reserved")
	return res, nil
}

// Heartbeat refreshes the liveness stamp.
func (c *Coordinator) Heartbeat(reservationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.reservations[reservationID]
	if !ok || res.State != StateReserved {
		return ErrUnknownReservation
	}
	res.LastHeartbeatMs = c.nowMs()
	return nil
}

// Renew extends the lease; calls arriving faster than the configured minimum
// period are dropped without error (the lease simply keeps its deadline).
func (c *Coordinator) Renew(reservationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.reservations[reservationID]
	if !ok || res.State != StateReserved {
		return ErrUnknownReservation
	}
	if lim := c.renewLimit[reservationID]; lim != nil && !lim.Allow() {
		return nil
	}
	ttlMs := int64(c.ttlSec(res.OrderType) * 1000)
	res.ExpiresAtMs = c.nowMs() + ttlMs
	res.LeaseRenewalDeadline = res.ExpiresAtMs
	res.LeaseID = uuid.NewString()
	c.event("renewed")
	return nil
}

// release removes a reservation's scalars; caller holds the lock.
func (c *Coordinator) release(res *Reservation) {
	c.reservedPortfolio -= res.ReservedRiskPct
	c.reservedCluster[res.ClusterID] -= res.ReservedRiskPct
	c.reservedGross -= res.ReservedSumAbsRiskPct
	c.reservedHeat -= res.ReservedHeatUpperBound
	delete(c.renewLimit, res.ID)
}

// Cancel transitions RESERVED → CANCELLED. Idempotent.
func (c *Coordinator) Cancel(reservationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if res.State != StateReserved {
		return nil
	}
	res.State = StateCancelled
	c.release(res)
	c.event("cancelled")
	return nil
}

// SweepExpired expires TTL- and heartbeat-lapsed reservations. Repeated
// heartbeat losses escalate to the DRP through the event sink.
func (c *Coordinator) SweepExpired() []string {
	now := c.nowMs()
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for id, res := range c.reservations {
		if res.State != StateReserved {
			continue
		}
		hbLost := now-res.LastHeartbeatMs > c.cfg.HeartbeatGraceMs
		if now >= res.ExpiresAtMs || hbLost {
			res.State = StateExpired
			c.release(res)
			expired = append(expired, id)
			c.event("expired")
			if hbLost {
				c.hbLossCount++
				c.log.Warn().Str("reservation_id", id).Msg("reservation heartbeat lost; released")
				c.event("heartbeat_lost")
				if c.events != nil {
					c.events.HeartbeatLostRelease(id, c.hbLossCount)
				}
			}
		}
	}
	return expired
}

// CommitFill is phase two: the fill either lands on a live reservation and
// mutates the portfolio through the writer under OCC, or arrives after
// expiry and triggers the auto-reduce protocol with a DRP escalation.
func (c *Coordinator) CommitFill(fill Fill) (*domain.PortfolioState, error) {
	c.mu.Lock()
	res, ok := c.reservations[fill.ReservationID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrUnknownReservation
	}
	switch res.State {
	case StateCommitted:
		c.mu.Unlock()
		return c.writer.Current(), nil // idempotent re-delivery
	case StateCancelled:
		c.mu.Unlock()
		return nil, fmt.Errorf("fill for cancelled reservation %s", fill.ReservationID)
	case StateExpired:
		c.mu.Unlock()
		c.log.Error().Str("reservation_id", fill.ReservationID).Msg("fill after reservation expiry")
		c.event("expired_fill")
		if c.events != nil {
			c.events.ReservationExpiredFill(fill.ReservationID)
		}
		return nil, fmt.Errorf("reservation_expired_fill_event: %s", fill.ReservationID)
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.CommitRetryCount; attempt++ {
		cur := c.writer.Current()
		next, err := c.writer.Commit(cur.PortfolioID, func(p *domain.PortfolioState) error {
			return applyFill(p, res, fill)
		})
		if err == nil {
			c.mu.Lock()
			if res.State == StateReserved {
				res.State = StateCommitted
				c.release(res)
				c.event("committed")
			}
			c.mu.Unlock()
			return next, nil
		}
		if !errors.Is(err, ErrStaleSnapshot) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fill commit retries exhausted: %w", lastErr)
}

// applyFill appends the position and refreshes aggregates. The committed
// risk identity risk_amount_usd = qty · unit_risk_allin_net holds by
// construction.
func applyFill(p *domain.PortfolioState, res *Reservation, fill Fill) error {
	if fill.FilledQty <= 0 || fill.UnitRiskAllin <= 0 {
		return fmt.Errorf("invalid fill: qty=%v unit_risk=%v", fill.FilledQty, fill.UnitRiskAllin)
	}
	riskUSD := fill.FilledQty * fill.UnitRiskAllin
	riskPct := riskUSD / p.Equity.USD

	var arenaID int64 = 1
	for _, pos := range p.Positions {
		if pos.ArenaID >= arenaID {
			arenaID = pos.ArenaID + 1
		}
	}
	p.Positions = append(p.Positions, domain.Position{
		ArenaID:       arenaID,
		Instrument:    res.Instrument,
		ClusterID:     res.ClusterID,
		Direction:     res.Direction,
		Qty:           fill.FilledQty,
		EntryPrice:    fill.FillPrice,
		EntryEffAllin: fill.EntryEffAllin,
		SLEffAllin:    fill.SLEffAllin,
		RiskAmountUSD: riskUSD,
		RiskPctEquity: riskPct,
		NotionalUSD:   fill.NotionalUSD,
		OpenedTsMs:    fill.TsMs,
	})
	p.Risk.CurrentPortfolioRiskPct += riskPct
	if p.Risk.CurrentClusterRiskPct == nil {
		p.Risk.CurrentClusterRiskPct = make(map[string]float64)
	}
	p.Risk.CurrentClusterRiskPct[res.ClusterID] += riskPct
	p.Risk.SumAbsRiskPct += riskPct
	p.TsUTCMs = fill.TsMs
	return nil
}

// Get returns a reservation by id.
func (c *Coordinator) Get(reservationID string) (*Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.reservations[reservationID]
	return res, ok
}

// ReservedTotals exposes the live scalar aggregates for diagnostics.
func (c *Coordinator) ReservedTotals() (portfolio, gross, heat float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reservedPortfolio, c.reservedGross, c.reservedHeat
}
