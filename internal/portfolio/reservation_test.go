package portfolio

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/domain"
)

type sinkRecorder struct {
	expiredFills []string
	hbLosses     []string
}

func (s *sinkRecorder) ReservationExpiredFill(id string) { s.expiredFills = append(s.expiredFills, id) }
func (s *sinkRecorder) HeartbeatLostRelease(id string, _ int) { s.hbLosses = append(s.hbLosses, id) }

func testState() *domain.PortfolioState {
	return &domain.PortfolioState{
		SchemaVersion: "v1",
		PortfolioID:   1,
		TsUTCMs:       1_700_000_000_000,
		Equity:        domain.EquityBlock{USD: 10_000, PeakUSD: 10_000},
		States:        domain.StateBlock{DRP: domain.DRPNormal, TradingMode: domain.ModeLive},
	}
}

type fixture struct {
	writer *Writer
	coord  *Coordinator
	sink   *sinkRecorder
	nowMs  int64
}

func newFixture() *fixture {
	cfg := config.Default()
	f := &fixture{nowMs: 1_700_000_000_000, sink: &sinkRecorder{}}
	clock := &domain.LogicalClock{}
	f.writer = NewWriter(testState(), clock, &cfg.Reservation, zerolog.Nop())
	f.coord = NewCoordinator(&cfg.Reservation, f.writer, f.sink, zerolog.Nop(), func() int64 { return f.nowMs })
	return f
}

func reserveReq(pid int64) ReserveRequest {
	return ReserveRequest{
		SnapshotID:          7,
		PortfolioIDUsed:     pid,
		Instrument:          "BTC-USDT",
		ClusterID:           "majors",
		Direction:           domain.Long,
		RiskPct:             0.004,
		OrderType:           domain.OrderTaker,
		MaxPortfolioRiskPct: 0.04,
		MaxClusterRiskPct:   0.02,
		MaxSumAbsRiskPct:    0.06,
		HeatBudgetPct:       0.03,
	}
}

func fillFor(res *Reservation) Fill {
	return Fill{
		ReservationID: res.ID,
		FilledQty:     19.0,
		FillPrice:     100.01,
		EntryEffAllin: 100.075,
		SLEffAllin:    97.91,
		UnitRiskAllin: 2.03,
		NotionalUSD:   1900,
		TsMs:          1_700_000_001_000,
	}
}

func TestReserveAndCommitFill(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Reserve(reserveReq(1))
	require.NoError(t, err)
	assert.Equal(t, StateReserved, res.State)

	reserved, _, _ := f.coord.ReservedTotals()
	assert.InDelta(t, 0.004, reserved, 1e-12)

	next, err := f.coord.CommitFill(fillFor(res))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.PortfolioID)
	require.Len(t, next.Positions, 1)

	pos := next.Positions[0]
	// Committed identity: risk_amount_usd = qty · unit_risk_allin_net.
	assert.InDelta(t, 19.0*2.03, pos.RiskAmountUSD, 1e-9)
	assert.InDelta(t, pos.RiskAmountUSD/10_000, pos.RiskPctEquity, 1e-12)

	reserved, _, _ = f.coord.ReservedTotals()
	assert.InDelta(t, 0.0, reserved, 1e-12)
}

func TestCommitFillIdempotent(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Reserve(reserveReq(1))
	require.NoError(t, err)

	first, err := f.coord.CommitFill(fillFor(res))
	require.NoError(t, err)
	second, err := f.coord.CommitFill(fillFor(res))
	require.NoError(t, err)
	assert.Equal(t, first.PortfolioID, second.PortfolioID)
	assert.Len(t, second.Positions, 1)
}

func TestReserveConflicts(t *testing.T) {
	f := newFixture()

	req := reserveReq(1)
	req.RiskPct = 0.05
	_, err := f.coord.Reserve(req)
	assert.ErrorIs(t, err, ErrPortfolioLimit)

	req = reserveReq(1)
	req.RiskPct = 0.025
	_, err = f.coord.Reserve(req)
	assert.ErrorIs(t, err, ErrClusterLimit)

	req = reserveReq(99)
	_, err = f.coord.Reserve(req)
	assert.ErrorIs(t, err, ErrStaleSnapshot)
}

func TestReserveAccumulatesAgainstLimits(t *testing.T) {
	f := newFixture()
	for i := 0; i < 5; i++ {
		_, err := f.coord.Reserve(reserveReq(1))
		require.NoError(t, err, "reservation %d", i)
	}
	// 6 × 0.004 would cross the 0.02 cluster cap.
	_, err := f.coord.Reserve(reserveReq(1))
	assert.ErrorIs(t, err, ErrClusterLimit)
}

func TestTTLExpiryAndExpiredFill(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Reserve(reserveReq(1))
	require.NoError(t, err)

	// Taker TTL is 30 s; jump past it (heartbeat too, to mimic a dead EXM).
	f.nowMs += 31_000
	expired := f.coord.SweepExpired()
	assert.Contains(t, expired, res.ID)

	_, err = f.coord.CommitFill(fillFor(res))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reservation_expired_fill_event")
	assert.Contains(t, f.sink.expiredFills, res.ID)
}

func TestHeartbeatKeepsReservationAlive(t *testing.T) {
	f := newFixture()
	req := reserveReq(1)
	req.OrderType = domain.OrderMaker // TTL 120 s
	res, err := f.coord.Reserve(req)
	require.NoError(t, err)

	// Heartbeats every 5 s for 60 s: alive.
	for i := 0; i < 12; i++ {
		f.nowMs += 5_000
		require.NoError(t, f.coord.Heartbeat(res.ID))
	}
	assert.Empty(t, f.coord.SweepExpired())

	// Silence past the grace window releases the hold.
	f.nowMs += 11_000
	expired := f.coord.SweepExpired()
	assert.Contains(t, expired, res.ID)
	assert.Contains(t, f.sink.hbLosses, res.ID)
}

func TestRenewExtendsLease(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Reserve(reserveReq(1))
	require.NoError(t, err)
	before := res.ExpiresAtMs

	f.nowMs += 10_000
	require.NoError(t, f.coord.Renew(res.ID))
	got, _ := f.coord.Get(res.ID)
	assert.Greater(t, got.ExpiresAtMs, before)
}

func TestCancelIdempotent(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Reserve(reserveReq(1))
	require.NoError(t, err)

	require.NoError(t, f.coord.Cancel(res.ID))
	require.NoError(t, f.coord.Cancel(res.ID))
	reserved, _, _ := f.coord.ReservedTotals()
	assert.InDelta(t, 0.0, reserved, 1e-12)

	assert.ErrorIs(t, f.coord.Cancel("nope"), ErrUnknownReservation)
}

func TestWriterOCC(t *testing.T) {
	f := newFixture()
	_, err := f.writer.Commit(42, func(*domain.PortfolioState) error { return nil })
	assert.ErrorIs(t, err, ErrStaleSnapshot)

	next, err := f.writer.CommitRetry(func(p *domain.PortfolioState) error {
		p.Equity.USD = 10_500
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.PortfolioID)
	assert.Equal(t, 10_500.0, f.writer.Current().Equity.USD)
}

func TestOrphanSweep(t *testing.T) {
	f := newFixture()
	res, err := f.coord.Reserve(reserveReq(1))
	require.NoError(t, err)

	s := NewSweeper(f.coord, zerolog.Nop())
	s.Track("ord-known")

	orphans := s.Reconcile([]ExchangeOrder{
		{ExchangeOrderID: "ord-live", Instrument: "BTC-USDT", ReservationID: res.ID},
		{ExchangeOrderID: "ord-known", Instrument: "ETH-USDT"},
		{ExchangeOrderID: "ord-alien", Instrument: "SOL-USDT"},
	})
	require.Len(t, orphans, 2)
	byID := map[string]OrphanAction{}
	for _, o := range orphans {
		byID[o.Order.ExchangeOrderID] = o.Action
	}
	assert.Equal(t, OrphanRiskReducing, byID["ord-known"])
	assert.Equal(t, OrphanCancel, byID["ord-alien"])
	assert.False(t, s.InProgress())
}
