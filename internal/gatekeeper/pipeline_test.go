package gatekeeper

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/corr"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/portfolio"
)

const nowMs = int64(1_700_000_000_000)

type fakeCorr struct {
	snap  *corr.Snapshot
	fresh bool
}

func (f *fakeCorr) Current(int64) (*corr.Snapshot, bool) { return f.snap, f.fresh }

type drpRecorder struct {
	escalations []domain.DRPState
}

func (d *drpRecorder) Escalate(s domain.DRPState, _ domain.EmergencyCause, _ string) {
	d.escalations = append(d.escalations, s)
}

func testConfig() *config.Config {
	cfg := config.Default()
	// Scenario cost base: spread comes from the book, fees 2/2, slippage
	// 2/2/2, impact 1 everywhere, stop slippage doubled.
	cfg.Costs.FeeEntryBps = 2
	cfg.Costs.FeeExitBps = 2
	cfg.Costs.SlippageEntryBps = 2
	cfg.Costs.SlippageTPBps = 2
	cfg.Costs.SlippageStopBps = 2
	cfg.Costs.ImpactEntryBps = 1
	cfg.Costs.ImpactExitBps = 1
	cfg.Costs.ImpactStopBps = 1
	return cfg
}

func corrIdentity(instruments ...string) *corr.Snapshot {
	n := len(instruments)
	return &corr.Snapshot{
		ID:           1,
		Instruments:  instruments,
		PSD:          corr.NewMatrix(n),
		Stress:       corr.NewMatrix(n),
		Blend:        corr.NewMatrix(n),
		ComputedAtMs: nowMs,
		ValidFromMs:  nowMs,
	}
}

func cleanMarket() *domain.MarketState {
	return &domain.MarketState{
		SchemaVersion: "v1",
		MarketDataID:  1,
		Instrument:    "BTC-USDT",
		Timeframe:     "H1",
		TsUTCMs:       nowMs,
		Price: domain.PriceBlock{
			Last: 100, Mid: 100, Bid: 99.9975, Ask: 100.0025, TickSize: 0.01, Prev: 100,
		},
		Volatility: domain.VolatilityBlock{ATR: 1.5, ATRZShort: 1.0},
		Liquidity: domain.LiquidityBlock{
			SpreadBps:    5,
			BidDepthUSD:  2_000_000,
			AskDepthUSD:  2_000_000,
			Volume24hUSD: 50_000_000,
			ImpactBpsEst: 1,
		},
		Derivatives: domain.DerivativesBlock{
			FundingRate:          0.0001,
			FundingPeriodHours:   8,
			TimeToNextFundingSec: 4 * 3600,
		},
		Correlation: domain.CorrelationBlock{
			TailReliabilityScore: 0.9,
			LambdaUsed:           0.2,
			GammaStress:          0.1,
		},
		DataQuality: domain.DataQualityBlock{},
	}
}

func cleanPortfolio() *domain.PortfolioState {
	return &domain.PortfolioState{
		SchemaVersion: "v1",
		PortfolioID:   1,
		TsUTCMs:       nowMs,
		Equity:        domain.EquityBlock{USD: 10_000, PeakUSD: 10_000},
		States:        domain.StateBlock{DRP: domain.DRPNormal, TradingMode: domain.ModeLive},
	}
}

func trendSignal() *domain.EngineSignal {
	return &domain.EngineSignal{
		SchemaVersion: "v1",
		Instrument:    "BTC-USDT",
		Engine:        domain.EngineTrend,
		Direction:     domain.Long,
		Levels:        domain.SignalLevels{EntryPrice: 100, StopLoss: 98, TakeProfit: 106},
		Context:       domain.SignalContext{ExpectedHoldingHours: 6, SetupID: "trend-pullback"},
		Constraints:   domain.SignalConstraints{RRMinEngine: 1.5, SLMinATRMult: 0.5, SLMaxATRMult: 3},
	}
}

func normalMLE() *domain.MLEOutput {
	return &domain.MLEOutput{
		SchemaVersion:        "v1",
		ModelID:              "mle-h1",
		ArtifactSHA256:       "a3f1c2d4e5b6978812345678901234567890abcdef0123456789abcdef012345",
		FeatureSchemaVersion: 1,
		Decision:             domain.MLENormal,
		RiskMult:             1.0,
		EVRPrice:             0.35,
		PFail:                0.40,
		PNeutral:             0.05,
		PSuccess:             0.55,
	}
}

type harness struct {
	gk     *Gatekeeper
	cfg    *config.Config
	writer *portfolio.Writer
	coord  *portfolio.Coordinator
	drpRec *drpRecorder
}

func newHarness(cfg *config.Config, pstate *domain.PortfolioState, corrSnap *corr.Snapshot, fresh bool) *harness {
	h := &harness{cfg: cfg, drpRec: &drpRecorder{}}
	clock := &domain.LogicalClock{}
	h.writer = portfolio.NewWriter(pstate, clock, &cfg.Reservation, zerolog.Nop())
	h.coord = portfolio.NewCoordinator(&cfg.Reservation, h.writer, nil, zerolog.Nop(), func() int64 { return nowMs })
	h.gk = New(cfg, &fakeCorr{snap: corrSnap, fresh: fresh}, h.coord, nil, h.drpRec, zerolog.Nop())
	return h
}

func request(market *domain.MarketState, pstate *domain.PortfolioState, sig *domain.EngineSignal, mle *domain.MLEOutput) *Request {
	return &Request{
		MRCRegime:      domain.RegimeTrendUp,
		MRCProbs:       map[domain.Regime]float64{domain.RegimeTrendUp: 0.8},
		BaselineRegime: domain.RegimeTrendUp,
		Signal:         sig,
		MLE:            mle,
		Snapshot: &domain.Snapshot{
			SnapshotID:     7,
			LogicalClockMs: nowMs,
			Market:         market,
			Portfolio:      pstate,
		},
		ClusterID: "majors",
		OrderType: domain.OrderTaker,
		NowMs:     nowMs,
	}
}

func TestCleanLongPass(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	dec := h.gk.EvaluateEntrySignal(request(cleanMarket(), pstate, trendSignal(), normalMLE()))

	require.True(t, dec.Allowed, "reason=%s gate=%s", dec.RejectionReason, dec.BlockedAtGate)
	assert.Empty(t, dec.RejectionReason)
	assert.Greater(t, dec.Qty, 0.0)
	assert.NotEmpty(t, dec.ReservationID)

	// size ≈ risk_target · equity / unit_risk, modulo impact and rounding.
	target := dec.Diagnostics["risk_pct_target"].(float64)
	unitRisk := dec.Diagnostics["unit_risk"].(float64)
	assert.InDelta(t, 2.03, unitRisk, 0.02)
	assert.InDelta(t, target*10_000/unitRisk, dec.Qty, target*10_000/unitRisk*0.02)

	// The reservation holds the realized risk.
	reserved, _, _ := h.coord.ReservedTotals()
	assert.InDelta(t, dec.Diagnostics["risk_pct_actual"].(float64), reserved, 1e-9)
}

func TestDQSHardGateBlocksAtGate0(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	market := cleanMarket()
	market.DataQuality.PriceStalenessMs = 3000

	dec := h.gk.EvaluateEntrySignal(request(market, pstate, trendSignal(), normalMLE()))
	assert.False(t, dec.Allowed)
	assert.Equal(t, string(ReasonDQSHardGate), dec.RejectionReason)
	assert.Equal(t, "gate00_warmup_dqs", dec.BlockedAtGate)

	// The DRP transition in the trace lands in EMERGENCY.
	require.NotEmpty(t, dec.GateTrace)
	drpDiag := dec.GateTrace[0].Diagnostics["drp"]
	require.NotNil(t, drpDiag)
}

func TestFundingBlackoutBlock(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	market := cleanMarket()
	market.Derivatives.FundingRate = 0.0015
	market.Derivatives.TimeToNextFundingSec = 600 // inside the 15-minute blackout

	sig := trendSignal()
	sig.Levels.TakeProfit = 104
	sig.Context.ExpectedHoldingHours = 2

	mle := normalMLE()
	mle.PSuccess = 0.40
	mle.PNeutral = 0.15
	mle.PFail = 0.45

	dec := h.gk.EvaluateEntrySignal(request(market, pstate, sig, mle))
	assert.False(t, dec.Allowed)
	assert.Equal(t, string(ReasonFundingBlackout), dec.RejectionReason)
	assert.Equal(t, "gate09_funding", dec.BlockedAtGate)
}

func heavyPortfolio() *domain.PortfolioState {
	p := cleanPortfolio()
	p.Positions = []domain.Position{{
		ArenaID: 1, Instrument: "BTC-USDT", ClusterID: "majors", Direction: domain.Long,
		Qty: 152, EntryPrice: 100, EntryEffAllin: 100.075, SLEffAllin: 98.04,
		RiskAmountUSD: 310, RiskPctEquity: 0.031, NotionalUSD: 15_200, OpenedTsMs: nowMs - 3600_000,
	}}
	p.Risk.CurrentPortfolioRiskPct = 0.031
	p.Risk.CurrentClusterRiskPct = map[string]float64{"majors": 0.031}
	p.Risk.SumAbsRiskPct = 0.031
	return p
}

func TestHeatHardViolationForcesHedge(t *testing.T) {
	cfg := testConfig()
	pstate := heavyPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	// Aligned long on top of a book already above H_hard: blocked.
	req := request(cleanMarket(), pstate, trendSignal(), normalMLE())
	req.ClusterID = "alts" // keep gate 10's asset-exposure cap out of the way
	dec := h.gk.EvaluateEntrySignal(req)
	assert.False(t, dec.Allowed)
	assert.Equal(t, string(ReasonHeatSoftIncrease), dec.RejectionReason)
	assert.Equal(t, "gate13_sequential_risk", dec.BlockedAtGate)

	// Opposing short (b < 0) is admissible as a forced hedge.
	short := trendSignal()
	short.Direction = domain.Short
	short.Levels = domain.SignalLevels{EntryPrice: 100, StopLoss: 102, TakeProfit: 94}
	req = request(cleanMarket(), pstate, short, normalMLE())
	req.ClusterID = "alts"
	req.MRCRegime = domain.RegimeTrendDown
	req.MRCProbs = map[domain.Regime]float64{domain.RegimeTrendDown: 0.8}
	req.BaselineRegime = domain.RegimeTrendDown

	dec = h.gk.EvaluateEntrySignal(req)
	require.True(t, dec.Allowed, "reason=%s gate=%s", dec.RejectionReason, dec.BlockedAtGate)
	assert.Greater(t, dec.Qty, 0.0)
}

func TestShadowModeTerminatesAfterGate6(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	pstate.States.TradingMode = domain.ModeShadow
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	dec := h.gk.EvaluateEntrySignal(request(cleanMarket(), pstate, trendSignal(), normalMLE()))
	assert.False(t, dec.Allowed)
	assert.Equal(t, string(ReasonShadowMode), dec.RejectionReason)

	// Gates 7–18 never ran.
	for _, g := range dec.GateTrace {
		assert.NotContains(t, []string{"gate07_liquidity", "gate13_sequential_risk", "gate14_final_sizing"}, g.Gate)
	}
	// No reservation was taken.
	reserved, _, _ := h.coord.ReservedTotals()
	assert.Zero(t, reserved)
}

func TestTradingModeBlock(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	pstate.States.TradingMode = domain.ModePaused
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	dec := h.gk.EvaluateEntrySignal(request(cleanMarket(), pstate, trendSignal(), normalMLE()))
	assert.Equal(t, string(ReasonTradingMode), dec.RejectionReason)
}

func TestManualHaltBlock(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	pstate.States.ManualHaltAll = true
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	dec := h.gk.EvaluateEntrySignal(request(cleanMarket(), pstate, trendSignal(), normalMLE()))
	assert.Equal(t, string(ReasonManualHalt), dec.RejectionReason)
}

func TestRegimeIncompatibleBlock(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	req := request(cleanMarket(), pstate, trendSignal(), normalMLE())
	req.MRCRegime = domain.RegimeRange
	req.MRCProbs = map[domain.Regime]float64{domain.RegimeRange: 0.9}
	req.BaselineRegime = domain.RegimeRange

	dec := h.gk.EvaluateEntrySignal(req)
	assert.Equal(t, string(ReasonRegimeIncompatible), dec.RejectionReason)
	assert.Equal(t, "gate03_regime_compat", dec.BlockedAtGate)
}

func TestStaleSnapshotRejected(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	market := cleanMarket()
	market.TsUTCMs = nowMs - cfg.Snapshot.MaxAgeMs - 1

	dec := h.gk.EvaluateEntrySignal(request(market, pstate, trendSignal(), normalMLE()))
	assert.Equal(t, string(ReasonSnapshotStale), dec.RejectionReason)
}

// Monotone risk response: worsening DQS, lambda, stress beta, tail corr, or
// ADL rank never increases the admitted size.
func TestMonotoneRiskResponse(t *testing.T) {
	baseline := admittedSize(t, nil)

	worsen := []func(*domain.MarketState){
		func(m *domain.MarketState) { m.DataQuality.PriceStalenessMs = 900 }, // DQS down
		func(m *domain.MarketState) { m.Correlation.LambdaUsed = 0.8 },
		func(m *domain.MarketState) { m.Correlation.StressBetaToBTC = 2.5 },
		func(m *domain.MarketState) { m.Correlation.TailCorrToBTC = 0.8 },
		func(m *domain.MarketState) { q := 0.9; m.Derivatives.ADLRankQuantile = &q },
		func(m *domain.MarketState) { m.Correlation.TailReliabilityScore = 0.1 },
	}
	for i, w := range worsen {
		size := admittedSize(t, w)
		assert.LessOrEqual(t, size, baseline+1e-9, "worsening case %d increased size", i)
	}
}

func admittedSize(t *testing.T, mutate func(*domain.MarketState)) float64 {
	t.Helper()
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	market := cleanMarket()
	if mutate != nil {
		mutate(market)
	}
	dec := h.gk.EvaluateEntrySignal(request(market, pstate, trendSignal(), normalMLE()))
	if !dec.Allowed {
		return 0
	}
	return dec.SizeNotional
}

// Pre-sizing gates are size-invariant: two books differing only in depth far
// above the floors produce identical unit risk and EV intermediates.
func TestSizeInvariancePreSizing(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()

	run := func(depth float64) Decision {
		h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)
		market := cleanMarket()
		market.Liquidity.BidDepthUSD = depth
		market.Liquidity.AskDepthUSD = depth
		return h.gk.EvaluateEntrySignal(request(market, pstate, trendSignal(), normalMLE()))
	}
	a, b := run(2_000_000), run(8_000_000)
	require.True(t, a.Allowed)
	require.True(t, b.Allowed)
	assert.InDelta(t, a.Diagnostics["unit_risk"].(float64), b.Diagnostics["unit_risk"].(float64), 1e-12)
	assert.InDelta(t, a.Diagnostics["net_yield_r"].(float64), b.Diagnostics["net_yield_r"].(float64), 1e-12)
}

func TestLiquidityHardBlock(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	market := cleanMarket()
	market.Liquidity.BidDepthUSD = 100_000

	dec := h.gk.EvaluateEntrySignal(request(market, pstate, trendSignal(), normalMLE()))
	assert.Equal(t, string(ReasonLiquidityHard), dec.RejectionReason)
	assert.Equal(t, "gate07_liquidity", dec.BlockedAtGate)
}

func TestGapGlitchBlock(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	market := cleanMarket()
	market.Price.Prev = 94 // ~6.4% jump, over the 5% hard bound

	dec := h.gk.EvaluateEntrySignal(request(market, pstate, trendSignal(), normalMLE()))
	assert.Equal(t, string(ReasonGapGlitch), dec.RejectionReason)
	assert.Contains(t, h.drpRec.escalations, domain.DRPEmergency)
}

func TestMLERejectBlocks(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), true)

	mle := normalMLE()
	mle.Decision = domain.MLEReject

	dec := h.gk.EvaluateEntrySignal(request(cleanMarket(), pstate, trendSignal(), mle))
	assert.Equal(t, string(ReasonMLEReject), dec.RejectionReason)
}

func TestCorrStaleForcesDefensiveEscalation(t *testing.T) {
	cfg := testConfig()
	pstate := cleanPortfolio()
	h := newHarness(cfg, pstate, corrIdentity("BTC-USDT"), false) // stale snapshot

	dec := h.gk.EvaluateEntrySignal(request(cleanMarket(), pstate, trendSignal(), normalMLE()))
	require.True(t, dec.Allowed, "reason=%s gate=%s", dec.RejectionReason, dec.BlockedAtGate)
	assert.Contains(t, h.drpRec.escalations, domain.DRPDefensive)

	// Stale multiplier shrinks the admitted size versus the fresh path.
	fresh := admittedSize(t, nil)
	assert.Less(t, dec.SizeNotional, fresh)
}
