package sizing

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskgate/riskgate/internal/config"
)

func newSolver() *Solver {
	cfg := config.Default()
	return New(&cfg.Sizing, zerolog.Nop())
}

func baseRequest() Request {
	return Request{
		RiskPreLiquidity: 0.005,
		LiquidityMult:    1.0,
		EquityUSD:        10_000,
		UnitRiskBase:     2.03,
		EntryPriceRef:    100,
		MaxImpactBps:     25,
	}
}

func TestDirectSolveWithoutImpact(t *testing.T) {
	s := newSolver()
	res := s.Solve(baseRequest())

	require.True(t, res.Converged)
	assert.Equal(t, "direct", res.Strategy)
	// qty = 0.005*10000/2.03 ≈ 24.63, floored to lot step 0.001.
	assert.InDelta(t, 24.63, res.QtyRounded, 0.01)
	assert.InDelta(t, 0.005, res.RiskActualPct, 1e-4)

	ok, reduced := s.VerifyLotRounding(res)
	assert.True(t, ok)
	assert.False(t, reduced)
}

func TestLiquidityMultAppliedExactlyOnce(t *testing.T) {
	s := newSolver()
	req := baseRequest()
	req.LiquidityMult = 0.5
	res := s.Solve(req)
	assert.InDelta(t, 0.0025, res.RiskTargetPct, 1e-12)
	assert.InDelta(t, 0.0025, res.RiskActualPct, 1e-4)
}

func TestAnalyticalLinearImpact(t *testing.T) {
	s := newSolver()
	req := baseRequest()
	req.Impact = ImpactModel{A: 0.05, B: 1}
	res := s.Solve(req)

	require.True(t, res.Converged)
	assert.Equal(t, "analytical", res.Strategy)
	// Impact raises unit risk, so qty lands below the naive 24.63.
	assert.Less(t, res.Qty, 24.63)
	assert.InDelta(t, res.RiskTargetPct, res.RiskActualPct, res.RiskTargetPct*0.01)
}

func TestFixedPointPowerImpact(t *testing.T) {
	s := newSolver()
	req := baseRequest()
	req.Impact = ImpactModel{A: 0.2, B: 0.5}
	res := s.Solve(req)

	require.True(t, res.Converged)
	assert.Equal(t, "fixed_point", res.Strategy)
	assert.InDelta(t, res.RiskTargetPct, res.RiskActualPct, res.RiskTargetPct*0.01)
	assert.Greater(t, res.ImpactBps, 0.0)
}

func TestLowLiquidityCap(t *testing.T) {
	s := newSolver()
	req := baseRequest()
	req.LiquidityMult = 0.1 // below the 0.20 convergence threshold
	res := s.Solve(req)

	assert.True(t, res.LowLiquidityCap)
	// target = 0.005 * 0.1 * 0.5 cap
	assert.InDelta(t, 0.00025, res.RiskTargetPct, 1e-9)
}

func TestHighImpactCap(t *testing.T) {
	s := newSolver()
	req := baseRequest()
	req.Impact = ImpactModel{A: 3e-6, B: 1.5}
	req.MaxImpactBps = 1e-4 // force the projected impact over the cap
	res := s.Solve(req)
	assert.True(t, res.HighImpactCap)
	assert.InDelta(t, 0.0025, res.RiskTargetPct, 1e-9)
}

func TestInfeasibleRequests(t *testing.T) {
	s := newSolver()

	req := baseRequest()
	req.RiskPreLiquidity = 0
	assert.True(t, s.Solve(req).Infeasible)

	req = baseRequest()
	req.UnitRiskBase = 0
	assert.True(t, s.Solve(req).Infeasible)
}

func TestNonConvergenceAdoptsCappedMinimum(t *testing.T) {
	cfg := config.Default()
	cfg.Sizing.MaxIters = 1 // starve both strategies
	cfg.Sizing.ConvergenceTolFrac = 1e-12
	s := New(&cfg.Sizing, zerolog.Nop())

	req := baseRequest()
	req.Impact = ImpactModel{A: 3e-6, B: 1.5}
	res := s.Solve(req)

	assert.False(t, res.Converged)
	assert.True(t, res.NotConvergedEvent)
	assert.Greater(t, res.Qty, 0.0)
	// Capped to half the adopted iterate.
	assert.LessOrEqual(t, res.RiskActualPct, res.RiskTargetPct)
}

func TestVerifyLotRoundingDeviation(t *testing.T) {
	s := newSolver()
	res := Result{RiskTargetPct: 0.005, RiskActualPct: 0.0056}
	ok, _ := s.VerifyLotRounding(res) // 12% over target, above 10% cap, not reduced
	assert.False(t, ok)

	res.RiskActualPct = 0.0040 // 20% under: accepted as reduced risk
	ok, reduced := s.VerifyLotRounding(res)
	assert.True(t, ok)
	assert.True(t, reduced)

	res.RiskActualPct = 0.0051
	ok, reduced = s.VerifyLotRounding(res)
	assert.True(t, ok)
	assert.False(t, reduced)
}
