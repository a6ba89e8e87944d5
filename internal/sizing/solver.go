// Package sizing solves for the order quantity whose realized risk fraction
// matches the REM-allowed target, with size-dependent market impact folded
// into the unit risk. Everything upstream of gate 14 is size-invariant; this
// is the first place qty exists.
package sizing

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/numerics"
	"github.com/riskgate/riskgate/internal/prices"
)

// ImpactModel is impact_bps(qty) = A · qty^B in basis points of entry price.
type ImpactModel struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Bps evaluates the curve.
func (m ImpactModel) Bps(qty float64) float64 {
	if qty <= 0 || m.A <= 0 {
		return 0
	}
	return m.A * math.Pow(qty, m.B)
}

// Request is one sizing problem.
type Request struct {
	// RiskPreLiquidity is the REM-allowed risk fraction before the liquidity
	// multiplier; the solver owns applying LiquidityMult exactly once.
	RiskPreLiquidity float64
	LiquidityMult    float64
	EquityUSD        float64
	UnitRiskBase     float64 // all-in unit risk at zero impact
	EntryPriceRef    float64
	Impact           ImpactModel
	MaxImpactBps     float64
}

// Result is the solver verdict.
type Result struct {
	Qty               float64 `json:"qty"`
	QtyRounded        float64 `json:"qty_rounded"`
	RiskTargetPct     float64 `json:"risk_target_pct"`
	RiskActualPct     float64 `json:"risk_actual_pct"`
	UnitRiskAtQty     float64 `json:"unit_risk_at_qty"`
	ImpactBps         float64 `json:"impact_bps"`
	Strategy          string  `json:"strategy"`
	Iterations        int     `json:"iterations"`
	Converged         bool    `json:"converged"`
	NotConvergedEvent bool    `json:"sizing_not_converged_event,omitempty"`
	LowLiquidityCap   bool    `json:"low_liquidity_cap,omitempty"`
	HighImpactCap     bool    `json:"high_impact_cap,omitempty"`
	Infeasible        bool    `json:"infeasible,omitempty"`
}

// Solver holds the config and logger.
type Solver struct {
	cfg *config.SizingConfig
	log zerolog.Logger
}

// New builds a solver.
func New(cfg *config.SizingConfig, log zerolog.Logger) *Solver {
	return &Solver{cfg: cfg, log: log.With().Str("component", "sizing").Logger()}
}

// unitRiskAt folds entry-side impact into the unit risk at a given qty.
func (s *Solver) unitRiskAt(req Request, qty float64) float64 {
	return req.UnitRiskBase + req.EntryPriceRef*prices.BpsToFraction(req.Impact.Bps(qty))
}

func (s *Solver) riskPctAt(req Request, qty float64) float64 {
	return qty * s.unitRiskAt(req, qty) / numerics.DenomSafeUnsigned(req.EquityUSD, numerics.EpsPrice)
}

// Solve picks a strategy: closed-form when the impact curve is linear in
// qty, fixed-point with damping and adaptive halving otherwise, Newton as
// the fallback when the fixed point stalls.
func (s *Solver) Solve(req Request) Result {
	cfg := s.cfg
	res := Result{}

	target := req.RiskPreLiquidity * numerics.Clamp01(req.LiquidityMult)

	// Feasibility pre-caps (gate 13.5).
	if req.LiquidityMult < cfg.LiquidityMinConvergence {
		target *= cfg.LowLiquidityCapMult
		res.LowLiquidityCap = true
	}
	res.RiskTargetPct = target

	if target <= 0 || req.UnitRiskBase <= 0 || req.EquityUSD <= 0 {
		res.Infeasible = true
		return res
	}

	targetUSD := target * req.EquityUSD
	naive := targetUSD / req.UnitRiskBase

	if req.Impact.A <= 0 {
		res.Strategy = "direct"
		res.Converged = true
		res.Qty = naive
		return s.finish(req, res)
	}

	// High projected impact at the naive size: shrink the target first.
	if req.Impact.Bps(naive) > req.MaxImpactBps {
		target *= cfg.HighImpactCapMult
		targetUSD = target * req.EquityUSD
		naive = targetUSD / req.UnitRiskBase
		res.HighImpactCap = true
		res.RiskTargetPct = target
	}

	if math.Abs(req.Impact.B-1) < 1e-12 {
		// Linear impact: qty·(u0 + c·qty) = targetUSD is a quadratic.
		c := req.EntryPriceRef * prices.BpsToFraction(req.Impact.A)
		disc := req.UnitRiskBase*req.UnitRiskBase + 4*c*targetUSD
		res.Strategy = "analytical"
		res.Converged = true
		res.Qty = (-req.UnitRiskBase + math.Sqrt(disc)) / (2 * c)
		return s.finish(req, res)
	}

	qty, iters, converged := s.fixedPoint(req, targetUSD, naive)
	res.Strategy = "fixed_point"
	res.Iterations = iters
	if !converged {
		nq, niters, nok := s.newton(req, targetUSD, qty)
		res.Iterations += niters
		if nok {
			res.Strategy = "newton"
			qty, converged = nq, true
		}
	}
	res.Qty = qty
	res.Converged = converged

	if !converged {
		// Adopt the smallest iterate that produced a finite valid risk and
		// cap the realized risk defensively.
		res.NotConvergedEvent = true
		res.Qty = qty * cfg.NotConvergedRiskCapMult
		s.log.Warn().
			Float64("qty", res.Qty).
			Int("iterations", res.Iterations).
			Msg("sizing did not converge; adopting capped minimum iterate")
	}
	return s.finish(req, res)
}

// fixedPoint iterates qty_{k+1} = (1-α)·qty_k + α·qty_hat with adaptive
// halving of α on oscillation. Returns the minimum valid iterate when the
// loop exhausts its budget.
func (s *Solver) fixedPoint(req Request, targetUSD, qty0 float64) (qty float64, iters int, converged bool) {
	cfg := s.cfg
	alpha := cfg.DampingAlpha
	qty = qty0
	minValid := math.Inf(1)
	var prevDelta float64

	for iters = 1; iters <= cfg.MaxIters; iters++ {
		u := s.unitRiskAt(req, qty)
		if u <= 0 || !numerics.IsValid(u) {
			break
		}
		hat := targetUSD / u
		delta := hat - qty
		if iters > 1 && delta*prevDelta < 0 {
			alpha = math.Max(alpha/2, cfg.DampingAlphaMin)
		}
		prevDelta = delta
		next := (1-alpha)*qty + alpha*hat
		if numerics.IsValid(next) && next > 0 {
			minValid = math.Min(minValid, next)
		}
		if math.Abs(delta) <= cfg.ConvergenceTolFrac*math.Max(qty, numerics.EpsQty) {
			return next, iters, true
		}
		qty = next
	}
	if !math.IsInf(minValid, 1) {
		qty = minValid
	}
	return qty, iters, false
}

// newton iterates on F(q) = q·u(q) - targetUSD with a floored derivative.
func (s *Solver) newton(req Request, targetUSD, qty0 float64) (qty float64, iters int, converged bool) {
	cfg := s.cfg
	qty = math.Max(qty0, numerics.EpsQty)
	for iters = 1; iters <= cfg.MaxIters; iters++ {
		u := s.unitRiskAt(req, qty)
		f := qty*u - targetUSD
		// dF/dq = u + q·u'(q); u'(q) = entryRef·b(A·B·q^{B-1}).
		du := req.EntryPriceRef * prices.BpsToFraction(req.Impact.A*req.Impact.B*math.Pow(qty, req.Impact.B-1))
		deriv := math.Max(u+qty*du, cfg.NewtonDerivFloor)
		next := qty - f/deriv
		if !numerics.IsValid(next) || next <= 0 {
			return qty, iters, false
		}
		if math.Abs(next-qty) <= cfg.ConvergenceTolFrac*math.Max(qty, numerics.EpsQty) {
			return next, iters, true
		}
		qty = next
	}
	return qty, iters, false
}

// finish applies lot rounding and reports realized risk.
func (s *Solver) finish(req Request, res Result) Result {
	res.QtyRounded = prices.RoundQtyToLotStep(res.Qty, s.cfg.LotStepQty)
	if res.QtyRounded <= 0 {
		res.Infeasible = true
		return res
	}
	res.UnitRiskAtQty = s.unitRiskAt(req, res.QtyRounded)
	res.ImpactBps = req.Impact.Bps(res.QtyRounded)
	res.RiskActualPct = s.riskPctAt(req, res.QtyRounded)
	return res
}

// VerifyLotRounding implements gate 17: the realized risk after rounding may
// deviate from target only within the configured fraction, or the trade is
// rejected (or accepted as reduced risk when rounding shrank it and policy
// allows).
func (s *Solver) VerifyLotRounding(res Result) (ok bool, reduced bool) {
	if res.RiskTargetPct <= 0 {
		return false, false
	}
	dev := math.Abs(res.RiskActualPct-res.RiskTargetPct) / res.RiskTargetPct
	if dev <= s.cfg.LotRoundingRiskDeviationMax {
		return true, false
	}
	if s.cfg.AcceptReducedRisk && res.RiskActualPct < res.RiskTargetPct {
		return true, true
	}
	return false, false
}
