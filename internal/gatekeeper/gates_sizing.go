package gatekeeper

import (
	"errors"
	"math"
	"time"

	"github.com/riskgate/riskgate/internal/corr"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/heat"
	"github.com/riskgate/riskgate/internal/numerics"
	"github.com/riskgate/riskgate/internal/portfolio"
	"github.com/riskgate/riskgate/internal/rem"
	"github.com/riskgate/riskgate/internal/sizing"
)

// gate13SequentialRisk runs the REM chain, then clips the result against the
// worst-case heat admission across all three matrices.
func (gk *Gatekeeper) gate13SequentialRisk(ctx *evalContext) GateResult {
	req := ctx.req
	p := req.Snapshot.Portfolio
	market := req.Snapshot.Market

	in := rem.Inputs{
		DRP:                  ctx.drpState,
		MLOpsDegraded:        p.States.MLOpsDegraded,
		ManualHalted:         p.States.ManualHaltAll || p.States.ManualHaltEntries,
		MLERiskMult:          ctx.mleRiskMult * ctx.regimeRiskMult,
		SmoothedDrawdown:     p.Equity.SmoothedDrawdown,
		LambdaUsed:           market.Correlation.LambdaUsed,
		StressBetaZ:          market.Correlation.StressBetaToBTC,
		TailCorrZ:            market.Correlation.TailCorrToBTC,
		ReliabilityScore:     market.Correlation.TailReliabilityScore,
		FundingRiskMult:      ctx.fundingRiskMult,
		FundingProximityMult: ctx.proximityMult,
		BasisRiskMult:        ctx.basisRiskMult * ctx.corrStaleMult,
		ADLRankQuantile:      market.Derivatives.ADLRankQuantile,
		LiquidityMult:        1, // applied by the sizing solver, once
		DQSMult:              ctx.dqsRes.Mult,
		ClusterID:            req.ClusterID,
		Portfolio:            p,
	}
	if req.KPI != nil {
		in.KPIValid = true
		in.WinRate = req.KPI.WinRate
		in.AvgRR = req.KPI.AvgRR
	}
	ctx.remRes = gk.remEng.Evaluate(in)

	res := pass("gate13_sequential_risk")
	res.diag("rem", ctx.remRes)

	if ctx.remRes.ShortCircuited {
		b := block("gate13_sequential_risk", ReasonDRPBlock)
		b.Diagnostics = res.Diagnostics
		return *b
	}
	if ctx.remRes.FloorBreached {
		gk.escalate(domain.DRPHibernate, domain.CauseOther, "allowed risk below floor")
		b := block("gate13_sequential_risk", ReasonRiskFloor)
		b.Diagnostics = res.Diagnostics
		return *b
	}

	// Heat admission across C_psd, C_blend, and the collapse bound.
	psd, blend := gk.heatMatrices(ctx)
	instruments, risks := p.SignedRiskVector()
	idx := len(risks)
	risks = append(risks, 0)
	psdS, blendS := subsetMatrices(psd, blend, ctx.corrSnap, instruments, req.Signal.Instrument)

	remCluster := gk.cfg.REM.MaxClusterRiskPct - p.ClusterRiskPct(req.ClusterID)
	remPortfolio := gk.cfg.REM.MaxPortfolioRiskPct - p.Risk.CurrentPortfolioRiskPct - p.Risk.ReservedPortfolioRiskPct
	minUseful := gk.cfg.Sizing.LotStepQty * ctx.unitRisk / math.Max(p.Equity.USD, 1)

	lim, err := heat.Evaluate(psdS, blendS, risks,
		heat.Candidate{Index: idx, Sign: req.Signal.Direction.Sign()},
		&gk.cfg.Heat, remCluster, remPortfolio, minUseful)
	if err != nil {
		if dv, ok := gk.domainViolation("gate13_sequential_risk", err); ok {
			return dv
		}
		b := block("gate13_sequential_risk", ReasonHeatHard)
		return *b.diag("heat_error", err.Error())
	}
	res.diag("heat", lim)
	if gk.obs != nil {
		gk.obs.PortfolioHeat(lim.PSD.HeatBefore, lim.Blend.HeatBefore, heat.UniAbs(risks))
	}

	if lim.AboveHard {
		if !lim.BPSDNegative {
			b := block("gate13_sequential_risk", ReasonHeatSoftIncrease)
			b.Diagnostics = res.Diagnostics
			return *b
		}
		// Forced hedge path: must actually reduce worst-case heat.
		psdCalc, cerr := heat.NewCalc(psdS, &gk.cfg.Heat)
		if cerr != nil {
			return *block("gate13_sequential_risk", ReasonHeatHard).diag("heat_error", cerr.Error())
		}
		after := psdCalc.HeatAfter(risks, heat.Candidate{Index: idx, Sign: req.Signal.Direction.Sign()}, lim.RemainingHeat)
		if after > lim.HeatBeforeWorst-lim.RequiredReduction {
			b := block("gate13_sequential_risk", ReasonForcedHedgeWeak)
			b.diag("heat_before", lim.HeatBeforeWorst)
			b.diag("heat_after", after)
			return *b
		}
	}

	ctx.heatBudget = lim.RemainingHeat
	ctx.riskTargetPct = math.Min(ctx.remRes.AllowedRiskPct, lim.RemainingHeat)
	if ctx.riskTargetPct <= 0 {
		b := block("gate13_sequential_risk", ReasonHeatHard)
		b.Diagnostics = res.Diagnostics
		return *b
	}

	res.diag("risk_target_pct", ctx.riskTargetPct)
	return *res
}

// heatMatrices picks the matrices per reliability policy: below the blend
// reliability floor only C_psd participates (twice, degenerately).
func (gk *Gatekeeper) heatMatrices(ctx *evalContext) (psd, blend corr.Matrix) {
	if ctx.corrSnap == nil {
		// No snapshot: subsetMatrices fills every unknown pair with +1, the
		// maximally conservative book.
		return nil, nil
	}
	psd = ctx.corrSnap.PSD
	blend = ctx.corrSnap.Blend
	if ctx.req.Snapshot.Market.Correlation.TailReliabilityScore < gk.cfg.Heat.BlendMinReliability {
		blend = psd
	}
	return psd, blend
}

// subsetMatrices maps the snapshot matrices onto the book's instrument order
// plus the candidate; unknown pairs default to +1 (conservative).
func subsetMatrices(psd, blend corr.Matrix, snap *corr.Snapshot, instruments []string, candidate string) (corr.Matrix, corr.Matrix) {
	n := len(instruments) + 1
	all := append(append([]string(nil), instruments...), candidate)
	outPSD := corr.NewMatrix(n)
	outBlend := corr.NewMatrix(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			outPSD[i][j], outBlend[i][j] = 1, 1
			if snap != nil {
				ii, jj := snap.Index(all[i]), snap.Index(all[j])
				if ii >= 0 && jj >= 0 {
					outPSD[i][j] = psd[ii][jj]
					outBlend[i][j] = blend[ii][jj]
				}
			}
		}
	}
	return outPSD, outBlend
}

// gate14FinalSizing is the first size-dependent step: solve for qty against
// the REM/heat-clipped risk target with impact folded in.
func (gk *Gatekeeper) gate14FinalSizing(ctx *evalContext) GateResult {
	req := ctx.req
	equity := req.Snapshot.Portfolio.Equity.USD

	ctx.sizingRes = gk.solver.Solve(sizing.Request{
		RiskPreLiquidity: ctx.riskTargetPct,
		LiquidityMult:    ctx.liquidityMult,
		EquityUSD:        equity,
		UnitRiskBase:     ctx.unitRisk,
		EntryPriceRef:    req.Signal.Levels.EntryPrice,
		Impact:           sizing.ImpactModel{A: gk.cfg.Liquidity.ImpactK * ctx.impactFactor(), B: 1},
		MaxImpactBps:     gk.cfg.Execution.MaxAcceptableImpactBps,
	})

	res := pass("gate14_final_sizing")
	res.diag("sizing", ctx.sizingRes)

	if ctx.sizingRes.Infeasible {
		b := block("gate14_final_sizing", ReasonSizingInfeasible)
		b.Diagnostics = res.Diagnostics
		return *b
	}
	if ctx.sizingRes.NotConvergedEvent && ctx.sizingRes.QtyRounded <= 0 {
		b := block("gate14_final_sizing", ReasonSizingNotConverged)
		b.Diagnostics = res.Diagnostics
		return *b
	}
	return *res
}

// impactFactor scales the per-qty linear impact coefficient by book depth:
// thinner books produce steeper curves.
func (ctx *evalContext) impactFactor() float64 {
	liq := ctx.req.Snapshot.Market.Liquidity
	avgDepth := 0.5 * (liq.BidDepthUSD + liq.AskDepthUSD)
	if avgDepth <= 0 {
		return 1
	}
	notionalPerQty := ctx.req.Signal.Levels.EntryPrice
	return notionalPerQty / avgDepth * 10000
}

// gate15ImpactLimits re-checks realized impact at the solved size.
func (gk *Gatekeeper) gate15ImpactLimits(ctx *evalContext) GateResult {
	maxBps := gk.cfg.Execution.MaxAcceptableImpactBps
	if ctx.sizingRes.ImpactBps > maxBps {
		if gk.cfg.Execution.AllowTWAPSlicing {
			res := pass("gate15_impact_limits")
			res.Advisory = true
			res.diag("impact_bps", ctx.sizingRes.ImpactBps)
			res.diag("twap_slicing", true)
			return *res
		}
		b := block("gate15_impact_limits", ReasonImpactHard)
		return *b.diag("impact_bps", ctx.sizingRes.ImpactBps)
	}
	res := pass("gate15_impact_limits")
	res.diag("impact_bps", ctx.sizingRes.ImpactBps)
	return *res
}

// gate16Reservation holds the risk budget atomically and runs pre-exec
// validation inside the deadline.
func (gk *Gatekeeper) gate16Reservation(ctx *evalContext) GateResult {
	req := ctx.req
	if gk.coord == nil {
		res := pass("gate16_reservation")
		res.diag("reservation", "offline")
		return *res
	}

	deadline := time.Duration(gk.cfg.Execution.PreexecDeadlineMs) * time.Millisecond
	started := time.Now()

	reservation, err := gk.coord.Reserve(portfolio.ReserveRequest{
		SnapshotID:          req.Snapshot.SnapshotID,
		PortfolioIDUsed:     req.Snapshot.Portfolio.PortfolioID,
		Instrument:          req.Signal.Instrument,
		ClusterID:           req.ClusterID,
		Direction:           req.Signal.Direction,
		RiskPct:             ctx.sizingRes.RiskActualPct,
		OrderType:           req.OrderType,
		MaxPortfolioRiskPct: gk.cfg.REM.MaxPortfolioRiskPct,
		MaxClusterRiskPct:   gk.cfg.REM.MaxClusterRiskPct,
		MaxSumAbsRiskPct:    gk.cfg.REM.MaxSumAbsRiskPct,
		HeatBudgetPct:       ctx.heatBudget,
		AbandonThresholdR:   ctx.abandonThresholdR(gk),
		PassiveFadeTimeout:  ctx.passiveFadeTimeout(gk),
	})
	if err != nil {
		reason := ReasonReservationConflict
		switch {
		case errors.Is(err, portfolio.ErrWriterOverload):
			reason = ReasonWriterOverload
		case errors.Is(err, portfolio.ErrStaleSnapshot):
			reason = ReasonStalePortfolio
		}
		b := block("gate16_reservation", reason)
		return *b.diag("error", err.Error())
	}
	ctx.reservation = reservation

	if time.Since(started) > deadline {
		_ = gk.coord.Cancel(reservation.ID)
		ctx.reservation = nil
		return *block("gate16_reservation", ReasonPreexecTimeout)
	}

	res := pass("gate16_reservation")
	res.diag("reservation_id", reservation.ID)
	res.diag("expires_at_ms", reservation.ExpiresAtMs)
	return *res
}

// gate17ActualRisk verifies the post-rounding risk against the target.
func (gk *Gatekeeper) gate17ActualRisk(ctx *evalContext) GateResult {
	ok, reduced := gk.solver.VerifyLotRounding(ctx.sizingRes)
	if !ok {
		if ctx.reservation != nil && gk.coord != nil {
			_ = gk.coord.Cancel(ctx.reservation.ID)
			ctx.reservation = nil
		}
		b := block("gate17_actual_risk", ReasonLotRounding)
		b.diag("risk_pct_actual", ctx.sizingRes.RiskActualPct)
		return *b.diag("risk_pct_target", ctx.sizingRes.RiskTargetPct)
	}
	res := pass("gate17_actual_risk")
	res.diag("risk_pct_actual", ctx.sizingRes.RiskActualPct)
	res.diag("reduced_risk_accepted", reduced)
	return *res
}

// gate18PartialFill publishes the abandonment policy the execution layer
// applies after the first fill.
func (gk *Gatekeeper) gate18PartialFill(ctx *evalContext) GateResult {
	res := pass("gate18_partial_fill")
	res.diag("abandon_threshold_r", ctx.abandonThresholdR(gk))
	res.diag("passive_fade_timeout_sec", ctx.passiveFadeTimeout(gk))
	return *res
}

// abandonThresholdR = max(net_RR·frac, min_abandon_R, min_bps/unit_risk_bps).
func (ctx *evalContext) abandonThresholdR(gk *Gatekeeper) float64 {
	cfg := &gk.cfg.Execution
	netRR := math.Abs(ctx.eff.TPEffAllin-ctx.eff.EntryEffAllin) /
		numerics.DenomSafeUnsigned(ctx.unitRisk, numerics.EpsPrice)
	return math.Max(netRR*cfg.FillAbandonmentRRFrac,
		math.Max(cfg.MinAbandonR,
			cfg.AbandonThresholdMinBps/numerics.DenomSafeUnsigned(ctx.unitRiskBps, numerics.EpsCalc)))
}

// passiveFadeTimeout shortens with short-term volatility.
func (ctx *evalContext) passiveFadeTimeout(gk *Gatekeeper) float64 {
	cfg := &gk.cfg.Execution
	atrZ := math.Max(ctx.req.Snapshot.Market.Volatility.ATRZShort, 1)
	return numerics.Clamp(cfg.PassiveFadeTimeoutBase/atrZ,
		cfg.PassiveFadeTimeoutMinSec, cfg.PassiveFadeTimeoutMaxSec)
}
