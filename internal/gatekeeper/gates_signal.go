package gatekeeper

import (
	"math"

	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/numerics"
	"github.com/riskgate/riskgate/internal/prices"
)

// gate04SignalSanity validates level monotonicity, the SL distance window in
// ATR multiples, holding horizon, finiteness, and the raw reward/risk floor.
func (gk *Gatekeeper) gate04SignalSanity(ctx *evalContext) GateResult {
	req := ctx.req
	sig := req.Signal
	cfg := &gk.cfg.Signal
	atr := req.Snapshot.Market.Volatility.ATR

	for _, v := range []float64{sig.Levels.EntryPrice, sig.Levels.StopLoss, sig.Levels.TakeProfit, sig.Context.ExpectedHoldingHours} {
		if !numerics.IsValid(v) || v <= 0 {
			return *block("gate04_signal_sanity", ReasonSignalSanity).diag("field_not_finite", v)
		}
	}
	if err := sig.CheckLevelMonotonicity(); err != nil {
		return *block("gate04_signal_sanity", ReasonSignalSanity).diag("levels", err.Error())
	}

	slDist := math.Abs(sig.Levels.EntryPrice - sig.Levels.StopLoss)
	if atr > numerics.EpsCalc {
		if numerics.Less(slDist, sig.Constraints.SLMinATRMult*atr, numerics.AbsTolPrices) ||
			numerics.Greater(slDist, sig.Constraints.SLMaxATRMult*atr, numerics.AbsTolPrices) {
			b := block("gate04_signal_sanity", ReasonSignalSanity)
			b.diag("sl_dist", slDist)
			b.diag("atr", atr)
			return *b.diag("sl_atr_window", []float64{sig.Constraints.SLMinATRMult, sig.Constraints.SLMaxATRMult})
		}
	}

	h := sig.Context.ExpectedHoldingHours
	if h < cfg.HoldingHoursMin || h > cfg.HoldingHoursMax {
		return *block("gate04_signal_sanity", ReasonSignalSanity).diag("expected_holding_hours", h)
	}

	rawRR := math.Abs(sig.Levels.TakeProfit-sig.Levels.EntryPrice) /
		numerics.DenomSafeUnsigned(slDist, numerics.EpsPrice)
	if numerics.Less(rawRR, sig.Constraints.RRMinEngine, numerics.AbsTolStrictUnit) {
		b := block("gate04_signal_sanity", ReasonSignalSanity)
		b.diag("raw_rr", rawRR)
		return *b.diag("rr_min_engine", sig.Constraints.RRMinEngine)
	}

	res := pass("gate04_signal_sanity")
	res.diag("raw_rr", rawRR)
	return *res
}

// gate05PreSizing computes the size-invariant all-in price set and rejects
// degenerate unit risk. Everything downstream compares in bps or R.
func (gk *Gatekeeper) gate05PreSizing(ctx *evalContext) GateResult {
	req := ctx.req
	sig := req.Signal
	market := req.Snapshot.Market

	// Market spread and estimated impact override the static cost defaults.
	costs := gk.cfg.Costs
	costs.SpreadBps = market.Liquidity.SpreadBps
	if market.Liquidity.ImpactBpsEst > 0 {
		costs.ImpactEntryBps = market.Liquidity.ImpactBpsEst
		costs.ImpactExitBps = market.Liquidity.ImpactBpsEst
	}
	ctx.costs = costs

	eff, err := prices.Compute(sig.Direction, sig.Levels.EntryPrice, sig.Levels.TakeProfit, sig.Levels.StopLoss, costs)
	if err != nil {
		return *block("gate05_pre_sizing", ReasonSignalSanity).diag("effective_prices", err.Error())
	}
	ctx.eff = eff
	ctx.unitRisk = eff.UnitRiskAllinNet
	ctx.unitRiskBps = 10000 * eff.UnitRiskAllinNet /
		numerics.DenomSafeUnsigned(sig.Levels.EntryPrice, numerics.EpsPrice)

	urCfg := &gk.cfg.UnitRisk
	if ctx.unitRisk < urCfg.MinAbsUSD {
		return *block("gate05_pre_sizing", ReasonUnitRiskTooSmall).diag("unit_risk", ctx.unitRisk)
	}
	atr := market.Volatility.ATR
	if atr > numerics.EpsCalc && numerics.Less(ctx.unitRisk, urCfg.MinATRMult*atr, numerics.AbsTolStrictUnit) {
		b := block("gate05_pre_sizing", ReasonUnitRiskBelowATR)
		b.diag("unit_risk", ctx.unitRisk)
		return *b.diag("atr_floor", urCfg.MinATRMult*atr)
	}

	ctx.costRPre = (eff.EntryCostBps + eff.SLExitCostBps) /
		numerics.DenomSafeUnsigned(ctx.unitRiskBps, numerics.EpsCalc)

	res := pass("gate05_pre_sizing")
	res.diag("entry_eff_allin", eff.EntryEffAllin)
	res.diag("tp_eff_allin", eff.TPEffAllin)
	res.diag("sl_eff_allin", eff.SLEffAllin)
	res.diag("unit_risk_allin_net", ctx.unitRisk)
	res.diag("unit_risk_bps", ctx.unitRiskBps)
	res.diag("expected_cost_r_pre_mle", ctx.costRPre)
	return *res
}

// gate06MLEDecision computes the size-invariant price edge in R-units and
// applies the decision ladder. SHADOW mode terminates the pipeline after
// this gate.
func (gk *Gatekeeper) gate06MLEDecision(ctx *evalContext) GateResult {
	req := ctx.req
	cfg := &gk.cfg.MLE
	mle := req.MLE

	if mle == nil {
		return *block("gate06_mle_decision", ReasonMLEReject).diag("mle", "missing")
	}
	if err := domain.ValidateMLEOutput(mle, gk.cfg.Signal.ProbMassTol); err != nil {
		return *block("gate06_mle_decision", ReasonSignalSanity).diag("mle_schema", err.Error())
	}
	if mle.FeatureSchemaVersion < cfg.RequiredFeatureSchema {
		b := block("gate06_mle_decision", ReasonFeatureSchema)
		b.diag("feature_schema_version", mle.FeatureSchemaVersion)
		return *b.diag("required", cfg.RequiredFeatureSchema)
	}

	corrBlock := req.Snapshot.Market.Correlation
	beta := numerics.Clamp(
		cfg.BetaBase*corrBlock.TailDependenceAlpha/
			numerics.DenomSafeUnsigned(corrBlock.LambdaUsed, numerics.EpsCalc),
		cfg.BetaMin, cfg.BetaMax)
	if corrBlock.TailDependenceAlpha <= 0 {
		beta = cfg.BetaBase
	}

	muSuccess := math.Abs(ctx.eff.TPEffAllin-ctx.eff.EntryEffAllin) /
		numerics.DenomSafeUnsigned(ctx.unitRisk, numerics.EpsPrice)
	muFail := math.Min(-1.0, cfg.CVaRFailR)

	ctx.evRPrice = mle.PSuccess*muSuccess + mle.PNeutral*0 + mle.PFail*muFail

	ctx.costRPost = (ctx.eff.EntryCostBps + mle.PSuccess*ctx.eff.TPExitCostBps + mle.PFail*ctx.eff.SLExitCostBps) /
		numerics.DenomSafeUnsigned(ctx.unitRiskBps, numerics.EpsCalc)

	// Decision ladder on the engine's own edge estimate.
	switch {
	case ctx.evRPrice <= 0:
		ctx.mleDecision = domain.MLEReject
	case ctx.evRPrice < cfg.EVRWeakThreshold:
		ctx.mleDecision = domain.MLEWeak
	case ctx.evRPrice < cfg.EVRNormalThreshold:
		ctx.mleDecision = domain.MLENormal
	default:
		ctx.mleDecision = domain.MLEStrong
	}
	// The model's categorical verdict can only demote, never promote.
	if mle.Decision == domain.MLEReject {
		ctx.mleDecision = domain.MLEReject
	} else if mle.Decision == domain.MLEWeak && ctx.mleDecision != domain.MLEReject {
		ctx.mleDecision = domain.MLEWeak
	}

	// Defensive near-zero band under high neutral mass.
	if mle.PNeutral >= cfg.PNeutralCutoff && math.Abs(ctx.evRPrice) < cfg.EVNearZeroBand {
		ctx.mleDecision = domain.MLEReject
	}

	if ctx.mleDecision == domain.MLEReject {
		b := block("gate06_mle_decision", ReasonMLEReject)
		b.diag("ev_r_price", ctx.evRPrice)
		b.diag("model_decision", string(mle.Decision))
		return *b.diag("beta", beta)
	}

	switch ctx.mleDecision {
	case domain.MLEWeak:
		ctx.mleRiskMult = cfg.RiskMultWeak
	case domain.MLEStrong:
		ctx.mleRiskMult = cfg.RiskMultStrong
	default:
		ctx.mleRiskMult = cfg.RiskMultNormal
	}

	// Net-edge floor before funding refinements (gate 9 redoes this with
	// funding folded in).
	if ctx.evRPrice-ctx.costRPost < cfg.NetEdgeFloorR {
		b := block("gate06_mle_decision", ReasonNetEdgeFloor)
		b.diag("ev_r_price", ctx.evRPrice)
		return *b.diag("expected_cost_r_post_mle", ctx.costRPost)
	}

	res := pass("gate06_mle_decision")
	res.RiskMult = ctx.mleRiskMult
	res.diag("ev_r_price", ctx.evRPrice)
	res.diag("mu_success_r", muSuccess)
	res.diag("decision", string(ctx.mleDecision))
	res.diag("expected_cost_r_post_mle", ctx.costRPost)
	res.diag("beta", beta)
	if ctx.shadow {
		res.diag("shadow_exit", true)
	}
	return *res
}
