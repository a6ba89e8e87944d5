package gatekeeper

import (
	"math"

	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/numerics"
)

// gate07Liquidity enforces depth/spread/volume hard floors and the spoofing
// screen, then derives the soft liquidity multiplier from spread and impact.
func (gk *Gatekeeper) gate07Liquidity(ctx *evalContext) GateResult {
	cfg := &gk.cfg.Liquidity
	liq := ctx.req.Snapshot.Market.Liquidity

	switch {
	case liq.BidDepthUSD < cfg.BidDepthMinUSD:
		return *block("gate07_liquidity", ReasonLiquidityHard).diag("bid_depth_usd", liq.BidDepthUSD)
	case liq.AskDepthUSD < cfg.AskDepthMinUSD:
		return *block("gate07_liquidity", ReasonLiquidityHard).diag("ask_depth_usd", liq.AskDepthUSD)
	case liq.SpreadBps > cfg.SpreadMaxHardBps:
		return *block("gate07_liquidity", ReasonLiquidityHard).diag("spread_bps", liq.SpreadBps)
	case liq.Volume24hUSD < cfg.Volume24hMinUSD:
		return *block("gate07_liquidity", ReasonLiquidityHard).diag("volume_24h_usd", liq.Volume24hUSD)
	}

	if cfg.SpoofingBlockEnabled && liq.DepthVolatilityCV > cfg.DepthVolatilityCVMax {
		return *block("gate07_liquidity", ReasonSpoofing).diag("depth_volatility_cv", liq.DepthVolatilityCV)
	}

	spreadMult := numerics.Clamp01((cfg.SpreadMaxHardBps - liq.SpreadBps) /
		numerics.DenomSafeUnsigned(cfg.SpreadMaxHardBps-cfg.SpreadMaxSoftBps, numerics.EpsCalc))

	// Impact estimate: book-derived when the data layer supplies it, power
	// law over average depth otherwise. Size-invariant here: the reference
	// notional is one max-cap trade at current equity.
	impactBps := liq.ImpactBpsEst
	if impactBps <= 0 {
		avgDepth := 0.5 * (liq.BidDepthUSD + liq.AskDepthUSD)
		refNotional := gk.cfg.REM.MaxTradeRiskHardCapPct * ctx.req.Snapshot.Portfolio.Equity.USD /
			numerics.DenomSafeUnsigned(ctx.unitRiskBps/10000, numerics.EpsCalc)
		impactBps = cfg.ImpactK * math.Pow(refNotional/numerics.DenomSafeUnsigned(avgDepth, numerics.EpsPrice), cfg.ImpactPow) * 10000
	}
	ctx.impactBpsEst = impactBps
	if impactBps > cfg.ImpactMaxHardBps {
		return *block("gate07_liquidity", ReasonLiquidityHard).diag("impact_bps_est", impactBps)
	}
	impactMult := numerics.Clamp01((cfg.ImpactMaxHardBps - impactBps) /
		numerics.DenomSafeUnsigned(cfg.ImpactMaxHardBps-cfg.ImpactMaxSoftBps, numerics.EpsCalc))

	ctx.liquidityMult = math.Min(spreadMult, impactMult)
	ctx.obi = (liq.BidDepthUSD - liq.AskDepthUSD) /
		numerics.DenomSafeUnsigned(liq.BidDepthUSD+liq.AskDepthUSD, numerics.EpsPrice)

	res := pass("gate07_liquidity")
	res.RiskMult = ctx.liquidityMult
	res.diag("spread_mult", spreadMult)
	res.diag("impact_mult", impactMult)
	res.diag("impact_bps_est", impactBps)
	res.diag("obi", ctx.obi)
	return *res
}

// gate08GapGlitch screens price jumps, spike z-scores, and the stale-book /
// fresh-price divergence; severe readings escalate the DRP.
func (gk *Gatekeeper) gate08GapGlitch(ctx *evalContext) GateResult {
	cfg := &gk.cfg.Glitch
	market := ctx.req.Snapshot.Market
	price := market.Price

	res := pass("gate08_gap_glitch")
	severity := domain.GlitchSeverity("")

	if price.Prev > 0 {
		jumpPct := 100 * math.Abs(price.Last-price.Prev) / price.Prev
		res.diag("jump_pct", jumpPct)
		switch {
		case jumpPct > cfg.PriceJumpHardPct:
			gk.escalate(domain.DRPEmergency, domain.CauseDataGlitch, "hard price jump")
			return *block("gate08_gap_glitch", ReasonGapGlitch).diag("jump_pct", jumpPct)
		case jumpPct > cfg.DRPTriggerJumpPct:
			severity = domain.GlitchHigh
		case jumpPct > cfg.PriceJumpThresholdPct:
			severity = domain.GlitchMedium
		}
	}

	if len(price.Recent) >= 5 {
		z := spikeZScore(price.Last, price.Recent)
		res.diag("spike_z", z)
		switch {
		case z > cfg.SpikeZScoreHard:
			gk.escalate(domain.DRPEmergency, domain.CauseDataGlitch, "hard price spike")
			return *block("gate08_gap_glitch", ReasonGapGlitch).diag("spike_z", z)
		case z > cfg.DRPTriggerZScore:
			severity = maxSeverity(severity, domain.GlitchHigh)
		case z > cfg.SpikeZScoreThreshold:
			severity = maxSeverity(severity, domain.GlitchMedium)
		}
	}

	if market.Liquidity.OrderbookAgeMs > cfg.MaxOrderbookAgeMs &&
		market.DataQuality.PriceStalenessMs <= float64(cfg.MaxPriceAgeMs) {
		severity = maxSeverity(severity, domain.GlitchHigh)
		res.diag("stale_book_fresh_price", true)
	}

	if severity != "" {
		res.diag("glitch_severity", string(severity))
		if severity == domain.GlitchHigh {
			gk.escalate(domain.DRPDefensive, domain.CauseDataGlitch, "suspected glitch")
			return *block("gate08_gap_glitch", ReasonGapGlitch).diag("glitch_severity", string(severity))
		}
	}
	return *res
}

func spikeZScore(last float64, recent []float64) float64 {
	var sum float64
	for _, p := range recent {
		sum += p
	}
	mean := sum / float64(len(recent))
	var varSum float64
	for _, p := range recent {
		varSum += (p - mean) * (p - mean)
	}
	std := math.Sqrt(varSum / float64(len(recent)))
	return math.Abs(last-mean) / numerics.DenomSafeUnsigned(std, 1e-9)
}

func maxSeverity(a, b domain.GlitchSeverity) domain.GlitchSeverity {
	rank := map[domain.GlitchSeverity]int{domain.GlitchLow: 1, domain.GlitchMedium: 2, domain.GlitchHigh: 3}
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

// gate09Funding prices the expected funding flow in R-units, applies the
// proximity taper, and enforces the blackout and net-yield floors.
// Sign convention: funding_rate > 0 means longs pay and shorts receive.
func (gk *Gatekeeper) gate09Funding(ctx *evalContext) GateResult {
	cfg := &gk.cfg.Funding
	req := ctx.req
	der := req.Snapshot.Market.Derivatives
	sig := req.Signal
	entryRef := sig.Levels.EntryPrice

	minUnitRisk := cfg.UnitRiskMinForFunding * entryRef
	if ctx.unitRisk < minUnitRisk {
		b := block("gate09_funding", ReasonFundingCost)
		b.diag("unit_risk", ctx.unitRisk)
		return *b.diag("unit_risk_min_for_funding", minUnitRisk)
	}

	holdingH := sig.Context.ExpectedHoldingHours
	tNextH := der.TimeToNextFundingSec / 3600.0
	periodH := der.FundingPeriodHours

	nEvents := fundingEventCount(holdingH, tNextH, periodH, cfg.CountSmoothingWidthSec)

	fundingPnLFrac := -sig.Direction.Sign() * der.FundingRate * nEvents
	fundingR := fundingPnLFrac * entryRef / numerics.DenomSafeUnsigned(ctx.unitRisk, minUnitRisk)
	ctx.fundingCostR = math.Max(0, -fundingR)
	bonusR := math.Max(0, fundingR)
	if cfg.CreditAllowed {
		ctx.fundingBonusR = bonusR
	}

	ctx.netYieldR = ctx.evRPrice - ctx.costRPost - ctx.fundingCostR + ctx.fundingBonusR

	res := pass("gate09_funding")
	res.diag("n_events", nEvents)
	res.diag("funding_r", fundingR)
	res.diag("funding_cost_r", ctx.fundingCostR)
	res.diag("funding_bonus_r", bonusR)
	res.diag("funding_bonus_r_used", ctx.fundingBonusR)
	res.diag("net_yield_r", ctx.netYieldR)

	if ctx.fundingCostR >= cfg.CostBlockR {
		b := block("gate09_funding", ReasonFundingCost)
		b.Diagnostics = res.Diagnostics
		return *b
	}

	// Blackout: entering just before a costly funding event on a short
	// horizon where the event dominates the edge.
	blackoutSec := cfg.BlackoutMinutes * 60
	costShare := ctx.fundingCostR / math.Max(ctx.evRPrice, cfg.BlackoutEVEps)
	if der.TimeToNextFundingSec <= blackoutSec+cfg.BlackoutInclusionEpsSec &&
		ctx.fundingCostR > 0 &&
		holdingH <= cfg.BlackoutMaxHoldingHours &&
		costShare >= cfg.BlackoutCostShareThresh {
		b := block("gate09_funding", ReasonFundingBlackout)
		b.Diagnostics = res.Diagnostics
		b.diag("cost_share", costShare)
		return *b
	}

	if ctx.netYieldR < cfg.MinNetYieldR {
		b := block("gate09_funding", ReasonFundingNetYield)
		b.Diagnostics = res.Diagnostics
		return *b
	}

	// Proximity taper toward the funding timestamp.
	tau := numerics.Clamp01((cfg.ProximitySoftSec - der.TimeToNextFundingSec) /
		numerics.DenomSafeUnsigned(cfg.ProximitySoftSec-cfg.ProximityHardSec, numerics.EpsCalc))
	ctx.proximityMult = 1 - (1-cfg.ProximityMultMin)*math.Pow(tau, cfg.ProximityPower)

	switch {
	case ctx.fundingCostR >= 0.75*cfg.CostBlockR:
		ctx.fundingRiskMult = cfg.RiskMultHardPenalty
	case ctx.fundingCostR >= cfg.CostSoftR:
		ctx.fundingRiskMult = cfg.RiskMultSoftPenalty
	default:
		ctx.fundingRiskMult = 1
	}

	res.RiskMult = ctx.fundingRiskMult * ctx.proximityMult
	res.diag("proximity_mult", ctx.proximityMult)
	res.diag("funding_risk_mult", ctx.fundingRiskMult)
	return *res
}

// fundingEventCount is n_events_raw = 0 if holding < t_next else
// 1 + floor((holding - t_next)/period), smoothed linearly across each event
// boundary over the configured width so the count does not step
// discontinuously as the clock ticks.
func fundingEventCount(holdingH, tNextH, periodH, smoothWidthSec float64) float64 {
	if periodH <= 0 {
		return 0
	}
	if holdingH < tNextH {
		// Approaching the first boundary from below: blend in the upcoming
		// event across the smoothing width.
		gapSec := (tNextH - holdingH) * 3600
		if gapSec < smoothWidthSec {
			return 1 - gapSec/smoothWidthSec
		}
		return 0
	}
	raw := 1 + math.Floor((holdingH-tNextH)/periodH)
	// Distance past the last counted boundary, for the fractional blend of
	// the next one.
	sinceLast := math.Mod(holdingH-tNextH, periodH)
	untilNextSec := (periodH - sinceLast) * 3600
	if untilNextSec < smoothWidthSec {
		raw += 1 - untilNextSec/smoothWidthSec
	}
	return raw
}
