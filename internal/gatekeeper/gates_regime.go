package gatekeeper

import (
	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/numerics"
)

// conflictTracker counts MRC/baseline conflicts per instrument inside a bar
// window and holds the diagnostic lock once the ratio trips.
type conflictTracker struct {
	window       []bool
	blockUntilMs int64
}

func (t *conflictTracker) push(conflict bool, windowBars int) (count, size int) {
	t.window = append(t.window, conflict)
	if len(t.window) > windowBars {
		t.window = t.window[len(t.window)-windowBars:]
	}
	for _, c := range t.window {
		if c {
			count++
		}
	}
	return count, len(t.window)
}

// gate02MRCConfidence resolves the final regime from the MRC and baseline
// labels, tracks persistent conflicts, and opens the probe path under the
// strict microstructure conditions.
func (gk *Gatekeeper) gate02MRCConfidence(ctx *evalContext) GateResult {
	req := ctx.req
	cfg := &gk.cfg.Regime
	market := req.Snapshot.Market

	mrcConf := req.MRCProbs[req.MRCRegime]
	tracker := gk.conflicts[req.Signal.Instrument]
	if tracker == nil {
		tracker = &conflictTracker{}
		gk.conflicts[req.Signal.Instrument] = tracker
	}

	if req.NowMs < tracker.blockUntilMs {
		b := block("gate02_mrc_confidence", ReasonMRCConflict)
		b.diag("diagnostic_block_until_ms", tracker.blockUntilMs)
		return *b
	}

	final, riskMult, conflict, probeEligible := resolveRegime(req.MRCRegime, req.BaselineRegime, mrcConf, cfg)

	// Conflict bookkeeping with an ATR-shortened window.
	windowBars := cfg.ConflictWindowBars
	if market.Volatility.ATRZShort >= cfg.ConflictFastATRZ {
		windowBars = (windowBars + 1) / 2
	}
	count, size := tracker.push(conflict, windowBars)
	if size == windowBars && float64(count)/float64(size) >= cfg.ConflictRatioThreshold {
		tracker.blockUntilMs = req.NowMs + int64(cfg.DiagnosticBlockMinutes)*60_000
		tracker.window = nil
		b := block("gate02_mrc_confidence", ReasonMRCConflict)
		b.diag("conflict_count", count)
		b.diag("conflict_window", size)
		return *b
	}

	if probeEligible {
		probeOK := mrcConf >= cfg.MRCVeryHighConfThreshold &&
			ctx.dqsRes.DQS >= gk.cfg.DQS.DegradedThreshold &&
			market.Liquidity.BidDepthUSD >= cfg.ProbeMinDepthUSD &&
			market.Liquidity.AskDepthUSD >= cfg.ProbeMinDepthUSD &&
			market.Liquidity.SpreadBps <= cfg.ProbeMaxSpreadBps
		if !probeOK {
			b := block("gate02_mrc_confidence", ReasonMRCConflict)
			b.diag("mrc", string(req.MRCRegime))
			b.diag("baseline", string(req.BaselineRegime))
			b.diag("mrc_conf", mrcConf)
			return *b
		}
		ctx.probe = true
		riskMult = cfg.ProbeRiskMult
		final = req.MRCRegime
	}

	if final == domain.RegimeNoTrade {
		b := block("gate02_mrc_confidence", ReasonMRCConflict)
		b.diag("mrc", string(req.MRCRegime))
		b.diag("baseline", string(req.BaselineRegime))
		return *b
	}

	ctx.finalRegime = final
	ctx.regimeRiskMult = riskMult

	res := pass("gate02_mrc_confidence")
	res.RiskMult = riskMult
	res.diag("final_regime", string(final))
	res.diag("mrc_conf", mrcConf)
	res.diag("probe", ctx.probe)
	return *res
}

// resolveRegime implements the decision table. probeEligible marks the
// direct MRC/baseline trend opposition that only the probe path may trade.
func resolveRegime(mrc, baseline domain.Regime, mrcConf float64, cfg *config.RegimeConfig) (final domain.Regime, riskMult float64, conflict, probeEligible bool) {
	riskMult = 1

	// Low confidence defers to the baseline detector.
	if mrcConf < cfg.MRCLowConfThreshold {
		return baseline, 1, mrc != baseline, false
	}

	switch {
	case mrc == domain.RegimeNoise:
		// NO_TRADE here; the RANGE-engine exception lives in gate 3, which
		// receives NOISE as the final regime.
		return domain.RegimeNoise, 1, false, false

	case baseline == domain.RegimeNoise && (mrc.IsTrend() || mrc.IsBreakout()):
		if mrcConf >= cfg.MRCVeryHighConfThreshold {
			return mrc, cfg.NoiseOverrideRiskMult, true, false
		}
		return domain.RegimeNoTrade, 1, true, false

	case mrc == domain.RegimeRange && baseline.IsTrend():
		return domain.RegimeRange, 1, true, false

	case mrc.IsTrend() && baseline == domain.RegimeRange:
		if mrc == domain.RegimeTrendUp {
			return domain.RegimeBreakoutUp, 1, true, false
		}
		return domain.RegimeBreakoutDown, 1, true, false

	case mrc.IsBreakout() && baseline == domain.RegimeRange:
		return mrc, 1, true, false

	case mrc.IsBreakout() && baseline.IsTrend():
		if mrc.DirectionSign() == baseline.DirectionSign() {
			return mrc, 1, false, false
		}
		return domain.RegimeNoTrade, 1, true, false

	case mrc.IsTrend() && baseline.IsTrend() && mrc.DirectionSign() != baseline.DirectionSign():
		// Direct opposition: probe path only.
		return domain.RegimeNoTrade, 1, true, true
	}

	return mrc, 1, mrc != baseline, false
}

// gate03RegimeCompat rejects the engine when the final regime cannot host
// it: TREND engines need TREND_* or BREAKOUT_*; RANGE engines need RANGE, or
// NOISE with a STRONG model verdict while short-term volatility stays muted.
func (gk *Gatekeeper) gate03RegimeCompat(ctx *evalContext) GateResult {
	req := ctx.req
	cfg := &gk.cfg.Regime
	final := ctx.finalRegime

	compatible := false
	switch req.Signal.Engine {
	case domain.EngineTrend:
		compatible = final.IsTrend() || final.IsBreakout()
	case domain.EngineRange:
		if final == domain.RegimeRange {
			compatible = true
		} else if final == domain.RegimeNoise &&
			req.MLE != nil && req.MLE.Decision == domain.MLEStrong &&
			numerics.Less(req.Snapshot.Market.Volatility.ATRZShort, cfg.NoiseRangeATRZCap, numerics.EpsCalc) {
			compatible = true
		}
	}

	if !compatible {
		b := block("gate03_regime_compat", ReasonRegimeIncompatible)
		b.diag("engine", string(req.Signal.Engine))
		b.diag("final_regime", string(final))
		return *b
	}

	res := pass("gate03_regime_compat")
	res.diag("engine", string(req.Signal.Engine))
	res.diag("final_regime", string(final))
	return *res
}
