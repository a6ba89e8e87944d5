package gatekeeper

import (
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/drp"
)

// gate00WarmupDQS scores data quality, applies the DRP transition, and
// blocks on hard gates or entry-blocking DRP states. Later gates consume the
// dqs_mult it publishes.
func (gk *Gatekeeper) gate00WarmupDQS(ctx *evalContext) GateResult {
	req := ctx.req
	market := req.Snapshot.Market
	states := req.Snapshot.Portfolio.States

	ctx.dqsRes = gk.dqsEval.Evaluate(market)

	cause := domain.CauseOther
	for _, r := range ctx.dqsRes.HardGateReasons {
		switch r {
		case "suspected_data_glitch", "stale_book_glitch":
			cause = domain.CauseDataGlitch
		case "oracle_sanity_block":
			cause = domain.CauseDepeg
		}
	}

	ctx.drpTrans = gk.drpSM.Evaluate(drp.Input{
		Current:             states.DRP,
		DQS:                 ctx.dqsRes.DQS,
		HardGateTriggered:   ctx.dqsRes.HardGate,
		WarmupBarsRemaining: states.WarmupBarsRemaining,
		FlapCount:           states.DRPFlapCount,
		HibernateUntilTsMs:  states.HibernateUntilTsMs,
		NowMs:               req.NowMs,
		ATRZShort:           market.Volatility.ATRZShort,
		Cause:               cause,
	}, gk.cfg.DQS.EmergencyThreshold, gk.cfg.DQS.DegradedThreshold)
	ctx.drpState = ctx.drpTrans.NewState
	ctx.warmup = ctx.drpTrans.WarmupBarsRemaining
	if ctx.drpTrans.Occurred && gk.obs != nil {
		gk.obs.DRPTransition(ctx.drpTrans.PreviousState, ctx.drpTrans.NewState)
	}

	res := pass("gate00_warmup_dqs")
	res.diag("dqs", ctx.dqsRes)
	res.diag("drp", ctx.drpTrans)

	if ctx.dqsRes.HardGate {
		reason := ReasonDQSHardGate
		for _, r := range ctx.dqsRes.HardGateReasons {
			switch r {
			case "oracle_sanity_block":
				reason = ReasonOracleSanity
			case "stale_book_glitch":
				if reason == ReasonDQSHardGate {
					reason = ReasonStaleBookGlitch
				}
			}
		}
		b := block("gate00_warmup_dqs", reason)
		b.Diagnostics = res.Diagnostics
		return *b
	}

	if drp.BlocksNewEntries(ctx.drpState, ctx.warmup) {
		b := block("gate00_warmup_dqs", ReasonDRPBlock)
		b.Diagnostics = res.Diagnostics
		b.diag("drp_state", string(ctx.drpState))
		return *b
	}

	res.RiskMult = ctx.dqsRes.Mult
	return *res
}

// gate01KillSwitch enforces manual halts and the trading mode. SHADOW is
// recorded; the pipeline exits after gate 6 with shadow_mode_no_trade.
func (gk *Gatekeeper) gate01KillSwitch(ctx *evalContext) GateResult {
	states := ctx.req.Snapshot.Portfolio.States

	if states.ManualHaltAll || states.ManualHaltEntries {
		b := block("gate01_killswitch", ReasonManualHalt)
		b.diag("manual_halt_all", states.ManualHaltAll)
		b.diag("manual_halt_new_entries", states.ManualHaltEntries)
		return *b
	}

	switch states.TradingMode {
	case domain.ModeLive:
	case domain.ModeShadow:
		ctx.shadow = true
	default:
		b := block("gate01_killswitch", ReasonTradingMode)
		b.diag("trading_mode", string(states.TradingMode))
		return *b
	}

	if gk.sweeper != nil && gk.sweeper.InProgress() {
		return *block("gate01_killswitch", ReasonOrphanSweep)
	}

	res := pass("gate01_killswitch")
	res.diag("trading_mode", string(states.TradingMode))
	return *res
}
