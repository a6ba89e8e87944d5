// Package gatekeeper threads a candidate signal through the fixed-order
// admission chain (gates 0–18). Gates 0–15 are pure against their input
// snapshot: no I/O, no wall-clock reads, and every computation before final
// sizing is size-invariant. Gate 16 reserves risk on the coordinator and
// times its pre-exec deadline on the wall clock.
package gatekeeper

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/corr"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/dqs"
	"github.com/riskgate/riskgate/internal/drp"
	"github.com/riskgate/riskgate/internal/numerics"
	"github.com/riskgate/riskgate/internal/portfolio"
	"github.com/riskgate/riskgate/internal/rem"
	"github.com/riskgate/riskgate/internal/sizing"
)

// CorrProvider hands the pipeline the freshest correlation snapshot; ok is
// false on the stale path.
type CorrProvider interface {
	Current(nowMs int64) (*corr.Snapshot, bool)
}

// DRPSink receives escalations the pipeline raises outside its own
// transition (domain violations, glitch severity, floor breaches).
type DRPSink interface {
	Escalate(state domain.DRPState, cause domain.EmergencyCause, detail string)
}

// Observer receives engine telemetry off the decision path: DRP transitions
// as gate 0 applies them and the heat readings gate 13 computes. The metrics
// layer implements it; a nil observer costs nothing.
type Observer interface {
	DRPTransition(from, to domain.DRPState)
	PortfolioHeat(psd, blend, uniAbs float64)
}

// Gatekeeper owns the admission chain and its collaborators.
type Gatekeeper struct {
	cfg     *config.Config
	dqsEval *dqs.Evaluator
	drpSM   *drp.Machine
	remEng  *rem.Engine
	solver  *sizing.Solver
	corrSrc CorrProvider
	coord   *portfolio.Coordinator
	sweeper *portfolio.Sweeper
	drpSink DRPSink
	obs     Observer
	log     zerolog.Logger

	conflicts map[string]*conflictTracker
}

// SetObserver attaches the telemetry observer; nil detaches.
func (gk *Gatekeeper) SetObserver(obs Observer) { gk.obs = obs }

// New wires a Gatekeeper. corrSrc, coord, sweeper, and drpSink may be nil in
// offline evaluation; the corresponding gates degrade conservatively.
func New(cfg *config.Config, corrSrc CorrProvider, coord *portfolio.Coordinator,
	sweeper *portfolio.Sweeper, drpSink DRPSink, log zerolog.Logger) *Gatekeeper {
	return &Gatekeeper{
		cfg:       cfg,
		dqsEval:   dqs.New(&cfg.DQS, log),
		drpSM:     drp.New(&cfg.DRP, log),
		remEng:    rem.New(&cfg.REM, log),
		solver:    sizing.New(&cfg.Sizing, log),
		corrSrc:   corrSrc,
		coord:     coord,
		sweeper:   sweeper,
		drpSink:   drpSink,
		log:       log.With().Str("component", "gatekeeper").Logger(),
		conflicts: make(map[string]*conflictTracker),
	}
}

type gateStep struct {
	name string
	fn   func(*Gatekeeper, *evalContext) GateResult
}

// chain is the authoritative gate order:
// 0→1→2→3→4→5→6→(SHADOW exit)→7→8→9→10→11→12→13→13.5/14→15→16→17→18.
var chain = []gateStep{
	{"gate00_warmup_dqs", (*Gatekeeper).gate00WarmupDQS},
	{"gate01_killswitch", (*Gatekeeper).gate01KillSwitch},
	{"gate02_mrc_confidence", (*Gatekeeper).gate02MRCConfidence},
	{"gate03_regime_compat", (*Gatekeeper).gate03RegimeCompat},
	{"gate04_signal_sanity", (*Gatekeeper).gate04SignalSanity},
	{"gate05_pre_sizing", (*Gatekeeper).gate05PreSizing},
	{"gate06_mle_decision", (*Gatekeeper).gate06MLEDecision},
	{"gate07_liquidity", (*Gatekeeper).gate07Liquidity},
	{"gate08_gap_glitch", (*Gatekeeper).gate08GapGlitch},
	{"gate09_funding", (*Gatekeeper).gate09Funding},
	{"gate10_basis_correlation", (*Gatekeeper).gate10BasisCorrelation},
	{"gate11_net_rr", (*Gatekeeper).gate11NetRR},
	{"gate12_bankruptcy", (*Gatekeeper).gate12Bankruptcy},
	{"gate13_sequential_risk", (*Gatekeeper).gate13SequentialRisk},
	{"gate14_final_sizing", (*Gatekeeper).gate14FinalSizing},
	{"gate15_impact_limits", (*Gatekeeper).gate15ImpactLimits},
	{"gate16_reservation", (*Gatekeeper).gate16Reservation},
	{"gate17_actual_risk", (*Gatekeeper).gate17ActualRisk},
	{"gate18_partial_fill", (*Gatekeeper).gate18PartialFill},
}

// EvaluateEntrySignal runs the full chain and returns the decision.
// Deterministic on its inputs; the wall-clock reads are the latency
// measurement recorded in diagnostics and gate 16's pre-exec deadline check.
func (gk *Gatekeeper) EvaluateEntrySignal(req *Request) Decision {
	started := time.Now()
	ctx := &evalContext{req: req, regimeRiskMult: 1, corrStaleMult: 1}

	decision := gk.run(ctx)

	decision.ConfigVersion = gk.cfg.Version
	decision.GateTrace = ctx.trace
	if decision.Diagnostics == nil {
		decision.Diagnostics = make(map[string]any)
	}
	decision.Diagnostics["latency_ms"] = time.Since(started).Milliseconds()
	if req.Snapshot != nil {
		decision.SnapshotID = req.Snapshot.SnapshotID
		decision.Diagnostics["logical_clock_ms"] = req.Snapshot.LogicalClockMs
	}
	if ctx.probe {
		decision.Diagnostics["probe_trade"] = true
	}

	instrument := ""
	if req.Signal != nil {
		instrument = req.Signal.Instrument
	}
	evt := gk.log.Info()
	if !decision.Allowed {
		evt = gk.log.Debug()
	}
	evt.Str("instrument", instrument).
		Bool("allowed", decision.Allowed).
		Str("reason", decision.RejectionReason).
		Float64("size_notional", decision.SizeNotional).
		Msg("admission decision")
	return decision
}

func (gk *Gatekeeper) run(ctx *evalContext) Decision {
	req := ctx.req

	if req.Signal == nil || req.Snapshot == nil || req.Snapshot.Market == nil || req.Snapshot.Portfolio == nil {
		return Decision{RejectionReason: string(ReasonSignalSanity)}
	}

	// Snapshot staleness is checked before any gate runs.
	if req.NowMs-req.Snapshot.Market.TsUTCMs > gk.cfg.Snapshot.MaxAgeMs {
		res := block("snapshot_age", ReasonSnapshotStale)
		ctx.record(*res)
		return Decision{RejectionReason: string(ReasonSnapshotStale), BlockedAtGate: "snapshot_age"}
	}

	for _, step := range chain {
		// SHADOW terminates the chain after gate 6; gates 7–18 never run.
		if ctx.shadow && step.name == "gate07_liquidity" {
			return Decision{
				RejectionReason: string(ReasonShadowMode),
				BlockedAtGate:   "gate06_mle_decision",
			}
		}
		res := gk.runGate(step, ctx)
		ctx.record(res)
		if res.Blocked && !res.Advisory {
			return Decision{
				RejectionReason: string(res.Reason),
				BlockedAtGate:   step.name,
			}
		}
	}

	qty := ctx.sizingRes.QtyRounded
	return Decision{
		Allowed:       true,
		Qty:           qty,
		SizeNotional:  qty * req.Signal.Levels.EntryPrice,
		ReservationID: reservationID(ctx),
		Diagnostics: map[string]any{
			"risk_pct_actual": ctx.sizingRes.RiskActualPct,
			"risk_pct_target": ctx.sizingRes.RiskTargetPct,
			"unit_risk":       ctx.unitRisk,
			"net_yield_r":     ctx.netYieldR,
		},
	}
}

// runGate converts numerical domain violations into an EMERGENCY reject at
// the pipeline edge; no error crosses more than one gate boundary.
func (gk *Gatekeeper) runGate(step gateStep, ctx *evalContext) (res GateResult) {
	defer func() {
		if r := recover(); r != nil {
			gk.log.Error().Str("gate", step.name).Interface("panic", r).Msg("gate panicked")
			res = *block(step.name, ReasonDomainViolation)
			gk.escalate(domain.DRPEmergency, domain.CauseOther, "gate panic")
		}
	}()
	res = step.fn(gk, ctx)
	return res
}

func (gk *Gatekeeper) escalate(state domain.DRPState, cause domain.EmergencyCause, detail string) {
	if gk.drpSink != nil {
		gk.drpSink.Escalate(state, cause, detail)
	}
}

// domainViolation checks an error for the typed numerics violation and
// translates it into the EMERGENCY reject path.
func (gk *Gatekeeper) domainViolation(gate string, err error) (GateResult, bool) {
	var dv *numerics.DomainViolationError
	if errors.As(err, &dv) {
		gk.escalate(domain.DRPEmergency, domain.CauseOther, dv.Error())
		res := block(gate, ReasonDomainViolation)
		res.diag("error", dv.Error())
		return *res, true
	}
	return GateResult{}, false
}

func reservationID(ctx *evalContext) string {
	if ctx.reservation == nil {
		return ""
	}
	return ctx.reservation.ID
}
