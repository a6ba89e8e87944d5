// Package drp implements the Disaster-Recovery Protocol state machine:
// DQS-driven transitions between NORMAL/DEFENSIVE/EMERGENCY, cause-dependent
// warm-up through RECOVERY, and an ATR-adaptive anti-flapping window that
// drops the engine into HIBERNATE when states churn.
package drp

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/domain"
)

// Input is one evaluation tick.
type Input struct {
	Current              domain.DRPState
	DQS                  float64
	HardGateTriggered    bool
	CrisisIndex          float64
	WarmupBarsRemaining  int
	FlapCount            int
	HibernateUntilTsMs   *int64
	NowMs                int64
	ATRZShort            float64
	Cause                domain.EmergencyCause
	BarCompleted         bool
	OperatorAck          bool
}

// Transition is the machine's verdict for one tick.
type Transition struct {
	NewState            domain.DRPState `json:"new_state"`
	PreviousState       domain.DRPState `json:"previous_state"`
	WarmupBarsRemaining int             `json:"warmup_bars_remaining"`
	FlapCount           int             `json:"drp_flap_count"`
	HibernateUntilTsMs  *int64          `json:"hibernate_until_ts,omitempty"`
	Occurred            bool            `json:"transition_occurred"`
	Reason              string          `json:"transition_reason"`
}

type flapEvent struct {
	tsMs int64
}

// Machine evaluates DRP transitions. The transition history backing the
// anti-flapping counter is the only mutable state; everything else comes in
// through Input each tick.
type Machine struct {
	cfg *config.DRPConfig
	log zerolog.Logger

	mu      sync.Mutex
	history []flapEvent
}

// New builds a machine.
func New(cfg *config.DRPConfig, log zerolog.Logger) *Machine {
	return &Machine{cfg: cfg, log: log.With().Str("component", "drp").Logger()}
}

// WarmupBars returns the warm-up length for an emergency cause.
func (m *Machine) WarmupBars(cause domain.EmergencyCause) int {
	switch cause {
	case domain.CauseDataGlitch:
		return 3
	case domain.CauseLiquidity:
		return 6
	case domain.CauseDepeg:
		return 24
	default:
		bars := m.cfg.WarmupBarsBase + int(math.Floor(m.cfg.RecoveryHoldMinutes/60.0))
		if bars < m.cfg.WarmupBarsMin {
			bars = m.cfg.WarmupBarsMin
		}
		if bars > m.cfg.WarmupBarsMax {
			bars = m.cfg.WarmupBarsMax
		}
		return bars
	}
}

// targetState maps DQS, hard-gates, and the crisis index to a target.
func (m *Machine) targetState(dqs float64, hardGate bool, crisis float64, dqsEmergency, dqsDegraded float64) domain.DRPState {
	if hardGate || crisis >= m.cfg.CrisisEmergencyThresh {
		return domain.DRPEmergency
	}
	if dqs < dqsEmergency {
		return domain.DRPEmergency
	}
	if dqs < dqsDegraded {
		return domain.DRPDefensive
	}
	return domain.DRPNormal
}

// Evaluate runs one tick. dqsEmergency/dqsDegraded come from the DQS config
// section so the two subsystems share one source of truth.
func (m *Machine) Evaluate(in Input, dqsEmergency, dqsDegraded float64) Transition {
	// HIBERNATE holds until both the timer and the operator release it.
	if in.Current == domain.DRPHibernate {
		if in.HibernateUntilTsMs != nil && in.NowMs >= *in.HibernateUntilTsMs && in.OperatorAck {
			m.resetHistory()
			return m.emit(in, domain.DRPNormal, 0, 0, nil, true, "hibernate_unlock")
		}
		return m.emit(in, domain.DRPHibernate, in.WarmupBarsRemaining, in.FlapCount, in.HibernateUntilTsMs, false, "in_hibernate")
	}

	target := m.targetState(in.DQS, in.HardGateTriggered, in.CrisisIndex, dqsEmergency, dqsDegraded)

	if in.Current == domain.DRPRecovery {
		bars := in.WarmupBarsRemaining
		if in.BarCompleted && bars > 0 {
			bars--
		}
		switch {
		case target == domain.DRPEmergency:
			return m.strictTransition(in, domain.DRPEmergency, m.WarmupBars(in.Cause), "new_emergency_during_recovery")
		case bars == 0 && target == domain.DRPNormal:
			return m.strictTransition(in, domain.DRPNormal, 0, "warmup_completed")
		default:
			return m.emit(in, domain.DRPRecovery, bars, in.FlapCount, nil, false, "in_warmup")
		}
	}

	if in.Current == domain.DRPEmergency {
		if target != domain.DRPEmergency {
			return m.strictTransition(in, domain.DRPRecovery, m.WarmupBars(in.Cause), "emergency_to_recovery")
		}
		return m.emit(in, domain.DRPEmergency, in.WarmupBarsRemaining, in.FlapCount, nil, false, "in_emergency")
	}

	if target == domain.DRPEmergency {
		return m.strictTransition(in, domain.DRPEmergency, m.WarmupBars(in.Cause), "to_emergency")
	}

	if target != in.Current && (target == domain.DRPNormal || target == domain.DRPDefensive) {
		return m.strictTransition(in, target, 0, "dqs_transition")
	}

	return m.emit(in, in.Current, in.WarmupBarsRemaining, in.FlapCount, in.HibernateUntilTsMs, false, "no_transition")
}

// strictTransition records the flap event and may divert to HIBERNATE.
func (m *Machine) strictTransition(in Input, to domain.DRPState, warmupBars int, reason string) Transition {
	flaps := m.recordFlap(in.Current, to, in.NowMs, in.ATRZShort)
	if flaps >= m.cfg.FlapToHibernate {
		until := in.NowMs + int64(m.cfg.HibernateMinDurationSec*1000)
		m.log.Error().
			Int("flap_count", flaps).
			Int64("hibernate_until", until).
			Msg("anti-flapping hibernate")
		return m.emit(in, domain.DRPHibernate, 0, flaps, &until, true, "anti_flapping_hibernate")
	}
	m.log.Info().
		Str("from", string(in.Current)).
		Str("to", string(to)).
		Str("reason", reason).
		Float64("dqs", in.DQS).
		Msg("drp transition")
	return m.emit(in, to, warmupBars, flaps, nil, true, reason)
}

// recordFlap counts strict-state transitions in the ATR-adaptive window:
// flap_window_minutes_eff = clip(base / max(ATR_z_short, 1), min, max).
func (m *Machine) recordFlap(from, to domain.DRPState, nowMs int64, atrZShort float64) int {
	if from == to || (!from.Strict() && !to.Strict()) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.history)
	}
	windowMin := m.cfg.FlapWindowMinutesBase / math.Max(atrZShort, 1.0)
	if windowMin < m.cfg.FlapWindowMinutesMin {
		windowMin = m.cfg.FlapWindowMinutesMin
	}
	if windowMin > m.cfg.FlapWindowMinutesMax {
		windowMin = m.cfg.FlapWindowMinutesMax
	}
	cutoff := nowMs - int64(windowMin*60_000)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, flapEvent{tsMs: nowMs})
	kept := m.history[:0]
	for _, ev := range m.history {
		if ev.tsMs >= cutoff {
			kept = append(kept, ev)
		}
	}
	m.history = kept
	return len(m.history)
}

func (m *Machine) resetHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

func (m *Machine) emit(in Input, state domain.DRPState, warmup, flaps int, hibernateUntil *int64, occurred bool, reason string) Transition {
	return Transition{
		NewState:            state,
		PreviousState:       in.Current,
		WarmupBarsRemaining: warmup,
		FlapCount:           flaps,
		HibernateUntilTsMs:  hibernateUntil,
		Occurred:            occurred,
		Reason:              reason,
	}
}

// BlocksNewEntries reports whether a state forbids opening positions.
func BlocksNewEntries(s domain.DRPState, warmupBarsRemaining int) bool {
	switch s {
	case domain.DRPEmergency, domain.DRPHibernate:
		return true
	case domain.DRPRecovery:
		return warmupBarsRemaining > 0
	default:
		return false
	}
}
