// Package dqs scores data quality for the admission pipeline. The composite
// DQS blends a critical bucket (price / volatility / orderbook freshness and
// integrity) with a non-critical bucket (derivatives completeness); a list of
// hard-gate conditions zeroes the score outright and escalates the DRP.
package dqs

import (
	"github.com/rs/zerolog"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/numerics"
)

// Result is the evaluator's published verdict for one market snapshot.
type Result struct {
	DQS         float64 `json:"dqs"`
	Critical    float64 `json:"dqs_critical"`
	NonCritical float64 `json:"dqs_noncritical"`
	Sources     float64 `json:"dqs_sources"`
	Mult        float64 `json:"dqs_mult"`

	HardGate        bool     `json:"hard_gate"`
	HardGateReasons []string `json:"hard_gate_reasons,omitempty"`
}

// Evaluator computes DQS results from market snapshots against a frozen
// config.
type Evaluator struct {
	cfg *config.DQSConfig
	log zerolog.Logger
}

// New builds an evaluator.
func New(cfg *config.DQSConfig, log zerolog.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, log: log.With().Str("component", "dqs").Logger()}
}

// sourceScore is clip(1 - staleness/hard, 0, 1).
func sourceScore(stalenessMs, hardMs float64) float64 {
	if hardMs <= 0 {
		return 0
	}
	return numerics.Clamp01(1 - stalenessMs/hardMs)
}

// Evaluate scores one market snapshot. Hard-gates force DQS to zero.
func (e *Evaluator) Evaluate(m *domain.MarketState) Result {
	dq := m.DataQuality
	cfg := e.cfg

	scores := map[string]float64{
		"price":     sourceScore(dq.PriceStalenessMs, cfg.PriceStalenessHardMs),
		"orderbook": sourceScore(dq.OrderbookStalenessMs, cfg.OrderbookStalenessHardMs),
		"deriv":     sourceScore(dq.DerivsStalenessMs, cfg.DerivsStalenessHardMs),
		"cross":     sourceScore(dq.CrossStalenessMs, cfg.CrossStalenessHardMs),
	}
	var weighted, weightSum float64
	for name, w := range cfg.SourceWeights {
		if s, ok := scores[name]; ok && w > 0 {
			weighted += w * s
			weightSum += w
		}
	}
	sources := numerics.SafeDivide(weighted, weightSum, numerics.EpsCalc, 0)

	volScore := sourceScore(dq.VolatilityStalenessMs, cfg.VolatilityStalenessHardMs)
	critical := scores["price"]
	for _, s := range []float64{volScore, scores["orderbook"]} {
		if s < critical {
			critical = s
		}
	}
	integrity := 1.0
	if dq.SuspectedGlitch || dq.StaleBookGlitch {
		integrity = 0
	}
	if integrity < critical {
		critical = integrity
	}

	nonCritical := 0.5*scores["deriv"] + 0.5*scores["cross"]

	res := Result{
		Critical:    critical,
		NonCritical: nonCritical,
		Sources:     sources,
	}

	res.HardGateReasons = e.hardGates(m, sources)
	res.HardGate = len(res.HardGateReasons) > 0
	if res.HardGate {
		res.DQS = 0
		res.Mult = 0
		e.log.Warn().
			Str("instrument", m.Instrument).
			Strs("reasons", res.HardGateReasons).
			Msg("dqs hard gate")
		return res
	}

	res.DQS = cfg.WeightCritical*critical + (1-cfg.WeightCritical)*nonCritical
	res.Mult = e.mult(res.DQS)
	return res
}

// hardGates collects the conditions that force DQS = 0.
func (e *Evaluator) hardGates(m *domain.MarketState, sources float64) []string {
	dq := m.DataQuality
	cfg := e.cfg
	var reasons []string

	if dq.PriceStalenessMs > cfg.PriceStalenessHardMs {
		reasons = append(reasons, "price_staleness_hard")
	}
	if dq.VolatilityStalenessMs > cfg.VolatilityStalenessHardMs {
		reasons = append(reasons, "volatility_staleness_hard")
	}
	if dq.OrderbookStalenessMs > cfg.OrderbookStalenessHardMs {
		reasons = append(reasons, "orderbook_staleness_hard")
	}
	// Cross-source deviation counts only while the cross feed itself is fresh.
	if dq.XDevBps >= cfg.XDevBlockBps && dq.CrossStalenessMs <= cfg.CrossStalenessHardMs {
		reasons = append(reasons, "xdev_block")
	}
	if sources < cfg.SourcesMin {
		reasons = append(reasons, "dqs_sources_below_min")
	}
	for _, v := range []float64{m.Price.Last, m.Price.Mid, m.Price.Bid, m.Price.Ask, m.Volatility.ATR} {
		if !numerics.IsValid(v) {
			reasons = append(reasons, "critical_field_not_finite")
			break
		}
	}
	if dq.SuspectedGlitch {
		reasons = append(reasons, "suspected_data_glitch")
	}
	if dq.OracleDevFrac != nil &&
		*dq.OracleDevFrac >= cfg.OracleDevBlockFrac &&
		dq.OracleStalenessMs <= cfg.OracleStalenessHardMs {
		reasons = append(reasons, "oracle_sanity_block")
	}
	// Stale book while the price feed keeps printing: the book cannot be
	// trusted for depth or spread.
	if dq.StaleBookGlitch ||
		(dq.OrderbookStalenessMs > cfg.OrderbookStalenessHardMs && dq.PriceStalenessMs <= cfg.PriceStalenessHardMs) {
		reasons = append(reasons, "stale_book_glitch")
	}
	return reasons
}

// mult interpolates linearly from 0 at the emergency threshold to 1 at the
// degraded threshold.
func (e *Evaluator) mult(dqs float64) float64 {
	lo, hi := e.cfg.EmergencyThreshold, e.cfg.DegradedThreshold
	return numerics.Clamp01((dqs - lo) / numerics.DenomSafeUnsigned(hi-lo, numerics.EpsCalc))
}
