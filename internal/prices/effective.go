// Package prices computes all-in effective prices and the unit-risk and
// R-unit conversions built on them. |entry_eff_allin - sl_eff_allin| is the
// authoritative unit risk for every downstream gate.
package prices

import (
	"fmt"
	"math"

	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/numerics"
)

const (
	// AbsMinUnitRiskUSD is the absolute floor on unit risk.
	AbsMinUnitRiskUSD = 1e-6
	// DefaultStopSlippageMult amplifies stop slippage versus plain exits.
	DefaultStopSlippageMult = 2.0
	// DefaultUnitRiskMinATRMult is the ATR-relative unit-risk floor.
	DefaultUnitRiskMinATRMult = 0.02
)

// CostModel groups the per-leg cost components in basis points.
type CostModel struct {
	SpreadBps        float64 `json:"spread_bps" yaml:"spread_bps"`
	FeeEntryBps      float64 `json:"fee_entry_bps" yaml:"fee_entry_bps"`
	FeeExitBps       float64 `json:"fee_exit_bps" yaml:"fee_exit_bps"`
	SlippageEntryBps float64 `json:"slippage_entry_bps" yaml:"slippage_entry_bps"`
	SlippageTPBps    float64 `json:"slippage_tp_bps" yaml:"slippage_tp_bps"`
	SlippageStopBps  float64 `json:"slippage_stop_bps" yaml:"slippage_stop_bps"`
	ImpactEntryBps   float64 `json:"impact_entry_bps" yaml:"impact_entry_bps"`
	ImpactExitBps    float64 `json:"impact_exit_bps" yaml:"impact_exit_bps"`
	ImpactStopBps    float64 `json:"impact_stop_bps" yaml:"impact_stop_bps"`
	StopSlippageMult float64 `json:"stop_slippage_mult" yaml:"stop_slippage_mult"`
}

// EntryCostBps is half-spread + entry slippage + entry impact + entry fee.
func (c CostModel) EntryCostBps() float64 {
	return 0.5*c.SpreadBps + c.SlippageEntryBps + c.ImpactEntryBps + c.FeeEntryBps
}

// TPExitCostBps is half-spread + tp slippage + exit impact + exit fee.
func (c CostModel) TPExitCostBps() float64 {
	return 0.5*c.SpreadBps + c.SlippageTPBps + c.ImpactExitBps + c.FeeExitBps
}

// SLExitCostBps is half-spread + mult*stop slippage + stop impact + exit fee.
func (c CostModel) SLExitCostBps() float64 {
	return 0.5*c.SpreadBps + c.StopSlippageMult*c.SlippageStopBps + c.ImpactStopBps + c.FeeExitBps
}

func (c CostModel) validate() error {
	if c.SpreadBps < 0 {
		return fmt.Errorf("spread_bps cannot be negative")
	}
	for name, v := range map[string]float64{
		"fee_entry_bps":      c.FeeEntryBps,
		"fee_exit_bps":       c.FeeExitBps,
		"slippage_entry_bps": c.SlippageEntryBps,
		"slippage_tp_bps":    c.SlippageTPBps,
		"slippage_stop_bps":  c.SlippageStopBps,
		"impact_entry_bps":   c.ImpactEntryBps,
		"impact_exit_bps":    c.ImpactExitBps,
		"impact_stop_bps":    c.ImpactStopBps,
	} {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if c.StopSlippageMult < 1.0 {
		return fmt.Errorf("stop_slippage_mult must be >= 1.0, got %v", c.StopSlippageMult)
	}
	return nil
}

// BpsToFraction converts basis points to a fraction: b(x) = x/10000.
func BpsToFraction(bps float64) float64 { return bps / 10000.0 }

// Effective holds the all-in price triple and its derived unit risk.
type Effective struct {
	EntryEffAllin    float64 `json:"entry_eff_allin"`
	TPEffAllin       float64 `json:"tp_eff_allin"`
	SLEffAllin       float64 `json:"sl_eff_allin"`
	UnitRiskAllinNet float64 `json:"unit_risk_allin_net"`
	EntryCostBps     float64 `json:"entry_cost_bps"`
	TPExitCostBps    float64 `json:"tp_exit_cost_bps"`
	SLExitCostBps    float64 `json:"sl_exit_cost_bps"`
}

// Compute produces the all-in effective triple for the given side. LONG pays
// costs on entry (price up) and gives them back on tp/sl (price down); SHORT
// is the mirror. Level monotonicity is enforced before and after costs.
func Compute(side domain.Direction, entry, tp, sl float64, costs CostModel) (Effective, error) {
	if entry <= 0 || tp <= 0 || sl <= 0 {
		return Effective{}, fmt.Errorf("prices must be positive: entry=%v tp=%v sl=%v", entry, tp, sl)
	}
	if err := costs.validate(); err != nil {
		return Effective{}, err
	}
	switch side {
	case domain.Long:
		if tp <= entry || sl >= entry {
			return Effective{}, fmt.Errorf("LONG requires tp > entry > sl")
		}
	case domain.Short:
		if tp >= entry || sl <= entry {
			return Effective{}, fmt.Errorf("SHORT requires tp < entry < sl")
		}
	default:
		return Effective{}, fmt.Errorf("unknown side %q", side)
	}

	entryFrac := BpsToFraction(costs.EntryCostBps())
	tpFrac := BpsToFraction(costs.TPExitCostBps())
	slFrac := BpsToFraction(costs.SLExitCostBps())

	var eff Effective
	if side == domain.Long {
		eff.EntryEffAllin = entry * (1 + entryFrac)
		eff.TPEffAllin = tp * (1 - tpFrac)
		eff.SLEffAllin = sl * (1 - slFrac)
	} else {
		eff.EntryEffAllin = entry * (1 - entryFrac)
		eff.TPEffAllin = tp * (1 + tpFrac)
		eff.SLEffAllin = sl * (1 + slFrac)
	}
	eff.EntryCostBps = costs.EntryCostBps()
	eff.TPExitCostBps = costs.TPExitCostBps()
	eff.SLExitCostBps = costs.SLExitCostBps()
	eff.UnitRiskAllinNet = math.Abs(eff.EntryEffAllin - eff.SLEffAllin)
	return eff, nil
}

// ValidateUnitRisk enforces the absolute and ATR-relative unit-risk floors.
func ValidateUnitRisk(unitRisk, atr, minAbs, minATRMult float64) error {
	if unitRisk < minAbs {
		return fmt.Errorf("unit_risk %.6e below absolute minimum %.6e", unitRisk, minAbs)
	}
	if atr > numerics.EpsCalc {
		floor := minATRMult * atr
		if numerics.Less(unitRisk, floor, numerics.AbsTolStrictUnit) {
			return fmt.Errorf("unit_risk %.6f below ATR minimum %.6f (atr=%.6f mult=%v)",
				unitRisk, floor, atr, minATRMult)
		}
	}
	return nil
}
