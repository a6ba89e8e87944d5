package domain

import "fmt"

// SignalLevels are the raw price levels proposed by the engine.
type SignalLevels struct {
	EntryPrice float64 `json:"entry_price" validate:"gt=0"`
	StopLoss   float64 `json:"stop_loss" validate:"gt=0"`
	TakeProfit float64 `json:"take_profit" validate:"gt=0"`
}

// SignalContext carries auxiliary signal metadata.
type SignalContext struct {
	ExpectedHoldingHours float64 `json:"expected_holding_hours" validate:"gt=0"`
	RegimeHint           *Regime `json:"regime_hint,omitempty"`
	SetupID              string  `json:"setup_id"`
}

// SignalConstraints are engine-declared admission minima.
type SignalConstraints struct {
	RRMinEngine  float64 `json:"rr_min_engine" validate:"gt=0"`
	SLMinATRMult float64 `json:"sl_min_atr_mult" validate:"gte=0"`
	SLMaxATRMult float64 `json:"sl_max_atr_mult" validate:"gt=0"`
}

// EngineSignal is a candidate trade produced by a strategy engine, consumed
// exactly once by the Gatekeeper.
type EngineSignal struct {
	SchemaVersion string            `json:"schema_version" validate:"required"`
	Instrument    string            `json:"instrument" validate:"required"`
	Engine        EngineType        `json:"engine" validate:"required,oneof=TREND RANGE"`
	Direction     Direction         `json:"direction" validate:"required,oneof=LONG SHORT"`
	Levels        SignalLevels      `json:"levels"`
	Context       SignalContext     `json:"context"`
	Constraints   SignalConstraints `json:"constraints"`
}

// CheckLevelMonotonicity validates LONG ⇒ TP>entry>SL, SHORT ⇒ TP<entry<SL.
func (s *EngineSignal) CheckLevelMonotonicity() error {
	l := s.Levels
	switch s.Direction {
	case Long:
		if !(l.TakeProfit > l.EntryPrice && l.EntryPrice > l.StopLoss) {
			return fmt.Errorf("LONG levels must satisfy tp > entry > sl, got tp=%v entry=%v sl=%v",
				l.TakeProfit, l.EntryPrice, l.StopLoss)
		}
	case Short:
		if !(l.TakeProfit < l.EntryPrice && l.EntryPrice < l.StopLoss) {
			return fmt.Errorf("SHORT levels must satisfy tp < entry < sl, got tp=%v entry=%v sl=%v",
				l.TakeProfit, l.EntryPrice, l.StopLoss)
		}
	default:
		return fmt.Errorf("unknown direction %q", s.Direction)
	}
	return nil
}
