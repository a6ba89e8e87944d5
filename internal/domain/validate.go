package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/riskgate/riskgate/internal/numerics"
)

var validate = validator.New()

// ValidateSignal runs struct-tag validation plus level monotonicity.
func ValidateSignal(s *EngineSignal) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("signal schema: %w", err)
	}
	return s.CheckLevelMonotonicity()
}

// ValidateMarketState runs struct-tag validation and rejects NaN/Inf in the
// critical price and volatility fields.
func ValidateMarketState(m *MarketState) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("market state schema: %w", err)
	}
	critical := map[string]float64{
		"price.last":     m.Price.Last,
		"price.mid":      m.Price.Mid,
		"price.bid":      m.Price.Bid,
		"price.ask":      m.Price.Ask,
		"volatility.atr": m.Volatility.ATR,
	}
	for name, v := range critical {
		if _, err := numerics.MustFinite(v, name); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePortfolioState runs struct-tag validation.
func ValidatePortfolioState(p *PortfolioState) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("portfolio state schema: %w", err)
	}
	return nil
}

// ValidateMLEOutput checks schema tags, hash format, and that probability
// mass sums to one within the ml_outputs tolerance.
func ValidateMLEOutput(m *MLEOutput, probMassTol float64) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("mle output schema: %w", err)
	}
	if !m.ArtifactHashValid() {
		return fmt.Errorf("artifact_sha256 must be 64 lowercase hex chars, got %q", m.ArtifactSHA256)
	}
	if mass := m.ProbabilityMass(); !numerics.IsClose(mass, 1.0, 0, probMassTol) {
		return fmt.Errorf("probability mass %.6f not within %v of 1.0", mass, probMassTol)
	}
	return nil
}
