package domain

import "regexp"

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// MLEOutput is the black-box model verdict attached to a signal. Probability
// mass must sum to one within the ml_outputs tolerance; the pipeline verifies
// at intake, not inside gates.
type MLEOutput struct {
	SchemaVersion        string      `json:"schema_version" validate:"required"`
	ModelID              string      `json:"model_id" validate:"required"`
	ArtifactSHA256       string      `json:"artifact_sha256" validate:"required,len=64,hexadecimal"`
	FeatureSchemaVersion int         `json:"feature_schema_version" validate:"gte=1"`
	CalibrationVersion   int         `json:"calibration_version" validate:"gte=0"`
	Decision             MLEDecision `json:"decision" validate:"required,oneof=REJECT WEAK NORMAL STRONG"`
	RiskMult             float64     `json:"risk_mult" validate:"gte=0,lte=1"`
	EVRPrice             float64     `json:"ev_r_price"`
	PFail                float64     `json:"p_fail" validate:"gte=0,lte=1"`
	PNeutral             float64     `json:"p_neutral" validate:"gte=0,lte=1"`
	PSuccess             float64     `json:"p_success" validate:"gte=0,lte=1"`
	PStopoutNoise        *float64    `json:"p_stopout_noise,omitempty" validate:"omitempty,gte=0,lte=1"`
	ExpectedCostRPreMLE  *float64    `json:"expected_cost_r_pre_mle,omitempty"`
	ExpectedCostRPostMLE *float64    `json:"expected_cost_r_post_mle,omitempty"`
}

// ArtifactHashValid reports whether ArtifactSHA256 is 64 lowercase hex chars.
func (m *MLEOutput) ArtifactHashValid() bool { return sha256Hex.MatchString(m.ArtifactSHA256) }

// ProbabilityMass returns p_fail + p_neutral + p_success.
func (m *MLEOutput) ProbabilityMass() float64 { return m.PFail + m.PNeutral + m.PSuccess }
