// Package heat implements the matrix-weighted portfolio risk norm
// H(R) = sqrt(Rᵀ C R) and the candidate-admission quadratic built on it.
// Heat limits are evaluated worst-case across the PSD matrix, the γ-blend,
// and the uniform-collapse scenario.
package heat

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/corr"
	"github.com/riskgate/riskgate/internal/numerics"
)

// Calc is a heat computation context over one matrix. Every calculation
// carries an id for the audit trail and asserts the unit diagonal.
type Calc struct {
	ID     string
	Matrix corr.Matrix
	cfg    *config.HeatConfig
}

// NewCalc validates the matrix diagonal and builds a context.
func NewCalc(m corr.Matrix, cfg *config.HeatConfig) (*Calc, error) {
	for i := range m {
		if math.Abs(m[i][i]-1) >= cfg.DiagEps {
			return nil, fmt.Errorf("heat matrix diagonal %d deviates from unity: %v", i, m[i][i])
		}
	}
	return &Calc{ID: uuid.NewString(), Matrix: m, cfg: cfg}, nil
}

// Heat returns H(R) = sqrt(max(Rᵀ C R, 0)).
func (c *Calc) Heat(r []float64) float64 {
	return math.Sqrt(math.Max(c.Matrix.QuadForm(r), 0))
}

// UniAbs is the collapse-scenario heat: all correlations +1, H = Σ|R_i|.
func UniAbs(r []float64) float64 {
	var s float64
	for _, v := range r {
		s += math.Abs(v)
	}
	return s
}

// Candidate describes an admission candidate: signed unit risk direction at
// index j within the risk vector.
type Candidate struct {
	Index int
	Sign  float64
}

// Admission is the quadratic solution for one matrix.
type Admission struct {
	CalcID     string  `json:"heat_calculation_id"`
	HeatBefore float64 `json:"heat_before"`
	B          float64 `json:"b"`
	C          float64 `json:"c"`
	Disc       float64 `json:"disc"`
	XMax       float64 `json:"x_max"`
	Halved     bool    `json:"halved"`
	Rejected   bool    `json:"rejected"`
}

// Admit solves H(x)² = x² + 2bx + c ≤ H_max² for the largest admissible x,
// with b = s·(C R)_j. A near-zero discriminant with remaining headroom
// falls back to iterative halving, rejecting once x_try would round to less
// than one lot of unit risk.
func (c *Calc) Admit(r []float64, cand Candidate, hMax, minUsefulX float64) Admission {
	adm := Admission{CalcID: c.ID}
	cr := c.Matrix.MulVec(r)
	adm.C = c.Matrix.QuadForm(r)
	adm.HeatBefore = math.Sqrt(math.Max(adm.C, 0))
	u := cr[cand.Index]
	adm.B = cand.Sign * u

	if math.Abs(adm.B) < numerics.EpsCalc {
		adm.XMax = math.Sqrt(math.Max(hMax*hMax-adm.C, 0))
		return adm
	}

	adm.Disc = adm.B*adm.B + hMax*hMax - adm.C
	if adm.Disc > c.cfg.DiscFloorEps {
		adm.XMax = math.Max(0, -adm.B+math.Sqrt(math.Max(adm.Disc, 0)))
		return adm
	}

	// Degenerate discriminant but headroom remains within tolerance: halve a
	// trial size until it fits or becomes smaller than a useful lot.
	if adm.C < hMax*hMax+c.cfg.DiscFloorEps {
		adm.Halved = true
		xTry := math.Max(minUsefulX, hMax)
		for xTry >= minUsefulX {
			if c.heatAfter(adm.C, adm.B, xTry) <= hMax {
				adm.XMax = xTry
				return adm
			}
			xTry /= 2
		}
	}
	adm.Rejected = true
	return adm
}

func (c *Calc) heatAfter(cc, b, x float64) float64 {
	return math.Sqrt(math.Max(x*x+2*b*x+cc, 0))
}

// HeatAfter returns the post-trade heat for a candidate of size x.
func (c *Calc) HeatAfter(r []float64, cand Candidate, x float64) float64 {
	cr := c.Matrix.MulVec(r)
	b := cand.Sign * cr[cand.Index]
	return c.heatAfter(c.Matrix.QuadForm(r), b, x)
}

// Limits is the worst-case admission verdict across all three matrices.
type Limits struct {
	HSoft              float64 `json:"h_soft"`
	HHard              float64 `json:"h_hard"`
	HeatBeforeWorst    float64 `json:"heat_before_worst"`
	RemainingHeat      float64 `json:"remaining_heat_limits"`
	AboveHard          bool    `json:"above_hard"`
	AboveSoft          bool    `json:"above_soft"`
	HedgeOnly          bool    `json:"hedge_only"`
	BPSDNegative       bool    `json:"b_psd_negative"`
	PSD                Admission `json:"psd"`
	Blend              Admission `json:"blend"`
	UniAbsXMax         float64 `json:"uni_abs_x_max"`
	HedgeCap           float64 `json:"hedge_cap,omitempty"`
	RequiredReduction  float64 `json:"required_reduction,omitempty"`
}

// Evaluate computes soft/hard limits and the remaining admissible risk for a
// candidate across C_psd, C_blend, and the uniform-collapse bound. Above
// H_hard only strictly heat-reducing trades (b < -forced_b_min) are
// admissible, capped so they cannot over-hedge.
func Evaluate(psd, blend corr.Matrix, r []float64, cand Candidate, cfg *config.HeatConfig,
	remainingCluster, remainingPortfolio, minUsefulX float64) (Limits, error) {

	hHard := cfg.MaxAdjustedHeatPct
	lim := Limits{
		HSoft: cfg.SoftFrac * hHard,
		HHard: hHard,
	}

	psdCalc, err := NewCalc(psd, cfg)
	if err != nil {
		return lim, err
	}
	blendCalc, err := NewCalc(blend, cfg)
	if err != nil {
		return lim, err
	}

	lim.PSD = psdCalc.Admit(r, cand, hHard, minUsefulX)
	lim.Blend = blendCalc.Admit(r, cand, hHard, minUsefulX)

	uniBefore := UniAbs(r)
	lim.UniAbsXMax = math.Max(hHard-uniBefore, 0)

	lim.HeatBeforeWorst = math.Max(math.Max(lim.PSD.HeatBefore, lim.Blend.HeatBefore), uniBefore)
	lim.AboveHard = numerics.Greater(lim.HeatBeforeWorst, hHard, numerics.EpsCalc)
	lim.AboveSoft = numerics.Greater(lim.HeatBeforeWorst, lim.HSoft, numerics.EpsCalc)
	lim.BPSDNegative = lim.PSD.B < -cfg.ForcedBMin

	xMax := math.Min(math.Min(lim.PSD.XMax, lim.Blend.XMax), lim.UniAbsXMax)

	if lim.AboveHard {
		// Hard breach: only forced hedges pass, and they must reduce heat.
		if !lim.BPSDNegative {
			lim.RemainingHeat = 0
			lim.HedgeOnly = true
			return lim, nil
		}
		lim.HedgeOnly = true
		lim.RequiredReduction = cfg.MinReductionBps / 10000.0
		// Above the hard cap, admit up to x = -2b, the size at which
		// post-trade heat returns to its starting level; the hedge cap below
		// clips it, and the caller verifies the post-trade reduction.
		xMax = math.Max(0, -2*lim.PSD.B)
	}

	if lim.PSD.B < 0 {
		hedgeCap := cfg.HedgeOptMult * math.Max(0, -lim.PSD.B)
		hedgeCap = math.Min(hedgeCap, cfg.HedgeAbsCapPct)
		hedgeCap = math.Min(hedgeCap, remainingCluster)
		hedgeCap = math.Min(hedgeCap, remainingPortfolio)
		lim.HedgeCap = hedgeCap
		xMax = math.Min(xMax, hedgeCap)
	}

	if lim.PSD.Rejected || lim.Blend.Rejected {
		xMax = 0
	}
	lim.RemainingHeat = math.Max(xMax, 0)
	return lim, nil
}
