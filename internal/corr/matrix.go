// Package corr implements the correlation-matrix pipeline: shrinkage, PSD
// projection (Higham with an eigenvalue-clip fallback), unit-diagonal
// normalization, stress transforms, and the γ-blend the heat algebra
// consumes. The publisher runs off the hot path; the Gatekeeper only ever
// reads immutable snapshots.
package corr

import (
	"fmt"
	"math"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/numerics"
)

// StressMode selects the per-pair stress transform.
type StressMode string

const (
	StressBreakHedges  StressMode = "BREAK_HEDGES"
	StressPreserveSign StressMode = "PRESERVE_SIGN"
	StressAsymmetric   StressMode = "ASYMMETRIC"
)

// Matrix is a square symmetric correlation matrix.
type Matrix [][]float64

// NewMatrix allocates an n×n identity.
func NewMatrix(n int) Matrix {
	m := make(Matrix, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

// Clone deep-copies the matrix.
func (m Matrix) Clone() Matrix {
	out := make(Matrix, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Dim returns the side length.
func (m Matrix) Dim() int { return len(m) }

// Symmetrize averages m with its transpose in place.
func (m Matrix) Symmetrize() {
	n := len(m)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := 0.5 * (m[i][j] + m[j][i])
			m[i][j], m[j][i] = v, v
		}
	}
}

// MulVec returns C·v.
func (m Matrix) MulVec(v []float64) []float64 {
	out := make([]float64, len(m))
	for i, row := range m {
		var s float64
		for j, c := range row {
			s += c * v[j]
		}
		out[i] = s
	}
	return out
}

// QuadForm returns vᵀ·C·v.
func (m Matrix) QuadForm(v []float64) float64 {
	var s float64
	for i, row := range m {
		for j, c := range row {
			s += v[i] * c * v[j]
		}
	}
	return s
}

// Shrink applies C' = (1-α)·C + α·I in place.
func (m Matrix) Shrink(alpha float64) {
	n := len(m)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m[i][j] *= 1 - alpha
			if i == j {
				m[i][j] += alpha
			}
		}
	}
}

// jacobiEigen computes the full symmetric eigendecomposition with cyclic
// Jacobi rotations. Dimensions here are portfolio-sized (tens), where Jacobi
// is exact enough and dependency-free.
func jacobiEigen(a Matrix) (vals []float64, vecs Matrix) {
	n := a.Dim()
	m := a.Clone()
	vecs = NewMatrix(n)

	const maxSweeps = 64
	for sweep := 0; sweep < maxSweeps; sweep++ {
		var off float64
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				off += m[i][j] * m[i][j]
			}
		}
		if off < 1e-22 {
			break
		}
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				if math.Abs(m[p][q]) < 1e-18 {
					continue
				}
				theta := (m[q][q] - m[p][p]) / (2 * m[p][q])
				t := math.Copysign(1, theta) / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				c := 1 / math.Sqrt(t*t+1)
				s := t * c
				for k := 0; k < n; k++ {
					mkp, mkq := m[k][p], m[k][q]
					m[k][p] = c*mkp - s*mkq
					m[k][q] = s*mkp + c*mkq
				}
				for k := 0; k < n; k++ {
					mpk, mqk := m[p][k], m[q][k]
					m[p][k] = c*mpk - s*mqk
					m[q][k] = s*mpk + c*mqk
				}
				for k := 0; k < n; k++ {
					vkp, vkq := vecs[k][p], vecs[k][q]
					vecs[k][p] = c*vkp - s*vkq
					vecs[k][q] = s*vkp + c*vkq
				}
			}
		}
	}
	vals = make([]float64, n)
	for i := 0; i < n; i++ {
		vals[i] = m[i][i]
	}
	return vals, vecs
}

// MinEigenvalue returns λ_min.
func (m Matrix) MinEigenvalue() float64 {
	vals, _ := jacobiEigen(m)
	min := math.Inf(1)
	for _, v := range vals {
		if v < min {
			min = v
		}
	}
	return min
}

// clipEigenvalues reconstructs the matrix with eigenvalues floored at eigFloor.
func clipEigenvalues(m Matrix, eigFloor float64) Matrix {
	n := m.Dim()
	vals, vecs := jacobiEigen(m)
	for i, v := range vals {
		if v < eigFloor {
			vals[i] = eigFloor
		}
	}
	out := NewMatrix(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var s float64
			for k := 0; k < n; k++ {
				s += vecs[i][k] * vals[k] * vecs[j][k]
			}
			out[i][j] = s
		}
	}
	return out
}

// Algebra runs the published pipeline against a frozen config.
type Algebra struct {
	cfg *config.CorrConfig
}

// NewAlgebra builds the pipeline.
func NewAlgebra(cfg *config.CorrConfig) *Algebra { return &Algebra{cfg: cfg} }

// ProjectPSD applies Higham alternating projections with bounded iterations,
// falling back to a plain eigenvalue clip when the iteration does not settle.
func (a *Algebra) ProjectPSD(m Matrix) Matrix {
	cfg := a.cfg
	x := m.Clone()
	x.Symmetrize()
	ds := NewMatrix(x.Dim())
	for i := range ds {
		ds[i][i] = 0
	}

	converged := false
	for iter := 0; iter < cfg.HighamMaxIters; iter++ {
		// R = X - ΔS (Dykstra correction), project onto PSD cone.
		r := x.Clone()
		for i := range r {
			for j := range r[i] {
				r[i][j] -= ds[i][j]
			}
		}
		y := clipEigenvalues(r, cfg.PSDEigFloor)
		for i := range ds {
			for j := range ds[i] {
				ds[i][j] = y[i][j] - r[i][j]
			}
		}
		// Project onto unit diagonal.
		next := y.Clone()
		for i := range next {
			next[i][i] = 1
		}
		var delta float64
		for i := range next {
			for j := range next[i] {
				delta = math.Max(delta, math.Abs(next[i][j]-x[i][j]))
			}
		}
		x = next
		if delta < 1e-10 {
			converged = true
			break
		}
	}
	if !converged || x.MinEigenvalue() < -cfg.PSDNegEigTol {
		x = clipEigenvalues(m, cfg.PSDEigFloor)
	}
	x.Symmetrize()
	return x
}

// NormalizeDiagonal clips the diagonal to the floor then rescales to unit
// diagonal via D^{-1/2} C D^{-1/2}, re-clipping off-diagonals to [-1, 1].
func (a *Algebra) NormalizeDiagonal(m Matrix) Matrix {
	out := m.Clone()
	n := out.Dim()
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = math.Sqrt(math.Max(out[i][i], a.cfg.PSDDiagFloor))
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i][j] /= d[i] * d[j]
			if i != j {
				out[i][j] = numerics.Clamp(out[i][j], -1, 1)
			}
		}
	}
	for i := 0; i < n; i++ {
		out[i][i] = 1
	}
	return out
}

// Condition runs the full conditioning chain: shrink → PSD → normalize, with
// clip→normalize repair passes and an αI regularization when λ_min stays
// below the configured floor.
func (a *Algebra) Condition(raw Matrix) (Matrix, error) {
	cfg := a.cfg
	n := raw.Dim()
	if n == 0 {
		return nil, fmt.Errorf("empty correlation matrix")
	}
	for i := range raw {
		if len(raw[i]) != n {
			return nil, fmt.Errorf("correlation matrix is not square")
		}
		for j := range raw[i] {
			if !numerics.IsValid(raw[i][j]) {
				return nil, fmt.Errorf("correlation matrix has non-finite entry at (%d,%d)", i, j)
			}
		}
	}

	m := raw.Clone()
	m.Shrink(cfg.ShrinkageAlpha)
	m = a.ProjectPSD(m)
	m = a.NormalizeDiagonal(m)

	for pass := 0; pass < cfg.NormalizePasses; pass++ {
		if m.MinEigenvalue() >= -cfg.PSDNegEigTol {
			break
		}
		m = clipEigenvalues(m, cfg.PSDEigFloor)
		m = a.NormalizeDiagonal(m)
	}

	if lmin := m.MinEigenvalue(); lmin < cfg.MinEigenvalueFloor {
		alpha := cfg.MinEigenvalueFloor - lmin
		m.Shrink(alpha / (1 + alpha))
		m = a.NormalizeDiagonal(m)
	}

	if err := a.CheckInvariants(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CheckInvariants verifies |C_ii - 1| < diag_eps and λ_min >= -psd_neg_eig_tol.
func (a *Algebra) CheckInvariants(m Matrix) error {
	for i := range m {
		if math.Abs(m[i][i]-1) >= a.cfg.DiagEps {
			return fmt.Errorf("diagonal entry %d deviates from unity: %v", i, m[i][i])
		}
	}
	if lmin := m.MinEigenvalue(); lmin < -a.cfg.PSDNegEigTol {
		return fmt.Errorf("matrix not PSD: lambda_min=%v", lmin)
	}
	return nil
}

// Stress applies the configured per-pair stress transform and re-conditions.
func (a *Algebra) Stress(m Matrix) (Matrix, error) {
	cfg := a.cfg
	out := m.Clone()
	delta := cfg.StressCorrDelta
	mode := StressMode(cfg.StressMode)
	n := out.Dim()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			c := out[i][j]
			switch mode {
			case StressBreakHedges:
				// Hedges decay toward zero, longs-together correlations rise.
				if c < 0 {
					c = c * (1 - delta)
				} else {
					c = c + delta*(1-c)
				}
			case StressPreserveSign:
				if c >= 0 {
					c = c + delta*(1-c)
				} else {
					c = c - delta*(1+c)
				}
			default: // ASYMMETRIC
				// Positive correlations move toward +1 by the full delta;
				// negative ones shrink toward zero by half the delta.
				if c >= 0 {
					c = c + delta*(1-c)
				} else {
					c = c * (1 - 0.5*delta)
				}
			}
			out[i][j] = numerics.Clamp(c, -1, 1)
		}
	}
	out.Symmetrize()
	out = a.ProjectPSD(out)
	out = a.NormalizeDiagonal(out)
	if err := a.CheckInvariants(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Blend computes (1-γ)·C_psd + γ·C_stress.
func (a *Algebra) Blend(psd, stress Matrix, gamma float64) Matrix {
	gamma = numerics.Clamp01(gamma)
	n := psd.Dim()
	out := NewMatrix(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i][j] = (1-gamma)*psd[i][j] + gamma*stress[i][j]
		}
	}
	return out
}
