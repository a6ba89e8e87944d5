package corr

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskgate/riskgate/internal/config"
)

func testAlgebra() *Algebra {
	cfg := config.Default()
	return NewAlgebra(&cfg.Corr)
}

func TestConditionProducesUnitDiagonalPSD(t *testing.T) {
	a := testAlgebra()
	// Indefinite "correlation" matrix: not PSD as given.
	raw := Matrix{
		{1.0, 0.9, -0.9},
		{0.9, 1.0, 0.9},
		{-0.9, 0.9, 1.0},
	}
	m, err := a.Condition(raw)
	require.NoError(t, err)

	for i := range m {
		assert.InDelta(t, 1.0, m[i][i], 1e-4)
	}
	assert.GreaterOrEqual(t, m.MinEigenvalue(), -1e-8)
	require.NoError(t, a.CheckInvariants(m))
}

func TestConditionRejectsNonFinite(t *testing.T) {
	a := testAlgebra()
	raw := Matrix{
		{1, math.NaN()},
		{math.NaN(), 1},
	}
	_, err := a.Condition(raw)
	require.Error(t, err)
}

func TestStressAsymmetricTightensPositivesKeepsHalfHedge(t *testing.T) {
	a := testAlgebra()
	raw := Matrix{
		{1.0, 0.4, -0.6},
		{0.4, 1.0, 0.2},
		{-0.6, 0.2, 1.0},
	}
	psd, err := a.Condition(raw)
	require.NoError(t, err)
	stress, err := a.Stress(psd)
	require.NoError(t, err)

	// Positive pairs move toward +1; negative pairs weaken toward zero but
	// keep their sign (conditioning may shift values slightly).
	assert.Greater(t, stress[0][1], psd[0][1])
	assert.Greater(t, stress[0][2], psd[0][2])
	assert.Less(t, stress[0][2], 0.1)
	require.NoError(t, a.CheckInvariants(stress))
}

func TestBlendInterpolates(t *testing.T) {
	a := testAlgebra()
	psd := Matrix{{1, 0.2}, {0.2, 1}}
	stress := Matrix{{1, 0.8}, {0.8, 1}}

	b := a.Blend(psd, stress, 0.5)
	assert.InDelta(t, 0.5, b[0][1], 1e-12)

	b = a.Blend(psd, stress, 0)
	assert.InDelta(t, 0.2, b[0][1], 1e-12)

	b = a.Blend(psd, stress, 2) // clamped to 1
	assert.InDelta(t, 0.8, b[0][1], 1e-12)
}

func TestQuadFormAndMulVec(t *testing.T) {
	m := Matrix{{1, 0.5}, {0.5, 1}}
	v := []float64{0.01, 0.02}
	cv := m.MulVec(v)
	assert.InDelta(t, 0.01+0.5*0.02, cv[0], 1e-15)
	assert.InDelta(t, v[0]*cv[0]+v[1]*cv[1], m.QuadForm(v), 1e-15)
}

type fakeSource struct {
	instruments []string
	raw         Matrix
	gamma       float64
}

func (f *fakeSource) Raw(context.Context) ([]string, Matrix, float64, error) {
	return f.instruments, f.raw.Clone(), f.gamma, nil
}

func TestPublisherLifecycle(t *testing.T) {
	cfg := config.Default()
	src := &fakeSource{
		instruments: []string{"BTC-USDT", "ETH-USDT"},
		raw:         Matrix{{1, 0.7}, {0.7, 1}},
		gamma:       0.5,
	}
	now := int64(1_700_000_000_000)
	p := NewPublisher(&cfg.Corr, src, nil, zerolog.Nop(), func() int64 { return now })

	snap, err := p.PublishOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.ID)
	assert.Len(t, snap.SHA256, 64)
	assert.Equal(t, 0, snap.Index("BTC-USDT"))
	assert.Equal(t, -1, snap.Index("SOL-USDT"))
	// Gamma is EMA-smoothed from zero toward the target.
	assert.InDelta(t, cfg.Corr.GammaEMAAlpha*0.5, snap.Gamma, 1e-12)

	got, ok := p.Current(now)
	require.True(t, ok)
	assert.Equal(t, snap.ID, got.ID)

	// Beyond max age the snapshot is returned but flagged stale.
	_, ok = p.Current(now + int64(cfg.Corr.MaxAgeSec*1000) + 1000)
	assert.False(t, ok)
}
