package numerics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenomSafeSigned(t *testing.T) {
	assert.Equal(t, 10.0, DenomSafeSigned(10.0, 1e-6))
	assert.Equal(t, 1e-6, DenomSafeSigned(1e-9, 1e-6))
	assert.Equal(t, -1e-6, DenomSafeSigned(-1e-9, 1e-6))
	assert.Equal(t, 1e-6, DenomSafeSigned(0.0, 1e-6))
	assert.Equal(t, -10.0, DenomSafeSigned(-10.0, 1e-6))
}

func TestDenomSafeUnsigned(t *testing.T) {
	assert.Equal(t, 10.0, DenomSafeUnsigned(-10.0, 1e-6))
	assert.Equal(t, 1e-6, DenomSafeUnsigned(1e-9, 1e-6))
	assert.Equal(t, 1e-6, DenomSafeUnsigned(0.0, 1e-6))
}

func TestSafeDivide(t *testing.T) {
	assert.Equal(t, 5.0, SafeDivide(10, 2, EpsCalc, 0))
	assert.Equal(t, 0.0, SafeDivide(10, 0, EpsCalc, 0))
	assert.Equal(t, -7.5, SafeDivide(10, math.NaN(), EpsCalc, -7.5))
	// Small nonzero denominator gets the epsilon guard, not the fallback.
	assert.InDelta(t, 10.0/1e-12, SafeDivide(10, 1e-20, 1e-12, 0), 1)
	// Sign of a tiny denominator is preserved.
	assert.True(t, SafeDivide(10, -1e-20, 1e-12, 0) < 0)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, 1.5, Sanitize(1.5, 0))
	assert.Equal(t, 0.0, Sanitize(math.NaN(), 0))
	assert.Equal(t, -1.0, Sanitize(math.Inf(1), -1))
	assert.Equal(t, -1.0, Sanitize(math.Inf(-1), -1))
}

func TestMustFinite(t *testing.T) {
	v, err := MustFinite(2.0, "price")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	_, err = MustFinite(math.NaN(), "price")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price")
}

func TestIsCloseContexts(t *testing.T) {
	assert.True(t, IsCloseCtx(1.0, 1.0+1e-10, CtxStrictUnit))
	assert.False(t, IsCloseCtx(1.0, 1.001, CtxStrictUnit))
	assert.True(t, IsCloseCtx(1.0, 1.00005, CtxIntegrationKPI))
	assert.True(t, IsCloseCtx(50000.0, 50000.0001, CtxPrices))
	assert.True(t, IsCloseCtx(0.55, 0.55+1e-8, CtxMLOutputs))
}

func TestComparisons(t *testing.T) {
	assert.True(t, Less(1.0, 2.0, 1e-9))
	assert.False(t, Less(1.0, 1.0+1e-12, 1e-9))
	assert.True(t, Greater(2.0, 1.0, 1e-9))
	assert.True(t, GreaterOrClose(1.0, 1.0+1e-12, 1e-9))
	assert.True(t, IsZero(1e-13, 1e-12))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 5.0, Clamp(5, 0, 10))
	assert.Equal(t, 0.0, Clamp(-1, 0, 10))
	assert.Equal(t, 10.0, Clamp(15, 0, 10))
	assert.Equal(t, 1.0, Clamp01(1.5))
}

func TestRoundToStep(t *testing.T) {
	assert.InDelta(t, 1.23, RoundToStep(1.23456789, 0.01), 1e-12)
	assert.InDelta(t, 0.999999, RoundToStep(0.999999, 1e-6), 1e-12)
	assert.InDelta(t, 130.0, RoundToStep(125.0, 10.0), 1e-12)
	assert.InDelta(t, -130.0, RoundToStep(-125.0, 10.0), 1e-12)
}

func TestSafeLogReturn(t *testing.T) {
	lr, err := SafeLogReturn(0.005)
	require.NoError(t, err)
	assert.InDelta(t, math.Log1p(0.005), lr, 1e-15)

	lr, err = SafeLogReturn(0.5)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(1.5), lr, 1e-15)

	_, err = SafeLogReturn(-1.0)
	require.Error(t, err)
	var dv *DomainViolationError
	require.ErrorAs(t, err, &dv)
	assert.Equal(t, "safe_log_return", dv.Op)

	_, err = SafeLogReturn(-1 + 1e-9)
	require.Error(t, err)
}

func TestCompoundEquity(t *testing.T) {
	e, err := CompoundEquity(10000, []float64{0.01, -0.005, 0.02})
	require.NoError(t, err)
	assert.InDelta(t, 10000*1.01*0.995*1.02, e, 1e-6)

	_, err = CompoundEquity(10000, []float64{0.01, -1.0})
	require.Error(t, err)

	_, err = CompoundEquity(0, nil)
	require.Error(t, err)
}

func TestVarianceDrag(t *testing.T) {
	// Symmetric ±10% swings: arithmetic mean 0, geometric mean negative.
	vd, err := ComputeVarianceDrag([]float64{0.10, -0.10}, 140, 0.12)
	require.NoError(t, err)
	assert.Greater(t, vd.PerTrade, 0.0)
	assert.True(t, vd.Critical, "annualized drag on 10%% swings should flag critical")

	vd, err = ComputeVarianceDrag([]float64{0.001, -0.001}, 140, 0.12)
	require.NoError(t, err)
	assert.False(t, vd.Critical)

	vd, err = ComputeVarianceDrag(nil, 140, 0.12)
	require.NoError(t, err)
	assert.Zero(t, vd.PerTrade)
}
