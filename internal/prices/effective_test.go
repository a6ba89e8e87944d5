package prices

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskgate/riskgate/internal/domain"
)

func testCosts() CostModel {
	return CostModel{
		SpreadBps:        5,
		FeeEntryBps:      2,
		FeeExitBps:       2,
		SlippageEntryBps: 2,
		SlippageTPBps:    2,
		SlippageStopBps:  2,
		ImpactEntryBps:   1,
		ImpactExitBps:    1,
		ImpactStopBps:    1,
		StopSlippageMult: 2,
	}
}

func TestComputeLongAllIn(t *testing.T) {
	costs := testCosts()
	eff, err := Compute(domain.Long, 100, 106, 98, costs)
	require.NoError(t, err)

	// entry cost = 2.5 + 2 + 1 + 2 = 7.5 bps; tp = 7.5; sl = 2.5 + 4 + 1 + 2 = 9.5.
	assert.InDelta(t, 100*(1+7.5/10000), eff.EntryEffAllin, 1e-9)
	assert.InDelta(t, 106*(1-7.5/10000), eff.TPEffAllin, 1e-9)
	assert.InDelta(t, 98*(1-9.5/10000), eff.SLEffAllin, 1e-9)
	assert.InDelta(t, eff.EntryEffAllin-eff.SLEffAllin, eff.UnitRiskAllinNet, 1e-12)
	// Costs widen the risk beyond the raw 2.00 distance.
	assert.Greater(t, eff.UnitRiskAllinNet, 2.0)
	assert.Less(t, eff.UnitRiskAllinNet, 2.2)
}

func TestComputeShortMirrors(t *testing.T) {
	costs := testCosts()
	long, err := Compute(domain.Long, 100, 106, 98, costs)
	require.NoError(t, err)
	short, err := Compute(domain.Short, 100, 94, 102, costs)
	require.NoError(t, err)

	// SHORT entry is degraded downward, exits upward.
	assert.Less(t, short.EntryEffAllin, 100.0)
	assert.Greater(t, short.TPEffAllin, 94.0)
	assert.Greater(t, short.SLEffAllin, 102.0)
	assert.Greater(t, long.EntryEffAllin, 100.0)
}

func TestComputeRejectsBadLevels(t *testing.T) {
	costs := testCosts()
	_, err := Compute(domain.Long, 100, 98, 96, costs) // tp below entry
	require.Error(t, err)
	_, err = Compute(domain.Short, 100, 104, 106, costs) // tp above entry
	require.Error(t, err)
	_, err = Compute(domain.Long, -1, 106, 98, costs)
	require.Error(t, err)
}

func TestComputeRejectsBadCosts(t *testing.T) {
	costs := testCosts()
	costs.FeeEntryBps = -1
	_, err := Compute(domain.Long, 100, 106, 98, costs)
	require.Error(t, err)

	costs = testCosts()
	costs.StopSlippageMult = 0.5
	_, err = Compute(domain.Long, 100, 106, 98, costs)
	require.Error(t, err)
}

func TestValidateUnitRisk(t *testing.T) {
	require.NoError(t, ValidateUnitRisk(2.0, 1.5, AbsMinUnitRiskUSD, 0.02))
	// Below absolute floor.
	require.Error(t, ValidateUnitRisk(1e-9, 0, AbsMinUnitRiskUSD, 0.02))
	// Below ATR floor: 0.02*100 = 2.0 > 0.5.
	require.Error(t, ValidateUnitRisk(0.5, 100, AbsMinUnitRiskUSD, 0.02))
}

func TestPnLToR(t *testing.T) {
	assert.InDelta(t, -1.0, PnLToR(-50, 50), 1e-12)
	assert.InDelta(t, 2.0, PnLToR(100, 50), 1e-12)
	// Zero risk amount routes through the signed epsilon, not a panic.
	assert.False(t, math.IsInf(PnLToR(10, 0), 0))
}

func TestRoundQtyToLotStep(t *testing.T) {
	assert.InDelta(t, 0.3, RoundQtyToLotStep(0.3499, 0.1), 1e-12)
	// Epsilon compensation: a hair under three steps still counts as three.
	assert.InDelta(t, 0.3, RoundQtyToLotStep(0.2999999999, 0.1), 1e-12)
	assert.InDelta(t, 12.0, RoundQtyToLotStep(12.9, 1.0), 1e-12)
	assert.Equal(t, 5.0, RoundQtyToLotStep(5.0, 0))
}

func TestRoundPriceConservative(t *testing.T) {
	// LONG entry rounds up, sl/tp round down.
	assert.InDelta(t, 100.01, RoundPriceConservative(100.004, 0.01, domain.Long, true), 1e-12)
	assert.InDelta(t, 97.99, RoundPriceConservative(97.996, 0.01, domain.Long, false), 1e-12)
	// SHORT mirror: entry rounds down, exits round up.
	assert.InDelta(t, 100.00, RoundPriceConservative(100.004, 0.01, domain.Short, true), 1e-12)
	assert.InDelta(t, 102.01, RoundPriceConservative(102.004, 0.01, domain.Short, false), 1e-12)
}
