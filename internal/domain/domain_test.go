package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSignal() *EngineSignal {
	return &EngineSignal{
		SchemaVersion: "v1",
		Instrument:    "BTC-USDT",
		Engine:        EngineTrend,
		Direction:     Long,
		Levels:        SignalLevels{EntryPrice: 100, StopLoss: 98, TakeProfit: 106},
		Context:       SignalContext{ExpectedHoldingHours: 6, SetupID: "s1"},
		Constraints:   SignalConstraints{RRMinEngine: 1.5, SLMinATRMult: 0.5, SLMaxATRMult: 3},
	}
}

func TestValidateSignal(t *testing.T) {
	require.NoError(t, ValidateSignal(validSignal()))

	s := validSignal()
	s.Levels.StopLoss = 101 // inverted for LONG
	require.Error(t, ValidateSignal(s))

	s = validSignal()
	s.Direction = Short // levels no longer monotone for SHORT
	require.Error(t, ValidateSignal(s))

	s = validSignal()
	s.Instrument = ""
	require.Error(t, ValidateSignal(s))
}

func TestValidateMLEOutput(t *testing.T) {
	m := &MLEOutput{
		SchemaVersion:        "v1",
		ModelID:              "mle-h1",
		ArtifactSHA256:       "a3f1c2d4e5b6978812345678901234567890abcdef0123456789abcdef012345",
		FeatureSchemaVersion: 1,
		Decision:             MLENormal,
		RiskMult:             1,
		PFail:                0.4,
		PNeutral:             0.05,
		PSuccess:             0.55,
	}
	require.NoError(t, ValidateMLEOutput(m, 0.01))

	bad := *m
	bad.PSuccess = 0.70 // mass 1.15
	require.Error(t, ValidateMLEOutput(&bad, 0.01))

	bad = *m
	bad.ArtifactSHA256 = "XYZ"
	require.Error(t, ValidateMLEOutput(&bad, 0.01))
}

func TestLogicalClockMonotone(t *testing.T) {
	var c LogicalClock
	assert.Equal(t, int64(100), c.Tick(100))
	assert.Equal(t, int64(101), c.Tick(50)) // regression still advances
	assert.Equal(t, int64(200), c.Tick(200))
	assert.Equal(t, int64(200), c.Now())
}

func TestSnapshotRegistry(t *testing.T) {
	clock := &LogicalClock{}
	reg := NewSnapshotRegistry(clock, 5000)

	market := &MarketState{TsUTCMs: 1000}
	pstate := &PortfolioState{PortfolioID: 1}

	snap, err := reg.Publish(market, pstate)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.SnapshotID)
	assert.GreaterOrEqual(t, snap.LogicalClockMs, market.TsUTCMs)

	snap2, err := reg.Publish(&MarketState{TsUTCMs: 2000}, pstate)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap2.SnapshotID)
	assert.Same(t, snap2, reg.Current())

	assert.False(t, reg.Stale(snap2, 2000+4999))
	assert.True(t, reg.Stale(snap2, 2000+5001))
	assert.True(t, reg.Stale(nil, 0))

	_, err = reg.Publish(nil, pstate)
	require.Error(t, err)
}

func TestPortfolioClone(t *testing.T) {
	p := &PortfolioState{
		PortfolioID: 3,
		Risk: RiskAggregates{
			CurrentClusterRiskPct: map[string]float64{"majors": 0.01},
		},
		Positions: []Position{{ArenaID: 1, Instrument: "BTC-USDT", Direction: Long, RiskPctEquity: 0.01}},
	}
	cp := p.Clone()
	cp.Positions[0].RiskPctEquity = 0.02
	cp.Risk.CurrentClusterRiskPct["majors"] = 0.05

	assert.Equal(t, 0.01, p.Positions[0].RiskPctEquity)
	assert.Equal(t, 0.01, p.Risk.CurrentClusterRiskPct["majors"])
}

func TestSignedRiskVector(t *testing.T) {
	p := &PortfolioState{Positions: []Position{
		{Instrument: "BTC-USDT", Direction: Long, RiskPctEquity: 0.01},
		{Instrument: "ETH-USDT", Direction: Short, RiskPctEquity: 0.02},
	}}
	instruments, risks := p.SignedRiskVector()
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, instruments)
	assert.Equal(t, []float64{0.01, -0.02}, risks)
}
