package gatekeeper

import (
	"github.com/riskgate/riskgate/internal/corr"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/dqs"
	"github.com/riskgate/riskgate/internal/drp"
	"github.com/riskgate/riskgate/internal/portfolio"
	"github.com/riskgate/riskgate/internal/prices"
	"github.com/riskgate/riskgate/internal/rem"
	"github.com/riskgate/riskgate/internal/sizing"
)

// GateResult is one gate's typed outcome. Gates never return Go errors for
// admission blocks; a block is data, not an exception.
type GateResult struct {
	Gate        string         `json:"gate"`
	Blocked     bool           `json:"blocked"`
	Reason      Reason         `json:"reason,omitempty"`
	RiskMult    float64        `json:"risk_mult"`
	Advisory    bool           `json:"advisory,omitempty"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

func pass(gate string) *GateResult {
	return &GateResult{Gate: gate, RiskMult: 1}
}

func block(gate string, reason Reason) *GateResult {
	return &GateResult{Gate: gate, Blocked: true, Reason: reason, RiskMult: 0}
}

func (g *GateResult) diag(key string, v any) *GateResult {
	if g.Diagnostics == nil {
		g.Diagnostics = make(map[string]any)
	}
	g.Diagnostics[key] = v
	return g
}

// Decision is the admission output: the single source of truth for whether
// the order may be sent and at what size.
type Decision struct {
	Allowed         bool           `json:"allowed"`
	SizeNotional    float64        `json:"size_notional"`
	Qty             float64        `json:"qty"`
	RejectionReason string         `json:"rejection_reason"`
	BlockedAtGate   string         `json:"blocked_at_gate,omitempty"`
	ReservationID   string         `json:"reservation_id,omitempty"`
	SnapshotID      int64          `json:"snapshot_id"`
	ConfigVersion   string         `json:"config_version"`
	GateTrace       []GateResult   `json:"gate_trace"`
	Diagnostics     map[string]any `json:"diagnostics"`
}

// Request is one admission evaluation.
type Request struct {
	MRCRegime      domain.Regime
	MRCProbs       map[domain.Regime]float64
	BaselineRegime domain.Regime
	Signal         *domain.EngineSignal
	MLE            *domain.MLEOutput
	Snapshot       *domain.Snapshot
	ClusterID      string
	OrderType      domain.OrderType
	NowMs          int64

	// Rolling KPI sample for the Kelly cap; nil means KPI-invalid.
	KPI *KPISample
}

// KPISample is the trailing performance sample behind the Kelly cap.
type KPISample struct {
	WinRate float64 `json:"win_rate"`
	AvgRR   float64 `json:"avg_rr"`
	CVRisk  float64 `json:"cv_risk"`
}

// evalContext threads the per-decision state through the chain. Everything
// before gate 14 is size-invariant; qty first appears in sizingRes.
type evalContext struct {
	req *Request

	shadow    bool
	probe     bool
	dqsRes    dqs.Result
	drpTrans  drp.Transition
	drpState  domain.DRPState
	warmup    int

	finalRegime    domain.Regime
	regimeRiskMult float64

	costs     prices.CostModel
	eff       prices.Effective
	unitRisk  float64
	unitRiskBps float64
	costRPre  float64

	evRPrice     float64
	mleDecision  domain.MLEDecision
	mleRiskMult  float64
	costRPost    float64

	liquidityMult float64
	obi           float64
	impactBpsEst  float64

	fundingCostR    float64
	fundingBonusR   float64
	fundingRiskMult float64
	proximityMult   float64
	netYieldR       float64

	basisRiskMult float64

	corrSnap  *corr.Snapshot
	corrFresh bool
	corrStaleMult float64

	remRes    rem.Result
	heatBudget float64

	riskTargetPct float64
	sizingRes     sizing.Result

	reservation *portfolio.Reservation

	trace []GateResult
}

func (c *evalContext) record(r GateResult) { c.trace = append(c.trace, r) }
