// Package rem computes the sequential risk-multiplier chain behind gate 13.
// The order of application is fixed and authoritative; every step lands in
// the diagnostics so a rejected or shrunken trade names its limiting factor.
package rem

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/numerics"
)

// Inputs carries everything the chain consumes. All values are
// size-invariant; nothing here depends on qty.
type Inputs struct {
	DRP           domain.DRPState
	MLOpsDegraded bool
	ManualHalted  bool

	MLERiskMult float64

	SmoothedDrawdown float64

	KPIValid bool
	WinRate  float64
	AvgRR    float64

	LambdaUsed       float64
	StressBetaZ      float64
	TailCorrZ        float64
	ReliabilityScore float64

	FundingRiskMult      float64
	FundingProximityMult float64
	BasisRiskMult        float64
	ADLRankQuantile      *float64

	LiquidityMult float64
	DQSMult       float64

	ClusterID string
	Portfolio *domain.PortfolioState
}

// Result is the chain's verdict.
type Result struct {
	ShortCircuited bool               `json:"short_circuited"`
	DDRiskMax      float64            `json:"dd_risk_max"`
	KellyFull      float64            `json:"kelly_full"`
	KellyCap       float64            `json:"kelly_cap"`
	BaseRisk       float64            `json:"base_risk"`
	Multipliers    map[string]float64 `json:"multipliers"`
	CombinedMarket float64            `json:"combined_market"`
	CombinedOps    float64            `json:"combined_ops"`
	CombinedTotal  float64            `json:"combined_total"`
	PreCapRisk     float64            `json:"pre_cap_risk"`
	AllowedRiskPct float64            `json:"allowed_risk_pct"`
	LimitingFactor string             `json:"limiting_factor"`
	FloorBreached  bool               `json:"floor_breached"`
}

// Engine evaluates the chain and tracks the consecutive-floor counter that
// can push the DRP into HIBERNATE.
type Engine struct {
	cfg        *config.REMConfig
	log        zerolog.Logger
	floorCount int
}

// New builds an engine.
func New(cfg *config.REMConfig, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, log: log.With().Str("component", "rem").Logger()}
}

// smoothMult is the shared soft→hard transition:
// 1 - (1-multMin)·clip((v-soft)/(hard-soft), 0, 1).
func smoothMult(v, soft, hard, multMin float64) float64 {
	t := numerics.Clamp01((v - soft) / numerics.DenomSafeUnsigned(hard-soft, numerics.EpsCalc))
	return 1 - (1-multMin)*t
}

// ddRiskMax walks the drawdown ladder: the deepest threshold at or below the
// smoothed drawdown decides the cap; beyond the last rung its cap holds.
func (e *Engine) ddRiskMax(ddSmoothed float64) float64 {
	cap := e.cfg.MaxTradeRiskHardCapPct
	for i, thr := range e.cfg.DDLadderThresholds {
		if ddSmoothed >= thr {
			cap = e.cfg.DDLadderRiskMax[i]
		}
	}
	return cap
}

// kellyCap computes clip(kelly_fraction·(WR·RR-(1-WR))/RR, 0, kelly_cap_max).
func (e *Engine) kellyCap(winRate, rr float64) (full, capped float64) {
	full = (winRate*rr - (1 - winRate)) / numerics.DenomSafeUnsigned(rr, numerics.EpsCalc)
	capped = numerics.Clamp(full*e.cfg.KellyFraction, 0, e.cfg.KellyCapMax)
	return full, capped
}

// Evaluate runs the chain in the fixed order.
func (e *Engine) Evaluate(in Inputs) Result {
	cfg := e.cfg
	res := Result{Multipliers: make(map[string]float64, 12)}

	// (1) DRP / halt short-circuit.
	if in.ManualHalted || in.DRP == domain.DRPEmergency || in.DRP == domain.DRPHibernate ||
		in.DRP == domain.DRPRecovery {
		res.ShortCircuited = true
		res.LimitingFactor = "drp_halt"
		return res
	}

	// (2) MLE multiplier. (3) Drawdown ladder. (4) Kelly cap.
	res.Multipliers["mle"] = in.MLERiskMult
	res.DDRiskMax = e.ddRiskMax(in.SmoothedDrawdown)
	kellyCap := cfg.MaxTradeRiskHardCapPct
	if in.KPIValid {
		res.KellyFull, res.KellyCap = e.kellyCap(in.WinRate, in.AvgRR)
		kellyCap = res.KellyCap
	} else {
		res.KellyCap = kellyCap
	}

	// (5) Base risk.
	res.BaseRisk = math.Min(math.Min(res.DDRiskMax, kellyCap), cfg.MaxTradeRiskHardCapPct) * in.MLERiskMult

	// (6)–(12) market and ops multipliers.
	res.Multipliers["tail_lambda"] = smoothMult(in.LambdaUsed, cfg.TailLambdaSoft, cfg.TailLambdaHard, cfg.TailLambdaMultMin)
	betaMult := smoothMult(math.Abs(in.StressBetaZ), cfg.BetaZSoft, cfg.BetaZHard, cfg.SmoothMultMin)
	corrMult := smoothMult(math.Abs(in.TailCorrZ), cfg.CorrZSoft, cfg.CorrZHard, cfg.SmoothMultMin)
	reliabilityMult := 1.0
	if in.ReliabilityScore < cfg.ReliabilityFloor {
		reliabilityMult = cfg.SmoothMultMin
	}
	res.Multipliers["corr_beta"] = math.Min(betaMult, math.Min(corrMult, reliabilityMult))
	res.Multipliers["funding"] = in.FundingRiskMult * in.FundingProximityMult
	res.Multipliers["basis"] = in.BasisRiskMult
	adlMult := 1.0
	if in.ADLRankQuantile != nil {
		adlMult = smoothMult(*in.ADLRankQuantile, cfg.ADLQuantileSoft, cfg.ADLQuantileHard, cfg.ADLMultMin)
	}
	res.Multipliers["adl"] = adlMult
	res.Multipliers["liquidity"] = in.LiquidityMult
	res.Multipliers["dqs"] = in.DQSMult

	// (13) Defensive multiplier from DRP and MLOps state tables.
	drpMult := 1.0
	switch in.DRP {
	case domain.DRPDefensive:
		drpMult = cfg.DRPDefensiveMult
	case domain.DRPDegraded:
		drpMult = cfg.DRPDegradedMult
	}
	mlopsMult := 1.0
	if in.MLOpsDegraded {
		mlopsMult = cfg.MLOpsDegradedMult
	}
	res.Multipliers["defensive"] = math.Min(drpMult, mlopsMult)

	// (14) Sizing multiplier is identity until gate 14 reports back.
	res.Multipliers["sizing"] = 1.0

	// (15) Cluster combination.
	market := []float64{
		res.Multipliers["tail_lambda"],
		res.Multipliers["corr_beta"],
		res.Multipliers["funding"],
		res.Multipliers["basis"],
		res.Multipliers["adl"],
		res.Multipliers["liquidity"],
	}
	ops := []float64{
		res.Multipliers["dqs"],
		res.Multipliers["defensive"],
	}
	res.CombinedMarket = e.combineCluster(market)
	res.CombinedOps = e.combineCluster(ops)
	res.CombinedTotal = 2 * res.CombinedMarket * res.CombinedOps /
		numerics.DenomSafeUnsigned(res.CombinedMarket+res.CombinedOps, numerics.EpsCalc)

	res.PreCapRisk = res.BaseRisk * res.CombinedTotal

	// (16) Portfolio / cluster / gross scalar limits.
	allowed, limiting := e.applyLimits(res.PreCapRisk, in)
	res.AllowedRiskPct = allowed
	res.LimitingFactor = limiting

	// (17) Risk floor: persistent sub-floor admissions signal HIBERNATE.
	if res.AllowedRiskPct < cfg.MinRiskFloorPct {
		e.floorCount++
		if e.floorCount >= cfg.HibernateTriggerN {
			res.FloorBreached = true
			e.log.Warn().
				Int("consecutive", e.floorCount).
				Float64("allowed_risk_pct", res.AllowedRiskPct).
				Msg("allowed risk below floor; hibernate trigger")
		}
	} else {
		e.floorCount = 0
	}
	return res
}

// combineCluster applies the stacking penalty: several simultaneously active
// multipliers within a cluster compound slightly beyond their minimum.
func (e *Engine) combineCluster(mults []float64) float64 {
	cfg := e.cfg
	if len(mults) == 0 {
		return 1
	}
	minMult := 1.0
	var effective float64
	for _, m := range mults {
		if m < minMult {
			minMult = m
		}
		strength := numerics.Clamp01(math.Pow(
			(1-m)/numerics.DenomSafeUnsigned(1-cfg.ClusterActiveThreshold, numerics.EpsCalc),
			cfg.ClusterActivePower))
		effective += strength
	}
	if effective <= 1 {
		return minMult
	}
	return minMult * math.Pow(cfg.StackingPenaltyBase, effective-1)
}

// applyLimits clips the candidate risk to the remaining portfolio, cluster,
// and gross budgets.
func (e *Engine) applyLimits(risk float64, in Inputs) (float64, string) {
	cfg := e.cfg
	limiting := ""
	if in.Portfolio != nil {
		p := in.Portfolio.Risk
		remPortfolio := cfg.MaxPortfolioRiskPct - p.CurrentPortfolioRiskPct - p.ReservedPortfolioRiskPct
		remCluster := cfg.MaxClusterRiskPct
		if in.ClusterID != "" {
			remCluster -= in.Portfolio.ClusterRiskPct(in.ClusterID)
			if p.ReservedClusterRiskPct != nil {
				remCluster -= p.ReservedClusterRiskPct[in.ClusterID]
			}
		}
		remGross := cfg.MaxSumAbsRiskPct - p.SumAbsRiskPct - p.ReservedHeatUpperBound

		for _, lim := range []struct {
			name string
			rem  float64
		}{
			{"portfolio_limit", remPortfolio},
			{"cluster_limit", remCluster},
			{"gross_limit", remGross},
		} {
			if risk > lim.rem {
				risk = lim.rem
				limiting = lim.name
			}
		}
	}
	if risk < 0 {
		risk = 0
	}
	return risk, limiting
}

// ResetFloorCounter clears the consecutive-floor state (used after HIBERNATE
// release).
func (e *Engine) ResetFloorCounter() { e.floorCount = 0 }
