package gatekeeper

import (
	"math"
	"sort"

	"github.com/riskgate/riskgate/internal/corr"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/numerics"
	"github.com/riskgate/riskgate/internal/prices"
)

// gate10BasisCorrelation runs both historical readings of this gate: the
// basis-risk multiplier ladder and the correlation/exposure caps. The active
// interpretation is explicit in the diagnostics.
func (gk *Gatekeeper) gate10BasisCorrelation(ctx *evalContext) GateResult {
	req := ctx.req
	der := req.Snapshot.Market.Derivatives
	basisCfg := &gk.cfg.Basis
	expCfg := &gk.cfg.Exposure

	// Pull the correlation snapshot once for gates 10/12/13. A stale or
	// missing snapshot degrades: DEFENSIVE escalation plus the stale risk
	// multiplier, never a silent pass at full size.
	if gk.corrSrc != nil {
		ctx.corrSnap, ctx.corrFresh = gk.corrSrc.Current(req.NowMs)
	}
	if !ctx.corrFresh {
		ctx.corrStaleMult = gk.cfg.Corr.StaleMult
		gk.escalate(domain.DRPDefensive, domain.CauseOther, "correlation snapshot stale")
	}

	// Basis leg.
	levelMult := ladderMult(math.Abs(der.BasisZ), basisCfg.LevelSoftZ, basisCfg.LevelHardZ,
		basisCfg.LevelSoftMult, basisCfg.LevelHardMult)
	volMult := ladderMult(math.Abs(der.BasisVolZ), basisCfg.VolSoftZ, basisCfg.VolHardZ,
		basisCfg.VolSoftMult, basisCfg.VolHardMult)
	eventMult := 1.0
	if der.TimeToNextFundingSec <= basisCfg.EventProximitySec {
		eventMult = basisCfg.EventMult
	}
	ctx.basisRiskMult = math.Min(levelMult, math.Min(volMult, eventMult))

	if levelMult <= basisCfg.LevelHardMult && math.Abs(der.BasisZ) >= basisCfg.LevelHardZ {
		b := block("gate10_basis_correlation", ReasonBasisLevel)
		b.diag("interpretation", "basis_risk")
		b.diag("basis_z", der.BasisZ)
		return *b
	}

	// Correlation/exposure leg over the existing book.
	p := req.Snapshot.Portfolio
	var totalExpR, assetExpR float64
	for _, pos := range p.Positions {
		r := math.Abs(pos.SignedRiskPct()) / numerics.DenomSafeUnsigned(gk.cfg.REM.MaxTradeRiskHardCapPct, numerics.EpsCalc)
		totalExpR += r
		if pos.ClusterID == ctx.req.ClusterID {
			assetExpR += r
		}
	}
	if totalExpR > expCfg.MaxTotalExposureR*expCfg.HardUtilization ||
		assetExpR > expCfg.MaxAssetExposureR*expCfg.HardUtilization ||
		len(p.Positions) >= expCfg.MaxPositionsHard {
		b := block("gate10_basis_correlation", ReasonCorrelationExposure)
		b.diag("interpretation", "correlation_exposure")
		b.diag("total_exposure_r", totalExpR)
		b.diag("asset_exposure_r", assetExpR)
		b.diag("positions", len(p.Positions))
		return *b
	}

	exposureMult := 1.0
	if totalExpR > expCfg.MaxTotalExposureR*expCfg.SoftUtilization ||
		assetExpR > expCfg.MaxAssetExposureR*expCfg.SoftUtilization ||
		len(p.Positions) >= expCfg.MaxPositionsSoft {
		exposureMult = expCfg.RiskMultPenaltySoft
	}

	tailCorr := math.Abs(req.Snapshot.Market.Correlation.TailCorrToBTC)
	corrMult := 1.0
	if tailCorr >= expCfg.MaxCorrelationHard && totalExpR >= expCfg.MinExposureRForCorr {
		b := block("gate10_basis_correlation", ReasonCorrelationExposure)
		b.diag("interpretation", "correlation_exposure")
		b.diag("tail_corr_to_btc", tailCorr)
		return *b
	}
	if tailCorr >= expCfg.MaxCorrelationSoft {
		corrMult = expCfg.RiskMultPenaltyHard
	}

	res := pass("gate10_basis_correlation")
	res.RiskMult = ctx.basisRiskMult * math.Min(exposureMult, corrMult)
	res.diag("basis_risk_mult", ctx.basisRiskMult)
	res.diag("basis_level_mult", levelMult)
	res.diag("basis_vol_mult", volMult)
	res.diag("basis_event_mult", eventMult)
	res.diag("exposure_mult", exposureMult)
	res.diag("corr_mult", corrMult)
	res.diag("total_exposure_r", totalExpR)
	return *res
}

// ladderMult maps |z| to {1, soft, hard} with linear interpolation between
// the soft and hard rungs.
func ladderMult(z, softZ, hardZ, softMult, hardMult float64) float64 {
	switch {
	case z < softZ:
		return 1
	case z >= hardZ:
		return hardMult
	default:
		t := (z - softZ) / numerics.DenomSafeUnsigned(hardZ-softZ, numerics.EpsCalc)
		return softMult + t*(hardMult-softMult)
	}
}

// gate11NetRR recomputes reward/risk on all-in prices; costs must not eat
// the engine's declared edge.
func (gk *Gatekeeper) gate11NetRR(ctx *evalContext) GateResult {
	sig := ctx.req.Signal
	netReward := math.Abs(ctx.eff.TPEffAllin - ctx.eff.EntryEffAllin)
	netRisk := math.Abs(ctx.eff.EntryEffAllin - ctx.eff.SLEffAllin)
	netRR := netReward / math.Max(netRisk, gk.cfg.Signal.NetRREpsPrice)

	required := sig.Constraints.RRMinEngine
	if ctx.probe {
		required += gk.cfg.Signal.RRMinProbeAdd
	}

	if numerics.Less(netRR, required, numerics.AbsTolStrictUnit) {
		b := block("gate11_net_rr", ReasonNetRRBelowMin)
		b.diag("net_rr", netRR)
		return *b.diag("required", required)
	}

	res := pass("gate11_net_rr")
	res.diag("net_rr", netRR)
	res.diag("required", required)
	return *res
}

// gate12Bankruptcy stresses the stop with a volatility-scaled gap and checks
// the single-trade bound, the liquidation buffer, and the portfolio
// stress-gap against the stressed correlation set.
func (gk *Gatekeeper) gate12Bankruptcy(ctx *evalContext) GateResult {
	cfg := &gk.cfg.Bankruptcy
	req := ctx.req
	sig := req.Signal
	vol := req.Snapshot.Market.Volatility

	hv30Z := 1.0
	if vol.HV30Valid && vol.HV30Ref > numerics.EpsCalc {
		hv30Z = vol.HV30 / vol.HV30Ref
	}
	gapFrac := numerics.Clamp(
		cfg.GapFracBase*(1+cfg.GapHVSensitivity*numerics.Clamp(hv30Z-1, 0, cfg.GapHVZCap)),
		cfg.GapFracMin, cfg.GapFracMax)

	slGap := sig.Levels.StopLoss * (1 - gapFrac)
	if sig.Direction == domain.Short {
		slGap = sig.Levels.StopLoss * (1 + gapFrac)
	}
	gapEff, err := prices.Compute(sig.Direction, sig.Levels.EntryPrice, sig.Levels.TakeProfit, slGap, ctx.costs)
	if err != nil {
		// Gap pushed the stop through the entry; treat as max spread.
		return *block("gate12_bankruptcy", ReasonBankruptcySingle).diag("gap_compute", err.Error())
	}
	gapMult := math.Abs(ctx.eff.EntryEffAllin-gapEff.SLEffAllin) /
		math.Max(ctx.unitRisk, cfg.GapUnitRiskEps)

	// Single-trade bound on the worst-case gapped loss.
	riskUpper := gk.cfg.REM.MaxTradeRiskHardCapPct
	singleGapLoss := riskUpper * gapMult
	res := pass("gate12_bankruptcy")
	res.diag("gap_frac", gapFrac)
	res.diag("gap_mult", gapMult)
	res.diag("single_gap_loss_pct", singleGapLoss)

	if numerics.Greater(singleGapLoss, cfg.MaxGapLossPctEquity, numerics.EpsCalc) {
		b := block("gate12_bankruptcy", ReasonBankruptcySingle)
		b.Diagnostics = res.Diagnostics
		return *b
	}

	// Liquidation buffer: the stop must sit well inside the estimated
	// liquidation distance at max leverage.
	liqDist := sig.Levels.EntryPrice / cfg.LeverageMax
	slDist := math.Abs(sig.Levels.EntryPrice - sig.Levels.StopLoss)
	if slDist > (1-cfg.LiqBufferFrac)*liqDist {
		b := block("gate12_bankruptcy", ReasonLiquidationBuffer)
		b.diag("sl_dist", slDist)
		b.diag("liq_dist", liqDist)
		return *b
	}

	// Portfolio stress-gap over S = cluster ∪ top-K ∪ candidate.
	lambda := req.Snapshot.Market.Correlation.LambdaUsed
	gapLoss := gk.portfolioStressGap(ctx, gapMult, lambda)
	res.diag("portfolio_gap_loss_pct", gapLoss)
	if numerics.Greater(gapLoss, cfg.PortfolioMaxGapLossPct, numerics.EpsCalc) {
		b := block("gate12_bankruptcy", ReasonBankruptcyPortfolio)
		b.Diagnostics = res.Diagnostics
		return *b
	}
	return *res
}

// portfolioStressGap builds the stressed subset matrix (missing pairs +1;
// full unity above the lambda threshold) and returns sqrt(Gᵀ C G).
func (gk *Gatekeeper) portfolioStressGap(ctx *evalContext, candGapMult, lambda float64) float64 {
	cfg := &gk.cfg.Bankruptcy
	p := ctx.req.Snapshot.Portfolio

	// Select S: candidate cluster plus top-K positions by risk.
	type member struct {
		instrument string
		gapLoss    float64
	}
	byRisk := append([]domain.Position(nil), p.Positions...)
	sort.Slice(byRisk, func(i, j int) bool { return byRisk[i].RiskPctEquity > byRisk[j].RiskPctEquity })

	seen := map[string]bool{}
	var set []member
	for _, pos := range p.Positions {
		if pos.ClusterID == ctx.req.ClusterID && !seen[pos.Instrument] {
			seen[pos.Instrument] = true
			set = append(set, member{pos.Instrument, pos.RiskPctEquity * candGapMult})
		}
	}
	for i, pos := range byRisk {
		if i >= cfg.StressGapTopK {
			break
		}
		if !seen[pos.Instrument] {
			seen[pos.Instrument] = true
			set = append(set, member{pos.Instrument, pos.RiskPctEquity * candGapMult})
		}
	}
	set = append(set, member{ctx.req.Signal.Instrument, gk.cfg.REM.MaxTradeRiskHardCapPct * candGapMult})

	n := len(set)
	m := corr.NewMatrix(n)
	unity := lambda >= cfg.StressGapLambdaUnity
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if unity {
				m[i][j] = 1
				continue
			}
			// Stressed pairwise value from the snapshot; +1 when unknown.
			m[i][j] = 1
			if ctx.corrSnap != nil {
				ii, jj := ctx.corrSnap.Index(set[i].instrument), ctx.corrSnap.Index(set[j].instrument)
				if ii >= 0 && jj >= 0 {
					m[i][j] = ctx.corrSnap.Stress[ii][jj]
				}
			}
		}
	}
	g := make([]float64, n)
	for i, mem := range set {
		g[i] = mem.gapLoss
	}
	return math.Sqrt(math.Max(m.QuadForm(g), 0))
}
