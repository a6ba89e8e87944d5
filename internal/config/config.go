// Package config loads and freezes the engine configuration. One Config
// value is built at startup (or per hot-reload, with a new version string)
// and carried by pointer into every gate; nothing mutates it afterwards.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/riskgate/riskgate/internal/prices"
)

// Config is the process-wide immutable parameter set.
type Config struct {
	Version string `yaml:"config_version"`

	DQS         DQSConfig         `yaml:"dqs"`
	DRP         DRPConfig         `yaml:"drp"`
	Regime      RegimeConfig      `yaml:"regime"`
	Signal      SignalConfig      `yaml:"signal"`
	UnitRisk    UnitRiskConfig    `yaml:"unit_risk"`
	MLE         MLEConfig         `yaml:"mle"`
	Liquidity   LiquidityConfig   `yaml:"liquidity"`
	Glitch      GlitchConfig      `yaml:"glitch"`
	Funding     FundingConfig     `yaml:"funding"`
	Basis       BasisConfig       `yaml:"basis"`
	Exposure    ExposureConfig    `yaml:"exposure"`
	Bankruptcy  BankruptcyConfig  `yaml:"bankruptcy"`
	REM         REMConfig         `yaml:"rem"`
	Heat        HeatConfig        `yaml:"heat"`
	Sizing      SizingConfig      `yaml:"sizing"`
	Corr        CorrConfig        `yaml:"correlation"`
	Reservation ReservationConfig `yaml:"reservation"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Costs       prices.CostModel  `yaml:"costs"`
}

type DQSConfig struct {
	WeightCritical        float64 `yaml:"weight_critical"`
	DegradedThreshold     float64 `yaml:"degraded_threshold"`
	EmergencyThreshold    float64 `yaml:"emergency_threshold"`
	SourcesMin            float64 `yaml:"sources_min"`
	XDevBlockBps          float64 `yaml:"xdev_block_bps"`
	OracleDevBlockFrac    float64 `yaml:"oracle_dev_block_frac"`
	OracleStalenessHardMs float64 `yaml:"oracle_staleness_hard_ms"`

	PriceStalenessHardMs      float64 `yaml:"price_staleness_hard_ms"`
	VolatilityStalenessHardMs float64 `yaml:"volatility_staleness_hard_ms"`
	OrderbookStalenessHardMs  float64 `yaml:"orderbook_staleness_hard_ms"`
	DerivsStalenessHardMs     float64 `yaml:"derivs_staleness_hard_ms"`
	CrossStalenessHardMs      float64 `yaml:"cross_staleness_hard_ms"`

	SourceWeights map[string]float64 `yaml:"source_weights"`
}

type DRPConfig struct {
	WarmupBarsBase          int     `yaml:"warmup_bars_base"`
	WarmupBarsMin           int     `yaml:"warmup_bars_min"`
	WarmupBarsMax           int     `yaml:"warmup_bars_max"`
	RecoveryHoldMinutes     float64 `yaml:"recovery_hold_minutes"`
	FlapWindowMinutesBase   float64 `yaml:"flap_window_minutes_base"`
	FlapWindowMinutesMin    float64 `yaml:"flap_window_minutes_min"`
	FlapWindowMinutesMax    float64 `yaml:"flap_window_minutes_max"`
	FlapToHibernate         int     `yaml:"flap_to_hibernate_threshold"`
	HibernateMinDurationSec float64 `yaml:"hibernate_min_duration_sec"`
	CrisisEmergencyThresh   float64 `yaml:"crisis_emergency_threshold"`
}

type RegimeConfig struct {
	MRCHighConfThreshold     float64 `yaml:"mrc_high_conf_threshold"`
	MRCVeryHighConfThreshold float64 `yaml:"mrc_very_high_conf_threshold"`
	MRCLowConfThreshold      float64 `yaml:"mrc_low_conf_threshold"`
	ConflictWindowBars       int     `yaml:"conflict_window_bars"`
	ConflictFastATRZ         float64 `yaml:"conflict_fast_atr_z"`
	ConflictRatioThreshold   float64 `yaml:"conflict_ratio_threshold"`
	DiagnosticBlockMinutes   int     `yaml:"diagnostic_block_minutes"`
	ProbeMinDepthUSD         float64 `yaml:"probe_min_depth_usd"`
	ProbeMaxSpreadBps        float64 `yaml:"probe_max_spread_bps"`
	ProbeRiskMult            float64 `yaml:"probe_risk_mult"`
	NoiseOverrideRiskMult    float64 `yaml:"noise_override_risk_mult"`
	NoiseRangeATRZCap        float64 `yaml:"noise_range_atr_z_cap"`
}

type SignalConfig struct {
	HoldingHoursMin float64 `yaml:"holding_hours_min"`
	HoldingHoursMax float64 `yaml:"holding_hours_max"`
	ProbMassTol     float64 `yaml:"prob_mass_tol"`
	RRMinProbeAdd   float64 `yaml:"rr_min_probe_add"`
	NetRREpsPrice   float64 `yaml:"net_rr_eps_price"`
}

type UnitRiskConfig struct {
	MinAbsUSD  float64 `yaml:"min_abs_usd"`
	MinATRMult float64 `yaml:"min_atr_mult"`
}

type MLEConfig struct {
	EVRWeakThreshold      float64 `yaml:"ev_r_weak_threshold"`   // e1
	EVRNormalThreshold    float64 `yaml:"ev_r_normal_threshold"` // e2
	NetEdgeFloorR         float64 `yaml:"net_edge_floor_r"`
	PNeutralCutoff        float64 `yaml:"p_neutral_cutoff"`
	EVNearZeroBand        float64 `yaml:"ev_near_zero_band"`
	RiskMultWeak          float64 `yaml:"risk_mult_weak"`
	RiskMultNormal        float64 `yaml:"risk_mult_normal"`
	RiskMultStrong        float64 `yaml:"risk_mult_strong"`
	BetaBase              float64 `yaml:"cvar_beta_base"`
	BetaMin               float64 `yaml:"cvar_beta_min"`
	BetaMax               float64 `yaml:"cvar_beta_max"`
	CVaRFailR             float64 `yaml:"cvar_fail_r"`
	RequiredFeatureSchema int     `yaml:"required_feature_schema_version"`
}

type LiquidityConfig struct {
	BidDepthMinUSD       float64 `yaml:"bid_depth_min_usd"`
	AskDepthMinUSD       float64 `yaml:"ask_depth_min_usd"`
	SpreadMaxSoftBps     float64 `yaml:"spread_max_soft_bps"`
	SpreadMaxHardBps     float64 `yaml:"spread_max_hard_bps"`
	Volume24hMinUSD      float64 `yaml:"volume_24h_min_usd"`
	ImpactK              float64 `yaml:"impact_k"`
	ImpactPow            float64 `yaml:"impact_pow"`
	ImpactMaxSoftBps     float64 `yaml:"impact_max_soft_bps"`
	ImpactMaxHardBps     float64 `yaml:"impact_max_hard_bps"`
	OBIMaxAbs            float64 `yaml:"obi_max_abs"`
	DepthVolatilityCVMax float64 `yaml:"depth_volatility_cv_max"`
	SpoofingBlockEnabled bool    `yaml:"spoofing_block_enabled"`
}

type GlitchConfig struct {
	PriceJumpThresholdPct   float64 `yaml:"price_jump_threshold_pct"`
	PriceJumpHardPct        float64 `yaml:"price_jump_hard_pct"`
	SpikeZScoreThreshold    float64 `yaml:"price_spike_zscore_threshold"`
	SpikeZScoreHard         float64 `yaml:"price_spike_zscore_hard"`
	MaxOrderbookAgeMs       int64   `yaml:"max_orderbook_age_ms"`
	MaxPriceAgeMs           int64   `yaml:"max_price_age_ms"`
	DRPTriggerZScore        float64 `yaml:"drp_trigger_zscore"`
	DRPTriggerJumpPct       float64 `yaml:"drp_trigger_jump_pct"`
}

type FundingConfig struct {
	UnitRiskMinForFunding   float64 `yaml:"unit_risk_min_for_funding"`
	CostSoftR               float64 `yaml:"cost_soft_r"`
	CostBlockR              float64 `yaml:"cost_block_r"`
	MinNetYieldR            float64 `yaml:"min_net_yield_r"`
	CreditAllowed           bool    `yaml:"credit_allowed"`
	ProximitySoftSec        float64 `yaml:"proximity_soft_sec"`
	ProximityHardSec        float64 `yaml:"proximity_hard_sec"`
	ProximityPower          float64 `yaml:"proximity_power"`
	ProximityMultMin        float64 `yaml:"proximity_mult_min"`
	BlackoutMinutes         float64 `yaml:"blackout_minutes"`
	BlackoutMaxHoldingHours float64 `yaml:"blackout_max_holding_hours"`
	BlackoutCostShareThresh float64 `yaml:"blackout_cost_share_threshold"`
	BlackoutEVEps           float64 `yaml:"blackout_ev_eps"`
	BlackoutInclusionEpsSec float64 `yaml:"blackout_inclusion_eps_sec"`
	CountSmoothingWidthSec  float64 `yaml:"count_smoothing_width_sec"`
	RiskMultSoftPenalty     float64 `yaml:"risk_mult_soft_penalty"`
	RiskMultHardPenalty     float64 `yaml:"risk_mult_hard_penalty"`
}

type BasisConfig struct {
	LevelSoftZ        float64 `yaml:"level_soft_z"`
	LevelHardZ        float64 `yaml:"level_hard_z"`
	LevelSoftMult     float64 `yaml:"level_soft_mult"`
	LevelHardMult     float64 `yaml:"level_hard_mult"`
	VolSoftZ          float64 `yaml:"vol_soft_z"`
	VolHardZ          float64 `yaml:"vol_hard_z"`
	VolSoftMult       float64 `yaml:"vol_soft_mult"`
	VolHardMult       float64 `yaml:"vol_hard_mult"`
	EventProximitySec float64 `yaml:"event_proximity_sec"`
	EventMult         float64 `yaml:"event_mult"`
}

type ExposureConfig struct {
	MaxCorrelationSoft    float64 `yaml:"max_correlation_soft"`
	MaxCorrelationHard    float64 `yaml:"max_correlation_hard"`
	MinExposureRForCorr   float64 `yaml:"min_exposure_r_for_correlation"`
	MaxTotalExposureR     float64 `yaml:"max_total_exposure_r"`
	MaxAssetExposureR     float64 `yaml:"max_asset_exposure_r"`
	MaxSectorExposureR    float64 `yaml:"max_sector_exposure_r"`
	SoftUtilization       float64 `yaml:"soft_utilization"`
	HardUtilization       float64 `yaml:"hard_utilization"`
	MaxPositionsSoft      int     `yaml:"max_positions_soft"`
	MaxPositionsHard      int     `yaml:"max_positions_hard"`
	ConcentrationSoft     float64 `yaml:"concentration_soft"`
	ConcentrationHard     float64 `yaml:"concentration_hard"`
	RiskMultPenaltySoft   float64 `yaml:"risk_mult_penalty_soft"`
	RiskMultPenaltyHard   float64 `yaml:"risk_mult_penalty_hard"`
}

type BankruptcyConfig struct {
	GapFracBase              float64 `yaml:"gap_frac_base"`
	GapFracMin               float64 `yaml:"gap_frac_min"`
	GapFracMax               float64 `yaml:"gap_frac_max"`
	GapHVSensitivity         float64 `yaml:"gap_hv_sensitivity"`
	GapHVZCap                float64 `yaml:"gap_hv_z_cap"`
	MaxGapLossPctEquity      float64 `yaml:"max_gap_loss_pct_equity"`
	PortfolioMaxGapLossPct   float64 `yaml:"portfolio_max_gap_loss_pct_equity"`
	LiqBufferFrac            float64 `yaml:"liq_buffer_frac"`
	LeverageMax              float64 `yaml:"leverage_max"`
	StressGapTopK            int     `yaml:"stress_gap_top_k"`
	StressGapLambdaUnity     float64 `yaml:"stress_gap_lambda_unity_threshold"`
	GapUnitRiskEps           float64 `yaml:"gap_unit_risk_eps"`
}

type REMConfig struct {
	MaxTradeRiskHardCapPct float64   `yaml:"max_trade_risk_hard_cap_pct"`
	DDLadderThresholds     []float64 `yaml:"dd_ladder_thresholds"`
	DDLadderRiskMax        []float64 `yaml:"dd_ladder_risk_max"`
	DDSmoothingAlpha       float64   `yaml:"dd_smoothing_alpha"`
	KellyFraction          float64   `yaml:"kelly_fraction"`
	KellyCapMax            float64   `yaml:"kelly_cap_max"`
	TailLambdaSoft         float64   `yaml:"tail_lambda_soft"`
	TailLambdaHard         float64   `yaml:"tail_lambda_hard"`
	TailLambdaMultMin      float64   `yaml:"tail_lambda_mult_min"`
	BetaZSoft              float64   `yaml:"beta_z_soft"`
	BetaZHard              float64   `yaml:"beta_z_hard"`
	CorrZSoft              float64   `yaml:"corr_z_soft"`
	CorrZHard              float64   `yaml:"corr_z_hard"`
	ReliabilityFloor       float64   `yaml:"reliability_floor"`
	SmoothMultMin          float64   `yaml:"smooth_mult_min"`
	ADLQuantileSoft        float64   `yaml:"adl_quantile_soft"`
	ADLQuantileHard        float64   `yaml:"adl_quantile_hard"`
	ADLMultMin             float64   `yaml:"adl_mult_min"`
	DRPDefensiveMult       float64   `yaml:"drp_defensive_mult"`
	DRPDegradedMult        float64   `yaml:"drp_degraded_mult"`
	MLOpsDegradedMult      float64   `yaml:"mlops_degraded_mult"`
	ClusterActiveThreshold float64   `yaml:"cluster_active_threshold"`
	ClusterActivePower     float64   `yaml:"cluster_active_power"`
	StackingPenaltyBase    float64   `yaml:"stacking_penalty_base"`
	MaxPortfolioRiskPct    float64   `yaml:"max_portfolio_risk_pct"`
	MaxClusterRiskPct      float64   `yaml:"max_cluster_risk_pct"`
	MaxSumAbsRiskPct       float64   `yaml:"max_sum_abs_risk_pct"`
	MinRiskFloorPct        float64   `yaml:"min_risk_floor_pct"`
	HibernateTriggerN      int       `yaml:"hibernate_trigger_n"`
}

type HeatConfig struct {
	MaxAdjustedHeatPct    float64 `yaml:"max_adjusted_heat_pct"`
	SoftFrac              float64 `yaml:"soft_frac"`
	MinReductionBps       float64 `yaml:"min_reduction_bps"`
	BlendMinReliability   float64 `yaml:"blend_min_reliability"`
	DiscFloorEps          float64 `yaml:"disc_floor_eps"`
	DiagEps               float64 `yaml:"diag_eps"`
	ForcedBMin            float64 `yaml:"forced_b_min"`
	HedgeOptMult          float64 `yaml:"hedge_opt_mult"`
	HedgeAbsCapPct        float64 `yaml:"hedge_abs_cap_pct"`
}

type SizingConfig struct {
	MaxIters                    int     `yaml:"max_iters"`
	DampingAlpha                float64 `yaml:"damping_alpha"`
	DampingAlphaMin             float64 `yaml:"damping_alpha_min"`
	NewtonDerivFloor            float64 `yaml:"newton_deriv_floor"`
	ConvergenceTolFrac          float64 `yaml:"convergence_tol_frac"`
	LiquidityMinConvergence     float64 `yaml:"liquidity_min_convergence_threshold"`
	LowLiquidityCapMult         float64 `yaml:"low_liquidity_cap_mult"`
	HighImpactCapMult           float64 `yaml:"high_impact_cap_mult"`
	NotConvergedRiskCapMult     float64 `yaml:"not_converged_risk_cap_mult"`
	LotStepQty                  float64 `yaml:"lot_step_qty"`
	LotRoundingRiskDeviationMax float64 `yaml:"lot_rounding_risk_deviation_threshold"`
	AcceptReducedRisk           bool    `yaml:"accept_reduced_risk"`
}

type CorrConfig struct {
	ShrinkageAlpha        float64 `yaml:"shrinkage_alpha"`
	PSDEigFloor           float64 `yaml:"psd_eig_floor"`
	PSDDiagFloor          float64 `yaml:"psd_diag_floor"`
	PSDNegEigTol          float64 `yaml:"psd_neg_eig_tol"`
	DiagEps               float64 `yaml:"diag_eps"`
	MinEigenvalueFloor    float64 `yaml:"min_eigenvalue_floor"`
	HighamMaxIters        int     `yaml:"higham_max_iters"`
	NormalizePasses       int     `yaml:"normalize_passes"`
	StressCorrDelta       float64 `yaml:"stress_corr_delta"`
	StressMode            string  `yaml:"stress_mode"` // BREAK_HEDGES | PRESERVE_SIGN | ASYMMETRIC
	GammaEMAAlpha         float64 `yaml:"gamma_ema_alpha"`
	MaxAgeSec             float64 `yaml:"max_age_sec"`
	StaleMult             float64 `yaml:"stale_mult"`
	PublishPeriodSec      float64 `yaml:"publish_period_sec"`
}

type ReservationConfig struct {
	TTLSecMinMaker          float64 `yaml:"ttl_sec_min_maker"`
	TTLSecMinTaker          float64 `yaml:"ttl_sec_min_taker"`
	TTLSecMinStop           float64 `yaml:"ttl_sec_min_stop"`
	RenewalMinPeriodSec     float64 `yaml:"renewal_min_period_sec"`
	HeartbeatPeriodMs       int64   `yaml:"heartbeat_period_ms"`
	HeartbeatGraceMs        int64   `yaml:"heartbeat_grace_ms"`
	CommitRetryCount        int     `yaml:"commit_retry_count"`
	MaxOCCRetries           int     `yaml:"max_occ_retries"`
	WriterQueueHardCap      int     `yaml:"writer_queue_hard_cap"`
	PassiveFadeHardTimeout  float64 `yaml:"passive_fade_hard_timeout_sec"`
	HeartbeatLossDRPRepeats int     `yaml:"heartbeat_loss_drp_repeats"`
}

type ExecutionConfig struct {
	MaxAcceptableImpactBps   float64 `yaml:"max_acceptable_impact_bps"`
	AllowTWAPSlicing         bool    `yaml:"allow_twap_slicing"`
	PreexecDeadlineMs        int64   `yaml:"preexec_validation_deadline_ms"`
	FillAbandonmentRRFrac    float64 `yaml:"fill_abandonment_rr_frac"`
	MinAbandonR              float64 `yaml:"min_abandon_r"`
	AbandonThresholdMinBps   float64 `yaml:"abandon_threshold_min_bps"`
	PassiveFadeTimeoutBase   float64 `yaml:"passive_fade_timeout_base_sec"`
	PassiveFadeTimeoutMinSec float64 `yaml:"passive_fade_timeout_min_sec"`
	PassiveFadeTimeoutMaxSec float64 `yaml:"passive_fade_timeout_max_sec"`
	LatencyBudgetP99Ms       int64   `yaml:"gatekeeper_latency_budget_p99_ms"`
}

type SnapshotConfig struct {
	MaxAgeMs int64 `yaml:"max_age_ms"`
}

// Load reads YAML from path over the defaults; absent keys keep defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants that the defaults tables promise.
func (c *Config) Validate() error {
	if c.DQS.EmergencyThreshold >= c.DQS.DegradedThreshold {
		return fmt.Errorf("dqs emergency threshold %v must be below degraded threshold %v",
			c.DQS.EmergencyThreshold, c.DQS.DegradedThreshold)
	}
	if c.Liquidity.SpreadMaxSoftBps >= c.Liquidity.SpreadMaxHardBps {
		return fmt.Errorf("spread soft bound must be below hard bound")
	}
	if c.Funding.ProximityHardSec >= c.Funding.ProximitySoftSec {
		return fmt.Errorf("funding proximity hard boundary must be inside soft boundary")
	}
	if len(c.REM.DDLadderThresholds) != len(c.REM.DDLadderRiskMax) {
		return fmt.Errorf("dd ladder thresholds and risk maxima must align")
	}
	if c.Heat.SoftFrac <= 0 || c.Heat.SoftFrac > 1 {
		return fmt.Errorf("heat soft_frac must be in (0, 1]")
	}
	if c.REM.MaxTradeRiskHardCapPct > c.Heat.MaxAdjustedHeatPct {
		return fmt.Errorf("max trade risk cap %v exceeds heat limit %v",
			c.REM.MaxTradeRiskHardCapPct, c.Heat.MaxAdjustedHeatPct)
	}
	return nil
}
