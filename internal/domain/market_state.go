package domain

// MarketState is the frozen per-instrument market snapshot the pipeline
// evaluates against. The data layer creates a new MarketState on every
// critical field update; consumers never mutate one.
type MarketState struct {
	SchemaVersion string `json:"schema_version" validate:"required"`
	MarketDataID  int64  `json:"market_data_id" validate:"gte=0"`
	Instrument    string `json:"instrument" validate:"required"`
	Timeframe     string `json:"timeframe" validate:"required"`
	TsUTCMs       int64  `json:"ts_utc_ms" validate:"gt=0"`

	Price       PriceBlock       `json:"price"`
	Volatility  VolatilityBlock  `json:"volatility"`
	Liquidity   LiquidityBlock   `json:"liquidity"`
	Derivatives DerivativesBlock `json:"derivatives"`
	Correlation CorrelationBlock `json:"correlation"`
	DataQuality DataQualityBlock `json:"data_quality"`
}

type PriceBlock struct {
	Last     float64 `json:"last" validate:"gt=0"`
	Mid      float64 `json:"mid" validate:"gt=0"`
	Bid      float64 `json:"bid" validate:"gt=0"`
	Ask      float64 `json:"ask" validate:"gt=0"`
	TickSize float64 `json:"tick_size" validate:"gt=0"`
	// Recent last prices, newest first, for spike z-scores.
	Recent []float64 `json:"recent,omitempty"`
	Prev   float64   `json:"prev,omitempty"`
}

type VolatilityBlock struct {
	ATR        float64 `json:"atr" validate:"gte=0"`
	ATRZShort  float64 `json:"atr_z_short"`
	ATRZLong   float64 `json:"atr_z_long"`
	HV30       float64 `json:"hv30,omitempty"`
	HV30Z      float64 `json:"hv30_z,omitempty"`
	HV30Valid  bool    `json:"hv30_valid"`
	HV30Ref    float64 `json:"hv30_ref,omitempty"`
}

type LiquidityBlock struct {
	SpreadBps          float64 `json:"spread_bps" validate:"gte=0"`
	BidDepthUSD        float64 `json:"bid_depth_usd" validate:"gte=0"`
	AskDepthUSD        float64 `json:"ask_depth_usd" validate:"gte=0"`
	Volume24hUSD       float64 `json:"volume_24h_usd" validate:"gte=0"`
	ImpactBpsEst       float64 `json:"impact_bps_est" validate:"gte=0"`
	DepthVolatilityCV  float64 `json:"depth_volatility_cv" validate:"gte=0"`
	OrderbookAgeMs     int64   `json:"orderbook_age_ms" validate:"gte=0"`
	OrderbookUpdateAge int64   `json:"orderbook_last_update_id_age" validate:"gte=0"`
}

type DerivativesBlock struct {
	FundingRate          float64  `json:"funding_rate"`
	FundingRateForecast  float64  `json:"funding_rate_forecast"`
	FundingPeriodHours   float64  `json:"funding_period_hours" validate:"gt=0"`
	TimeToNextFundingSec float64  `json:"time_to_next_funding_sec" validate:"gte=0"`
	OpenInterestUSD      float64  `json:"open_interest_usd" validate:"gte=0"`
	BasisValue           float64  `json:"basis_value"`
	BasisZ               float64  `json:"basis_z"`
	BasisVolZ            float64  `json:"basis_vol_z"`
	ADLRankQuantile      *float64 `json:"adl_rank_quantile,omitempty" validate:"omitempty,gte=0,lte=1"`
}

type CorrelationBlock struct {
	TailReliabilityScore float64 `json:"tail_reliability_score" validate:"gte=0,lte=1"`
	TailCorrToBTC        float64 `json:"tail_corr_to_btc" validate:"gte=-1,lte=1"`
	StressBetaToBTC      float64 `json:"stress_beta_to_btc"`
	LambdaUsed           float64 `json:"lambda_used" validate:"gte=0,lte=1"`
	TailDependenceAlpha  float64 `json:"tail_dependence_alpha,omitempty"`
	MatrixSnapshotID     *int64  `json:"corr_matrix_snapshot_id,omitempty"`
	MatrixAgeSec         float64 `json:"corr_matrix_age_sec" validate:"gte=0"`
	GammaStress          float64 `json:"gamma_s" validate:"gte=0,lte=1"`
}

// DataQualityBlock carries both raw staleness inputs and the DQS evaluator's
// published outputs (the evaluator fills the latter on intake).
type DataQualityBlock struct {
	SuspectedGlitch   bool `json:"suspected_data_glitch"`
	StaleBookGlitch   bool `json:"stale_book_glitch"`
	ToxicFlowSuspect  bool `json:"toxic_flow_suspect"`

	PriceStalenessMs      float64 `json:"price_staleness_ms" validate:"gte=0"`
	VolatilityStalenessMs float64 `json:"volatility_staleness_ms" validate:"gte=0"`
	OrderbookStalenessMs  float64 `json:"orderbook_staleness_ms" validate:"gte=0"`
	DerivsStalenessMs     float64 `json:"derivs_staleness_ms" validate:"gte=0"`
	CrossStalenessMs      float64 `json:"cross_staleness_ms" validate:"gte=0"`

	XDevBps          float64  `json:"xdev_bps" validate:"gte=0"`
	OracleDevFrac    *float64 `json:"oracle_dev_frac,omitempty"`
	OracleStalenessMs float64 `json:"oracle_staleness_ms" validate:"gte=0"`

	DQS            float64 `json:"dqs" validate:"gte=0,lte=1"`
	DQSCritical    float64 `json:"dqs_critical" validate:"gte=0,lte=1"`
	DQSNonCritical float64 `json:"dqs_noncritical" validate:"gte=0,lte=1"`
	DQSSources     float64 `json:"dqs_sources" validate:"gte=0,lte=1"`
	DQSMult        float64 `json:"dqs_mult" validate:"gte=0,lte=1"`
}
