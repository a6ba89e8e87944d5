package gatekeeper

// Reason is a stable rejection reason code. Codes are part of the admission
// contract and never change meaning between releases.
type Reason string

const (
	ReasonNone Reason = ""

	// Gate 0
	ReasonDQSHardGate     Reason = "dqs_hard_gate_block"
	ReasonOracleSanity    Reason = "oracle_sanity_block"
	ReasonStaleBookGlitch Reason = "stale_book_glitch_block"
	ReasonDRPBlock        Reason = "drp_state_block"
	ReasonSnapshotStale   Reason = "stale_snapshot_block"

	// Gate 1
	ReasonManualHalt  Reason = "manual_halt_block"
	ReasonTradingMode Reason = "trading_mode_block"
	ReasonShadowMode  Reason = "shadow_mode_no_trade"

	// Gates 2–3
	ReasonMRCConflict        Reason = "mrc_conflict_block"
	ReasonRegimeIncompatible Reason = "regime_incompatible_block"

	// Gates 4–5
	ReasonSignalSanity       Reason = "signal_sanity_block"
	ReasonUnitRiskTooSmall   Reason = "unit_risk_too_small_block"
	ReasonUnitRiskBelowATR   Reason = "unit_risk_below_min_atr_block"
	ReasonFeatureSchema      Reason = "feature_schema_incompatible_block"

	// Gate 6
	ReasonMLEReject    Reason = "mle_reject"
	ReasonNetEdgeFloor Reason = "net_edge_below_floor"

	// Gates 7–8
	ReasonLiquidityHard Reason = "liquidity_hard_block"
	ReasonSpoofing      Reason = "spoofing_suspected_block"
	ReasonGapGlitch     Reason = "gap_glitch_block"

	// Gate 9
	ReasonFundingCost     Reason = "funding_cost_block"
	ReasonFundingNetYield Reason = "funding_net_yield_block"
	ReasonFundingBlackout Reason = "funding_blackout_block"

	// Gate 10
	ReasonBasisLevel          Reason = "basis_level_block"
	ReasonCorrelationExposure Reason = "correlation_exposure_block"

	// Gate 11
	ReasonNetRRBelowMin Reason = "net_rr_below_min"

	// Gate 12
	ReasonBankruptcySingle    Reason = "bankruptcy_gap_block_single"
	ReasonBankruptcyPortfolio Reason = "bankruptcy_portfolio_stress_block"
	ReasonLiquidationBuffer   Reason = "liquidation_buffer_block"

	// Gate 13 / heat
	ReasonHeatHard          Reason = "heat_hard_violation"
	ReasonHeatSoftIncrease  Reason = "heat_soft_block_increase"
	ReasonForcedHedgeWeak   Reason = "forced_hedge_not_effective_block"
	ReasonRiskFloor         Reason = "risk_floor_block"

	// Gates 14–15
	ReasonSizingNotConverged Reason = "sizing_not_converged_block"
	ReasonSizingInfeasible   Reason = "sizing_infeasible_block"
	ReasonImpactHard         Reason = "impact_hard_block"
	ReasonLotRounding        Reason = "lot_rounding_risk_deviation_block"

	// Gates 16–17
	ReasonWriterOverload     Reason = "portfolio_writer_overload_block"
	ReasonReservationConflict Reason = "reservation_conflict"
	ReasonStalePortfolio     Reason = "stale_portfolio_snapshot"
	ReasonPreexecTimeout     Reason = "preexec_validation_timeout"
	ReasonOrphanSweep        Reason = "orphan_sweep_in_progress_block"

	// Pipeline edge
	ReasonDomainViolation Reason = "numerical_domain_violation"
)
