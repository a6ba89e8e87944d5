package config

import "github.com/riskgate/riskgate/internal/prices"

// Default returns the production defaults. These tables are the source of
// truth for tests; a YAML file overlays them.
func Default() *Config {
	return &Config{
		Version: "v1",
		DQS: DQSConfig{
			WeightCritical:            0.75,
			DegradedThreshold:         0.70,
			EmergencyThreshold:        0.40,
			SourcesMin:                0.50,
			XDevBlockBps:              25,
			OracleDevBlockFrac:        0.01,
			OracleStalenessHardMs:     30_000,
			PriceStalenessHardMs:      2_000,
			VolatilityStalenessHardMs: 60_000,
			OrderbookStalenessHardMs:  5_000,
			DerivsStalenessHardMs:     120_000,
			CrossStalenessHardMs:      10_000,
			SourceWeights: map[string]float64{
				"price":     3,
				"orderbook": 2,
				"deriv":     1,
				"cross":     1,
			},
		},
		DRP: DRPConfig{
			WarmupBarsBase:          3,
			WarmupBarsMin:           2,
			WarmupBarsMax:           48,
			RecoveryHoldMinutes:     60,
			FlapWindowMinutesBase:   60,
			FlapWindowMinutesMin:    10,
			FlapWindowMinutesMax:    240,
			FlapToHibernate:         5,
			HibernateMinDurationSec: 3600,
			CrisisEmergencyThresh:   0.80,
		},
		Regime: RegimeConfig{
			MRCHighConfThreshold:     0.70,
			MRCVeryHighConfThreshold: 0.85,
			MRCLowConfThreshold:      0.55,
			ConflictWindowBars:       10,
			ConflictFastATRZ:         2.0,
			ConflictRatioThreshold:   0.60,
			DiagnosticBlockMinutes:   120,
			ProbeMinDepthUSD:         50_000,
			ProbeMaxSpreadBps:        5.0,
			ProbeRiskMult:            0.33,
			NoiseOverrideRiskMult:    0.50,
			NoiseRangeATRZCap:        1.5,
		},
		Signal: SignalConfig{
			HoldingHoursMin: 0.5,
			HoldingHoursMax: 168,
			ProbMassTol:     0.01,
			RRMinProbeAdd:   0.10,
			NetRREpsPrice:   1e-8,
		},
		UnitRisk: UnitRiskConfig{
			MinAbsUSD:  1e-6,
			MinATRMult: 0.02,
		},
		MLE: MLEConfig{
			EVRWeakThreshold:      0.10,
			EVRNormalThreshold:    0.25,
			NetEdgeFloorR:         0.05,
			PNeutralCutoff:        0.60,
			EVNearZeroBand:        0.05,
			RiskMultWeak:          0.5,
			RiskMultNormal:        1.0,
			RiskMultStrong:        1.25,
			BetaBase:              0.95,
			BetaMin:               0.90,
			BetaMax:               0.99,
			CVaRFailR:             -1.35,
			RequiredFeatureSchema: 1,
		},
		Liquidity: LiquidityConfig{
			BidDepthMinUSD:       500_000,
			AskDepthMinUSD:       500_000,
			SpreadMaxSoftBps:     10,
			SpreadMaxHardBps:     25,
			Volume24hMinUSD:      10_000_000,
			ImpactK:              0.10,
			ImpactPow:            0.5,
			ImpactMaxSoftBps:     8,
			ImpactMaxHardBps:     20,
			OBIMaxAbs:            0.80,
			DepthVolatilityCVMax: 0.50,
			SpoofingBlockEnabled: true,
		},
		Glitch: GlitchConfig{
			PriceJumpThresholdPct: 2.0,
			PriceJumpHardPct:      5.0,
			SpikeZScoreThreshold:  3.0,
			SpikeZScoreHard:       5.0,
			MaxOrderbookAgeMs:     5000,
			MaxPriceAgeMs:         1000,
			DRPTriggerZScore:      4.0,
			DRPTriggerJumpPct:     3.5,
		},
		Funding: FundingConfig{
			UnitRiskMinForFunding:   0.0005,
			CostSoftR:               0.10,
			CostBlockR:              0.25,
			MinNetYieldR:            0.05,
			CreditAllowed:           false,
			ProximitySoftSec:        1800,
			ProximityHardSec:        300,
			ProximityPower:          2.0,
			ProximityMultMin:        0.80,
			BlackoutMinutes:         15,
			BlackoutMaxHoldingHours: 12,
			BlackoutCostShareThresh: 0.40,
			BlackoutEVEps:           0.05,
			BlackoutInclusionEpsSec: 2,
			CountSmoothingWidthSec:  60,
			RiskMultSoftPenalty:     0.95,
			RiskMultHardPenalty:     0.85,
		},
		Basis: BasisConfig{
			LevelSoftZ:        2.0,
			LevelHardZ:        3.5,
			LevelSoftMult:     0.85,
			LevelHardMult:     0.50,
			VolSoftZ:          2.0,
			VolHardZ:          3.5,
			VolSoftMult:       0.90,
			VolHardMult:       0.60,
			EventProximitySec: 900,
			EventMult:         0.85,
		},
		Exposure: ExposureConfig{
			MaxCorrelationSoft:  0.70,
			MaxCorrelationHard:  0.85,
			MinExposureRForCorr: 0.01,
			MaxTotalExposureR:   10,
			MaxAssetExposureR:   5,
			MaxSectorExposureR:  3,
			SoftUtilization:     0.80,
			HardUtilization:     0.95,
			MaxPositionsSoft:    8,
			MaxPositionsHard:    10,
			ConcentrationSoft:   0.30,
			ConcentrationHard:   0.40,
			RiskMultPenaltySoft: 0.95,
			RiskMultPenaltyHard: 0.85,
		},
		Bankruptcy: BankruptcyConfig{
			GapFracBase:            0.005,
			GapFracMin:             0.002,
			GapFracMax:             0.05,
			GapHVSensitivity:       0.5,
			GapHVZCap:              3.0,
			MaxGapLossPctEquity:    0.01,
			PortfolioMaxGapLossPct: 0.05,
			LiqBufferFrac:          0.20,
			LeverageMax:            10,
			StressGapTopK:          5,
			StressGapLambdaUnity:   0.95,
			GapUnitRiskEps:         1e-9,
		},
		REM: REMConfig{
			MaxTradeRiskHardCapPct: 0.005,
			DDLadderThresholds:     []float64{0.05, 0.10, 0.15, 0.20},
			DDLadderRiskMax:        []float64{0.004, 0.003, 0.002, 0.001},
			DDSmoothingAlpha:       0.20,
			KellyFraction:          0.50,
			KellyCapMax:            0.004,
			TailLambdaSoft:         0.50,
			TailLambdaHard:         0.90,
			TailLambdaMultMin:      0.40,
			BetaZSoft:              1.5,
			BetaZHard:              3.0,
			CorrZSoft:              0.60,
			CorrZHard:              0.90,
			ReliabilityFloor:       0.30,
			SmoothMultMin:          0.50,
			ADLQuantileSoft:        0.70,
			ADLQuantileHard:        0.95,
			ADLMultMin:             0.30,
			DRPDefensiveMult:       0.50,
			DRPDegradedMult:        0.75,
			MLOpsDegradedMult:      0.50,
			ClusterActiveThreshold: 0.95,
			ClusterActivePower:     1.0,
			StackingPenaltyBase:    0.90,
			MaxPortfolioRiskPct:    0.04,
			MaxClusterRiskPct:      0.02,
			MaxSumAbsRiskPct:       0.06,
			MinRiskFloorPct:        0.0002,
			HibernateTriggerN:      10,
		},
		Heat: HeatConfig{
			MaxAdjustedHeatPct:  0.03,
			SoftFrac:            0.95,
			MinReductionBps:     5,
			BlendMinReliability: 0.40,
			DiscFloorEps:        1e-12,
			DiagEps:             1e-4,
			ForcedBMin:          1e-6,
			HedgeOptMult:        1.0,
			HedgeAbsCapPct:      0.01,
		},
		Sizing: SizingConfig{
			MaxIters:                    25,
			DampingAlpha:                0.7,
			DampingAlphaMin:             0.05,
			NewtonDerivFloor:            1e-9,
			ConvergenceTolFrac:          1e-4,
			LiquidityMinConvergence:     0.20,
			LowLiquidityCapMult:         0.50,
			HighImpactCapMult:           0.50,
			NotConvergedRiskCapMult:     0.50,
			LotStepQty:                  0.001,
			LotRoundingRiskDeviationMax: 0.10,
			AcceptReducedRisk:           true,
		},
		Corr: CorrConfig{
			ShrinkageAlpha:     0.10,
			PSDEigFloor:        1e-6,
			PSDDiagFloor:       1e-6,
			PSDNegEigTol:       1e-8,
			DiagEps:            1e-4,
			MinEigenvalueFloor: 1e-4,
			HighamMaxIters:     50,
			NormalizePasses:    3,
			StressCorrDelta:    0.50,
			StressMode:         "ASYMMETRIC",
			GammaEMAAlpha:      0.20,
			MaxAgeSec:          900,
			StaleMult:          0.50,
			PublishPeriodSec:   60,
		},
		Reservation: ReservationConfig{
			TTLSecMinMaker:          120,
			TTLSecMinTaker:          30,
			TTLSecMinStop:           60,
			RenewalMinPeriodSec:     5,
			HeartbeatPeriodMs:       2000,
			HeartbeatGraceMs:        10_000,
			CommitRetryCount:        3,
			MaxOCCRetries:           5,
			WriterQueueHardCap:      256,
			PassiveFadeHardTimeout:  90,
			HeartbeatLossDRPRepeats: 3,
		},
		Execution: ExecutionConfig{
			MaxAcceptableImpactBps:   25,
			AllowTWAPSlicing:         true,
			PreexecDeadlineMs:        500,
			FillAbandonmentRRFrac:    0.25,
			MinAbandonR:              0.05,
			AbandonThresholdMinBps:   2,
			PassiveFadeTimeoutBase:   60,
			PassiveFadeTimeoutMinSec: 10,
			PassiveFadeTimeoutMaxSec: 120,
			LatencyBudgetP99Ms:       500,
		},
		Snapshot: SnapshotConfig{
			MaxAgeMs: 5_000,
		},
		Costs: prices.CostModel{
			SpreadBps:        2.0,
			FeeEntryBps:      3.0,
			FeeExitBps:       3.0,
			SlippageEntryBps: 1.0,
			SlippageTPBps:    1.0,
			SlippageStopBps:  2.0,
			ImpactEntryBps:   0.5,
			ImpactExitBps:    0.5,
			ImpactStopBps:    1.0,
			StopSlippageMult: 2.0,
		},
	}
}
