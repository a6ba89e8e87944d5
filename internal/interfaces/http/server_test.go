package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/gatekeeper"
	"github.com/riskgate/riskgate/internal/persistence"
	"github.com/riskgate/riskgate/internal/portfolio"
)

const nowMs = int64(1_700_000_000_000)

type fixture struct {
	srv     *httptest.Server
	server  *Server
	metrics *MetricsRegistry
	coord   *portfolio.Coordinator
	journal *persistence.Journal
	dbmock  sqlmock.Sqlmock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	clock := &domain.LogicalClock{}
	initial := &domain.PortfolioState{
		SchemaVersion: "v1",
		PortfolioID:   1,
		TsUTCMs:       nowMs,
		Equity:        domain.EquityBlock{USD: 10_000, PeakUSD: 10_000},
		States:        domain.StateBlock{DRP: domain.DRPNormal, TradingMode: domain.ModeLive},
	}
	writer := portfolio.NewWriter(initial, clock, &cfg.Reservation, zerolog.Nop())
	coord := portfolio.NewCoordinator(&cfg.Reservation, writer, nil, zerolog.Nop(), func() int64 { return nowMs })
	registry := domain.NewSnapshotRegistry(clock, cfg.Snapshot.MaxAgeMs)

	server, metrics := NewServer(writer, zerolog.Nop())
	coord.SetEventHook(server.ReservationEventHook())

	db, dbmock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	journal := persistence.New(sqlx.NewDb(db, "sqlmock"), 64, zerolog.Nop())
	server.AttachJournal(journal)

	gk := gatekeeper.New(cfg, nil, coord, nil, nil, zerolog.Nop())
	gk.SetObserver(server.Observer())
	server.AttachEngine(gk, coord, registry, func() int64 { return nowMs })

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, server: server, metrics: metrics, coord: coord, journal: journal, dbmock: dbmock}
}

func evaluatePayload() EvaluateRequest {
	return EvaluateRequest{
		MRCRegime:      domain.RegimeTrendUp,
		MRCProbs:       map[domain.Regime]float64{domain.RegimeTrendUp: 0.8},
		BaselineRegime: domain.RegimeTrendUp,
		Signal: domain.EngineSignal{
			SchemaVersion: "v1",
			Instrument:    "BTC-USDT",
			Engine:        domain.EngineTrend,
			Direction:     domain.Long,
			Levels:        domain.SignalLevels{EntryPrice: 100, StopLoss: 98, TakeProfit: 106},
			Context:       domain.SignalContext{ExpectedHoldingHours: 6, SetupID: "trend-pullback"},
			Constraints:   domain.SignalConstraints{RRMinEngine: 1.5, SLMinATRMult: 0.5, SLMaxATRMult: 3},
		},
		MLE: &domain.MLEOutput{
			SchemaVersion:        "v1",
			ModelID:              "mle-h1",
			ArtifactSHA256:       "a3f1c2d4e5b6978812345678901234567890abcdef0123456789abcdef012345",
			FeatureSchemaVersion: 1,
			Decision:             domain.MLENormal,
			RiskMult:             1,
			PFail:                0.40,
			PNeutral:             0.05,
			PSuccess:             0.55,
		},
		Market: domain.MarketState{
			SchemaVersion: "v1",
			MarketDataID:  1,
			Instrument:    "BTC-USDT",
			Timeframe:     "H1",
			TsUTCMs:       nowMs,
			Price: domain.PriceBlock{
				Last: 100, Mid: 100, Bid: 99.9975, Ask: 100.0025, TickSize: 0.01, Prev: 100,
			},
			Volatility: domain.VolatilityBlock{ATR: 1.5, ATRZShort: 1.0},
			Liquidity: domain.LiquidityBlock{
				SpreadBps:    5,
				BidDepthUSD:  2_000_000,
				AskDepthUSD:  2_000_000,
				Volume24hUSD: 50_000_000,
				ImpactBpsEst: 1,
			},
			Derivatives: domain.DerivativesBlock{
				FundingRate:          0.0001,
				FundingPeriodHours:   8,
				TimeToNextFundingSec: 4 * 3600,
			},
			Correlation: domain.CorrelationBlock{
				TailReliabilityScore: 0.9,
				LambdaUsed:           0.2,
			},
		},
		ClusterID: "majors",
		OrderType: domain.OrderTaker,
	}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestEvaluatePublishesDecisionSurfaces(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.srv.URL+"/evaluate", evaluatePayload())
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dec gatekeeper.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dec))
	require.True(t, dec.Allowed, "reason=%s gate=%s", dec.RejectionReason, dec.BlockedAtGate)
	require.NotEmpty(t, dec.ReservationID)

	// /decision/last carries the published decision.
	last, err := http.Get(f.srv.URL + "/decision/last")
	require.NoError(t, err)
	defer last.Body.Close()
	assert.Equal(t, http.StatusOK, last.StatusCode)
	var lastDec gatekeeper.Decision
	require.NoError(t, json.NewDecoder(last.Body).Decode(&lastDec))
	assert.Equal(t, dec.ReservationID, lastDec.ReservationID)

	// Decision and reservation metrics moved.
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("BTC-USDT", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReservationEvts.WithLabelValues("reserved")))
	assert.Greater(t, testutil.ToFloat64(f.metrics.PortfolioHeat.WithLabelValues("psd")), -1.0)

	// The decision was journaled.
	f.dbmock.ExpectExec("INSERT INTO admission_decisions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, f.journal.Flush(context.Background()))
	assert.NoError(t, f.dbmock.ExpectationsWereMet())
}

func TestEvaluateRejectionCountsGateBlock(t *testing.T) {
	f := newFixture(t)

	payload := evaluatePayload()
	payload.Market.DataQuality.PriceStalenessMs = 3000

	resp := postJSON(t, f.srv.URL+"/evaluate", payload)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dec gatekeeper.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dec))
	assert.False(t, dec.Allowed)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("BTC-USDT", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.GateBlocks.WithLabelValues("gate00_warmup_dqs", "dqs_hard_gate_block")))
	// The DQS hard gate drove a DRP transition into EMERGENCY.
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DRPTransitions.WithLabelValues("NORMAL", "EMERGENCY")))
}

func TestFillCommitJournalsAndAdvancesPortfolio(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.srv.URL+"/evaluate", evaluatePayload())
	defer resp.Body.Close()
	var dec gatekeeper.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dec))
	require.True(t, dec.Allowed)

	unitRisk := dec.Diagnostics["unit_risk"].(float64)
	fill := map[string]any{
		"reservation_id":      dec.ReservationID,
		"snapshot_id_used":    dec.SnapshotID,
		"filled_qty":          dec.Qty,
		"fill_price":          100.01,
		"entry_eff_allin":     100.075,
		"sl_eff_allin":        98.04,
		"unit_risk_allin_net": unitRisk,
		"notional_usd":        dec.SizeNotional,
	}
	fillResp := postJSON(t, f.srv.URL+"/fills", fill)
	defer fillResp.Body.Close()
	require.Equal(t, http.StatusOK, fillResp.StatusCode)

	var result map[string]any
	require.NoError(t, json.NewDecoder(fillResp.Body).Decode(&result))
	assert.Equal(t, 2.0, result["portfolio_id"])
	assert.Equal(t, 1.0, result["positions"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReservationEvts.WithLabelValues("committed")))

	// Decision + fill both queued for the journal.
	f.dbmock.ExpectExec("INSERT INTO admission_decisions").WillReturnResult(sqlmock.NewResult(1, 1))
	f.dbmock.ExpectExec("INSERT INTO fill_commits").WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, f.journal.Flush(context.Background()))
	assert.NoError(t, f.dbmock.ExpectationsWereMet())
}

func TestReservationRoutes(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.srv.URL+"/evaluate", evaluatePayload())
	defer resp.Body.Close()
	var dec gatekeeper.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dec))
	require.True(t, dec.Allowed)

	hb := postJSON(t, fmt.Sprintf("%s/reservations/%s/heartbeat", f.srv.URL, dec.ReservationID), nil)
	hb.Body.Close()
	assert.Equal(t, http.StatusOK, hb.StatusCode)

	cancel := postJSON(t, fmt.Sprintf("%s/reservations/%s/cancel", f.srv.URL, dec.ReservationID), nil)
	cancel.Body.Close()
	assert.Equal(t, http.StatusOK, cancel.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReservationEvts.WithLabelValues("cancelled")))

	missing := postJSON(t, f.srv.URL+"/reservations/nope/heartbeat", nil)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealthReflectsWriterState(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "NORMAL", health["drp_state"])
	assert.Equal(t, 1.0, health["portfolio_id"])
}
