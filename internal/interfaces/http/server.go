// Package http serves the diagnostics surface: health, Prometheus metrics,
// the last admission decision, and a live decision stream for shadow
// observers. The diagnostics routes never mutate engine state; the intake
// and reservation routes that AttachEngine registers do.
package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/gatekeeper"
	"github.com/riskgate/riskgate/internal/persistence"
	"github.com/riskgate/riskgate/internal/portfolio"
)

// Server exposes the diagnostics endpoints and, once AttachEngine is
// called, the signal-intake and reservation-ledger routes.
type Server struct {
	router  *mux.Router
	metrics *MetricsRegistry
	writer  *portfolio.Writer
	log     zerolog.Logger

	gk       *gatekeeper.Gatekeeper
	coord    *portfolio.Coordinator
	registry *domain.SnapshotRegistry
	journal  *persistence.Journal
	nowMs    func() int64

	mu           sync.RWMutex
	lastDecision *gatekeeper.Decision

	stream *decisionStream
}

// NewServer wires routes over the writer's live state.
func NewServer(writer *portfolio.Writer, log zerolog.Logger) (*Server, *MetricsRegistry) {
	metrics, registry := NewMetricsRegistry()
	s := &Server{
		router:  mux.NewRouter(),
		metrics: metrics,
		writer:  writer,
		log:     log.With().Str("component", "http").Logger(),
		stream:  newDecisionStream(log),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/decision/last", s.handleLastDecision).Methods(http.MethodGet)
	s.router.HandleFunc("/stream/decisions", s.stream.handleWS).Methods(http.MethodGet)
	return s, metrics
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the router.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("diagnostics server listening")
	return srv.ListenAndServe()
}

// PublishDecision records the decision for /decision/last, updates metrics,
// and fans it out to stream subscribers.
func (s *Server) PublishDecision(dec gatekeeper.Decision, instrument string) {
	s.mu.Lock()
	s.lastDecision = &dec
	s.mu.Unlock()

	allowed := "false"
	if dec.Allowed {
		allowed = "true"
	}
	s.metrics.Decisions.With(prometheus.Labels{"instrument": instrument, "allowed": allowed}).Inc()
	if !dec.Allowed && dec.BlockedAtGate != "" {
		s.metrics.GateBlocks.With(prometheus.Labels{"gate": dec.BlockedAtGate, "reason": dec.RejectionReason}).Inc()
	}
	if ms, ok := dec.Diagnostics["latency_ms"].(int64); ok {
		s.metrics.DecisionLatency.With(prometheus.Labels{"instrument": instrument}).
			Observe(float64(ms) / 1000.0)
	}
	s.metrics.WriterQueue.Set(float64(s.writer.QueueDepth()))

	if s.journal != nil {
		ts := int64(0)
		if s.nowMs != nil {
			ts = s.nowMs()
		}
		s.journal.RecordDecision(persistence.DecisionRecord{
			TsUTCMs:      ts,
			Instrument:   instrument,
			Allowed:      dec.Allowed,
			Reason:       dec.RejectionReason,
			SizeNotional: dec.SizeNotional,
			SnapshotID:   dec.SnapshotID,
			Diagnostics:  dec.Diagnostics,
		})
	}

	s.stream.broadcast(dec)
}

type healthResponse struct {
	Status           string          `json:"status"`
	DRPState         domain.DRPState `json:"drp_state"`
	TradingMode      domain.TradingMode `json:"trading_mode"`
	PortfolioID      int64           `json:"portfolio_id"`
	EquityUSD        float64         `json:"equity_usd"`
	PortfolioRiskPct float64         `json:"portfolio_risk_pct"`
	WriterQueueDepth int64           `json:"writer_queue_depth"`
	Positions        int             `json:"positions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.writer.Current()
	resp := healthResponse{
		Status:           "ok",
		DRPState:         state.States.DRP,
		TradingMode:      state.States.TradingMode,
		PortfolioID:      state.PortfolioID,
		EquityUSD:        state.Equity.USD,
		PortfolioRiskPct: state.Risk.CurrentPortfolioRiskPct,
		WriterQueueDepth: s.writer.QueueDepth(),
		Positions:        len(state.Positions),
	}
	if state.States.DRP != domain.DRPNormal {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLastDecision(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	dec := s.lastDecision
	s.mu.RUnlock()
	if dec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no decisions yet"})
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
