package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/gatekeeper"
	"github.com/riskgate/riskgate/internal/persistence"
	"github.com/riskgate/riskgate/internal/portfolio"
)

// EvaluateRequest is the signal-intake payload: everything one admission
// decision needs, in the wire schemas of §3.
type EvaluateRequest struct {
	MRCRegime      domain.Regime             `json:"mrc_regime"`
	MRCProbs       map[domain.Regime]float64 `json:"mrc_probs"`
	BaselineRegime domain.Regime             `json:"baseline_regime"`
	Signal         domain.EngineSignal       `json:"signal"`
	MLE            *domain.MLEOutput         `json:"mle,omitempty"`
	Market         domain.MarketState        `json:"market"`
	ClusterID      string                    `json:"cluster_id"`
	OrderType      domain.OrderType          `json:"order_type"`
	KPI            *gatekeeper.KPISample     `json:"kpi,omitempty"`
}

// AttachEngine wires the evaluation and reservation-ledger routes. Until it
// is called the server is the bare read-only surface.
func (s *Server) AttachEngine(gk *gatekeeper.Gatekeeper, coord *portfolio.Coordinator,
	registry *domain.SnapshotRegistry, nowMs func() int64) {
	s.gk = gk
	s.coord = coord
	s.registry = registry
	s.nowMs = nowMs

	s.router.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	s.router.HandleFunc("/fills", s.handleFill).Methods(http.MethodPost)
	s.router.HandleFunc("/reservations/{id}/heartbeat", s.handleReservation(coord.Heartbeat)).Methods(http.MethodPost)
	s.router.HandleFunc("/reservations/{id}/renew", s.handleReservation(coord.Renew)).Methods(http.MethodPost)
	s.router.HandleFunc("/reservations/{id}/cancel", s.handleReservation(coord.Cancel)).Methods(http.MethodPost)
}

// AttachJournal wires the decision/fill journal into the publish path.
func (s *Server) AttachJournal(j *persistence.Journal) { s.journal = j }

// Observer returns the gatekeeper telemetry observer backed by the metrics
// registry.
func (s *Server) Observer() gatekeeper.Observer { return &metricsObserver{m: s.metrics} }

// ReservationEventHook returns the coordinator lifecycle hook backed by the
// metrics registry.
func (s *Server) ReservationEventHook() func(string) {
	return func(event string) {
		s.metrics.ReservationEvts.With(prometheus.Labels{"event": event}).Inc()
	}
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.gk == nil || s.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not attached"})
		return
	}
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := domain.ValidateSignal(&req.Signal); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := domain.ValidateMarketState(&req.Market); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.OrderType == "" {
		req.OrderType = domain.OrderTaker
	}

	snap, err := s.registry.Publish(&req.Market, s.writer.Current())
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	dec := s.gk.EvaluateEntrySignal(&gatekeeper.Request{
		MRCRegime:      req.MRCRegime,
		MRCProbs:       req.MRCProbs,
		BaselineRegime: req.BaselineRegime,
		Signal:         &req.Signal,
		MLE:            req.MLE,
		Snapshot:       snap,
		ClusterID:      req.ClusterID,
		OrderType:      req.OrderType,
		NowMs:          s.nowMs(),
		KPI:            req.KPI,
	})
	s.PublishDecision(dec, req.Signal.Instrument)
	writeJSON(w, http.StatusOK, dec)
}

// fillRequest is the EXM fill report for the two-phase commit.
type fillRequest struct {
	ReservationID  string  `json:"reservation_id"`
	SnapshotIDUsed int64   `json:"snapshot_id_used"`
	FilledQty      float64 `json:"filled_qty"`
	FillPrice      float64 `json:"fill_price"`
	EntryEffAllin  float64 `json:"entry_eff_allin"`
	SLEffAllin     float64 `json:"sl_eff_allin"`
	UnitRiskAllin  float64 `json:"unit_risk_allin_net"`
	NotionalUSD    float64 `json:"notional_usd"`
	TsMs           int64   `json:"ts_utc_ms"`
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not attached"})
		return
	}
	var req fillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.TsMs == 0 {
		req.TsMs = s.nowMs()
	}

	res, ok := s.coord.Get(req.ReservationID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown reservation"})
		return
	}

	next, err := s.coord.CommitFill(portfolio.Fill{
		ReservationID:  req.ReservationID,
		SnapshotIDUsed: req.SnapshotIDUsed,
		FilledQty:      req.FilledQty,
		FillPrice:      req.FillPrice,
		EntryEffAllin:  req.EntryEffAllin,
		SLEffAllin:     req.SLEffAllin,
		UnitRiskAllin:  req.UnitRiskAllin,
		NotionalUSD:    req.NotionalUSD,
		TsMs:           req.TsMs,
	})
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, portfolio.ErrUnknownReservation) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	if s.journal != nil {
		s.journal.RecordFill(persistence.FillRecord{
			TsUTCMs:       req.TsMs,
			ReservationID: req.ReservationID,
			Instrument:    res.Instrument,
			FilledQty:     req.FilledQty,
			FillPrice:     req.FillPrice,
			RiskAmountUSD: req.FilledQty * req.UnitRiskAllin,
			PortfolioID:   next.PortfolioID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"portfolio_id": next.PortfolioID,
		"positions":    len(next.Positions),
	})
}

func (s *Server) handleReservation(op func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := op(id); err != nil {
			status := http.StatusConflict
			if errors.Is(err, portfolio.ErrUnknownReservation) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// metricsObserver feeds gatekeeper telemetry into the registry.
type metricsObserver struct {
	m *MetricsRegistry
}

func (o *metricsObserver) DRPTransition(from, to domain.DRPState) {
	o.m.DRPTransitions.With(prometheus.Labels{"from": string(from), "to": string(to)}).Inc()
}

func (o *metricsObserver) PortfolioHeat(psd, blend, uniAbs float64) {
	o.m.PortfolioHeat.With(prometheus.Labels{"matrix": "psd"}).Set(psd)
	o.m.PortfolioHeat.With(prometheus.Labels{"matrix": "blend"}).Set(blend)
	o.m.PortfolioHeat.With(prometheus.Labels{"matrix": "uni_abs"}).Set(uniAbs)
}
