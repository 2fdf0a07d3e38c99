// Package control implements the control surface of spec §6: the
// request/response operations an operator or orchestration layer uses to
// inspect and steer the risk control plane — GetRiskStatus, GetPositions,
// GetPnL, GetAlerts, AckAlert, EmergencyHalt, ResumeTrading, and
// UpdateRiskLimits. Transport is JSON-over-HTTP via
// julienschmidt/httprouter, the router go-ethereum's own RPC HTTP server
// uses; handlers are thin and delegate straight to the existing component
// methods (position.Engine, risk.Evaluator, alert.Queue, monitor.Controller).
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/blackholedex/riskctl/internal/alert"
	"github.com/blackholedex/riskctl/internal/config"
	"github.com/blackholedex/riskctl/internal/monitor"
	"github.com/blackholedex/riskctl/internal/position"
	"github.com/blackholedex/riskctl/internal/risk"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

// LimitsPersister is the narrow capability the control surface needs to
// persist an updated RiskLimits snapshot, satisfied by *store.RedisStore.
// Declared here rather than importing store, matching the narrow-interface
// convention used by risk.HaltStatusProvider and monitor.AlertEnqueuer.
type LimitsPersister interface {
	SaveLimits(ctx context.Context, fields map[string]string) error
}

// Server exposes the control surface over HTTP.
type Server struct {
	engine      *position.Engine
	evaluator   *risk.Evaluator
	alerts      *alert.Queue
	halt        *monitor.Controller
	limitsStore LimitsPersister
	log         zerolog.Logger
}

// NewServer wires a Server over the already-constructed components. limitsStore
// may be nil, in which case UpdateRiskLimits only updates the in-memory
// snapshot.
func NewServer(engine *position.Engine, evaluator *risk.Evaluator, alerts *alert.Queue, halt *monitor.Controller, limitsStore LimitsPersister, log zerolog.Logger) *Server {
	return &Server{
		engine:      engine,
		evaluator:   evaluator,
		alerts:      alerts,
		halt:        halt,
		limitsStore: limitsStore,
		log:         log.With().Str("component", "control").Logger(),
	}
}

// Router builds the httprouter mux for the eight control-surface operations.
func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/v1/status", s.getRiskStatus)
	r.GET("/v1/positions", s.getPositions)
	r.GET("/v1/pnl", s.getPnL)
	r.GET("/v1/alerts", s.getAlerts)
	r.POST("/v1/alerts/:id/ack", s.ackAlert)
	r.POST("/v1/halt", s.emergencyHalt)
	r.POST("/v1/resume", s.resumeTrading)
	r.PUT("/v1/limits", s.updateRiskLimits)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// riskStatusResponse is the GetRiskStatus payload (spec §6).
type riskStatusResponse struct {
	Halted           bool      `json:"halted"`
	Reason           string    `json:"reason,omitempty"`
	Since            time.Time `json:"since,omitempty"`
	Source           string    `json:"source,omitempty"`
	LimitsGeneration uint64    `json:"limits_generation"`
}

func (s *Server) getRiskStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st := s.halt.State()
	limits := s.evaluator.Limits()
	writeJSON(w, http.StatusOK, riskStatusResponse{
		Halted:           st.Halted,
		Reason:           st.Reason,
		Since:            st.Since,
		Source:           st.Source.String(),
		LimitsGeneration: limits.Generation,
	})
}

// positionResponse is one GetPositions entry (spec §6).
type positionResponse struct {
	Symbol          string    `json:"symbol"`
	Venue           string    `json:"venue"`
	Quantity        float64   `json:"quantity"`
	AverageEntry    float64   `json:"average_entry,omitempty"`
	HasAverageEntry bool      `json:"has_average_entry"`
	Mark            float64   `json:"mark,omitempty"`
	HasMark         bool      `json:"has_mark"`
	Unrealized      float64   `json:"unrealized"`
	RealizedPnL     float64   `json:"realized_pnl"`
	LastUpdate      time.Time `json:"last_update"`
}

func (s *Server) getPositions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	positions := s.engine.GetAllPositions()
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionResponse{
			Symbol:          p.Symbol,
			Venue:           p.Venue,
			Quantity:        p.Quantity,
			AverageEntry:    p.AverageEntry,
			HasAverageEntry: p.HasAverageEntry(),
			Mark:            p.Mark,
			HasMark:         p.HasMark(),
			Unrealized:      p.Unrealized(),
			RealizedPnL:     p.RealizedPnL,
			LastUpdate:      p.LastUpdate,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// pnlResponse is the GetPnL payload (spec §6).
type pnlResponse struct {
	TotalUnrealized float64 `json:"total_unrealized"`
	TotalRealized   float64 `json:"total_realized"`
	TotalPnL        float64 `json:"total_pnl"`
	TotalExposure   float64 `json:"total_exposure"`
	VaR             float64 `json:"var"`
}

func (s *Server) getPnL(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	v := s.engine.VaR(0.95, 30)
	writeJSON(w, http.StatusOK, pnlResponse{
		TotalUnrealized: s.engine.TotalUnrealized(),
		TotalRealized:   s.engine.TotalRealized(),
		TotalPnL:        s.engine.TotalPnL(),
		TotalExposure:   s.engine.TotalExposure(),
		VaR:             v.Value,
	})
}

// getAlerts implements GetAlerts(severity_floor, limit, since) (spec §6):
// newest-first, filtered to severity >= severity_floor and
// created_at > since, capped at limit (default 100).
func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()

	floor := alert.Info
	if v := q.Get("severity_floor"); v != "" {
		parsed, ok := alert.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid severity_floor")
			return
		}
		floor = parsed
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since, must be RFC3339")
			return
		}
		since = t
	}

	out := make([]alert.Alert, 0, limit)
	for _, a := range s.alerts.Recent(0) {
		if a.Severity < floor {
			continue
		}
		if !since.IsZero() && !a.CreatedAt.After(since) {
			continue
		}
		out = append(out, a)
		if len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) ackAlert(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !s.alerts.Ack(id) {
		writeError(w, http.StatusNotFound, "unknown alert id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) emergencyHalt(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req haltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	s.halt.ManualHalt(req.Reason, time.Now())
	writeJSON(w, http.StatusOK, s.halt.State())
}

type resumeRequest struct {
	Force bool `json:"force"`
}

func (s *Server) resumeTrading(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req resumeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	now := time.Now()
	var resumed bool
	if req.Force {
		resumed = s.halt.ForceResume(now)
	} else {
		resumed = s.halt.Resume(now)
	}
	if !resumed && s.halt.IsHalted() {
		writeError(w, http.StatusConflict, "resume blocked: emergency active, retry with force")
		return
	}
	writeJSON(w, http.StatusOK, s.halt.State())
}

// updateLimitsRequest carries only the fields the caller wants to change;
// nil fields leave the current value untouched (spec §6 UpdateRiskLimits
// "record" argument).
type updateLimitsRequest struct {
	MaxTotalExposure       *float64 `json:"max_total_exposure"`
	MaxConcentrationRatio  *float64 `json:"max_concentration_ratio"`
	MaxCorrelationExposure *float64 `json:"max_correlation_exposure"`
	MaxLeverageRatio       *float64 `json:"max_leverage_ratio"`
	StressTestThreshold    *float64 `json:"stress_test_threshold"`
	RealtimePnLThreshold   *float64 `json:"realtime_pnl_threshold"`
	MaxPortfolioVaR        *float64 `json:"max_portfolio_var"`
	MaxDailyTrades         *int     `json:"max_daily_trades"`
	MinSpreadThreshold     *float64 `json:"min_spread_threshold"`
	MaxAlertsPerHour       *int     `json:"max_alerts_per_hour"`
	MaxSingleTradeRisk     *float64 `json:"max_single_trade_risk"`
}

func (s *Server) updateRiskLimits(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req updateLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	current := s.evaluator.Limits()
	next := *current
	if req.MaxTotalExposure != nil {
		next.MaxTotalExposure = *req.MaxTotalExposure
	}
	if req.MaxConcentrationRatio != nil {
		next.MaxConcentrationRatio = *req.MaxConcentrationRatio
	}
	if req.MaxCorrelationExposure != nil {
		next.MaxCorrelationExposure = *req.MaxCorrelationExposure
	}
	if req.MaxLeverageRatio != nil {
		next.MaxLeverageRatio = *req.MaxLeverageRatio
	}
	if req.StressTestThreshold != nil {
		next.StressTestThreshold = *req.StressTestThreshold
	}
	if req.RealtimePnLThreshold != nil {
		next.RealtimePnLThreshold = *req.RealtimePnLThreshold
	}
	if req.MaxPortfolioVaR != nil {
		next.MaxPortfolioVaR = *req.MaxPortfolioVaR
	}
	if req.MaxDailyTrades != nil {
		next.MaxDailyTrades = *req.MaxDailyTrades
	}
	if req.MinSpreadThreshold != nil {
		next.MinSpreadThreshold = *req.MinSpreadThreshold
	}
	if req.MaxAlertsPerHour != nil {
		next.MaxAlertsPerHour = *req.MaxAlertsPerHour
	}
	if req.MaxSingleTradeRisk != nil {
		next.MaxSingleTradeRisk = *req.MaxSingleTradeRisk
	}

	updated := next.WithGeneration(current.Generation + 1)
	s.evaluator.UpdateLimits(updated)

	if s.limitsStore != nil {
		if err := s.limitsStore.SaveLimits(r.Context(), limitsToFields(updated)); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist updated risk limits")
		}
	}

	writeJSON(w, http.StatusOK, updated)
}

func limitsToFields(l *config.RiskLimits) map[string]string {
	return map[string]string{
		"max_total_exposure":       strconv.FormatFloat(l.MaxTotalExposure, 'f', -1, 64),
		"max_concentration_ratio":  strconv.FormatFloat(l.MaxConcentrationRatio, 'f', -1, 64),
		"max_correlation_exposure": strconv.FormatFloat(l.MaxCorrelationExposure, 'f', -1, 64),
		"max_leverage_ratio":       strconv.FormatFloat(l.MaxLeverageRatio, 'f', -1, 64),
		"stress_test_threshold":    strconv.FormatFloat(l.StressTestThreshold, 'f', -1, 64),
		"realtime_pnl_threshold":   strconv.FormatFloat(l.RealtimePnLThreshold, 'f', -1, 64),
		"max_portfolio_var":        strconv.FormatFloat(l.MaxPortfolioVaR, 'f', -1, 64),
		"max_daily_trades":         strconv.Itoa(l.MaxDailyTrades),
		"min_spread_threshold":     strconv.FormatFloat(l.MinSpreadThreshold, 'f', -1, 64),
		"max_alerts_per_hour":      strconv.Itoa(l.MaxAlertsPerHour),
		"max_single_trade_risk":    strconv.FormatFloat(l.MaxSingleTradeRisk, 'f', -1, 64),
		"generation":               strconv.FormatUint(l.Generation, 10),
	}
}
