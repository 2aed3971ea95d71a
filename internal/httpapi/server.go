// Package httpapi exposes the orchestrator over a JSON REST API and a
// websocket event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"agent_foundry/internal/domain"
	"agent_foundry/internal/orchestrator"
	"agent_foundry/internal/store/memory"
	"agent_foundry/internal/tools"
)

const maxRequestBodySize = 1 << 20

type Server struct {
	svc    *orchestrator.Service
	hub    *Hub
	logger *zap.Logger
}

func New(svc *orchestrator.Service, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, hub: hub, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents", s.listAgents)
		r.Post("/agents", s.createAgent)
		r.Get("/agents/{id}", s.getAgent)
		r.Get("/agents/{id}/logs", s.agentLogs)
		r.Post("/agents/{id}/strategy", s.attachStrategy)
		r.Post("/agents/{id}/start", s.agentCommand(s.svc.StartStrategy))
		r.Post("/agents/{id}/advance", s.agentCommand(s.svc.AdvanceStrategy))
		r.Post("/agents/{id}/force-advance", s.agentCommand(s.svc.ForceAdvance))
		r.Post("/agents/{id}/retry", s.agentCommand(s.svc.RetryStep))
		r.Post("/agents/{id}/re-evolve", s.agentCommand(s.svc.TriggerReEvolution))
		r.Post("/agents/{id}/fail", s.failStep)
		r.Post("/agents/{id}/ingest", s.ingestData)
		r.Post("/agents/{id}/realtime-feedback", s.setRealtimeFeedback)
		r.Post("/agents/{id}/suspend", s.suspend(true))
		r.Post("/agents/{id}/resume", s.suspend(false))
		r.Post("/agents/{id}/dispatch", s.dispatch)
		r.Post("/agents/{id}/tools/{tool}", s.invokeTool)
		r.Get("/agents/{id}/artifacts/*", s.readArtifact)

		r.Get("/logs", s.listLogs)
		r.Get("/strategies", s.listStrategies)
		r.Post("/strategies", s.registerStrategy)
		r.Get("/engines", s.listEngines)
		r.Get("/tools", s.listTools)

		r.Get("/campaigns", s.listCampaigns)
		r.Post("/campaigns", s.createCampaign)
		r.Get("/campaigns/{id}", s.getCampaign)
		r.Post("/campaigns/{id}/status", s.setCampaignStatus)

		r.Get("/governance/actions", s.listActions)
		r.Post("/governance/actions", s.proposeAction)
		r.Post("/governance/actions/apply", s.applyAdHoc)
		r.Get("/governance/actions/{id}", s.getAction)
		r.Post("/governance/actions/{id}/apply", s.applyQueued)
		r.Post("/governance/actions/{id}/reject", s.rejectAction)
		r.Post("/governance/audit", s.audit)

		r.Get("/events", s.listEvents)
		if s.hub != nil {
			r.Get("/events/ws", s.hub.HandleWS)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Agents())
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	spec, ok := readJSON[memory.AgentSpec](w, r)
	if !ok {
		return
	}
	a, err := s.svc.CreateAgent(r.Context(), spec)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) readArtifact(w http.ResponseWriter, r *http.Request) {
	content, err := s.svc.ReadArtifact(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "*"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Agent(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) agentLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.svc.AgentLogs(chi.URLParam(r, "id"), queryInt(r, "limit", 200))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) attachStrategy(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		StrategyID string `json:"strategy_id"`
	}](w, r)
	if !ok {
		return
	}
	a, err := s.svc.AttachStrategy(r.Context(), chi.URLParam(r, "id"), req.StrategyID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type agentFunc func(ctx context.Context, agentID string) (domain.Agent, error)

func (s *Server) agentCommand(fn agentFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) failStep(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r)
	if !ok {
		return
	}
	a, err := s.svc.FailStep(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) ingestData(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Count int `json:"count"`
	}](w, r)
	if !ok {
		return
	}
	a, err := s.svc.IngestData(r.Context(), chi.URLParam(r, "id"), req.Count)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) setRealtimeFeedback(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Enabled bool `json:"enabled"`
	}](w, r)
	if !ok {
		return
	}
	a, err := s.svc.SetRealtimeFeedback(r.Context(), chi.URLParam(r, "id"), req.Enabled)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) suspend(suspended bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength > 0 {
			var ok bool
			if req, ok = readJSON[struct {
				Reason string `json:"reason"`
			}](w, r); !ok {
				return
			}
		}
		id := chi.URLParam(r, "id")
		var (
			action domain.GovernanceAction
			err    error
		)
		if suspended {
			action, err = s.svc.SuspendAgent(r.Context(), id, req.Reason)
		} else {
			action, err = s.svc.ResumeAgent(r.Context(), id, req.Reason)
		}
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, action)
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Text string `json:"text"`
	}](w, r)
	if !ok {
		return
	}
	out, err := s.svc.DispatchToolIntent(r.Context(), chi.URLParam(r, "id"), req.Text)
	s.writeOutcome(w, out, err)
}

func (s *Server) invokeTool(w http.ResponseWriter, r *http.Request) {
	raw, ok := readJSON[json.RawMessage](w, r)
	if !ok {
		return
	}
	params, err := tools.DecodeParams(chi.URLParam(r, "tool"), raw)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out, err := s.svc.InvokeTool(r.Context(), chi.URLParam(r, "id"), params)
	s.writeOutcome(w, out, err)
}

// writeOutcome reports a failed tool with its outcome so the caller still
// sees the failure log.
func (s *Server) writeOutcome(w http.ResponseWriter, out tools.Outcome, err error) {
	if err != nil && !out.Matched {
		s.writeDomainError(w, err)
		return
	}
	if err != nil {
		writeJSON(w, statusFor(err), out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Logs(queryInt(r, "limit", 500)))
}

func (s *Server) listStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Strategies())
}

func (s *Server) registerStrategy(w http.ResponseWriter, r *http.Request) {
	st, ok := readJSON[domain.Strategy](w, r)
	if !ok {
		return
	}
	if err := s.svc.RegisterStrategy(r.Context(), st); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) listEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.FeatureEngines())
}

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Tools())
}

func (s *Server) listCampaigns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Campaigns())
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	spec, ok := readJSON[memory.CampaignSpec](w, r)
	if !ok {
		return
	}
	c, err := s.svc.CreateCampaign(r.Context(), spec)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Campaign(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) setCampaignStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Status domain.CampaignStatus `json:"status"`
	}](w, r)
	if !ok {
		return
	}
	c, err := s.svc.SetCampaignStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	status := domain.GovernanceActionStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	writeJSON(w, http.StatusOK, s.svc.GovernanceActions(status))
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GovernanceAction(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) proposeAction(w http.ResponseWriter, r *http.Request) {
	action, ok := readJSON[domain.GovernanceAction](w, r)
	if !ok {
		return
	}
	out, err := s.svc.ProposeGovernanceAction(r.Context(), action)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) applyAdHoc(w http.ResponseWriter, r *http.Request) {
	action, ok := readJSON[domain.GovernanceAction](w, r)
	if !ok {
		return
	}
	action.ID = ""
	s.apply(w, r, action)
}

func (s *Server) applyQueued(w http.ResponseWriter, r *http.Request) {
	s.apply(w, r, domain.GovernanceAction{ID: chi.URLParam(r, "id")})
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request, action domain.GovernanceAction) {
	if action.ID != "" {
		if _, err := s.svc.GovernanceAction(action.ID); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	out, err := s.svc.ApplyGovernanceAction(r.Context(), action)
	if err != nil {
		var rej *domain.RejectionError
		if errors.As(err, &rej) && out.ID != "" {
			writeJSON(w, http.StatusUnprocessableEntity, out)
			return
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) rejectAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		var ok bool
		if req, ok = readJSON[struct {
			Reason string `json:"reason"`
		}](w, r); !ok {
			return
		}
	}
	out, err := s.svc.RejectGovernanceAction(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	actions, err := s.svc.Audit(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative sequence number")
			return
		}
		since = v
	}
	writeJSON(w, http.StatusOK, s.svc.Events(since))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
