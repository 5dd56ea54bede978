package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/psc0des/sentinellayer/pkg/audit"
	"github.com/psc0des/sentinellayer/pkg/httpx"
	"github.com/psc0des/sentinellayer/pkg/registry"
)

// Listing limits for the dashboard API.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func listLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Service.RecentDecisions(r.Context(), listLimit(r), r.URL.Query().Get("resource_id"))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(rows),
		"evaluations": rows,
	})
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	verdict, err := s.Service.Decision(r.Context(), chi.URLParam(r, "action_id"))
	if errors.Is(err, audit.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "evaluation not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Service.Metrics(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "aggregate failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleResourceRisk(w http.ResponseWriter, r *http.Request) {
	profile, err := s.Service.GetRiskProfile(r.Context(), chi.URLParam(r, "resource_id"))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "risk profile failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profile)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.Service.Agents(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "registry query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(agents),
		"agents": agents,
	})
}

func (s *Server) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.Service.Registry.Get(r.Context(), name); errors.Is(err, registry.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "agent not found")
		return
	} else if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "registry query failed")
		return
	}
	rows, err := s.Service.AgentHistory(r.Context(), name, listLimit(r))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"agent":   name,
		"count":   len(rows),
		"history": rows,
	})
}

// handleStream pushes live progress and verdict events to the dashboard
// over a websocket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
