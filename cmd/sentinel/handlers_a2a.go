package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/psc0des/sentinellayer/pkg/a2a"
	"github.com/psc0des/sentinellayer/pkg/httpx"
	"github.com/psc0des/sentinellayer/pkg/models"
	"github.com/psc0des/sentinellayer/pkg/pipeline"
)

const maxRequestBodyBytes = 1 << 20

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a2a.NewCard(s.Cfg.ServerURL))
}

// handleRPC is the JSON-RPC 2.0 entry point for both task methods.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeRPCError(w, nil, a2a.CodeParseError, "unreadable request body")
		return
	}
	var req a2a.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, a2a.CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPCError(w, req.ID, a2a.CodeInvalidRequest, "jsonrpc must be 2.0")
		return
	}

	switch req.Method {
	case a2a.MethodSendMessage:
		s.handleSendMessage(w, r, req)
	case a2a.MethodSendSubscribe:
		s.handleSendSubscribe(w, r, req)
	default:
		writeRPCError(w, req.ID, a2a.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// parseAction decodes the task message text into a ProposedAction.
func parseAction(req a2a.Request) (*models.ProposedAction, error) {
	var params a2a.SendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	text := params.Message.Text()
	if text == "" {
		return nil, fmt.Errorf("message has no text part")
	}
	var action models.ProposedAction
	if err := json.Unmarshal([]byte(text), &action); err != nil {
		return nil, fmt.Errorf("message text is not a ProposedAction: %w", err)
	}
	return &action, nil
}

// admit enforces the in-flight bound and the per-agent rate limit. The
// returned release func must be called when the evaluation settles.
func (s *Server) admit(agentID string) (func(), bool) {
	select {
	case s.sem <- struct{}{}:
	default:
		return nil, false
	}
	release := func() { <-s.sem }
	if s.RateLimiter != nil {
		key := agentID
		if key == "" {
			key = "anonymous"
		}
		if d := s.RateLimiter.Allow("a2a:"+key, s.Cfg.RateLimitPerMinute); !d.Allowed {
			release()
			return nil, false
		}
	}
	return release, true
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, req a2a.Request) {
	action, err := parseAction(req)
	if err != nil {
		writeRPCError(w, req.ID, a2a.CodeInvalidParams, err.Error())
		return
	}
	release, ok := s.admit(action.AgentID)
	if !ok {
		writeRPCError(w, req.ID, a2a.CodeRateLimited, "evaluation capacity exhausted, retry later")
		return
	}
	defer release()

	start := time.Now()
	task := a2a.Task{TaskID: uuid.New().String(), Status: a2a.StateWorking}
	verdict, err := s.Service.EvaluateActionStreaming(r.Context(), action, func(message string) {
		task.Messages = append(task.Messages, a2a.Message{
			Role:  "agent",
			Parts: []a2a.Part{a2a.TextPart(message)},
		})
	})
	if err != nil {
		writeRPCError(w, req.ID, rpcCodeFor(err), err.Error())
		return
	}
	s.observeVerdict(verdict, start)

	raw, err := json.Marshal(verdict)
	if err != nil {
		writeRPCError(w, req.ID, a2a.CodeInternalError, "verdict encoding failed")
		return
	}
	task.Status = a2a.StateCompleted
	task.Artifacts = []a2a.Artifact{{
		Name:  "governance_verdict",
		Parts: []a2a.Part{a2a.TextPart(string(raw))},
	}}
	httpx.WriteJSON(w, http.StatusOK, a2a.Response{JSONRPC: "2.0", ID: req.ID, Result: task})
}

// handleSendSubscribe streams progress over SSE: five status updates, the
// verdict artifact, then the final completed status.
func (s *Server) handleSendSubscribe(w http.ResponseWriter, r *http.Request, req a2a.Request) {
	action, err := parseAction(req)
	if err != nil {
		writeRPCError(w, req.ID, a2a.CodeInvalidParams, err.Error())
		return
	}
	release, ok := s.admit(action.AgentID)
	if !ok {
		writeRPCError(w, req.ID, a2a.CodeRateLimited, "evaluation capacity exhausted, retry later")
		return
	}
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, req.ID, a2a.CodeInternalError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	taskID := uuid.New().String()
	writeSSE := func(event string, payload interface{}) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
		flusher.Flush()
	}

	start := time.Now()
	verdict, err := s.Service.EvaluateActionStreaming(r.Context(), action, func(message string) {
		msg := a2a.Message{Role: "agent", Parts: []a2a.Part{a2a.TextPart(message)}}
		writeSSE(a2a.EventStatus, a2a.StatusEvent{TaskID: taskID, State: a2a.StateWorking, Message: &msg})
	})
	if err != nil {
		msg := a2a.Message{Role: "agent", Parts: []a2a.Part{a2a.TextPart(err.Error())}}
		writeSSE(a2a.EventStatus, a2a.StatusEvent{TaskID: taskID, State: a2a.StateFailed, Message: &msg, Final: true})
		return
	}
	s.observeVerdict(verdict, start)

	raw, err := json.Marshal(verdict)
	if err != nil {
		msg := a2a.Message{Role: "agent", Parts: []a2a.Part{a2a.TextPart("verdict encoding failed")}}
		writeSSE(a2a.EventStatus, a2a.StatusEvent{TaskID: taskID, State: a2a.StateFailed, Message: &msg, Final: true})
		return
	}
	writeSSE(a2a.EventArtifact, a2a.ArtifactEvent{
		TaskID: taskID,
		Artifact: a2a.Artifact{
			Name:  "governance_verdict",
			Parts: []a2a.Part{a2a.TextPart(string(raw))},
		},
	})
	writeSSE(a2a.EventStatus, a2a.StatusEvent{TaskID: taskID, State: a2a.StateCompleted, Final: true})
}

func (s *Server) observeVerdict(verdict *models.GovernanceVerdict, start time.Time) {
	s.Metrics.IncDecision(string(verdict.Decision))
	s.Metrics.ObserveEvaluation(time.Since(start))
}

func rpcCodeFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return a2a.CodeInvalidParams
	case pipeline.IsDeadline(err):
		return a2a.CodeDeadline
	default:
		return a2a.CodeInternalError
	}
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	httpx.WriteJSON(w, http.StatusOK, a2a.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &a2a.Error{Code: code, Message: message},
	})
}
