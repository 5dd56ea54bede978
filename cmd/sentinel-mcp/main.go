// Command sentinel-mcp exposes the governance engine as a stdio tool server
// speaking newline-delimited JSON-RPC 2.0: initialize, tools/list, and
// tools/call with the three governance tools.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/psc0des/sentinellayer/pkg/audit"
	"github.com/psc0des/sentinellayer/pkg/blastradius"
	"github.com/psc0des/sentinellayer/pkg/config"
	"github.com/psc0des/sentinellayer/pkg/decision"
	"github.com/psc0des/sentinellayer/pkg/financial"
	"github.com/psc0des/sentinellayer/pkg/historical"
	"github.com/psc0des/sentinellayer/pkg/incidents"
	"github.com/psc0des/sentinellayer/pkg/models"
	"github.com/psc0des/sentinellayer/pkg/pipeline"
	"github.com/psc0des/sentinellayer/pkg/policyeval"
	"github.com/psc0des/sentinellayer/pkg/policyir"
	"github.com/psc0des/sentinellayer/pkg/registry"
	"github.com/psc0des/sentinellayer/pkg/sentinel"
	"github.com/psc0des/sentinellayer/pkg/topology"
)

var logFatalf = log.Fatalf

func main() {
	svc, err := buildService()
	if err != nil {
		logFatalf("sentinel-mcp: %v", err)
		return
	}
	if err := Serve(context.Background(), os.Stdin, os.Stdout, svc); err != nil {
		logFatalf("sentinel-mcp: %v", err)
	}
}

// buildService wires the mock-mode stack; the stdio surface always runs
// against local files.
func buildService() (*sentinel.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	topo, err := topology.NewFromFile(filepath.Join(cfg.DataDir, "seed_resources.json"))
	if err != nil {
		return nil, err
	}
	policies, err := policyir.LoadFile(filepath.Join(cfg.DataDir, "policies.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	incidentStore, err := incidents.NewFromFile(filepath.Join(cfg.DataDir, "seed_incidents.json"))
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewFileLog(filepath.Join(cfg.DataDir, "decisions"))
	if err != nil {
		return nil, err
	}
	agents, err := registry.NewFileRegistry(filepath.Join(cfg.DataDir, "agents"))
	if err != nil {
		return nil, err
	}
	engine := decision.New(cfg.Weights, models.Thresholds{
		AutoApprove: cfg.AutoApproveThreshold,
		HumanReview: cfg.HumanReviewThreshold,
	})
	pipe := pipeline.New(
		blastradius.New(topo),
		policyeval.New(policies, topo),
		historical.New(incidentStore),
		financial.New(topo),
		engine,
	)
	pipe.EvaluatorTimeout = cfg.EvaluatorTimeout
	pipe.Audit = auditLog
	pipe.Registry = agents
	return sentinel.New(pipe, auditLog, agents), nil
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Serve reads newline-delimited JSON-RPC requests until EOF. Responses are
// serialized through a single writer lock.
func Serve(ctx context.Context, in io.Reader, out io.Writer, svc *sentinel.Service) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	var mu sync.Mutex
	write := func(resp rpcResponse) {
		raw, err := json.Marshal(resp)
		if err != nil {
			return
		}
		mu.Lock()
		_, _ = out.Write(append(raw, '\n'))
		mu.Unlock()
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			write(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "invalid JSON"}})
			continue
		}
		write(handle(ctx, svc, req))
	}
	return scanner.Err()
}

func handle(ctx context.Context, svc *sentinel.Service, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "sentinel", "version": "1.0.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		}
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": toolList()}
	case "tools/call":
		result, err := dispatchTool(ctx, svc, req.Params)
		if err != nil {
			resp.Error = &rpcError{Code: -32602, Message: err.Error()}
			break
		}
		resp.Result = result
	default:
		resp.Error = &rpcError{Code: -32601, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return resp
}

func toolList() []toolDescriptor {
	return []toolDescriptor{
		{
			Name: "evaluate_action",
			Description: "Evaluate a proposed infrastructure action through the governance " +
				"pipeline and return the verdict with the full SRI breakdown.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"resource_id": {"type": "string"},
					"resource_type": {"type": "string"},
					"action_type": {"type": "string", "enum": ["scale_up","scale_down","delete_resource","restart_service","modify_nsg","create_resource","update_config"]},
					"agent_id": {"type": "string"},
					"reason": {"type": "string"},
					"urgency": {"type": "string", "enum": ["low","medium","high","critical"]},
					"current_monthly_cost": {"type": "number"},
					"projected_savings_monthly": {"type": "number"},
					"current_sku": {"type": "string"},
					"proposed_sku": {"type": "string"}
				},
				"required": ["resource_id", "resource_type", "action_type", "agent_id", "reason"]
			}`),
		},
		{
			Name:        "get_recent_decisions",
			Description: "List recent governance decisions from the audit trail, newest first.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "minimum": 1, "maximum": 100},
					"resource_id": {"type": "string"}
				}
			}`),
		},
		{
			Name:        "get_risk_profile",
			Description: "Aggregate the governance history of one resource into a risk profile.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"resource_id": {"type": "string"}
				},
				"required": ["resource_id"]
			}`),
		},
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func dispatchTool(ctx context.Context, svc *sentinel.Service, params json.RawMessage) (toolResult, error) {
	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return toolResult{}, fmt.Errorf("params: %w", err)
	}
	switch call.Name {
	case "evaluate_action":
		return toolEvaluateAction(ctx, svc, call.Arguments)
	case "get_recent_decisions":
		return toolRecentDecisions(ctx, svc, call.Arguments)
	case "get_risk_profile":
		return toolRiskProfile(ctx, svc, call.Arguments)
	default:
		return toolResult{}, fmt.Errorf("unknown tool %q", call.Name)
	}
}

func toolEvaluateAction(ctx context.Context, svc *sentinel.Service, args json.RawMessage) (toolResult, error) {
	var in struct {
		ResourceID              string   `json:"resource_id"`
		ResourceType            string   `json:"resource_type"`
		ActionType              string   `json:"action_type"`
		AgentID                 string   `json:"agent_id"`
		Reason                  string   `json:"reason"`
		Urgency                 string   `json:"urgency"`
		CurrentMonthlyCost      *float64 `json:"current_monthly_cost"`
		ProjectedSavingsMonthly *float64 `json:"projected_savings_monthly"`
		CurrentSKU              string   `json:"current_sku"`
		ProposedSKU             string   `json:"proposed_sku"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return toolResult{}, fmt.Errorf("arguments: %w", err)
	}
	action := &models.ProposedAction{
		AgentID:    in.AgentID,
		ActionType: models.ActionType(in.ActionType),
		Target: models.ActionTarget{
			ResourceID:         in.ResourceID,
			ResourceType:       in.ResourceType,
			CurrentSKU:         in.CurrentSKU,
			ProposedSKU:        in.ProposedSKU,
			CurrentMonthlyCost: in.CurrentMonthlyCost,
		},
		Reason:                  in.Reason,
		Urgency:                 models.Urgency(in.Urgency),
		ProjectedSavingsMonthly: in.ProjectedSavingsMonthly,
	}
	verdict, err := svc.EvaluateAction(ctx, action)
	if err != nil {
		return errorContent(err), nil
	}
	return jsonContent(map[string]interface{}{
		"action_id":  verdict.ActionID,
		"decision":   verdict.Decision,
		"reason":     verdict.Reason,
		"sri":        verdict.SRI,
		"thresholds": verdict.Thresholds,
		"violations": verdict.Violations,
	})
}

func toolRecentDecisions(ctx context.Context, svc *sentinel.Service, args json.RawMessage) (toolResult, error) {
	var in struct {
		Limit      int    `json:"limit"`
		ResourceID string `json:"resource_id"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return toolResult{}, fmt.Errorf("arguments: %w", err)
		}
	}
	rows, err := svc.RecentDecisions(ctx, in.Limit, in.ResourceID)
	if err != nil {
		return errorContent(err), nil
	}
	return jsonContent(map[string]interface{}{
		"count":     len(rows),
		"decisions": rows,
	})
}

func toolRiskProfile(ctx context.Context, svc *sentinel.Service, args json.RawMessage) (toolResult, error) {
	var in struct {
		ResourceID string `json:"resource_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return toolResult{}, fmt.Errorf("arguments: %w", err)
	}
	if in.ResourceID == "" {
		return toolResult{}, fmt.Errorf("resource_id is required")
	}
	profile, err := svc.GetRiskProfile(ctx, in.ResourceID)
	if err != nil {
		return errorContent(err), nil
	}
	return jsonContent(profile)
}

func jsonContent(v interface{}) (toolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{Content: []toolContent{{Type: "text", Text: string(raw)}}}, nil
}

func errorContent(err error) toolResult {
	return toolResult{
		Content: []toolContent{{Type: "text", Text: err.Error()}},
		IsError: true,
	}
}
