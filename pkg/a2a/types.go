// Package a2a defines the agent-to-agent wire format of the streaming HTTP
// surface: JSON-RPC 2.0 envelopes, task payloads, SSE event bodies, and the
// capability card.
package a2a

import "encoding/json"

// JSON-RPC methods accepted at POST /.
const (
	MethodSendMessage   = "tasks/sendMessage"
	MethodSendSubscribe = "tasks/sendSubscribe"
)

// JSON-RPC error codes. Codes from -32700 to -32600 are protocol-standard;
// the -32000 range carries engine-specific failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32000
	CodeDeadline       = -32001
	CodeRateLimited    = -32003
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Part is one content fragment of a message or artifact.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// Message is what a client submits: its text part carries the JSON-encoded
// ProposedAction.
type Message struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	out := ""
	for _, p := range m.Parts {
		if p.Kind == "text" {
			out += p.Text
		}
	}
	return out
}

// SendParams is the params object of both task methods.
type SendParams struct {
	Message Message `json:"message"`
}

// Artifact carries a result payload; the governance verdict artifact's text
// part is the JSON-encoded GovernanceVerdict.
type Artifact struct {
	Name  string `json:"name"`
	Parts []Part `json:"parts"`
}

// Task states reported over both methods.
const (
	StateWorking   = "working"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Task is the sendMessage result: progress messages plus the final artifact.
type Task struct {
	TaskID    string     `json:"task_id"`
	Status    string     `json:"status"`
	Messages  []Message  `json:"messages,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// SSE event names used by sendSubscribe.
const (
	EventStatus   = "status"
	EventArtifact = "artifact"
)

// StatusEvent is the body of a "status" SSE event.
type StatusEvent struct {
	TaskID  string   `json:"task_id"`
	State   string   `json:"state"`
	Message *Message `json:"message,omitempty"`
	Final   bool     `json:"final,omitempty"`
}

// ArtifactEvent is the body of an "artifact" SSE event.
type ArtifactEvent struct {
	TaskID string `json:"task_id"`
	Artifact
}

// Card is the capability card served at /.well-known/agent-card.json.
type Card struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Version      string       `json:"version"`
	URL          string       `json:"url"`
	Capabilities Capabilities `json:"capabilities"`
	Skills       []Skill      `json:"skills"`
}

type Capabilities struct {
	Streaming bool `json:"streaming"`
}

type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NewCard builds the engine's capability card for the advertised URL.
func NewCard(serverURL string) Card {
	return Card{
		Name: "Sentinel Governance Engine",
		Description: "AI action governance: evaluates proposed infrastructure actions across " +
			"blast radius, policy compliance, historical incidents, and financial impact, " +
			"and returns an approved/escalated/denied verdict before anything executes.",
		Version:      "1.0.0",
		URL:          serverURL,
		Capabilities: Capabilities{Streaming: true},
		Skills: []Skill{
			{
				ID:          "evaluate_action",
				Name:        "Evaluate Action",
				Description: "Evaluate a ProposedAction JSON payload and return a GovernanceVerdict with the full SRI breakdown.",
			},
			{
				ID:          "query_decision_history",
				Name:        "Query Decision History",
				Description: "Query past governance decisions from the audit trail.",
			},
			{
				ID:          "get_resource_risk_profile",
				Name:        "Get Resource Risk Profile",
				Description: "Aggregate the risk history of a single resource across all evaluations.",
			},
		},
	}
}
