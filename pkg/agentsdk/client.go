// Package agentsdk is the Go client operational agents use to submit
// proposed actions to the governance engine over the streaming HTTP surface.
package agentsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/psc0des/sentinellayer/pkg/a2a"
	"github.com/psc0des/sentinellayer/pkg/models"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// FetchCard downloads the engine's capability card.
func (c *Client) FetchCard(ctx context.Context) (a2a.Card, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/.well-known/agent-card.json", nil)
	if err != nil {
		return a2a.Card{}, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return a2a.Card{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return a2a.Card{}, fmt.Errorf("agent card fetch failed: status=%d", resp.StatusCode)
	}
	var card a2a.Card
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return a2a.Card{}, fmt.Errorf("parse agent card: %w", err)
	}
	return card, nil
}

// Evaluate submits the action via tasks/sendMessage and returns the verdict.
func (c *Client) Evaluate(ctx context.Context, action *models.ProposedAction) (*models.GovernanceVerdict, error) {
	task, rpcErr, err := c.call(ctx, a2a.MethodSendMessage, action)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, fmt.Errorf("governance call failed: %d %s", rpcErr.Code, rpcErr.Message)
	}
	return verdictFromArtifacts(task.Artifacts)
}

// EvaluateStreaming submits via tasks/sendSubscribe and forwards each
// progress line to onProgress as it arrives over SSE.
func (c *Client) EvaluateStreaming(ctx context.Context, action *models.ProposedAction, onProgress func(string)) (*models.GovernanceVerdict, error) {
	body, err := requestBody(a2a.MethodSendSubscribe, action)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("subscribe failed: status=%d", resp.StatusCode)
	}

	var verdict *models.GovernanceVerdict
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	event, data := "", ""
	flush := func() error {
		defer func() { event, data = "", "" }()
		switch event {
		case a2a.EventStatus:
			var status a2a.StatusEvent
			if err := json.Unmarshal([]byte(data), &status); err != nil {
				return fmt.Errorf("parse status event: %w", err)
			}
			if status.State == a2a.StateFailed {
				return fmt.Errorf("task failed: %s", statusText(status))
			}
			if onProgress != nil && status.Message != nil {
				onProgress(status.Message.Text())
			}
		case a2a.EventArtifact:
			var artifact a2a.ArtifactEvent
			if err := json.Unmarshal([]byte(data), &artifact); err != nil {
				return fmt.Errorf("parse artifact event: %w", err)
			}
			v, err := verdictFromArtifacts([]a2a.Artifact{artifact.Artifact})
			if err != nil {
				return err
			}
			verdict = v
		}
		return nil
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data != "" {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimPrefix(line, "data: ")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if verdict == nil {
		return nil, fmt.Errorf("stream ended without a verdict artifact")
	}
	return verdict, nil
}

func (c *Client) call(ctx context.Context, method string, action *models.ProposedAction) (a2a.Task, *a2a.Error, error) {
	body, err := requestBody(method, action)
	if err != nil {
		return a2a.Task{}, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/", bytes.NewReader(body))
	if err != nil {
		return a2a.Task{}, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return a2a.Task{}, nil, err
	}
	defer resp.Body.Close()
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *a2a.Error      `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return a2a.Task{}, nil, fmt.Errorf("parse response: %w", err)
	}
	if envelope.Error != nil {
		return a2a.Task{}, envelope.Error, nil
	}
	var task a2a.Task
	if err := json.Unmarshal(envelope.Result, &task); err != nil {
		return a2a.Task{}, nil, fmt.Errorf("parse task: %w", err)
	}
	return task, nil, nil
}

func requestBody(method string, action *models.ProposedAction) ([]byte, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	params, err := json.Marshal(a2a.SendParams{
		Message: a2a.Message{Role: "user", Parts: []a2a.Part{a2a.TextPart(string(payload))}},
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(a2a.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`"1"`),
		Method:  method,
		Params:  params,
	})
}

func verdictFromArtifacts(artifacts []a2a.Artifact) (*models.GovernanceVerdict, error) {
	for _, artifact := range artifacts {
		if artifact.Name != "governance_verdict" {
			continue
		}
		text := ""
		for _, p := range artifact.Parts {
			if p.Kind == "text" {
				text += p.Text
			}
		}
		var v models.GovernanceVerdict
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("parse verdict artifact: %w", err)
		}
		return &v, nil
	}
	return nil, fmt.Errorf("no governance_verdict artifact in response")
}

func statusText(status a2a.StatusEvent) string {
	if status.Message != nil {
		return status.Message.Text()
	}
	return status.State
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}
