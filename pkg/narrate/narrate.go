// Package narrate is the optional LLM pass that rewrites verdict reasoning
// into reviewer-friendly prose. It runs after scoring and can only replace
// text; every verdict is complete and correct without it.
package narrate

import (
	"context"
	"fmt"
	"log"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/psc0des/sentinellayer/pkg/models"
)

const systemPrompt = "You are the narration pass of an infrastructure governance engine. " +
	"Rewrite the provided verdict reasoning as one concise expert paragraph for a human reviewer. " +
	"Keep every number, policy id, and the decision exactly as given. Do not add recommendations."

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Narrator struct {
	client  chatClient
	model   string
	timeout time.Duration
}

// New builds a narrator against an OpenAI-compatible endpoint. baseURL may
// be empty for the default API host.
func New(apiKey, baseURL, model string) *Narrator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Narrator{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: 8 * time.Second,
	}
}

// Narrate rewrites the verdict's reason in place. Any failure leaves the
// deterministic text untouched.
func (n *Narrator) Narrate(ctx context.Context, v *models.GovernanceVerdict) {
	if n == nil || n.client == nil || v == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	resp, err := n.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: n.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: narrationInput(v)},
		},
		MaxTokens:   300,
		Temperature: 0.2,
	})
	if err != nil {
		log.Printf("narrate: skipped for %s: %v", v.ActionID, err)
		return
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return
	}
	v.Reason = resp.Choices[0].Message.Content
}

func narrationInput(v *models.GovernanceVerdict) string {
	return fmt.Sprintf(
		"decision=%s composite=%.1f\nreason: %s\nblast radius: %s\npolicy: %s\nhistorical: %s\nfinancial: %s",
		v.Decision, v.SRI.Composite, v.Reason,
		v.SubResults.BlastRadius.Reasoning,
		v.SubResults.Policy.Reasoning,
		v.SubResults.Historical.Reasoning,
		v.SubResults.Financial.Reasoning,
	)
}
