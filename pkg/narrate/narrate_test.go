package narrate

import (
	"context"
	"fmt"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/psc0des/sentinellayer/pkg/models"
)

type fakeChat struct {
	reply string
	err   error
	seen  []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.seen = append(f.seen, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.reply}},
		},
	}, nil
}

func testVerdict() *models.GovernanceVerdict {
	return &models.GovernanceVerdict{
		ActionID: "a-1",
		Decision: models.DecisionEscalated,
		SRI:      models.SRI{Composite: 45.0},
		Reason:   "ESCALATED: SRI composite 45.0 requires human review",
	}
}

func TestNarrateReplacesReasonOnly(t *testing.T) {
	fake := &fakeChat{reply: "The change needs a human look before it ships."}
	n := &Narrator{client: fake, model: "gpt-4o-mini", timeout: time.Second}
	v := testVerdict()
	before := v.SRI
	n.Narrate(context.Background(), v)
	if v.Reason != fake.reply {
		t.Fatalf("expected narrated reason, got %q", v.Reason)
	}
	if v.SRI != before {
		t.Fatalf("narration must not touch scores")
	}
	if len(fake.seen) != 1 || fake.seen[0].Model != "gpt-4o-mini" {
		t.Fatalf("unexpected request %+v", fake.seen)
	}
}

func TestNarrateKeepsDeterministicTextOnFailure(t *testing.T) {
	fake := &fakeChat{err: fmt.Errorf("quota exceeded")}
	n := &Narrator{client: fake, model: "gpt-4o-mini", timeout: time.Second}
	v := testVerdict()
	original := v.Reason
	n.Narrate(context.Background(), v)
	if v.Reason != original {
		t.Fatalf("expected reason untouched on failure, got %q", v.Reason)
	}
}

func TestNarrateIgnoresEmptyReply(t *testing.T) {
	fake := &fakeChat{reply: ""}
	n := &Narrator{client: fake, model: "gpt-4o-mini", timeout: time.Second}
	v := testVerdict()
	original := v.Reason
	n.Narrate(context.Background(), v)
	if v.Reason != original {
		t.Fatalf("expected reason untouched on empty reply, got %q", v.Reason)
	}
}

func TestNarrateNilSafe(t *testing.T) {
	var n *Narrator
	n.Narrate(context.Background(), testVerdict())
	New("", "", "gpt-4o-mini").Narrate(context.Background(), nil)
}
