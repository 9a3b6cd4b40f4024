package report

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/hensonwx/wxsync/internal/drift"
	"github.com/hensonwx/wxsync/internal/sync"
)

// Narrator turns run and drift reports into a short prose summary suitable
// for a status email or chat message.
type Narrator struct {
	client openai.Client
	model  string
}

// NewNarrator reads the OPENAI_API_KEY environment variable for
// authentication.
func NewNarrator() (*Narrator, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &Narrator{
		client: client,
		model:  openai.ChatModelGPT4oMini,
	}, nil
}

const narrativeSystemPrompt = `You summarize weather data synchronization
reports for an operator. Be factual and brief: two or three sentences
covering what was synced, what changed, and anything that needs attention.
Do not speculate beyond the report.`

// NarrateRun produces a prose summary of a sync run.
func (n *Narrator) NarrateRun(ctx context.Context, s *sync.RunSummary) (string, error) {
	return n.narrate(ctx, RenderRun(s))
}

// NarrateDrift produces a prose summary of a drift report.
func (n *Narrator) NarrateDrift(ctx context.Context, r *drift.Report) (string, error) {
	return n.narrate(ctx, RenderDrift(r))
}

func (n *Narrator) narrate(ctx context.Context, rendered string) (string, error) {
	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: n.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(narrativeSystemPrompt),
			openai.UserMessage(rendered),
		},
	})
	if err != nil {
		return "", fmt.Errorf("narrative generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion returned")
	}
	return resp.Choices[0].Message.Content, nil
}
