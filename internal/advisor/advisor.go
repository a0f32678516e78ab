// Package advisor optionally rewrites notification messages with an
// LLM. Task state never depends on it: any failure falls back to the
// deterministic rendering.
package advisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"slawatch/internal/logging"
)

// DecisionAdvisor may re-render a notification message. The returned
// string replaces the deterministic rendering only when err is nil and
// the result is non-empty.
type DecisionAdvisor interface {
	Revise(ctx context.Context, kind, orgName, message string) (string, error)
}

// Noop performs no rewriting; callers keep the deterministic message.
type Noop struct{}

func (Noop) Revise(_ context.Context, _, _, message string) (string, error) {
	return message, nil
}

// Gemini rewrites messages through the Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates an advisor. The API key is required; the model
// defaults to a fast variant since this path is latency-sensitive.
func NewGemini(apiKey, model string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("advisor API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create advisor client: %w", err)
	}
	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// Revise asks the model for a clearer rendering of the same content.
// The factual fields must survive verbatim; the prompt pins them and
// the caller discards empty or failed results.
func (g *Gemini) Revise(ctx context.Context, kind, orgName, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Rewrite the following %s notification for the %s service team. "+
			"Keep every order number, customer name, address, supervisor, timestamp and count exactly as given. "+
			"Keep the same markdown structure. Improve only tone and clarity. Reply with the message only.\n\n%s",
		kind, orgName, message)

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("advisor generation failed: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("advisor returned empty message")
	}
	logging.LLM("Advisor revised %s message for %s (%d -> %d chars)", kind, orgName, len(message), len(text))
	return text, nil
}
