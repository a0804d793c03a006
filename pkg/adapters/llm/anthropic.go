package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/openrecords/requestflow/pkg/ports"
)

const classifySystemPrompt = `You review material gathered for public-records requests.
For each item decide one category:
- "responsive": the item should be produced to the requester
- "non_responsive": the item is unrelated to the request
- "exempt": the item is responsive but covered by a disclosure exemption
- "review": a human must decide

Reply with a JSON array only. Each element: {"item_id": string,
"category": string, "confidence": number between 0 and 1,
"rationale": short string}.`

// AnthropicClassifier implements ports.Classifier using the Anthropic
// Messages API.
type AnthropicClassifier struct {
	client anthropic.Client
	model  string
	logger *zap.Logger
}

// NewAnthropicClassifier creates a classifier backed by the given model.
func NewAnthropicClassifier(apiKey, model string, logger *zap.Logger) (*AnthropicClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	return &AnthropicClassifier{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger,
	}, nil
}

// Classify sends the batch to the model and parses its JSON verdicts.
func (a *AnthropicClassifier) Classify(ctx context.Context, requestID string, items []ports.ClassifyItem) ([]ports.Classification, error) {
	if len(items) == 0 {
		return nil, nil
	}

	prompt, err := buildPrompt(requestID, items)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: classifySystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	results, err := parseVerdicts(text.String())
	if err != nil {
		return nil, fmt.Errorf("parse model response: %w", err)
	}

	a.logger.Debug("batch classified",
		zap.String("request_id", requestID),
		zap.Int("items", len(items)),
		zap.Int("results", len(results)))
	return results, nil
}

func buildPrompt(requestID string, items []ports.ClassifyItem) (string, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal items: %w", err)
	}
	return fmt.Sprintf("Request %s. Classify these items:\n%s", requestID, payload), nil
}

// parseVerdicts extracts the JSON array from the model output, tolerating
// surrounding prose or code fences.
func parseVerdicts(text string) ([]ports.Classification, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var results []ports.Classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &results); err != nil {
		return nil, err
	}
	return results, nil
}
