package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openrecords/requestflow/pkg/ports"
)

func TestKeywordClassifierCategories(t *testing.T) {
	k := NewKeywordClassifier()

	results, err := k.Classify(context.Background(), "req-1", []ports.ClassifyItem{
		{ID: "d1", Kind: "document", Text: "2024 road maintenance schedule"},
		{ID: "d2", Kind: "document", Text: "Attorney-Client privileged memo"},
		{ID: "e1", Kind: "email", Text: "RE: personnel file for J. Smith"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "responsive", results[0].Category)
	assert.Equal(t, 0.5, results[0].Confidence)

	// Matching is case-insensitive.
	assert.Equal(t, "review", results[1].Category)
	assert.Equal(t, 0.6, results[1].Confidence)
	assert.Contains(t, results[1].Rationale, "privileged")

	assert.Equal(t, "review", results[2].Category)
}

func TestKeywordClassifierHonoursCancellation(t *testing.T) {
	k := NewKeywordClassifier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := k.Classify(ctx, "req-1", []ports.ClassifyItem{{ID: "d1", Text: "anything"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseVerdicts(t *testing.T) {
	raw := `[{"item_id":"d1","category":"responsive","confidence":0.9,"rationale":"matches request"}]`

	results, err := parseVerdicts(raw)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "d1", results[0].ItemID)
	assert.Equal(t, "responsive", results[0].Category)
	assert.Equal(t, 0.9, results[0].Confidence)
}

func TestParseVerdictsToleratesFencesAndProse(t *testing.T) {
	raw := "Here are the verdicts:\n```json\n" +
		`[{"item_id":"d1","category":"exempt","confidence":0.8}]` +
		"\n```\nLet me know if you need anything else."

	results, err := parseVerdicts(raw)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "exempt", results[0].Category)
}

func TestParseVerdictsRejectsNonJSON(t *testing.T) {
	_, err := parseVerdicts("I could not classify these items.")
	require.Error(t, err)

	_, err = parseVerdicts(`[{"item_id": broken`)
	require.Error(t, err)
}

func TestNewClassifierProviderSelection(t *testing.T) {
	logger := zap.NewNop()

	c, err := NewClassifier(&Config{Provider: "keyword", Logger: logger})
	require.NoError(t, err)
	assert.IsType(t, &KeywordClassifier{}, c)

	// Anthropic without a key degrades to the keyword fallback.
	c, err = NewClassifier(&Config{Provider: "anthropic", Logger: logger})
	require.NoError(t, err)
	assert.IsType(t, &KeywordClassifier{}, c)

	c, err = NewClassifier(&Config{Provider: "anthropic", APIKey: "sk-test", Model: "claude-sonnet-4-5", Logger: logger})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClassifier{}, c)

	_, err = NewClassifier(&Config{Provider: "oracle", Logger: logger})
	require.Error(t, err)
}

func TestBuildPrompt(t *testing.T) {
	prompt, err := buildPrompt("req-1", []ports.ClassifyItem{
		{ID: "d1", Kind: "document", Text: "budget spreadsheet"},
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "req-1")
	assert.Contains(t, prompt, `"budget spreadsheet"`)
}
