package llm

import (
	"context"
	"strings"

	"github.com/openrecords/requestflow/pkg/ports"
)

// KeywordClassifier is a deterministic fallback classifier used when no
// API key is configured. It flags items containing exemption keywords for
// review and marks everything else responsive.
type KeywordClassifier struct {
	exemptTerms []string
}

// NewKeywordClassifier creates a classifier with the default exemption
// term list.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		exemptTerms: []string{
			"privileged",
			"attorney-client",
			"personnel file",
			"medical",
			"ssn",
			"social security",
			"confidential",
		},
	}
}

// Classify assigns a category to each item by keyword matching.
func (k *KeywordClassifier) Classify(ctx context.Context, requestID string, items []ports.ClassifyItem) ([]ports.Classification, error) {
	results := make([]ports.Classification, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text := strings.ToLower(item.Text)
		c := ports.Classification{
			ItemID:     item.ID,
			Category:   "responsive",
			Confidence: 0.5,
			Rationale:  "keyword scan found no exemption terms",
		}
		for _, term := range k.exemptTerms {
			if strings.Contains(text, term) {
				c.Category = "review"
				c.Confidence = 0.6
				c.Rationale = "matched exemption term: " + term
				break
			}
		}
		results = append(results, c)
	}
	return results, nil
}
