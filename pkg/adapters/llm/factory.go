package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/openrecords/requestflow/pkg/ports"
)

// Config holds classifier configuration.
type Config struct {
	Provider string
	APIKey   string
	Model    string
	Logger   *zap.Logger
}

// NewClassifier creates a classifier based on provider. An anthropic
// provider without an API key falls back to the keyword classifier.
func NewClassifier(cfg *Config) (ports.Classifier, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			cfg.Logger.Warn("no API key configured, using keyword classifier")
			return NewKeywordClassifier(), nil
		}
		return NewAnthropicClassifier(cfg.APIKey, cfg.Model, cfg.Logger)
	case "keyword":
		return NewKeywordClassifier(), nil
	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s", cfg.Provider)
	}
}
