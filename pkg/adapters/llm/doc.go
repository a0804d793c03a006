// Package llm provides classifier implementations.
//
// The factory creates classifiers based on provider configuration.
// Currently supports:
//   - Anthropic Claude
//   - keyword matching (deterministic fallback)
package llm
