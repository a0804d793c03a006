// Package config provides environment-driven configuration for the
// requestflow service.
//
// All settings come from environment variables with sensible defaults;
// Load parses and validates them in one step.
package config
