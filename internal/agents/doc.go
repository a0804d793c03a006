// Package agents contains the concrete worker agents of the requestflow
// service: the request monitor, document and email retrieval, the
// classifier and the deadline monitor. Each wraps the lifecycle machinery
// from internal/agent and communicates only through the event bus and the
// ports interfaces.
package agents
