// Package supervisor implements the master orchestrator: it owns the
// event bus and a fixed set of agents, starts and stops them together,
// health-checks them on an interval and restarts failed agents up to a
// configured bound.
package supervisor
