// Package agent provides the base worker abstraction: a named unit of
// repeating work with a lifecycle state machine
// (idle → starting → running ⇄ paused → stopping → stopped, error from any
// active state, recovering during retries), exponential-backoff retry,
// heartbeat emission and event-driven hooks.
//
// Concrete workers implement Runner (plus the optional Starter/Stopper
// hooks) and are wrapped by New. The supervisor owns starting, stopping
// and restarting them.
package agent
