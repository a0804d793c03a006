// Package events implements the in-process publish/subscribe bus that all
// agents and the supervisor communicate through. Agents never call each
// other directly; an event on the bus is the only cross-agent channel.
//
// Delivery is asynchronous: Publish enqueues onto a bounded queue and a
// single dispatcher goroutine fans each event out to matching subscribers.
// A bounded history buffer is kept for diagnostics.
package events
