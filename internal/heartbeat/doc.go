// Package heartbeat runs the liveness loop for a set of peers.
//
// Ownership boundary:
// - one Endpoint and one liveness.Tracker per configured peer
//
// - the per-peer send, receive, timeout cycle on a shared tick
//
// - edge-triggered LossEvent/RecoveryEvent delivery to a Dispatcher
//
// Each peer runs on its own goroutine; peers share only the clock and the
// dispatcher. Within a peer one tick is strictly ordered: send if due, drain
// inbound tokens, then evaluate the timeout, so a reply that arrived during
// the tick is credited before the verdict.
package heartbeat
