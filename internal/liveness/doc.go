// Package liveness holds the per-peer liveness state machine.
//
// A Tracker decides when a heartbeat is due and when silence has lasted long
// enough to declare the peer lost. Loss and recovery are edge-triggered: each
// is reported once per episode no matter how often the tracker is polled.
//
// Trackers never read a clock themselves; callers pass the instant being
// evaluated, which keeps the state machine deterministic under test.
package liveness
