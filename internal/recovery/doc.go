// Package recovery turns peer loss and recovery edges into operator-visible
// actions.
//
// Ownership boundary:
// - one episode per peer between a loss and its recovery
//
// - gating reports on host process activity
//
// - one log message per edge and at most one successful reload per episode
//
// Dispatcher callbacks never block the heartbeat loop: reloads run on a
// bounded worker pool.
package recovery
