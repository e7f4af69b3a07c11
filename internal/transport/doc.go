// Package transport owns the heartbeat channel endpoints.
//
// Ownership boundary:
// - socket acquisition and release for one peer channel
//
// - bounded-wait token send/receive over datagram or stream transports
//
// - conversion of every I/O failure into a typed *Error
//
// - the passive responder run by the companion process
//
// An Endpoint is used by exactly one goroutine for I/O; Close may be called
// from any goroutine and unblocks in-flight reads.
package transport
