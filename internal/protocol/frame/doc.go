// Package frame owns the heartbeat token wire format.
//
// A token is exactly TokenLen bytes: one marker byte followed by an 8-byte
// big-endian monotonic send timestamp. The same frame is used as a single
// datagram or as one write on a stream.
package frame
