// Package transport defines the transport contracts shared by the datagram
// and virtual-circuit implementations, the send-side framing they have in
// common, and the registry that keeps at most one circuit per
// (endpoint, priority).
//
// Key concepts:
// - Transport: a framed message channel (UDP datagrams, TCP, QUIC or
//   in-process streams from the mem package)
// - Sender: a unit of output invoked with exclusive access to the send buffer
// - Control: begin/end/flush surface handed to a Sender
// - Handler: connect, message and disconnect callbacks owned by the caller
// - Registry: cache of live circuits keyed by endpoint and priority
package transport
