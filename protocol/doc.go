// Package protocol defines the frames exchanged by duplex connectors and the
// formatters that put them on the wire.
//
// A frame is one of three kinds: Open announces a new session, Close ends it and
// Data carries a payload. Every frame names the session it belongs to by its
// response receiver id. Payloads are either []byte or string.
//
// BinaryFormatter writes explicit Open and Close frames and therefore works over
// connectionless transports. EasyFormatter writes only data frames; it relies on
// the transport (a TCP socket, a websocket) to convey the session lifecycle.
package protocol
