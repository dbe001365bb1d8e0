// Package udp implements duplex connectors over UDP datagrams.
//
// UDP has no connections, so sessions are established with frames. The output
// connector sends an open frame and waits for the input connector to echo it
// back. Every later datagram carries the session id, which the input side checks
// against the peer address it recorded at open time. Datagrams for unknown
// sessions are ignored.
//
// The formatter must write open and close frames; the easy formatter cannot be
// used with this transport. One frame must fit in one datagram.
//
// Optional SessionTimeout closes sessions that sent nothing for that long.
// Clients that only listen should keep their session alive with traffic of
// their own.
package udp
