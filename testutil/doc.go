// Package testutil provides helpers shared by duplexbus tests: recorders that
// collect delivered frames, a scriptable in-process InputConnector for fault
// injection, and local address helpers.
package testutil
