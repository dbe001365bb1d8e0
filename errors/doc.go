// Package errors provides the error taxonomy shared by duplexbus connectors, the
// message bus and the broker.
//
// # Classification
//
// Every error surfaced by the library falls into one of three classes:
//
//   - Transient: transport failures, lost connections and timeouts. The caller may
//     reopen the connection and try again.
//   - Invalid: malformed frames, unsupported payloads, bad patterns and operations
//     attempted in the wrong state. Retrying the same call will fail the same way.
//   - Fatal: bind failures and configuration errors detected at startup.
//
// # Sentinels
//
// Sentinel variables name the concrete condition and are matched with errors.Is:
//
//	if errors.Is(err, errors.ErrNotConnected) {
//	    // reopen the output channel
//	}
//
// # Wrapping
//
// Wrap and its classified variants add component context using the pattern
// "component.method: action failed: cause":
//
//	return errors.WrapInvalid(errors.ErrProtocol, "BinaryFormatter", "Decode", "read frame kind")
package errors
