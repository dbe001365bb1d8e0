// Package retry runs an operation with exponential backoff until it succeeds, the
// attempts are exhausted, the error is marked non-retryable, or the context ends.
//
// Connectors use it while dialing and while waiting for a transport to come up:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    conn, err = dialer.DialContext(ctx, "tcp", address)
//	    return err
//	})
package retry
