// Package natsclient manages the NATS connection behind the NATS connector.
//
// Client wraps a *nats.Conn with connection status tracking, a circuit breaker
// that stops hammering an unreachable server, and subscription bookkeeping so
// Close can drain everything it created.
//
//	client, err := natsclient.NewClient("nats://localhost:4222", natsclient.WithName("bus"))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	sub, err := client.Subscribe("calc", func(data []byte) { ... })
//
// Integration tests start a real server with testcontainers through TestClient
// and are guarded by the integration build tag.
package natsclient
