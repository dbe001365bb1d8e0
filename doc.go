// Package duplexbus provides duplex messaging middleware: request/response
// channels over pluggable transports, a message bus that routes clients to
// named services, and a topic broker with exact and regular expression
// subscriptions.
//
// # Architecture
//
// Everything above the wire speaks in typed protocol messages. Connectors own
// the wire; channels own the conversation; the bus and the broker are
// applications built from channels.
//
//	┌─────────────────────────────────────┐
//	│     Message Bus        Broker       │  Service routing,
//	│ (services, clients)  (topics)       │  pub/sub fan-out
//	└─────────────────────────────────────┘
//	           ↓ built on
//	┌─────────────────────────────────────┐
//	│         Duplex Channels             │  Input/output channels,
//	│  (messaging system, dispatchers)    │  response receiver IDs
//	└─────────────────────────────────────┘
//	           ↓ send through
//	┌─────────────────────────────────────┐
//	│           Connectors                │  tcp, udp, websocket,
//	│   (input/output, per transport)     │  nats, memory
//	└─────────────────────────────────────┘
//	           ↓ encode with
//	┌─────────────────────────────────────┐
//	│       Protocol Formatters           │  binary, easy
//	└─────────────────────────────────────┘
//
// # Message Bus
//
// Services register under an ID on the service-facing channel. Clients open a
// connection on the client-facing channel naming the service they want; the
// bus allocates a per-client ID, forwards the open to the service, and relays
// messages both ways until either side disconnects.
//
//	┌────────┐  open "echo"  ┌─────────┐  open client-7  ┌─────────┐
//	│ Client ├──────────────►│   Bus   ├────────────────►│ Service │
//	│        │◄──────────────┤         │◄────────────────┤  "echo" │
//	└────────┘   response    └─────────┘    response     └─────────┘
//
// # Broker
//
// Clients subscribe to topics by exact name or by regular expression and
// publish to a single topic. The broker forwards each publish to every
// subscriber whose topic matches, optionally including the publisher.
//
// # Packages
//
// Core:
//   - protocol: Wire messages and the binary and easy formatters
//   - connector: Transport-neutral connector contracts and options
//   - connector/tcp, udp, websocket, nats, memory: Transports
//   - channel: Duplex input/output channels and the messaging system
//   - dispatch: Inline, dedicated and pooled event dispatchers
//   - messagebus: Service/client routing and the bus connector factory
//   - broker: Topic matching, the broker service and its client
//   - serializer: Payload serialization for bus and broker messages
//
// Infrastructure:
//   - config: Layered file, .env and environment configuration
//   - errors: Classified errors and connect retry policy
//   - health: Component health status and aggregation
//   - metric: Prometheus registry and the metrics/health HTTP server
//   - natsclient: Managed NATS connection for the nats transport
//   - pkg/tlsutil: TLS listener and dialer configuration
//   - testutil: Free addresses, mock connectors and recorders for tests
//
// The cmd/duplexbus binary hosts a bus, a broker, or both.
package duplexbus
