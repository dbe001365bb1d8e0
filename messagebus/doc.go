// Package messagebus implements a rendezvous server that connects clients to
// services by service id and relays messages between them.
//
// The bus listens on two input channels, one for services and one for clients.
// A service registers a service id on the service channel. A client connects on
// the client channel naming a service id; the bus forwards the request to the
// service, waits for the service to confirm the client and from then on relays
// requests and responses. All sessions of either side share one input channel,
// so the bus multiplexes any number of logical connections over two endpoints.
//
// Requests relayed to a service always carry the session id of the client
// connection they arrived on. Ids claimed inside client envelopes are ignored.
//
// When a service disconnects, every client bound to it is disconnected. When a
// client disconnects, its service receives a DisconnectClient message.
//
// Each client gets two ordered dispatch queues, one towards its service and one
// towards itself, so one slow client does not hold up the others while its own
// messages stay in order.
//
// ServiceConnector and ClientConnector let applications use the bus as a
// connector.Factory: an input connector registers a service, and output
// connectors reach that service through the bus.
package messagebus
