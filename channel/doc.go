// Package channel wraps connectors into duplex channels with typed events.
//
// A DuplexOutputChannel is one client session: it opens a connection, sends
// messages and raises an event for every response. A DuplexInputChannel serves
// many sessions and raises events when sessions connect, disconnect or send a
// message. Events are raised through a dispatch.Dispatcher, inline unless the
// MessagingSystem was configured otherwise.
//
// Closing a channel locally raises the closed or disconnected event as well,
// except DisconnectResponseReceiver, whose caller already knows the outcome.
package channel
