// Package broker implements topic based publish and subscribe over duplex
// channels.
//
// A Broker listens on one input channel. Each connected session may subscribe
// to exact topics and to regular expression patterns. A published message is
// delivered to every session with an exact subscription equal to the topic or a
// pattern matching it, each session at most once: exact subscribers first, then
// pattern subscribers. The publisher is skipped unless NotifyPublisher is set.
//
// Patterns use RE2 syntax with unanchored matching, so "^sensor\." matches
// "sensor.temp" and "temp" matches "sensor.temp" as well.
//
// A session whose delivery fails is disconnected and loses all subscriptions.
// A pattern that fails to evaluate is removed. Neither affects delivery to the
// other subscribers of the same publish.
//
// The embedding application takes part through the Broker's local API, which
// acts on behalf of LocalSessionID and receives deliveries as MessageReceived
// events. Remote applications use a Client over an output channel.
package broker
