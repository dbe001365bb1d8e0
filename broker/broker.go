package broker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/duplexbus/channel"
	"github.com/c360/duplexbus/dispatch"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/health"
	"github.com/c360/duplexbus/metric"
	"github.com/c360/duplexbus/pkg/observer"
	"github.com/c360/duplexbus/serializer"
)

// LocalSessionID is the session the local API acts for.
const LocalSessionID = "duplexbus.broker.local"

// Options configures a Broker.
type Options struct {
	// NotifyPublisher delivers a message to its publisher when the publisher
	// is subscribed to the topic.
	NotifyPublisher bool

	// Serializer encodes broker envelopes. Defaults to BinarySerializer.
	Serializer serializer.Serializer

	// Matcher evaluates patterns. Defaults to a RegexMatcher.
	Matcher Matcher

	// Dispatchers gives every subscriber session its own ordered delivery
	// queue. Defaults to inline delivery on the publishing goroutine.
	Dispatchers dispatch.Factory

	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
}

// Subscription is one (topic or pattern, session) pair.
type Subscription struct {
	SessionID string
	Topic     string
	RegExp    bool
}

// SubscriptionEvent reports topics added to or removed from a session.
type SubscriptionEvent struct {
	SessionID string
	Topics    []string
	RegExp    bool
}

// PublishEvent is a message delivered to the local session.
type PublishEvent struct {
	PublisherID string
	Topic       string
	Payload     any
}

type sessionSet map[string]struct{}

// Broker routes published messages to subscribers.
type Broker struct {
	opts    Options
	logger  *slog.Logger
	ser     serializer.Serializer
	matcher Matcher

	mu      sync.Mutex
	exact   map[string]sessionSet // topic -> sessions
	regex   map[string]sessionSet // pattern -> sessions
	queues  map[string]dispatch.Dispatcher
	input   channel.InputChannel
	handles []func()

	metrics *brokerMetrics

	ClientSubscribed   *observer.Event[SubscriptionEvent]
	ClientUnsubscribed *observer.Event[SubscriptionEvent]
	MessageReceived    *observer.Event[PublishEvent]
}

// New returns a broker that is not attached to a channel. Its local API works
// without one.
func New(opts Options) (*Broker, error) {
	if opts.Serializer == nil {
		opts.Serializer = BinarySerializer{}
	}
	if opts.Dispatchers == nil {
		opts.Dispatchers = dispatch.InlineFactory()
	}
	if opts.Matcher == nil {
		m, err := NewRegexMatcher(DefaultPatternCacheSize, opts.Metrics)
		if err != nil {
			return nil, errors.Wrap(err, "Broker", "New", "create matcher")
		}
		opts.Matcher = m
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker")

	return &Broker{
		opts:               opts,
		logger:             logger,
		ser:                opts.Serializer,
		matcher:            opts.Matcher,
		exact:              make(map[string]sessionSet),
		regex:              make(map[string]sessionSet),
		queues:             make(map[string]dispatch.Dispatcher),
		metrics:            newBrokerMetrics(opts.Metrics),
		ClientSubscribed:   observer.New[SubscriptionEvent]("ClientSubscribed", logger),
		ClientUnsubscribed: observer.New[SubscriptionEvent]("ClientUnsubscribed", logger),
		MessageReceived:    observer.New[PublishEvent]("MessageReceived", logger),
	}, nil
}

// AttachDuplexInputChannel serves remote sessions on in, starting it if needed.
func (b *Broker) AttachDuplexInputChannel(in channel.InputChannel) error {
	b.mu.Lock()
	if b.input != nil {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyAttached, "Broker", "AttachDuplexInputChannel", "attach channel")
	}
	b.input = in
	connected := in.ResponseReceiverConnected().Subscribe(b.onConnected)
	received := in.MessageReceived().Subscribe(b.onMessage)
	disconnected := in.ResponseReceiverDisconnected().Subscribe(b.onDisconnected)
	b.handles = []func(){
		func() { in.ResponseReceiverConnected().Unsubscribe(connected) },
		func() { in.MessageReceived().Unsubscribe(received) },
		func() { in.ResponseReceiverDisconnected().Unsubscribe(disconnected) },
	}
	b.mu.Unlock()

	if !in.IsListening() {
		if err := in.StartListening(); err != nil {
			b.DetachDuplexInputChannel()
			return errors.Wrap(err, "Broker", "AttachDuplexInputChannel", "start "+in.ChannelID())
		}
	}
	b.logger.Info("Broker attached", "channel", in.ChannelID())
	return nil
}

// DetachDuplexInputChannel stops the channel and drops every remote
// subscription. Local subscriptions stay.
func (b *Broker) DetachDuplexInputChannel() {
	b.mu.Lock()
	in, handles := b.input, b.handles
	b.input, b.handles = nil, nil
	for _, set := range []map[string]sessionSet{b.exact, b.regex} {
		for topic, sessions := range set {
			for session := range sessions {
				if session != LocalSessionID {
					delete(sessions, session)
				}
			}
			if len(sessions) == 0 {
				delete(set, topic)
			}
		}
	}
	b.queues = make(map[string]dispatch.Dispatcher)
	b.updateCounts()
	b.mu.Unlock()

	if in == nil {
		return
	}
	for _, fn := range handles {
		fn()
	}
	in.StopListening()
	b.logger.Info("Broker detached")
}

// IsAttached reports whether the broker serves a channel.
func (b *Broker) IsAttached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.input != nil
}

// updateCounts must be called with b.mu held.
func (b *Broker) updateCounts() {
	if b.metrics == nil {
		return
	}
	exact, regex := 0, 0
	for _, s := range b.exact {
		exact += len(s)
	}
	for _, s := range b.regex {
		regex += len(s)
	}
	b.metrics.setSubscriptions(exact, regex)
}

func (b *Broker) set(regexp bool) map[string]sessionSet {
	if regexp {
		return b.regex
	}
	return b.exact
}

func (b *Broker) subscribe(session string, topics []string, regexp bool) error {
	var (
		valid []string
		errs  []error
	)
	for _, topic := range topics {
		if regexp {
			if err := b.matcher.Validate(topic); err != nil {
				b.logger.Warn("Rejecting invalid pattern", "session", session, "pattern", topic, "error", err)
				b.metrics.fail("invalid_pattern")
				errs = append(errs, err)
				continue
			}
		}
		valid = append(valid, topic)
	}

	var added []string
	b.mu.Lock()
	set := b.set(regexp)
	for _, topic := range valid {
		sessions, ok := set[topic]
		if !ok {
			sessions = make(sessionSet)
			set[topic] = sessions
		}
		if _, exists := sessions[session]; exists {
			continue
		}
		sessions[session] = struct{}{}
		added = append(added, topic)
	}
	b.updateCounts()
	b.mu.Unlock()

	if len(added) > 0 {
		b.logger.Debug("Subscribed", "session", session, "topics", added, "regexp", regexp)
		b.ClientSubscribed.Raise(SubscriptionEvent{SessionID: session, Topics: added, RegExp: regexp})
	}
	return errors.Join(errs...)
}

// unsubscribe removes the listed topics, or all of the session's topics in the
// set when topics is empty.
func (b *Broker) unsubscribe(session string, topics []string, regexp bool) {
	var removed []string
	b.mu.Lock()
	set := b.set(regexp)
	if len(topics) == 0 {
		for topic := range set {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
	}
	for _, topic := range topics {
		sessions, ok := set[topic]
		if !ok {
			continue
		}
		if _, exists := sessions[session]; !exists {
			continue
		}
		delete(sessions, session)
		if len(sessions) == 0 {
			delete(set, topic)
		}
		removed = append(removed, topic)
	}
	b.updateCounts()
	b.mu.Unlock()

	if len(removed) > 0 {
		b.logger.Debug("Unsubscribed", "session", session, "topics", removed, "regexp", regexp)
		b.ClientUnsubscribed.Raise(SubscriptionEvent{SessionID: session, Topics: removed, RegExp: regexp})
	}
}

func (b *Broker) unsubscribeAll(session string) {
	b.unsubscribe(session, nil, false)
	b.unsubscribe(session, nil, true)
}

// dropSession disconnects a remote session and removes its subscriptions.
func (b *Broker) dropSession(session string) {
	b.mu.Lock()
	in := b.input
	delete(b.queues, session)
	b.mu.Unlock()

	if in != nil && session != LocalSessionID {
		in.DisconnectResponseReceiver(session)
	}
	b.unsubscribeAll(session)
}

func sortedSessions(s sessionSet) []string {
	out := make([]string, 0, len(s))
	for session := range s {
		out = append(out, session)
	}
	sort.Strings(out)
	return out
}

type patternSub struct {
	pattern string
	session string
}

// match evaluates one pattern, turning a matcher panic into an error.
func (b *Broker) match(pattern, topic string) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched, err = false, fmt.Errorf("matcher panicked: %v", r)
		}
	}()
	return b.matcher.Match(pattern, topic)
}

// targets returns the sessions receiving a publish of topic: exact subscribers
// first, then pattern subscribers, each once and in sorted order within a group.
// Patterns that fail to evaluate are removed.
func (b *Broker) targets(publisher, topic string) []string {
	b.mu.Lock()
	exact := sortedSessions(b.exact[topic])
	var patterns []patternSub
	for pattern, sessions := range b.regex {
		for session := range sessions {
			patterns = append(patterns, patternSub{pattern: pattern, session: session})
		}
	}
	b.mu.Unlock()

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].session != patterns[j].session {
			return patterns[i].session < patterns[j].session
		}
		return patterns[i].pattern < patterns[j].pattern
	})

	seen := make(map[string]struct{}, len(exact))
	var out []string
	add := func(session string) {
		if session == publisher && !b.opts.NotifyPublisher {
			return
		}
		if _, dup := seen[session]; dup {
			return
		}
		seen[session] = struct{}{}
		out = append(out, session)
	}

	for _, session := range exact {
		add(session)
	}
	for _, p := range patterns {
		matched, err := b.match(p.pattern, topic)
		if err != nil {
			b.logger.Warn("Pattern failed to evaluate, removing subscription", "session", p.session,
				"pattern", p.pattern, "error", err)
			b.metrics.fail("pattern")
			b.unsubscribe(p.session, []string{p.pattern}, true)
			continue
		}
		if matched {
			add(p.session)
		}
	}
	return out
}

func (b *Broker) queue(session string) dispatch.Dispatcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[session]
	if !ok {
		q = b.opts.Dispatchers()
		b.queues[session] = q
	}
	return q
}

func (b *Broker) publish(publisher, topic string, payload any) error {
	data, err := b.ser.Serialize(&Message{Kind: KindPublish, Topics: []string{topic}, Payload: payload})
	if err != nil {
		return err
	}

	targets := b.targets(publisher, topic)
	b.metrics.publish()

	b.mu.Lock()
	in := b.input
	b.mu.Unlock()

	for _, session := range targets {
		if session == LocalSessionID {
			b.MessageReceived.Raise(PublishEvent{PublisherID: publisher, Topic: topic, Payload: payload})
			b.metrics.deliver()
			continue
		}
		if in == nil {
			continue
		}
		session := session
		b.queue(session).Invoke(func() {
			if err := in.SendResponseMessage(session, data); err != nil {
				b.logger.Warn("Delivery failed, disconnecting subscriber", "session", session, "topic", topic,
					"error", err)
				b.metrics.fail("send")
				b.dropSession(session)
				return
			}
			b.metrics.deliver()
		})
	}
	b.logger.Debug("Published", "publisher", publisher, "topic", topic, "subscribers", len(targets))
	return nil
}

// rejectReserved disconnects a remote session claiming the local session id.
// Its frames and its disconnect never touch local state.
func (b *Broker) rejectReserved(session string) bool {
	if session != LocalSessionID {
		return false
	}
	b.logger.Warn("Remote session claims the local session id, disconnecting", "session", session)
	b.metrics.fail("reserved_session")

	b.mu.Lock()
	in := b.input
	b.mu.Unlock()
	if in != nil {
		in.DisconnectResponseReceiver(session)
	}
	return true
}

func (b *Broker) onConnected(e channel.ConnectionEvent) {
	b.rejectReserved(e.ResponseReceiverID)
}

func (b *Broker) onMessage(e channel.MessageEvent) {
	session := e.ResponseReceiverID
	if b.rejectReserved(session) {
		return
	}
	data, err := serializer.Bytes(e.Payload)
	var msg Message
	if err == nil {
		err = b.ser.Deserialize(data, &msg)
	}
	if err != nil {
		b.logger.Warn("Undecodable broker message, disconnecting", "session", session, "error", err)
		b.metrics.fail("serialization")
		b.dropSession(session)
		return
	}

	switch msg.Kind {
	case KindPublish:
		if len(msg.Topics) == 0 {
			b.logger.Warn("Publish without topic", "session", session)
			return
		}
		if err := b.publish(session, msg.Topic(), msg.Payload); err != nil {
			b.logger.Warn("Publish failed", "session", session, "topic", msg.Topic(), "error", err)
		}
	case KindSubscribe:
		_ = b.subscribe(session, msg.Topics, false)
	case KindSubscribeRegExp:
		_ = b.subscribe(session, msg.Topics, true)
	case KindUnsubscribe:
		b.unsubscribe(session, msg.Topics, false)
	case KindUnsubscribeRegExp:
		b.unsubscribe(session, msg.Topics, true)
	case KindUnsubscribeAll:
		b.unsubscribeAll(session)
	default:
		b.logger.Warn("Unknown broker request, disconnecting", "session", session, "kind", msg.Kind)
		b.metrics.fail("protocol")
		b.dropSession(session)
	}
}

func (b *Broker) onDisconnected(e channel.ConnectionEvent) {
	if e.ResponseReceiverID == LocalSessionID {
		return
	}
	b.mu.Lock()
	delete(b.queues, e.ResponseReceiverID)
	b.mu.Unlock()
	b.unsubscribeAll(e.ResponseReceiverID)
}

// Publish delivers payload to the subscribers of topic on behalf of the local
// session. Payload must be a []byte or string.
func (b *Broker) Publish(topic string, payload any) error {
	return b.publish(LocalSessionID, topic, payload)
}

// Subscribe adds exact topics for the local session.
func (b *Broker) Subscribe(topics ...string) error {
	return b.subscribe(LocalSessionID, topics, false)
}

// SubscribeRegExp adds patterns for the local session. Invalid patterns are
// skipped and reported in the returned error.
func (b *Broker) SubscribeRegExp(patterns ...string) error {
	return b.subscribe(LocalSessionID, patterns, true)
}

// Unsubscribe removes exact topics of the local session, or all of them when
// none are given.
func (b *Broker) Unsubscribe(topics ...string) {
	b.unsubscribe(LocalSessionID, topics, false)
}

// UnsubscribeRegExp removes patterns of the local session, or all of them when
// none are given.
func (b *Broker) UnsubscribeRegExp(patterns ...string) {
	b.unsubscribe(LocalSessionID, patterns, true)
}

// UnsubscribeAll removes every subscription of the local session.
func (b *Broker) UnsubscribeAll() {
	b.unsubscribeAll(LocalSessionID)
}

// Subscriptions returns every subscription sorted by session, type and topic.
func (b *Broker) Subscriptions() []Subscription {
	b.mu.Lock()
	var out []Subscription
	for topic, sessions := range b.exact {
		for session := range sessions {
			out = append(out, Subscription{SessionID: session, Topic: topic})
		}
	}
	for pattern, sessions := range b.regex {
		for session := range sessions {
			out = append(out, Subscription{SessionID: session, Topic: pattern, RegExp: true})
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		if out[i].RegExp != out[j].RegExp {
			return !out[i].RegExp
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

// Health reports whether the broker is attached and how many subscriptions it
// holds.
func (b *Broker) Health() health.Status {
	subs := b.Subscriptions()
	sessions := make(map[string]struct{})
	for _, s := range subs {
		sessions[s.SessionID] = struct{}{}
	}
	if !b.IsAttached() {
		return health.NewUnhealthy("broker", "not attached").WithDetail("subscriptions", len(subs))
	}
	return health.NewHealthy("broker", fmt.Sprintf("%d subscriptions", len(subs))).
		WithDetail("subscriptions", len(subs)).
		WithDetail("sessions", len(sessions))
}
