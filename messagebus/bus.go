package messagebus

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

// Options configures a Bus.
type Options struct {
	// Serializer encodes bus envelopes. Defaults to BinarySerializer.
	Serializer serializer.Serializer

	// MaxClientsPerService disconnects clients beyond this many per service.
	// Zero means unlimited.
	MaxClientsPerService int

	// ToServiceDispatchers and ToClientDispatchers create the two per-client
	// queues. Each call must return a new ordered dispatcher. Both default to
	// inline queues.
	ToServiceDispatchers dispatch.Factory
	ToClientDispatchers  dispatch.Factory

	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
}

// ServiceEvent reports a service registration change.
type ServiceEvent struct {
	ServiceID        string
	ServiceSessionID string
}

// ClientEvent reports a client binding change.
type ClientEvent struct {
	ClientSessionID  string
	ServiceID        string
	ServiceSessionID string
}

// RelayEvent reports a relayed message.
type RelayEvent struct {
	ClientSessionID string
	ServiceID       string
	Payload         any
}

type serviceContext struct {
	serviceID string
	sessionID string
}

type clientContext struct {
	sessionID        string
	serviceID        string
	serviceSessionID string
	bound            bool
	toService        dispatch.Dispatcher
	toClient         dispatch.Dispatcher
}

// Bus connects clients to services and relays between them.
type Bus struct {
	opts   Options
	logger *slog.Logger
	ser    serializer.Serializer

	mu                sync.Mutex
	services          map[string]*serviceContext // by service id
	servicesBySession map[string]*serviceContext
	clients           map[string]*clientContext // by client session id

	serviceInput channel.InputChannel
	clientInput  channel.InputChannel
	handles      []func()

	metrics *busMetrics

	ServiceRegistered    *observer.Event[ServiceEvent]
	ServiceUnregistered  *observer.Event[ServiceEvent]
	ClientConnected      *observer.Event[ClientEvent]
	ClientDisconnected   *observer.Event[ClientEvent]
	MessageToServiceSent *observer.Event[RelayEvent]
	MessageToClientSent  *observer.Event[RelayEvent]
}

// New returns a bus that is not attached to any channels.
func New(opts Options) *Bus {
	if opts.Serializer == nil {
		opts.Serializer = BinarySerializer{}
	}
	if opts.ToServiceDispatchers == nil {
		opts.ToServiceDispatchers = dispatch.InlineFactory()
	}
	if opts.ToClientDispatchers == nil {
		opts.ToClientDispatchers = dispatch.InlineFactory()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "messagebus")

	return &Bus{
		opts:                 opts,
		logger:               logger,
		ser:                  opts.Serializer,
		services:             make(map[string]*serviceContext),
		servicesBySession:    make(map[string]*serviceContext),
		clients:              make(map[string]*clientContext),
		metrics:              newBusMetrics(opts.Metrics),
		ServiceRegistered:    observer.New[ServiceEvent]("ServiceRegistered", logger),
		ServiceUnregistered:  observer.New[ServiceEvent]("ServiceUnregistered", logger),
		ClientConnected:      observer.New[ClientEvent]("ClientConnected", logger),
		ClientDisconnected:   observer.New[ClientEvent]("ClientDisconnected", logger),
		MessageToServiceSent: observer.New[RelayEvent]("MessageToServiceSent", logger),
		MessageToClientSent:  observer.New[RelayEvent]("MessageToClientSent", logger),
	}
}

// AttachDuplexInputChannels starts serving services on serviceInput and
// clients on clientInput. Channels that are not listening yet are started.
func (b *Bus) AttachDuplexInputChannels(serviceInput, clientInput channel.InputChannel) error {
	b.mu.Lock()
	if b.serviceInput != nil {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyAttached, "Bus", "AttachDuplexInputChannels", "attach channels")
	}
	b.serviceInput = serviceInput
	b.clientInput = clientInput

	sh1 := serviceInput.MessageReceived().Subscribe(b.onServiceMessage)
	sh2 := serviceInput.ResponseReceiverDisconnected().Subscribe(b.onServiceDisconnected)
	ch1 := clientInput.MessageReceived().Subscribe(b.onClientMessage)
	ch2 := clientInput.ResponseReceiverDisconnected().Subscribe(b.onClientDisconnected)
	b.handles = []func(){
		func() { serviceInput.MessageReceived().Unsubscribe(sh1) },
		func() { serviceInput.ResponseReceiverDisconnected().Unsubscribe(sh2) },
		func() { clientInput.MessageReceived().Unsubscribe(ch1) },
		func() { clientInput.ResponseReceiverDisconnected().Unsubscribe(ch2) },
	}
	b.mu.Unlock()

	for _, in := range []channel.InputChannel{serviceInput, clientInput} {
		if in.IsListening() {
			continue
		}
		if err := in.StartListening(); err != nil {
			b.DetachDuplexInputChannels()
			return errors.Wrap(err, "Bus", "AttachDuplexInputChannels", "start "+in.ChannelID())
		}
	}

	b.logger.Info("Message bus attached", "service_channel", serviceInput.ChannelID(),
		"client_channel", clientInput.ChannelID())
	return nil
}

// DetachDuplexInputChannels stops both channels and forgets every service and
// client.
func (b *Bus) DetachDuplexInputChannels() {
	b.mu.Lock()
	serviceInput, clientInput := b.serviceInput, b.clientInput
	handles := b.handles
	b.serviceInput, b.clientInput, b.handles = nil, nil, nil
	b.services = make(map[string]*serviceContext)
	b.servicesBySession = make(map[string]*serviceContext)
	b.clients = make(map[string]*clientContext)
	b.metrics.setCounts(0, 0)
	b.mu.Unlock()

	if serviceInput == nil {
		return
	}
	for _, unsubscribe := range handles {
		unsubscribe()
	}
	serviceInput.StopListening()
	clientInput.StopListening()
	b.logger.Info("Message bus detached")
}

// IsAttached reports whether the bus serves channels.
func (b *Bus) IsAttached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serviceInput != nil
}

func (b *Bus) channels() (channel.InputChannel, channel.InputChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serviceInput, b.clientInput
}

// updateCounts must be called with b.mu held.
func (b *Bus) updateCounts() {
	b.metrics.setCounts(len(b.services), len(b.clients))
}

func (b *Bus) send(in channel.InputChannel, sessionID string, msg *Message) error {
	if in == nil {
		return errors.ErrNotAttached
	}
	data, err := b.ser.Serialize(msg)
	if err != nil {
		return err
	}
	return in.SendResponseMessage(sessionID, data)
}

func (b *Bus) decode(payload any) (*Message, error) {
	data, err := serializer.Bytes(payload)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := b.ser.Deserialize(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *Bus) onServiceMessage(e channel.MessageEvent) {
	msg, err := b.decode(e.Payload)
	if err != nil {
		b.logger.Warn("Undecodable message from service, disconnecting", "session", e.ResponseReceiverID,
			"error", err)
		b.metrics.reject("serialization")
		b.disconnectService(e.ResponseReceiverID)
		return
	}

	switch msg.Kind {
	case KindRegisterService:
		b.registerService(msg.ID, e.ResponseReceiverID)
	case KindConfirmClient:
		b.confirmClient(e.ResponseReceiverID, msg.ID)
	case KindSendResponseMessage:
		b.relayToClient(e.ResponseReceiverID, msg)
	case KindDisconnectClient:
		b.disconnectClientByService(e.ResponseReceiverID, msg.ID)
	default:
		b.logger.Warn("Unexpected message from service", "session", e.ResponseReceiverID,
			"kind", msg.Kind.String())
	}
}

func (b *Bus) onClientMessage(e channel.MessageEvent) {
	msg, err := b.decode(e.Payload)
	if err != nil {
		b.logger.Warn("Undecodable message from client, disconnecting", "session", e.ResponseReceiverID,
			"error", err)
		b.metrics.reject("serialization")
		b.dropClient(e.ResponseReceiverID, true)
		return
	}

	switch msg.Kind {
	case KindConnectClient:
		b.connectClient(e.ResponseReceiverID, msg.ID)
	case KindSendRequestMessage:
		b.relayToService(e.ResponseReceiverID, msg)
	default:
		b.logger.Warn("Unexpected message from client", "session", e.ResponseReceiverID,
			"kind", msg.Kind.String())
	}
}

func (b *Bus) onServiceDisconnected(e channel.ConnectionEvent) {
	b.unregisterService(e.ResponseReceiverID)
}

func (b *Bus) onClientDisconnected(e channel.ConnectionEvent) {
	b.removeClient(e.ResponseReceiverID, true)
}

func (b *Bus) registerService(serviceID, sessionID string) {
	b.mu.Lock()
	existing, idTaken := b.services[serviceID]
	current, sessionTaken := b.servicesBySession[sessionID]

	switch {
	case idTaken && existing.sessionID == sessionID:
		b.mu.Unlock()
		return
	case idTaken || sessionTaken:
		b.mu.Unlock()
		if idTaken {
			b.logger.Warn("Service id already registered by another session", "service", serviceID,
				"session", sessionID)
		} else {
			b.logger.Warn("Session already registered another service", "service", serviceID,
				"registered", current.serviceID, "session", sessionID)
		}
		b.metrics.reject("duplicate_service")
		b.disconnectService(sessionID)
		return
	}

	svc := &serviceContext{serviceID: serviceID, sessionID: sessionID}
	b.services[serviceID] = svc
	b.servicesBySession[sessionID] = svc
	b.updateCounts()
	b.mu.Unlock()

	b.logger.Info("Service registered", "service", serviceID, "session", sessionID)
	b.ServiceRegistered.Raise(ServiceEvent{ServiceID: serviceID, ServiceSessionID: sessionID})
}

// disconnectService drops the service session and cascades to its clients.
func (b *Bus) disconnectService(sessionID string) {
	serviceInput, _ := b.channels()
	if serviceInput != nil {
		serviceInput.DisconnectResponseReceiver(sessionID)
	}
	b.unregisterService(sessionID)
}

// unregisterService removes the service registered by sessionID together with
// every client bound to it, then disconnects those clients.
func (b *Bus) unregisterService(sessionID string) {
	b.mu.Lock()
	svc, ok := b.servicesBySession[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.servicesBySession, sessionID)
	delete(b.services, svc.serviceID)

	var dropped []*clientContext
	for id, c := range b.clients {
		if c.serviceSessionID == sessionID {
			dropped = append(dropped, c)
			delete(b.clients, id)
		}
	}
	b.updateCounts()
	clientInput := b.clientInput
	b.mu.Unlock()

	b.logger.Info("Service unregistered", "service", svc.serviceID, "session", sessionID,
		"clients", len(dropped))

	for _, c := range dropped {
		c := c
		c.toClient.Invoke(func() {
			if clientInput != nil {
				clientInput.DisconnectResponseReceiver(c.sessionID)
			}
		})
		b.ClientDisconnected.Raise(ClientEvent{ClientSessionID: c.sessionID, ServiceID: c.serviceID,
			ServiceSessionID: sessionID})
	}
	b.ServiceUnregistered.Raise(ServiceEvent{ServiceID: svc.serviceID, ServiceSessionID: sessionID})
}

func (b *Bus) connectClient(clientID, serviceID string) {
	b.mu.Lock()
	if existing, ok := b.clients[clientID]; ok {
		b.mu.Unlock()
		b.logger.Warn("Client already connected", "client", clientID, "service", existing.serviceID,
			"requested", serviceID)
		return
	}

	svc, ok := b.services[serviceID]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("Client requested unknown service, disconnecting", "client", clientID, "service", serviceID)
		b.metrics.reject("unknown_service")
		b.disconnectClientSession(clientID)
		return
	}

	if limit := b.opts.MaxClientsPerService; limit > 0 && b.countClients(svc.sessionID) >= limit {
		b.mu.Unlock()
		b.logger.Warn("Service has reached its client limit, disconnecting client", "client", clientID,
			"service", serviceID, "max", limit)
		b.metrics.reject("client_limit")
		b.disconnectClientSession(clientID)
		return
	}

	c := &clientContext{
		sessionID:        clientID,
		serviceID:        serviceID,
		serviceSessionID: svc.sessionID,
		toService:        b.opts.ToServiceDispatchers(),
		toClient:         b.opts.ToClientDispatchers(),
	}
	b.clients[clientID] = c
	b.updateCounts()
	serviceInput := b.serviceInput
	b.mu.Unlock()

	b.logger.Debug("Client connecting", "client", clientID, "service", serviceID)
	b.ClientConnected.Raise(ClientEvent{ClientSessionID: clientID, ServiceID: serviceID,
		ServiceSessionID: svc.sessionID})

	c.toService.Invoke(func() {
		err := b.send(serviceInput, c.serviceSessionID, &Message{Kind: KindConnectClient, ID: clientID})
		if err != nil {
			// The service is presumed busy, not gone; only the client is dropped.
			b.logger.Warn("Forwarding client connection to service failed", "client", clientID,
				"service", serviceID, "error", err)
			b.dropClient(clientID, false)
		}
	})
}

// countClients must be called with b.mu held.
func (b *Bus) countClients(serviceSessionID string) int {
	n := 0
	for _, c := range b.clients {
		if c.serviceSessionID == serviceSessionID {
			n++
		}
	}
	return n
}

// clientOf returns the client bound to the service session, or nil.
func (b *Bus) clientOf(serviceSessionID, clientID string) *clientContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[clientID]
	if !ok || c.serviceSessionID != serviceSessionID {
		return nil
	}
	return c
}

func (b *Bus) confirmClient(serviceSessionID, clientID string) {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	if !ok || c.serviceSessionID != serviceSessionID {
		b.mu.Unlock()
		b.logger.Debug("Confirmation for unknown client", "client", clientID, "service_session", serviceSessionID)
		return
	}
	c.bound = true
	clientInput := b.clientInput
	b.mu.Unlock()

	c.toClient.Invoke(func() {
		if err := b.send(clientInput, clientID, &Message{Kind: KindConfirmClient, ID: clientID}); err != nil {
			b.logger.Warn("Confirming client failed", "client", clientID, "error", err)
			b.dropClient(clientID, true)
		}
	})
}

func (b *Bus) relayToService(clientID string, msg *Message) {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	serviceInput := b.serviceInput
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("Request from client without a service, disconnecting", "client", clientID)
		b.metrics.reject("not_connected")
		b.disconnectClientSession(clientID)
		return
	}

	// The session the frame arrived on is the only trusted identity.
	relayed := &Message{Kind: KindSendRequestMessage, ID: clientID, Payload: msg.Payload}
	c.toService.Invoke(func() {
		if err := b.send(serviceInput, c.serviceSessionID, relayed); err != nil {
			b.logger.Warn("Relaying request to service failed, disconnecting client", "client", clientID,
				"service", c.serviceID, "error", err)
			b.dropClient(clientID, false)
			return
		}
		b.metrics.relay("to_service")
		b.MessageToServiceSent.Raise(RelayEvent{ClientSessionID: clientID, ServiceID: c.serviceID,
			Payload: relayed.Payload})
	})
}

func (b *Bus) relayToClient(serviceSessionID string, msg *Message) {
	c := b.clientOf(serviceSessionID, msg.ID)
	if c == nil {
		b.logger.Debug("Response for a client not bound to this service", "client", msg.ID,
			"service_session", serviceSessionID)
		return
	}
	_, clientInput := b.channels()

	relayed := &Message{Kind: KindSendResponseMessage, ID: c.sessionID, Payload: msg.Payload}
	c.toClient.Invoke(func() {
		if err := b.send(clientInput, c.sessionID, relayed); err != nil {
			b.logger.Warn("Relaying response to client failed, disconnecting client", "client", c.sessionID,
				"error", err)
			b.dropClient(c.sessionID, true)
			return
		}
		b.metrics.relay("to_client")
		b.MessageToClientSent.Raise(RelayEvent{ClientSessionID: c.sessionID, ServiceID: c.serviceID,
			Payload: relayed.Payload})
	})
}

func (b *Bus) disconnectClientByService(serviceSessionID, clientID string) {
	if b.clientOf(serviceSessionID, clientID) == nil {
		return
	}
	b.logger.Debug("Service disconnects client", "client", clientID)
	b.dropClient(clientID, false)
}

// dropClient disconnects the client session and forgets it. notifyService
// tells the service the client is gone.
func (b *Bus) dropClient(clientID string, notifyService bool) {
	c := b.removeClient(clientID, notifyService)
	if c == nil {
		b.disconnectClientSession(clientID)
		return
	}
	c.toClient.Invoke(func() { b.disconnectClientSession(clientID) })
}

func (b *Bus) disconnectClientSession(clientID string) {
	_, clientInput := b.channels()
	if clientInput != nil {
		clientInput.DisconnectResponseReceiver(clientID)
	}
}

// removeClient forgets the client and, if asked and the service is still
// registered, sends DisconnectClient to the service.
func (b *Bus) removeClient(clientID string, notifyService bool) *clientContext {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.clients, clientID)
	b.updateCounts()
	_, serviceAlive := b.servicesBySession[c.serviceSessionID]
	serviceInput := b.serviceInput
	b.mu.Unlock()

	b.logger.Debug("Client disconnected", "client", clientID, "service", c.serviceID)
	if notifyService && serviceAlive {
		c.toService.Invoke(func() {
			err := b.send(serviceInput, c.serviceSessionID, &Message{Kind: KindDisconnectClient, ID: clientID})
			if err != nil {
				b.logger.Debug("Notifying service of client disconnect failed", "client", clientID, "error", err)
			}
		})
	}
	b.ClientDisconnected.Raise(ClientEvent{ClientSessionID: clientID, ServiceID: c.serviceID,
		ServiceSessionID: c.serviceSessionID})
	return c
}

// RegisteredServices returns the registered service ids, sorted.
func (b *Bus) RegisteredServices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.services))
	for id := range b.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectedClients returns the session ids of clients bound to serviceID, sorted.
func (b *Bus) ConnectedClients(serviceID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, c := range b.clients {
		if c.serviceID == serviceID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ConnectedClientCount returns the number of clients bound to serviceID.
func (b *Bus) ConnectedClientCount(serviceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.clients {
		if c.serviceID == serviceID {
			n++
		}
	}
	return n
}

// Health reports whether the bus is attached and how much it serves.
func (b *Bus) Health() health.Status {
	b.mu.Lock()
	attached := b.serviceInput != nil
	services, clients := len(b.services), len(b.clients)
	pending := 0
	for _, c := range b.clients {
		if !c.bound {
			pending++
		}
	}
	b.mu.Unlock()

	if !attached {
		return health.NewUnhealthy("messagebus", "not attached")
	}
	return health.NewHealthy("messagebus", fmt.Sprintf("%d services, %d clients", services, clients)).
		WithDetail("services", services).
		WithDetail("clients", clients).
		WithDetail("pending_clients", pending)
}
