package messagebus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/duplexbus/channel"
	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/pkg/observer"
	"github.com/c360/duplexbus/protocol"
	"github.com/c360/duplexbus/serializer"
)

const transport = "messagebus"

// ConnectorOptions configures connectors that reach services through a bus.
// ConnectTimeout bounds both opening the bus channel and waiting for the
// service to confirm a client.
type ConnectorOptions struct {
	connector.Options

	// Serializer must match the bus. Defaults to BinarySerializer.
	Serializer serializer.Serializer
}

// ConnectorFactory creates connectors whose address is a service id. Input
// connectors register that service with the bus; output connectors are its
// clients.
type ConnectorFactory struct {
	system         *channel.MessagingSystem
	serviceAddress string
	clientAddress  string
	opts           ConnectorOptions
}

// NewConnectorFactory returns a factory that opens bus channels through system.
// serviceAddress and clientAddress are the bus's two input channel addresses.
func NewConnectorFactory(system *channel.MessagingSystem, serviceAddress, clientAddress string,
	opts ConnectorOptions) *ConnectorFactory {
	if opts.Serializer == nil {
		opts.Serializer = BinarySerializer{}
	}
	return &ConnectorFactory{
		system:         system,
		serviceAddress: serviceAddress,
		clientAddress:  clientAddress,
		opts:           opts,
	}
}

// CreateOutputConnector returns a client of the service named by address.
func (f *ConnectorFactory) CreateOutputConnector(address, responseReceiverID string) (connector.OutputConnector, error) {
	if address == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty service id", errors.ErrInvalidConfig),
			"ConnectorFactory", "CreateOutputConnector", "validate address")
	}
	if responseReceiverID == "" {
		responseReceiverID = uuid.NewString()
	}
	opts := f.opts.Options.WithDefaults("messagebus-client-connector")
	return &ClientConnector{
		OutputBase:    connector.NewOutputBase(transport, responseReceiverID, opts),
		serviceID:     address,
		system:        f.system,
		clientAddress: f.clientAddress,
		ser:           f.opts.Serializer,
	}, nil
}

// CreateInputConnector returns a connector serving the service named by address.
func (f *ConnectorFactory) CreateInputConnector(address string) (connector.InputConnector, error) {
	if address == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty service id", errors.ErrInvalidConfig),
			"ConnectorFactory", "CreateInputConnector", "validate address")
	}
	opts := f.opts.Options.WithDefaults("messagebus-service-connector")
	return &ServiceConnector{
		InputBase:      connector.NewInputBase(transport, opts),
		serviceID:      address,
		system:         f.system,
		serviceAddress: f.serviceAddress,
		ser:            f.opts.Serializer,
	}, nil
}

// busLink is one output channel to the bus together with its event handles.
type busLink struct {
	ch       *channel.DuplexOutputChannel
	received observer.Handle
	closed   observer.Handle
}

func openLink(ctx context.Context, system *channel.MessagingSystem, address, id string,
	onMessage func(channel.MessageEvent), onClosed func(channel.ConnectionEvent)) (*busLink, error) {
	ch, err := system.CreateDuplexOutputChannelWithID(address, id)
	if err != nil {
		return nil, err
	}
	l := &busLink{
		ch:       ch,
		received: ch.ResponseMessageReceived().Subscribe(onMessage),
		closed:   ch.ConnectionClosed().Subscribe(onClosed),
	}
	if err := ch.OpenConnection(ctx); err != nil {
		l.detach()
		return nil, err
	}
	return l, nil
}

func (l *busLink) detach() {
	l.ch.ResponseMessageReceived().Unsubscribe(l.received)
	l.ch.ConnectionClosed().Unsubscribe(l.closed)
}

func (l *busLink) close() {
	l.detach()
	l.ch.CloseConnection()
}

func (l *busLink) send(ser serializer.Serializer, msg *Message) error {
	data, err := ser.Serialize(msg)
	if err != nil {
		return err
	}
	return l.ch.SendMessage(data)
}

func decodeEvent(ser serializer.Serializer, e channel.MessageEvent) (*Message, error) {
	data, err := serializer.Bytes(e.Payload)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := ser.Deserialize(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ClientConnector is an OutputConnector whose peer is a service behind the bus.
// OpenConnection returns once the service confirmed the client.
type ClientConnector struct {
	connector.OutputBase

	serviceID     string
	system        *channel.MessagingSystem
	clientAddress string
	ser           serializer.Serializer

	mu        sync.Mutex
	link      *busLink
	confirmed chan error
}

// OpenConnection connects to the bus, asks for the service and waits for the
// confirmation.
func (c *ClientConnector) OpenConnection(ctx context.Context, onResponse connector.ResponseHandler) error {
	if err := c.BeginOpen(onResponse); err != nil {
		return err
	}

	confirmed := make(chan error, 1)
	c.mu.Lock()
	c.confirmed = confirmed
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.Options.ConnectTimeout)
	defer cancel()

	link, err := openLink(dialCtx, c.system, c.clientAddress, c.ResponseReceiverID, c.onBusMessage, c.onBusClosed)
	if err != nil {
		c.AbortOpen()
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err),
			"messagebusOutputConnector", "OpenConnection", "open bus channel")
	}
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()

	err = c.SendFrame("open", nil, func([]byte) error {
		return link.send(c.ser, &Message{Kind: KindConnectClient, ID: c.serviceID})
	})
	if err != nil {
		c.AbortOpen()
		link.close()
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err),
			"messagebusOutputConnector", "OpenConnection", "request service "+c.serviceID)
	}

	var waitErr error
	select {
	case waitErr = <-confirmed:
	case <-dialCtx.Done():
		waitErr = dialCtx.Err()
		if ctx.Err() == nil {
			waitErr = fmt.Errorf("%w: service %s did not confirm within %v",
				errors.ErrConnectionTimeout, c.serviceID, c.Options.ConnectTimeout)
		}
	}
	if waitErr == nil {
		c.Logger.Debug("Connected to service", "service", c.serviceID, "session", c.ResponseReceiverID)
		return nil
	}

	c.AbortOpen()
	if c.IsConnected() {
		return nil
	}
	link.close()
	return errors.WrapTransient(waitErr, "messagebusOutputConnector", "OpenConnection", "wait for confirmation")
}

func (c *ClientConnector) signal(err error) {
	c.mu.Lock()
	confirmed := c.confirmed
	c.mu.Unlock()
	if confirmed == nil {
		return
	}
	select {
	case confirmed <- err:
	default:
	}
}

func (c *ClientConnector) onBusMessage(e channel.MessageEvent) {
	msg, err := decodeEvent(c.ser, e)
	if err != nil {
		c.Logger.Debug("Dropping undecodable bus message", "error", err)
		return
	}

	switch msg.Kind {
	case KindConfirmClient:
		if c.FinishOpen() {
			c.signal(nil)
		}
	case KindSendResponseMessage:
		if c.IsConnected() {
			c.Respond(&protocol.Message{
				Kind:               protocol.KindData,
				ResponseReceiverID: c.ResponseReceiverID,
				Payload:            msg.Payload,
			}, c.serviceID)
		}
	default:
		c.Logger.Debug("Ignoring bus message", "kind", msg.Kind.String())
	}
}

func (c *ClientConnector) onBusClosed(channel.ConnectionEvent) {
	if c.IsOpening() {
		c.signal(fmt.Errorf("%w: bus closed the connection to service %s", errors.ErrConnectFailure, c.serviceID))
		return
	}
	c.PeerClosed(func() {
		c.mu.Lock()
		link := c.link
		c.link = nil
		c.mu.Unlock()
		if link != nil {
			link.detach()
		}
	})
}

// SendRequestMessage relays payload to the service.
func (c *ClientConnector) SendRequestMessage(payload any) error {
	if err := c.CheckOpen("SendRequestMessage"); err != nil {
		return err
	}
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return errors.WrapInvalid(errors.ErrNotConnected, "messagebusOutputConnector", "SendRequestMessage",
			"check state")
	}

	msg := &Message{Kind: KindSendRequestMessage, ID: c.ResponseReceiverID, Payload: payload}
	err := c.SendFrame("data", nil, func([]byte) error { return link.send(c.ser, msg) })
	if err != nil {
		if errors.Is(err, errors.ErrSerialization) || errors.Is(err, errors.ErrUnsupportedPayload) {
			return err
		}
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"messagebusOutputConnector", "SendRequestMessage", "send to bus")
	}
	return nil
}

// CloseConnection leaves the service and closes the bus channel.
func (c *ClientConnector) CloseConnection() {
	if !c.BeginClose() {
		return
	}
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.mu.Unlock()
	if link != nil {
		link.close()
	}
	c.Logger.Debug("Disconnected from service", "service", c.serviceID, "session", c.ResponseReceiverID)
}

// clientSession is a client of the service as seen through the bus.
type clientSession struct {
	id      string
	service *ServiceConnector
}

func (s *clientSession) ID() string      { return s.id }
func (s *clientSession) Address() string { return s.id }
func (s *clientSession) Close() error    { return nil }

func (s *clientSession) Send(frame []byte) error {
	link := s.service.currentLink()
	if link == nil {
		return errors.ErrNotListening
	}
	return link.ch.SendMessage(frame)
}

// ServiceConnector is an InputConnector that registers a service with the bus.
// Each bus client appears as one session.
type ServiceConnector struct {
	connector.InputBase

	serviceID      string
	system         *channel.MessagingSystem
	serviceAddress string
	ser            serializer.Serializer

	mu   sync.Mutex
	link *busLink
}

// StartListening connects to the bus and registers the service.
func (s *ServiceConnector) StartListening(onMessage connector.MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		return errors.WrapInvalid(errors.ErrAlreadyListening, "messagebusInputConnector", "StartListening",
			"start listening")
	}

	s.SetHandler(onMessage)
	ctx, cancel := context.WithTimeout(context.Background(), s.Options.ConnectTimeout)
	defer cancel()

	link, err := openLink(ctx, s.system, s.serviceAddress, "", s.onBusMessage, s.onBusClosed)
	if err != nil {
		s.SetHandler(nil)
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectFailure, err),
			"messagebusInputConnector", "StartListening", "open bus channel")
	}
	if err := link.send(s.ser, &Message{Kind: KindRegisterService, ID: s.serviceID}); err != nil {
		link.close()
		s.SetHandler(nil)
		return errors.WrapTransient(err, "messagebusInputConnector", "StartListening",
			"register service "+s.serviceID)
	}
	s.link = link
	s.Logger.Info("Service registered with bus", "service", s.serviceID, "bus", s.serviceAddress)
	return nil
}

// StopListening unregisters the service. Its clients are disconnected by the bus.
func (s *ServiceConnector) StopListening() {
	s.mu.Lock()
	link := s.link
	s.link = nil
	s.mu.Unlock()
	if link == nil {
		return
	}

	link.close()
	s.drop()
	s.SetHandler(nil)
	s.Logger.Info("Service left bus", "service", s.serviceID)
}

// IsListening reports whether the service is registered.
func (s *ServiceConnector) IsListening() bool {
	return s.currentLink() != nil
}

func (s *ServiceConnector) currentLink() *busLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *ServiceConnector) drop() {
	for range s.Sessions.Drain() {
		s.Options.Metrics.SessionClosed(transport, "input")
	}
}

func (s *ServiceConnector) onBusMessage(e channel.MessageEvent) {
	msg, err := decodeEvent(s.ser, e)
	if err != nil {
		s.Logger.Debug("Dropping undecodable bus message", "error", err)
		return
	}

	switch msg.Kind {
	case KindConnectClient:
		session := &clientSession{id: msg.ID, service: s}
		if !s.Accept(session) {
			return
		}
		if err := s.send(&Message{Kind: KindConfirmClient, ID: msg.ID}); err != nil {
			s.Logger.Warn("Confirming client failed", "client", msg.ID, "error", err)
			s.Lost(session)
		}
	case KindSendRequestMessage:
		if _, ok := s.Sessions.Get(msg.ID); !ok {
			s.Logger.Debug("Request from unknown client", "client", msg.ID)
			return
		}
		s.Deliver(&protocol.Message{Kind: protocol.KindData, ResponseReceiverID: msg.ID, Payload: msg.Payload}, msg.ID)
	case KindDisconnectClient:
		if session, ok := s.Sessions.Get(msg.ID); ok {
			s.Lost(session)
		}
	default:
		s.Logger.Debug("Ignoring bus message", "kind", msg.Kind.String())
	}
}

// onBusClosed reports every client as closed once the bus drops the service.
func (s *ServiceConnector) onBusClosed(channel.ConnectionEvent) {
	s.mu.Lock()
	link := s.link
	s.link = nil
	s.mu.Unlock()
	if link == nil {
		return
	}
	link.detach()

	s.Logger.Warn("Bus closed the service connection", "service", s.serviceID)
	for _, session := range s.Sessions.Snapshot() {
		s.Lost(session)
	}
}

func (s *ServiceConnector) send(msg *Message) error {
	link := s.currentLink()
	if link == nil {
		return errors.ErrNotListening
	}
	return link.send(s.ser, msg)
}

// SendResponseMessage relays payload to one client.
func (s *ServiceConnector) SendResponseMessage(responseReceiverID string, payload any) error {
	session, ok := s.Sessions.Get(responseReceiverID)
	if !ok {
		return errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownSession, responseReceiverID),
			"messagebusInputConnector", "SendResponseMessage", "lookup session")
	}
	data, err := s.ser.Serialize(&Message{Kind: KindSendResponseMessage, ID: responseReceiverID, Payload: payload})
	if err != nil {
		return err
	}
	if err := session.Send(data); err != nil {
		s.Options.Metrics.Error(transport, errors.Classify(err).String())
		return errors.WrapTransient(err, "messagebusInputConnector", "SendResponseMessage", "send to bus")
	}
	s.Options.Metrics.FrameSent(transport, "data")
	return nil
}

// SendBroadcast relays payload to every client. Clients whose relay fails are
// reported closed.
func (s *ServiceConnector) SendBroadcast(payload any) error {
	sessions := s.Sessions.Snapshot()
	var errs []error
	for _, session := range sessions {
		if err := s.SendResponseMessage(session.ID(), payload); err != nil {
			if errors.Is(err, errors.ErrSerialization) || errors.Is(err, errors.ErrUnsupportedPayload) {
				return err
			}
			errs = append(errs, fmt.Errorf("session %s: %w", session.ID(), err))
			s.Lost(session)
		}
	}
	if len(errs) > 0 {
		return errors.WrapTransient(errors.Join(errs...), "messagebusInputConnector", "SendBroadcast",
			fmt.Sprintf("broadcast to %d of %d sessions", len(errs), len(sessions)))
	}
	return nil
}

// CloseConnection asks the bus to disconnect one client.
func (s *ServiceConnector) CloseConnection(responseReceiverID string) {
	if _, ok := s.Sessions.Remove(responseReceiverID); !ok {
		return
	}
	s.Options.Metrics.SessionClosed(transport, "input")
	if err := s.send(&Message{Kind: KindDisconnectClient, ID: responseReceiverID}); err != nil {
		s.Logger.Debug("Disconnect request not delivered", "client", responseReceiverID, "error", err)
	}
}

var (
	_ connector.Factory         = (*ConnectorFactory)(nil)
	_ connector.OutputConnector = (*ClientConnector)(nil)
	_ connector.InputConnector  = (*ServiceConnector)(nil)
)
