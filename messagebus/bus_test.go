package messagebus

import (
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/channel"
	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/metric"
	"github.com/c360/duplexbus/testutil"
)

type fixture struct {
	bus      *Bus
	services *testutil.MockInputConnector
	clients  *testutil.MockInputConnector
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		bus:      New(opts),
		services: testutil.NewMockInputConnector(),
		clients:  testutil.NewMockInputConnector(),
	}
	require.NoError(t, f.bus.AttachDuplexInputChannels(
		channel.NewDuplexInputChannel("bus-services", f.services, nil, nil),
		channel.NewDuplexInputChannel("bus-clients", f.clients, nil, nil),
	))
	t.Cleanup(f.bus.DetachDuplexInputChannels)
	return f
}

func send(t *testing.T, mock *testutil.MockInputConnector, id string, msg Message) {
	t.Helper()
	data, err := BinarySerializer{}.Serialize(msg)
	require.NoError(t, err)
	mock.Data(id, data)
}

func received(t *testing.T, mock *testutil.MockInputConnector, id string) []Message {
	t.Helper()
	var out []Message
	for _, payload := range mock.SentTo(id) {
		var msg Message
		require.NoError(t, BinarySerializer{}.Deserialize(payload.([]byte), &msg))
		out = append(out, msg)
	}
	return out
}

// register opens a service session and registers serviceID on it.
func (f *fixture) register(t *testing.T, session, serviceID string) {
	t.Helper()
	f.services.Open(session)
	send(t, f.services, session, Message{Kind: KindRegisterService, ID: serviceID})
}

// connect opens a client session and binds it to serviceID.
func (f *fixture) connect(t *testing.T, client, serviceID string) {
	t.Helper()
	f.clients.Open(client)
	send(t, f.clients, client, Message{Kind: KindConnectClient, ID: serviceID})
}

func TestBus_Handshake(t *testing.T) {
	f := newFixture(t, Options{})
	var connected []ClientEvent
	f.bus.ClientConnected.Subscribe(func(e ClientEvent) { connected = append(connected, e) })

	f.register(t, "s1", "calc")
	assert.Equal(t, []string{"calc"}, f.bus.RegisteredServices())

	f.connect(t, "c1", "calc")
	assert.Equal(t, []Message{{Kind: KindConnectClient, ID: "c1"}}, received(t, f.services, "s1"))
	assert.Equal(t, []string{"c1"}, f.bus.ConnectedClients("calc"))
	require.Len(t, connected, 1)
	assert.Equal(t, ClientEvent{ClientSessionID: "c1", ServiceID: "calc", ServiceSessionID: "s1"}, connected[0])

	send(t, f.services, "s1", Message{Kind: KindConfirmClient, ID: "c1"})
	assert.Equal(t, []Message{{Kind: KindConfirmClient, ID: "c1"}}, received(t, f.clients, "c1"))
}

func TestBus_RequestCarriesClientSessionID(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "calc")
	f.connect(t, "c1", "calc")

	send(t, f.clients, "c1", Message{Kind: KindSendRequestMessage, ID: "someone-else", Payload: "3,4"})

	msgs := received(t, f.services, "s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Kind: KindSendRequestMessage, ID: "c1", Payload: "3,4"}, msgs[1])
}

func TestBus_ResponseOnlyReachesOwnClients(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "calc")
	f.register(t, "s2", "echo")
	f.connect(t, "c1", "calc")

	send(t, f.services, "s2", Message{Kind: KindSendResponseMessage, ID: "c1", Payload: "forged"})
	assert.Empty(t, received(t, f.clients, "c1"))

	send(t, f.services, "s1", Message{Kind: KindSendResponseMessage, ID: "c1", Payload: "7"})
	assert.Equal(t, []Message{{Kind: KindSendResponseMessage, ID: "c1", Payload: "7"}}, received(t, f.clients, "c1"))
}

func TestBus_ServiceDisconnectCascades(t *testing.T) {
	f := newFixture(t, Options{})
	var (
		unregistered []ServiceEvent
		disconnected []ClientEvent
	)
	f.bus.ServiceUnregistered.Subscribe(func(e ServiceEvent) { unregistered = append(unregistered, e) })
	f.bus.ClientDisconnected.Subscribe(func(e ClientEvent) { disconnected = append(disconnected, e) })

	f.register(t, "s1", "calc")
	f.register(t, "s2", "echo")
	f.connect(t, "c1", "calc")
	f.connect(t, "c2", "calc")
	f.connect(t, "c3", "echo")

	f.services.Close("s1")

	assert.ElementsMatch(t, []string{"c1", "c2"}, f.clients.ClosedSessions())
	assert.True(t, f.clients.IsOpen("c3"))
	assert.Equal(t, []string{"echo"}, f.bus.RegisteredServices())
	assert.Zero(t, f.bus.ConnectedClientCount("calc"))
	assert.Equal(t, 1, f.bus.ConnectedClientCount("echo"))
	assert.Equal(t, []ServiceEvent{{ServiceID: "calc", ServiceSessionID: "s1"}}, unregistered)
	assert.Len(t, disconnected, 2)
}

func TestBus_ClientDisconnectNotifiesService(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "calc")
	f.connect(t, "c1", "calc")

	f.clients.Close("c1")

	msgs := received(t, f.services, "s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Kind: KindDisconnectClient, ID: "c1"}, msgs[1])
	assert.Zero(t, f.bus.ConnectedClientCount("calc"))
}

func TestBus_ServiceDisconnectsClient(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "calc")
	f.connect(t, "c1", "calc")

	send(t, f.services, "s1", Message{Kind: KindDisconnectClient, ID: "c1"})

	assert.Equal(t, []string{"c1"}, f.clients.ClosedSessions())
	assert.Len(t, received(t, f.services, "s1"), 1, "the service is not told about its own request")
	assert.Zero(t, f.bus.ConnectedClientCount("calc"))
}

func TestBus_RejectsClient(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		setup func(t *testing.T, f *fixture)
	}{
		{
			name:  "unknown service",
			setup: func(t *testing.T, f *fixture) {},
		},
		{
			name: "client limit",
			opts: Options{MaxClientsPerService: 1},
			setup: func(t *testing.T, f *fixture) {
				f.register(t, "s1", "calc")
				f.connect(t, "c0", "calc")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			tt.setup(t, f)

			f.connect(t, "c1", "calc")

			assert.Equal(t, []string{"c1"}, f.clients.ClosedSessions())
			assert.NotContains(t, f.bus.ConnectedClients("calc"), "c1")
		})
	}
}

func TestBus_DuplicateServiceIDRejected(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "calc")
	f.register(t, "s2", "calc")

	assert.Equal(t, []string{"s2"}, f.services.ClosedSessions())
	assert.Equal(t, []string{"calc"}, f.bus.RegisteredServices())

	// Registering again on the same session is a no-op.
	send(t, f.services, "s1", Message{Kind: KindRegisterService, ID: "calc"})
	assert.Equal(t, []string{"s2"}, f.services.ClosedSessions())
}

func TestBus_UndecodableEnvelopeDisconnectsSender(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "calc")
	f.connect(t, "c1", "calc")

	f.clients.Data("c1", []byte{0xff, 0x01})
	assert.Equal(t, []string{"c1"}, f.clients.ClosedSessions())

	f.services.Data("s1", "not an envelope")
	assert.Equal(t, []string{"s1"}, f.services.ClosedSessions())
	assert.Empty(t, f.bus.RegisteredServices())
}

func TestBus_ForwardFailureDropsOnlyClient(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "calc")
	f.services.FailSends("s1")

	f.connect(t, "c1", "calc")

	assert.Equal(t, []string{"c1"}, f.clients.ClosedSessions())
	assert.Empty(t, f.services.ClosedSessions())
	assert.Equal(t, []string{"calc"}, f.bus.RegisteredServices())
	assert.Zero(t, f.bus.ConnectedClientCount("calc"))
}

func TestBus_AttachTwice(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.bus.AttachDuplexInputChannels(
		channel.NewDuplexInputChannel("a", testutil.NewMockInputConnector(), nil, nil),
		channel.NewDuplexInputChannel("b", testutil.NewMockInputConnector(), nil, nil),
	)
	assert.True(t, errors.Is(err, errors.ErrAlreadyAttached))
}

func TestBus_DetachForgetsState(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "calc")
	f.connect(t, "c1", "calc")

	f.bus.DetachDuplexInputChannels()

	assert.False(t, f.bus.IsAttached())
	assert.Empty(t, f.bus.RegisteredServices())
	assert.False(t, f.services.IsListening())
	assert.False(t, f.clients.IsListening())
	assert.False(t, f.bus.Health().IsHealthy())
}

func TestBus_HealthAndMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f := newFixture(t, Options{Metrics: registry})
	f.register(t, "s1", "calc")
	f.connect(t, "c1", "calc")
	f.connect(t, "c2", "calc")
	send(t, f.services, "s1", Message{Kind: KindConfirmClient, ID: "c1"})
	send(t, f.clients, "c1", Message{Kind: KindSendRequestMessage, Payload: "x"})
	f.connect(t, "c3", "missing")

	status := f.bus.Health()
	assert.True(t, status.IsHealthy())
	assert.Equal(t, 1, status.Details["services"])
	assert.Equal(t, 2, status.Details["clients"])
	assert.Equal(t, 1, status.Details["pending_clients"])

	assert.Equal(t, float64(1), promtestutil.ToFloat64(f.bus.metrics.services))
	assert.Equal(t, float64(2), promtestutil.ToFloat64(f.bus.metrics.clients))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(f.bus.metrics.relayed.WithLabelValues("to_service")))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(f.bus.metrics.rejected.WithLabelValues("unknown_service")))
}
