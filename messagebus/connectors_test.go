package messagebus

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/duplexbus/channel"
	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/connector/memory"
	"github.com/c360/duplexbus/errors"
)

const wait = 2 * time.Second

type network struct {
	bus       *Bus
	transport *channel.MessagingSystem
	viaBus    *channel.MessagingSystem
}

// newNetwork hosts a bus on an in-memory transport and returns systems for both
// the raw transport and connections routed through the bus.
func newNetwork(t *testing.T, connectTimeout time.Duration) *network {
	t.Helper()
	transport := channel.NewMessagingSystem(memory.NewFactory(nil, connector.Options{StopTimeout: 500 * time.Millisecond}))

	services, err := transport.CreateDuplexInputChannel("bus-services")
	require.NoError(t, err)
	clients, err := transport.CreateDuplexInputChannel("bus-clients")
	require.NoError(t, err)

	bus := New(Options{})
	require.NoError(t, bus.AttachDuplexInputChannels(services, clients))
	t.Cleanup(bus.DetachDuplexInputChannels)

	factory := NewConnectorFactory(transport, "bus-services", "bus-clients", ConnectorOptions{
		Options: connector.Options{ConnectTimeout: connectTimeout, StopTimeout: 500 * time.Millisecond},
	})
	return &network{bus: bus, transport: transport, viaBus: channel.NewMessagingSystem(factory)}
}

func (n *network) waitForService(t *testing.T, serviceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range n.bus.RegisteredServices() {
			if id == serviceID {
				return true
			}
		}
		return false
	}, wait, 5*time.Millisecond)
}

// startCalculator serves "a,b" requests with the sum.
func (n *network) startCalculator(t *testing.T) *channel.DuplexInputChannel {
	t.Helper()
	service, err := n.viaBus.CreateDuplexInputChannel("calc")
	require.NoError(t, err)
	service.MessageReceived().Subscribe(func(e channel.MessageEvent) {
		parts := strings.Split(e.Payload.(string), ",")
		a, _ := strconv.Atoi(parts[0])
		b, _ := strconv.Atoi(parts[1])
		_ = service.SendResponseMessage(e.ResponseReceiverID, strconv.Itoa(a+b))
	})
	require.NoError(t, service.StartListening())
	t.Cleanup(service.StopListening)
	n.waitForService(t, "calc")
	return service
}

func TestCalculatorThroughBus(t *testing.T) {
	n := newNetwork(t, wait)
	n.startCalculator(t)

	client, err := n.viaBus.CreateDuplexOutputChannel("calc")
	require.NoError(t, err)
	responses := make(chan any, 10)
	client.ResponseMessageReceived().Subscribe(func(e channel.MessageEvent) { responses <- e.Payload })

	require.NoError(t, client.OpenConnection(context.Background()))
	t.Cleanup(client.CloseConnection)
	assert.Equal(t, []string{client.ResponseReceiverID()}, n.bus.ConnectedClients("calc"))

	require.NoError(t, client.SendMessage("3,4"))
	require.NoError(t, client.SendMessage("10,-2"))

	for _, want := range []string{"7", "8"} {
		select {
		case got := <-responses:
			assert.Equal(t, want, got)
		case <-time.After(wait):
			t.Fatalf("no response %q", want)
		}
	}
}

func TestClientOfUnknownServiceFailsToOpen(t *testing.T) {
	n := newNetwork(t, wait)

	client, err := n.viaBus.CreateDuplexOutputChannel("missing")
	require.NoError(t, err)

	err = client.OpenConnection(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectFailure))
	assert.False(t, client.IsConnected())
}

func TestClientOpenTimesOutWithoutConfirmation(t *testing.T) {
	n := newNetwork(t, 200*time.Millisecond)

	// A raw service that registers but never confirms clients.
	raw, err := n.transport.CreateDuplexOutputChannel("bus-services")
	require.NoError(t, err)
	require.NoError(t, raw.OpenConnection(context.Background()))
	t.Cleanup(raw.CloseConnection)
	data, err := BinarySerializer{}.Serialize(Message{Kind: KindRegisterService, ID: "silent"})
	require.NoError(t, err)
	require.NoError(t, raw.SendMessage(data))
	n.waitForService(t, "silent")

	client, err := n.viaBus.CreateDuplexOutputChannel("silent")
	require.NoError(t, err)
	err = client.OpenConnection(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionTimeout))
	assert.False(t, client.IsConnected())
}

func TestServiceStopDisconnectsClients(t *testing.T) {
	n := newNetwork(t, wait)
	service := n.startCalculator(t)

	client, err := n.viaBus.CreateDuplexOutputChannel("calc")
	require.NoError(t, err)
	closed := make(chan struct{}, 1)
	client.ConnectionClosed().Subscribe(func(channel.ConnectionEvent) { closed <- struct{}{} })
	require.NoError(t, client.OpenConnection(context.Background()))

	service.StopListening()

	select {
	case <-closed:
	case <-time.After(wait):
		t.Fatal("client was not disconnected")
	}
	assert.False(t, client.IsConnected())
	assert.Eventually(t, func() bool { return len(n.bus.RegisteredServices()) == 0 }, wait, 5*time.Millisecond)
}

func TestServiceDisconnectsOneClient(t *testing.T) {
	n := newNetwork(t, wait)
	service := n.startCalculator(t)

	first, err := n.viaBus.CreateDuplexOutputChannel("calc")
	require.NoError(t, err)
	second, err := n.viaBus.CreateDuplexOutputChannel("calc")
	require.NoError(t, err)
	closed := make(chan struct{}, 1)
	first.ConnectionClosed().Subscribe(func(channel.ConnectionEvent) { closed <- struct{}{} })

	require.NoError(t, first.OpenConnection(context.Background()))
	require.NoError(t, second.OpenConnection(context.Background()))
	t.Cleanup(second.CloseConnection)

	service.DisconnectResponseReceiver(first.ResponseReceiverID())

	select {
	case <-closed:
	case <-time.After(wait):
		t.Fatal("client was not disconnected")
	}
	assert.True(t, second.IsConnected())
	assert.Equal(t, []string{second.ResponseReceiverID()}, n.bus.ConnectedClients("calc"))
}

func TestClientCloseReachesService(t *testing.T) {
	n := newNetwork(t, wait)
	service := n.startCalculator(t)

	gone := make(chan string, 1)
	service.ResponseReceiverDisconnected().Subscribe(func(e channel.ConnectionEvent) { gone <- e.ResponseReceiverID })

	client, err := n.viaBus.CreateDuplexOutputChannel("calc")
	require.NoError(t, err)
	require.NoError(t, client.OpenConnection(context.Background()))
	client.CloseConnection()

	select {
	case id := <-gone:
		assert.Equal(t, client.ResponseReceiverID(), id)
	case <-time.After(wait):
		t.Fatal("service was not told about the client")
	}
}

func TestConnectorStateErrors(t *testing.T) {
	n := newNetwork(t, wait)
	service := n.startCalculator(t)

	assert.True(t, errors.Is(service.StartListening(), errors.ErrAlreadyListening))

	client, err := n.viaBus.CreateDuplexOutputChannel("calc")
	require.NoError(t, err)
	assert.True(t, errors.Is(client.SendMessage("1,1"), errors.ErrNotConnected))
	require.NoError(t, client.OpenConnection(context.Background()))
	t.Cleanup(client.CloseConnection)
	assert.True(t, errors.Is(client.OpenConnection(context.Background()), errors.ErrAlreadyConnected))

	assert.True(t, errors.Is(service.SendResponseMessage("nobody", "x"), errors.ErrUnknownSession))
}
