package broker

import (
	"context"
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

func startBroker(t *testing.T, opts Options) (*Broker, *channel.MessagingSystem) {
	t.Helper()
	system := channel.NewMessagingSystem(memory.NewFactory(nil, connector.Options{StopTimeout: 500 * time.Millisecond}))
	in, err := system.CreateDuplexInputChannel("broker")
	require.NoError(t, err)

	b, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, b.AttachDuplexInputChannel(in))
	t.Cleanup(b.DetachDuplexInputChannel)
	return b, system
}

func connectClient(t *testing.T, system *channel.MessagingSystem) (*Client, chan ClientMessage) {
	t.Helper()
	ch, err := system.CreateDuplexOutputChannel("broker")
	require.NoError(t, err)
	c := NewClient(ClientOptions{})
	received := make(chan ClientMessage, 16)
	c.MessageReceived.Subscribe(func(m ClientMessage) { received <- m })
	require.NoError(t, c.AttachDuplexOutputChannel(context.Background(), ch))
	t.Cleanup(c.DetachDuplexOutputChannel)
	return c, received
}

func waitSubscriptions(t *testing.T, b *Broker, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(b.Subscriptions()) == n }, wait, 5*time.Millisecond)
}

func TestClient_RegexSubscriptionScenario(t *testing.T) {
	b, system := startBroker(t, Options{})
	subscriber, received := connectClient(t, system)
	publisher, _ := connectClient(t, system)

	require.NoError(t, subscriber.SubscribeRegExp(`^sensor\..*`))
	waitSubscriptions(t, b, 1)

	require.NoError(t, publisher.Publish("actuator.valve", "open"))
	require.NoError(t, publisher.Publish("sensor.temp", "21.5"))

	select {
	case m := <-received:
		require.NoError(t, m.Err)
		assert.Equal(t, "sensor.temp", m.Topic)
		assert.Equal(t, "21.5", m.Payload)
	case <-time.After(wait):
		t.Fatal("no delivery")
	}
	select {
	case m := <-received:
		t.Fatalf("unexpected delivery %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_DisconnectDropsSubscriptions(t *testing.T) {
	b, system := startBroker(t, Options{})
	subscriber, _ := connectClient(t, system)
	publisher, _ := connectClient(t, system)

	require.NoError(t, subscriber.Subscribe("ping"))
	waitSubscriptions(t, b, 1)

	subscriber.DetachDuplexOutputChannel()
	waitSubscriptions(t, b, 0)

	assert.NoError(t, publisher.Publish("ping", "anyone?"))
	assert.False(t, subscriber.IsConnected())
}

func TestClient_LocalAndRemote(t *testing.T) {
	b, system := startBroker(t, Options{})
	client, received := connectClient(t, system)

	local := make(chan PublishEvent, 1)
	b.MessageReceived.Subscribe(func(e PublishEvent) { local <- e })
	require.NoError(t, b.Subscribe("to-server"))
	require.NoError(t, client.Subscribe("to-client"))
	waitSubscriptions(t, b, 2)

	require.NoError(t, client.Publish("to-server", []byte{1}))
	select {
	case e := <-local:
		assert.Equal(t, []byte{1}, e.Payload)
	case <-time.After(wait):
		t.Fatal("local subscriber got nothing")
	}

	require.NoError(t, b.Publish("to-client", "hi"))
	select {
	case m := <-received:
		assert.Equal(t, "hi", m.Payload)
	case <-time.After(wait):
		t.Fatal("client got nothing")
	}

	require.NoError(t, client.UnsubscribeAll())
	waitSubscriptions(t, b, 1)
}

func TestClient_Errors(t *testing.T) {
	c := NewClient(ClientOptions{})
	assert.True(t, errors.Is(c.Publish("t", "x"), errors.ErrNotAttached))

	_, system := startBroker(t, Options{})
	client, _ := connectClient(t, system)

	err := client.SubscribeRegExp("ok", "(")
	assert.True(t, errors.Is(err, errors.ErrInvalidPattern))
	assert.Error(t, client.Publish("t", 3.14))

	ch, err := system.CreateDuplexOutputChannel("broker")
	require.NoError(t, err)
	assert.True(t, errors.Is(client.AttachDuplexOutputChannel(context.Background(), ch), errors.ErrAlreadyAttached))
}
