package bus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnichat/gateway/internal/logging"
	"github.com/omnichat/gateway/internal/metrics"
)

func newTestTransport() Transport {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 16},
		watermill.NopLogger{},
	)
	return Transport{Publisher: pubsub, Subscriber: pubsub}
}

func startConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	select {
	case <-c.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not start")
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestConsumerHandlerRepublishes(t *testing.T) {
	transport := newTestTransport()
	registry := metrics.NewRegistry(nil)
	logger := logging.NewDefaultLogger()

	consumer, err := NewConsumer(ConsumerConfig{MaxRetries: 1}, transport, logger, registry)
	require.NoError(t, err)

	require.NoError(t, consumer.RegisterHandler("echo", "in", "out", func(msg *message.Message) ([]*message.Message, error) {
		out := message.NewMessage(watermill.NewUUID(), msg.Payload)
		return []*message.Message{out}, nil
	}))

	// Subscribe before starting so the first publish is not missed.
	received, err := transport.Subscriber.Subscribe(context.Background(), "out")
	require.NoError(t, err)

	startConsumer(t, consumer)

	require.NoError(t, transport.Publisher.Publish("in", message.NewMessage(watermill.NewUUID(), []byte(`hi`))))

	select {
	case msg := <-received:
		msg.Ack()
		assert.Equal(t, "hi", string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no message republished")
	}

	assert.Eventually(t, func() bool {
		return registry.CounterValue("consume_total", metrics.Labels{"handler": "echo"}) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerRoutesUndecodablePayloadToPoison(t *testing.T) {
	transport := newTestTransport()
	registry := metrics.NewRegistry(nil)
	logger := logging.NewDefaultLogger()

	consumer, err := NewConsumer(ConsumerConfig{PoisonTopic: "poison", MaxRetries: 1}, transport, logger, registry)
	require.NoError(t, err)

	require.NoError(t, consumer.RegisterSink("decode", "in", func(msg *message.Message) error {
		_, err := EnvelopeFromMessage(msg)
		return err
	}))

	poisoned, err := transport.Subscriber.Subscribe(context.Background(), "poison")
	require.NoError(t, err)

	startConsumer(t, consumer)

	require.NoError(t, transport.Publisher.Publish("in", message.NewMessage(watermill.NewUUID(), []byte(`{broken`))))

	select {
	case msg := <-poisoned:
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("undecodable message never reached the poison topic")
	}
}

func TestEnvelopeFromMessageErrors(t *testing.T) {
	_, err := EnvelopeFromMessage(message.NewMessage("u1", []byte(`not json`)))
	var unprocessable *UnprocessableEnvelopeError
	require.ErrorAs(t, err, &unprocessable)
	assert.Equal(t, "u1", unprocessable.MessageUUID)

	_, err = EnvelopeFromMessage(message.NewMessage("u2", []byte(`{"text":"no id"}`)))
	require.ErrorAs(t, err, &unprocessable)
}

func TestRegisterHandlerRequiresTopicAndHandler(t *testing.T) {
	consumer, err := NewConsumer(ConsumerConfig{}, newTestTransport(), logging.NewDefaultLogger(), metrics.NewRegistry(nil))
	require.NoError(t, err)

	assert.Error(t, consumer.RegisterHandler("h", "", "out", func(*message.Message) ([]*message.Message, error) { return nil, nil }))
	assert.Error(t, consumer.RegisterHandler("h", "in", "out", nil))
	assert.Error(t, consumer.RegisterSink("s", "in", nil))
}
