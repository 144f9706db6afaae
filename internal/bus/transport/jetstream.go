package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/omnichat/gateway/internal/ids"
)

// JetStream stream settings. Every deployment shares one stream holding
// all gateway topics as subjects, so replay covers the whole pipeline.
const (
	jetStreamName       = "OMNI"
	jetStreamMaxAge     = 7 * 24 * time.Hour
	jetStreamMaxDeliver = 5
	jetStreamAckWait    = 30 * time.Second
	jetStreamFetchWait  = time.Second
)

// headerMessageUUID carries the watermill message UUID across the wire
// so redeliveries keep their identity.
const headerMessageUUID = "omni_msg_uuid"

// JetStreamConnect allows overriding the connection in tests.
var JetStreamConnect = func(url string) (*natsgo.Conn, error) {
	return natsgo.Connect(url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
	)
}

func init() {
	Register("nats-jetstream", buildJetStream)
}

func buildJetStream(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	t, err := newJetStream(cfg.GetNATSURL(), logger)
	if err != nil {
		return Transport{}, err
	}
	return Transport{Publisher: t, Subscriber: t}, nil
}

// jetStream implements both watermill interfaces over one durable NATS
// JetStream stream. Unacknowledged envelopes stay on the stream and are
// redelivered, which gives the consumer router at-least-once replay even
// across process restarts.
type jetStream struct {
	conn   *natsgo.Conn
	js     natsgo.JetStreamContext
	logger watermill.LoggerAdapter

	subMu         sync.Mutex
	subscriptions []*natsgo.Subscription

	closedMu sync.RWMutex
	closed   bool
	done     chan struct{}
}

func newJetStream(url string, logger watermill.LoggerAdapter) (*jetStream, error) {
	conn, err := JetStreamConnect(url)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	t := &jetStream{
		conn:   conn,
		js:     js,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *jetStream) ensureStream() error {
	cfg := &natsgo.StreamConfig{
		Name:      jetStreamName,
		Subjects:  []string{jetStreamName + ".>"},
		Retention: natsgo.LimitsPolicy,
		MaxAge:    jetStreamMaxAge,
	}
	if _, err := t.js.AddStream(cfg); err != nil {
		// Already exists with compatible settings, or owned by another
		// instance racing us; try an update and keep going.
		if _, err := t.js.UpdateStream(cfg); err != nil {
			t.logger.Info("jetstream stream already provisioned", watermill.LogFields{"stream": jetStreamName})
		}
	}
	return nil
}

func (t *jetStream) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return fmt.Errorf("jetstream: transport is closed")
	}

	subject := subjectFor(topic)
	for _, msg := range messages {
		header := natsgo.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(headerMessageUUID, msg.UUID)

		if _, err := t.js.PublishMsg(&natsgo.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  header,
		}); err != nil {
			return fmt.Errorf("jetstream: publish %s: %w", topic, err)
		}
	}
	return nil
}

func (t *jetStream) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("jetstream: transport is closed")
	}

	subject := subjectFor(topic)
	durable := durableFor(topic)

	consumerCfg := &natsgo.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     natsgo.AckExplicitPolicy,
		AckWait:       jetStreamAckWait,
		MaxDeliver:    jetStreamMaxDeliver,
		DeliverPolicy: natsgo.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(jetStreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(jetStreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %s: %w", durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable)
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", topic, err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.pump(ctx, sub, output, topic)
	return output, nil
}

func (t *jetStream) pump(ctx context.Context, sub *natsgo.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		batch, err := sub.Fetch(10, natsgo.MaxWait(jetStreamFetchWait))
		if err != nil {
			if err == natsgo.ErrTimeout {
				continue
			}
			t.logger.Error("jetstream fetch failed", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range batch {
			if !t.deliver(ctx, natsMsg, output) {
				return
			}
		}
	}
}

// deliver hands one message to the router and mirrors its ack/nack back
// onto JetStream. Returns false when the subscription context ended.
func (t *jetStream) deliver(ctx context.Context, natsMsg *natsgo.Msg, output chan<- *message.Message) bool {
	msg := message.NewMessage(messageUUID(natsMsg), natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == headerMessageUUID || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("jetstream ack failed", err, nil)
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("jetstream nak failed", err, nil)
		}
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}
	return true
}

func (t *jetStream) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = nil
	t.subMu.Unlock()

	t.conn.Close()
	return nil
}

func (t *jetStream) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

func messageUUID(natsMsg *natsgo.Msg) string {
	if id := natsMsg.Header.Get(headerMessageUUID); id != "" {
		return id
	}
	return ids.New()
}

func subjectFor(topic string) string {
	return jetStreamName + "." + topic
}

func durableFor(topic string) string {
	out := make([]byte, 0, len(topic))
	for i := 0; i < len(topic); i++ {
		// Durable names must not contain subject token separators.
		if topic[i] == '.' || topic[i] == '*' || topic[i] == '>' {
			out = append(out, '_')
			continue
		}
		out = append(out, topic[i])
	}
	return string(out)
}
