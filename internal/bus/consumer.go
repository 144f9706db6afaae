package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/omnichat/gateway/internal/gwerrors"
	"github.com/omnichat/gateway/internal/ids"
	"github.com/omnichat/gateway/internal/logging"
	"github.com/omnichat/gateway/internal/metrics"
)

// ConsumerConfig tunes the consumer router.
type ConsumerConfig struct {
	// PoisonTopic receives messages that cannot be processed even
	// after retries. Empty disables the poison queue.
	PoisonTopic string
	MaxRetries  int
}

// Consumer hosts the long-lived watermill router decoupling message
// handling from request handling. Unacknowledged messages stay available
// on the stream, so producer and consumer rates can diverge.
type Consumer struct {
	router     *message.Router
	subscriber message.Subscriber
	publisher  message.Publisher
	logger     logging.ServiceLogger
	registry   *metrics.Registry
}

// NewConsumer wires a router with the standard middleware chain:
// correlation id, tracing, per-handler metrics, retry, poison queue,
// and panic recovery.
func NewConsumer(cfg ConsumerConfig, transport Transport, logger logging.ServiceLogger, registry *metrics.Registry) (*Consumer, error) {
	wmLogger := logging.NewWatermillAdapter(logger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		router:     router,
		subscriber: transport.Subscriber,
		publisher:  transport.Publisher,
		logger:     logger,
		registry:   registry,
	}

	router.AddMiddleware(correlationIDMiddleware())
	router.AddMiddleware(tracerMiddleware())

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	router.AddMiddleware(middleware.Retry{
		MaxRetries:      maxRetries,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		ShouldRetry: func(params middleware.RetryParams) bool {
			// Undecodable payloads go straight to the poison queue.
			_, unprocessable := params.Err.(*UnprocessableEnvelopeError)
			return !unprocessable
		},
	}.Middleware)

	if cfg.PoisonTopic != "" {
		poison, err := middleware.PoisonQueueWithFilter(
			transport.Publisher,
			cfg.PoisonTopic,
			func(err error) bool {
				_, ok := err.(*UnprocessableEnvelopeError)
				return ok
			},
		)
		if err != nil {
			return nil, err
		}
		router.AddMiddleware(poison)
	}

	router.AddMiddleware(middleware.Recoverer)

	return c, nil
}

// Transport pairs the publisher and subscriber the consumer runs over.
// It mirrors the transport package's pair without importing it, so tests
// can wire fakes directly.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// RegisterHandler attaches a handler consuming one topic and publishing
// its output to another. Handler latency and failure counts feed the
// metrics registry under the handler's name.
func (c *Consumer) RegisterHandler(name, consumeTopic, publishTopic string, handler message.HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("bus: handler %q is required", name)
	}
	if consumeTopic == "" {
		return fmt.Errorf("bus: handler %q requires a consume topic", name)
	}

	c.router.AddHandler(
		name,
		consumeTopic,
		c.subscriber,
		publishTopic,
		c.publisher,
		c.wrapWithStats(name, handler),
	)
	return nil
}

// RegisterSink attaches a handler that consumes a topic without
// republishing, such as the dispatch stage.
func (c *Consumer) RegisterSink(name, consumeTopic string, handler message.NoPublishHandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("bus: handler %q is required", name)
	}

	wrapped := c.wrapWithStats(name, func(msg *message.Message) ([]*message.Message, error) {
		return nil, handler(msg)
	})
	c.router.AddNoPublisherHandler(name, consumeTopic, c.subscriber, func(msg *message.Message) error {
		_, err := wrapped(msg)
		return err
	})
	return nil
}

// Run blocks processing messages until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running closes when the router has started all handlers.
func (c *Consumer) Running() <-chan struct{} {
	return c.router.Running()
}

// Close shuts the router down.
func (c *Consumer) Close() error {
	return c.router.Close()
}

func (c *Consumer) wrapWithStats(name string, handler message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		start := time.Now()
		out, err := handler(msg)
		elapsed := time.Since(start)

		labels := metrics.Labels{"handler": name}
		c.registry.Observe(metrics.HistogramConsumeLatencyMs, float64(elapsed.Milliseconds()), labels)
		if err != nil {
			c.registry.IncCounter("consume_failures_total", metrics.Labels{
				"handler":  name,
				"category": string(gwerrors.Classify(err)),
			})
		} else {
			c.registry.IncCounter("consume_total", labels)
		}
		return out, err
	}
}

// correlationIDMiddleware injects a correlation id when missing so every
// hop of a conversation can be stitched together in logs.
func correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if msg.Metadata.Get(MetadataKeyCorrelationID) == "" {
				msg.Metadata.Set(MetadataKeyCorrelationID, ids.New())
			}
			return h(msg)
		}
	}
}

// tracerMiddleware wraps handler execution in an OpenTelemetry span.
func tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("omni-gateway-consumer")
			ctx, span := tracer.Start(msg.Context(), "ProcessEnvelope",
				trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("envelope.id", msg.Metadata.Get(MetadataKeyEnvelopeID)),
				attribute.String("envelope.channel", msg.Metadata.Get(MetadataKeyChannel)),
			)
			return h(msg)
		}
	}
}
