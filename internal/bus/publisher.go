package bus

import (
	"context"
	"math/rand"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/omnichat/gateway/internal/envelope"
	"github.com/omnichat/gateway/internal/gwerrors"
	"github.com/omnichat/gateway/internal/logging"
)

// RetryConfig tunes the publish retry loop. Zero values fall back to
// defaults.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.JitterFactor <= 0 {
		cfg.JitterFactor = 0.2
	}
	return cfg
}

// attemptState drives the publish retry loop.
type attemptState int

const (
	stateAttempting attemptState = iota
	stateSuccess
	stateExhausted
)

// Publisher wraps a watermill publisher with bounded, jittered
// exponential backoff. It is safe for concurrent use; publishes are not
// serialized behind any lock of this type.
type Publisher struct {
	pub    message.Publisher
	cfg    RetryConfig
	logger logging.ServiceLogger
}

// NewPublisher builds a Publisher over the transport's publisher.
func NewPublisher(pub message.Publisher, cfg RetryConfig, logger logging.ServiceLogger) *Publisher {
	return &Publisher{pub: pub, cfg: cfg.withDefaults(), logger: logger}
}

// PublishWithRetry appends the envelope to the topic and returns the
// log-assigned message id. Transient failures are retried with
// exponential backoff and jitter up to the attempt cap; the caller's
// context deadline aborts the loop early. Exhaustion surfaces as an
// UpstreamError so the route layer maps it to 502 — never to a
// validation or compliance failure.
func (p *Publisher) PublishWithRetry(ctx context.Context, topic string, env *envelope.Envelope) (string, error) {
	if topic == "" {
		return "", gwerrors.NewValidationError("topic is required", "topic")
	}

	traceID, _ := ctx.Value(traceIDContextKey{}).(string)
	msg, err := NewMessageFromEnvelope(env, traceID)
	if err != nil {
		return "", gwerrors.NewValidationError(err.Error(), "message")
	}
	msg.SetContext(ctx)

	state := stateAttempting
	backoff := p.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; state == stateAttempting; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", &gwerrors.UpstreamError{Op: "publish " + topic, Attempts: attempt - 1, Err: ctxErr}
		}

		lastErr = p.pub.Publish(topic, msg)
		if lastErr == nil {
			state = stateSuccess
			break
		}

		p.logger.Error("bus publish attempt failed", lastErr, logging.LogFields{
			"topic":       topic,
			"attempt":     attempt,
			"envelope_id": env.ID,
		})

		if attempt >= p.cfg.MaxAttempts {
			state = stateExhausted
			break
		}

		select {
		case <-ctx.Done():
			return "", &gwerrors.UpstreamError{Op: "publish " + topic, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(jitter(backoff, p.cfg.JitterFactor)):
		}

		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}

	if state == stateExhausted {
		return "", &gwerrors.UpstreamError{Op: "publish " + topic, Attempts: p.cfg.MaxAttempts, Err: lastErr}
	}
	return msg.UUID, nil
}

func jitter(d time.Duration, factor float64) time.Duration {
	delta := int64(float64(d) * factor)
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*delta)-delta)
}

type traceIDContextKey struct{}

// WithTraceID stores the request's trace id for publish metadata.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDContextKey{}, traceID)
}

// TraceIDFromContext returns the trace id stored by WithTraceID.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDContextKey{}).(string)
	return id
}
