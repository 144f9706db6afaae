package adapter

import (
	"context"
	"fmt"

	"github.com/omnichat/gateway/internal/envelope"
	"github.com/omnichat/gateway/internal/gwerrors"
	"github.com/omnichat/gateway/internal/ids"
	"github.com/omnichat/gateway/internal/logging"
)

// Status is the outcome of one dispatch.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Receipt is the result of dispatching one envelope.
type Receipt struct {
	Status            Status `json:"status"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
}

// Provider delivers one envelope through an external channel API and
// returns the provider-assigned message id.
type Provider func(ctx context.Context, env *envelope.Envelope) (string, error)

// Adapter wraps one channel provider with the sent-ledger idempotency
// guarantee: dispatching the same envelope id twice returns the original
// receipt without a second externally visible delivery.
type Adapter struct {
	channel  envelope.Channel
	provider Provider
	ledger   SentLedger
	logger   logging.ServiceLogger
}

// New builds an adapter for one channel.
func New(ch envelope.Channel, provider Provider, ledger SentLedger, logger logging.ServiceLogger) *Adapter {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Adapter{channel: ch, provider: provider, ledger: ledger, logger: logger}
}

// Channel returns the channel this adapter serves.
func (a *Adapter) Channel() envelope.Channel { return a.channel }

// Send dispatches the envelope. Provider failures surface as
// Status "failed" together with an UpstreamError — never swallowed; the
// caller decides whether the bus redelivers.
func (a *Adapter) Send(ctx context.Context, env *envelope.Envelope) (Receipt, error) {
	if env.Channel != a.channel {
		return Receipt{Status: StatusFailed}, gwerrors.NewValidationError(
			fmt.Sprintf("envelope channel %q does not match adapter %q", env.Channel, a.channel), "channel")
	}

	if receipt, ok, err := a.ledger.Get(ctx, env.ID); err == nil && ok {
		a.logger.Debug("duplicate dispatch suppressed", logging.LogFields{
			"envelope_id": env.ID,
			"channel":     a.channel,
		})
		return receipt, nil
	} else if err != nil {
		// A ledger read failure must not block delivery; worst case the
		// provider-side idempotency key absorbs the duplicate.
		a.logger.Error("sent-ledger read failed", err, logging.LogFields{"envelope_id": env.ID})
	}

	providerID, err := a.provider(ctx, env)
	if err != nil {
		return Receipt{Status: StatusFailed}, &gwerrors.UpstreamError{
			Op:       fmt.Sprintf("dispatch %s", a.channel),
			Attempts: 1,
			Err:      err,
		}
	}

	receipt := Receipt{Status: StatusSent, ProviderMessageID: providerID}
	if err := a.ledger.Record(ctx, env.ID, receipt); err != nil {
		a.logger.Error("sent-ledger write failed", err, logging.LogFields{"envelope_id": env.ID})
	}
	return receipt, nil
}

// Registry maps channels to their adapters.
type Registry struct {
	adapters map[envelope.Channel]*Adapter
}

// NewRegistry builds a registry over the given adapters.
func NewRegistry(adapters ...*Adapter) *Registry {
	r := &Registry{adapters: make(map[envelope.Channel]*Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

// Dispatch routes the envelope to its channel adapter.
func (r *Registry) Dispatch(ctx context.Context, env *envelope.Envelope) (Receipt, error) {
	a, ok := r.adapters[env.Channel]
	if !ok {
		return Receipt{Status: StatusFailed}, gwerrors.NewValidationError(
			fmt.Sprintf("no adapter for channel %q", env.Channel), "channel")
	}
	return a.Send(ctx, env)
}

// NewDefaultRegistry builds one adapter per supported channel over the
// shared ledger. Providers default to the loopback provider until a real
// provider client is injected.
func NewDefaultRegistry(ledger SentLedger, logger logging.ServiceLogger, providers map[envelope.Channel]Provider) *Registry {
	adapters := make([]*Adapter, 0, len(envelope.Channels))
	for _, ch := range envelope.Channels {
		provider, ok := providers[ch]
		if !ok {
			provider = LoopbackProvider(ch, logger)
		}
		adapters = append(adapters, New(ch, provider, ledger, logger))
	}
	return NewRegistry(adapters...)
}

// LoopbackProvider acknowledges deliveries locally. It stands in for the
// real provider client in development and CI deployments.
func LoopbackProvider(ch envelope.Channel, logger logging.ServiceLogger) Provider {
	return func(ctx context.Context, env *envelope.Envelope) (string, error) {
		providerID := fmt.Sprintf("%s-%s", ch, ids.New())
		logger.Info("loopback delivery", logging.LogFields{
			"channel":     ch,
			"envelope_id": env.ID,
			"provider_id": providerID,
		})
		return providerID, nil
	}
}
