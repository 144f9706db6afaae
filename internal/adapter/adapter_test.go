package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnichat/gateway/internal/envelope"
	"github.com/omnichat/gateway/internal/gwerrors"
	"github.com/omnichat/gateway/internal/logging"
)

func outboundEnvelope(id string, ch envelope.Channel) *envelope.Envelope {
	return &envelope.Envelope{
		ID:             id,
		ConversationID: "conv-1",
		Channel:        ch,
		Direction:      envelope.DirectionOut,
		From:           envelope.Party{ID: "gateway"},
		To:             envelope.Party{ID: "user"},
		Text:           "sua simulação está pronta",
	}
}

// countingProvider records how many deliveries actually happened.
func countingProvider(deliveries *int) Provider {
	return func(ctx context.Context, env *envelope.Envelope) (string, error) {
		*deliveries++
		return fmt.Sprintf("prov-%d", *deliveries), nil
	}
}

func TestSendIsIdempotentPerEnvelopeID(t *testing.T) {
	deliveries := 0
	a := New(envelope.ChannelSMS, countingProvider(&deliveries), NewMemoryLedger(), logging.NewDefaultLogger())

	env := outboundEnvelope("env-1", envelope.ChannelSMS)

	first, err := a.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, first.Status)

	second, err := a.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, second.Status)
	assert.Equal(t, first.ProviderMessageID, second.ProviderMessageID)
	assert.Equal(t, 1, deliveries, "second send must not reach the provider")
}

func TestSendChannelMismatch(t *testing.T) {
	a := New(envelope.ChannelSMS, nil, NewMemoryLedger(), logging.NewDefaultLogger())

	_, err := a.Send(context.Background(), outboundEnvelope("env-1", envelope.ChannelEmail))
	var validation *gwerrors.ValidationError
	require.True(t, errors.As(err, &validation))
}

func TestSendProviderFailure(t *testing.T) {
	failing := func(ctx context.Context, env *envelope.Envelope) (string, error) {
		return "", errors.New("provider 503")
	}
	ledger := NewMemoryLedger()
	a := New(envelope.ChannelWhatsApp, failing, ledger, logging.NewDefaultLogger())

	receipt, err := a.Send(context.Background(), outboundEnvelope("env-1", envelope.ChannelWhatsApp))
	assert.Equal(t, StatusFailed, receipt.Status)

	var upstream *gwerrors.UpstreamError
	require.True(t, errors.As(err, &upstream))

	// Failed dispatches are not recorded, so a redelivery can retry.
	_, ok, err := ledger.Get(context.Background(), "env-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryDispatchByChannel(t *testing.T) {
	deliveries := 0
	registry := NewRegistry(
		New(envelope.ChannelSMS, countingProvider(&deliveries), NewMemoryLedger(), logging.NewDefaultLogger()),
	)

	receipt, err := registry.Dispatch(context.Background(), outboundEnvelope("env-1", envelope.ChannelSMS))
	require.NoError(t, err)
	assert.Equal(t, StatusSent, receipt.Status)

	_, err = registry.Dispatch(context.Background(), outboundEnvelope("env-2", envelope.ChannelTelegram))
	var validation *gwerrors.ValidationError
	require.True(t, errors.As(err, &validation))
}

func TestDefaultRegistryCoversEveryChannel(t *testing.T) {
	registry := NewDefaultRegistry(NewMemoryLedger(), logging.NewDefaultLogger(), nil)

	for _, ch := range envelope.Channels {
		receipt, err := registry.Dispatch(context.Background(), outboundEnvelope("env-"+string(ch), ch))
		require.NoError(t, err, string(ch))
		assert.Equal(t, StatusSent, receipt.Status)
		assert.NotEmpty(t, receipt.ProviderMessageID)
	}
}

func TestRedisLedgerRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledger := NewRedisLedger(client, time.Hour)
	ctx := context.Background()

	_, ok, err := ledger.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := Receipt{Status: StatusSent, ProviderMessageID: "prov-9"}
	require.NoError(t, ledger.Record(ctx, "env-1", want))

	got, ok, err := ledger.Get(ctx, "env-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	// Entries expire after the retention window.
	srv.FastForward(2 * time.Hour)
	_, ok, err = ledger.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
