package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	busSystem string
}

func (c testConfig) GetBusSystem() string          { return c.busSystem }
func (c testConfig) GetKafkaBrokers() []string     { return nil }
func (c testConfig) GetKafkaConsumerGroup() string { return "" }
func (c testConfig) GetRabbitMQURL() string        { return "" }
func (c testConfig) GetNATSURL() string            { return "" }

func TestDefaultRegistryHasEveryBackend(t *testing.T) {
	names := DefaultRegistry.Names()
	for _, want := range []string{"channel", "kafka", "nats", "nats-jetstream", "rabbitmq"} {
		assert.Contains(t, names, want)
	}
}

func TestBuildChannelTransport(t *testing.T) {
	tr, err := Build(context.Background(), testConfig{busSystem: "channel"}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, tr.Publisher)
	require.NotNil(t, tr.Subscriber)
	t.Cleanup(func() {
		_ = tr.Publisher.Close()
	})
}

func TestBuildDefaultsToChannel(t *testing.T) {
	tr, err := Build(context.Background(), testConfig{}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, tr.Publisher)
	_ = tr.Publisher.Close()
}

func TestBuildUnknownSystem(t *testing.T) {
	_, err := Build(context.Background(), testConfig{busSystem: "pigeon"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bus system")
}

func TestBuildNilConfig(t *testing.T) {
	_, err := Build(context.Background(), nil, watermill.NopLogger{})
	assert.Error(t, err)
}
