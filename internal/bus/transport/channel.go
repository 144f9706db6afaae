package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// ChannelFactory allows overriding the in-memory pubsub creation in tests.
var ChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register("channel", buildChannel)
}

// buildChannel creates the in-process bus used for single-instance
// deployments and tests. Persistent mode keeps published messages so a
// consumer attached later still replays them, matching the durable
// stream semantics of the broker-backed transports.
func buildChannel(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	pub, sub := ChannelFactory(gochannel.Config{
		Persistent:          true,
		OutputChannelBuffer: 256,
	}, logger)

	return Transport{Publisher: pub, Subscriber: sub}, nil
}
