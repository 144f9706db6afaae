package router

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/omnichat/gateway/internal/adapter"
	"github.com/omnichat/gateway/internal/bus"
	"github.com/omnichat/gateway/internal/envelope"
	"github.com/omnichat/gateway/internal/logging"
	"github.com/omnichat/gateway/internal/metrics"
	"github.com/omnichat/gateway/internal/sanitize"
)

// Service wires the routing engine and the dispatch stage onto the bus
// consumer. Inbound envelopes are matched against the rules and the
// replies go back out on the outbound topic; a second handler drains the
// outbound topic through the channel adapters.
type Service struct {
	engine   *Engine
	adapters *adapter.Registry
	logger   logging.ServiceLogger
	registry *metrics.Registry
}

func NewService(engine *Engine, adapters *adapter.Registry, logger logging.ServiceLogger, registry *metrics.Registry) *Service {
	return &Service{
		engine:   engine,
		adapters: adapters,
		logger:   logger,
		registry: registry,
	}
}

// Register attaches the two pipeline stages.
func (s *Service) Register(consumer *bus.Consumer, inboundTopic, outboundTopic string) error {
	if err := consumer.RegisterHandler("intent-router", inboundTopic, outboundTopic, s.handleInbound); err != nil {
		return err
	}
	return consumer.RegisterSink("channel-dispatch", outboundTopic, s.handleDispatch)
}

// handleInbound routes one inbound envelope into zero or more outbound
// reply messages.
func (s *Service) handleInbound(msg *message.Message) ([]*message.Message, error) {
	env, err := bus.EnvelopeFromMessage(msg)
	if err != nil {
		return nil, err
	}
	if env.Direction != envelope.DirectionIn {
		// Misrouted traffic, ack and drop.
		s.logger.Info("skipping non-inbound envelope on inbound topic", logging.LogFields{
			"envelopeId": sanitize.MaskTail(env.ID, 6),
			"direction":  string(env.Direction),
		})
		return nil, nil
	}

	replies, rule := s.engine.Route(env)
	s.registry.IncCounter(metrics.CounterRouted, metrics.Labels{
		"rule":    rule,
		"channel": string(env.Channel),
	})
	s.logger.Debug("routed inbound envelope", logging.LogFields{
		"envelopeId":     sanitize.MaskTail(env.ID, 6),
		"conversationId": env.ConversationID,
		"rule":           rule,
		"replies":        len(replies),
	})

	traceID := msg.Metadata.Get(bus.MetadataKeyTraceID)
	out := make([]*message.Message, 0, len(replies))
	for _, reply := range replies {
		replyMsg, err := bus.NewMessageFromEnvelope(reply, traceID)
		if err != nil {
			return nil, err
		}
		replyMsg.Metadata.Set(bus.MetadataKeyCorrelationID, msg.Metadata.Get(bus.MetadataKeyCorrelationID))
		out = append(out, replyMsg)
	}
	return out, nil
}

// handleDispatch hands one outbound envelope to its channel adapter.
// Dispatch failures return the error so the retry middleware redelivers.
func (s *Service) handleDispatch(msg *message.Message) error {
	env, err := bus.EnvelopeFromMessage(msg)
	if err != nil {
		return err
	}
	if env.Direction != envelope.DirectionOut {
		s.logger.Info("skipping non-outbound envelope on outbound topic", logging.LogFields{
			"envelopeId": sanitize.MaskTail(env.ID, 6),
			"direction":  string(env.Direction),
		})
		return nil
	}

	start := time.Now()
	receipt, err := s.adapters.Dispatch(msg.Context(), env)
	s.registry.Observe(metrics.HistogramDispatchLatencyMs, float64(time.Since(start).Milliseconds()), metrics.Labels{
		"channel": string(env.Channel),
	})
	if err != nil {
		s.logger.Error("dispatch failed", err, logging.LogFields{
			"envelopeId": sanitize.MaskTail(env.ID, 6),
			"channel":    string(env.Channel),
		})
		return err
	}

	s.registry.IncCounter(metrics.CounterDispatched, metrics.Labels{"channel": string(env.Channel)})
	s.logger.Info("envelope dispatched", logging.LogFields{
		"envelopeId":        sanitize.MaskTail(env.ID, 6),
		"channel":           string(env.Channel),
		"status":            string(receipt.Status),
		"providerMessageId": receipt.ProviderMessageID,
	})
	return nil
}
