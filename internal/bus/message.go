// Package bus publishes envelopes onto the configured stream with
// bounded retry and hosts the consumer router that reads them back.
package bus

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/omnichat/gateway/internal/envelope"
	"github.com/omnichat/gateway/internal/ids"
	"github.com/omnichat/gateway/internal/jsoncodec"
	"github.com/omnichat/gateway/internal/sanitize"
)

// Metadata keys carried on every bus message.
const (
	MetadataKeyEnvelopeID     = "envelope_id"
	MetadataKeyChannel        = "channel"
	MetadataKeyDirection      = "direction"
	MetadataKeyConversationID = "conversation_id"
	MetadataKeyTraceID        = "trace_id"
	MetadataKeyCorrelationID  = "correlation_id"
)

// NewMessageFromEnvelope converts an envelope into a watermill message.
// The message UUID is log-assigned and distinct from the envelope's own
// id; consumers dedupe by envelope id only. The open metadata bag is
// sanitized before it leaves the process.
func NewMessageFromEnvelope(env *envelope.Envelope, traceID string) (*message.Message, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is required")
	}

	clean := env.Clone()
	if clean.Metadata != nil {
		sanitized, ok := sanitize.Payload(clean.Metadata).(map[string]any)
		if !ok {
			sanitized = map[string]any{}
		}
		clean.Metadata = sanitized
	}

	payload, err := jsoncodec.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope payload: %w", err)
	}

	msg := message.NewMessage(ids.New(), payload)
	msg.Metadata.Set(MetadataKeyEnvelopeID, clean.ID)
	msg.Metadata.Set(MetadataKeyChannel, string(clean.Channel))
	msg.Metadata.Set(MetadataKeyDirection, string(clean.Direction))
	msg.Metadata.Set(MetadataKeyConversationID, clean.ConversationID)
	if traceID != "" {
		msg.Metadata.Set(MetadataKeyTraceID, traceID)
	}
	return msg, nil
}

// EnvelopeFromMessage decodes a bus message back into an envelope.
func EnvelopeFromMessage(msg *message.Message) (*envelope.Envelope, error) {
	var env envelope.Envelope
	if err := jsoncodec.Unmarshal(msg.Payload, &env); err != nil {
		return nil, &UnprocessableEnvelopeError{MessageUUID: msg.UUID, Err: err}
	}
	if env.ID == "" {
		return nil, &UnprocessableEnvelopeError{MessageUUID: msg.UUID, Err: fmt.Errorf("envelope id is missing")}
	}
	return &env, nil
}

// UnprocessableEnvelopeError wraps payloads that cannot be decoded into
// an envelope. The poison-queue middleware routes these instead of
// retrying them.
type UnprocessableEnvelopeError struct {
	MessageUUID string
	Err         error
}

func (e *UnprocessableEnvelopeError) Error() string {
	return fmt.Sprintf("unprocessable envelope (message %s): %v", e.MessageUUID, e.Err)
}

func (e *UnprocessableEnvelopeError) Unwrap() error { return e.Err }
