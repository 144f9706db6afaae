// Package envelope defines the canonical message unit exchanged between
// channels, the bus, and the adapters.
package envelope

import "time"

// Channel identifies an external messaging channel.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWeb      Channel = "web"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelWhatsApp, ChannelTelegram, ChannelEmail, ChannelSMS, ChannelWeb}

// KnownChannel reports whether ch is a supported channel.
func KnownChannel(ch Channel) bool {
	for _, known := range Channels {
		if ch == known {
			return true
		}
	}
	return false
}

// Direction marks an envelope as inbound or outbound.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Party identifies one side of a conversation.
type Party struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Envelope is the canonical message unit. It is immutable once published:
// retries never mutate ID, and consumers dedupe by ID rather than by any
// bus-assigned offset.
type Envelope struct {
	ID             string         `json:"id"`
	Channel        Channel        `json:"channel"`
	Direction      Direction      `json:"direction"`
	ConversationID string         `json:"conversationId"`
	From           Party          `json:"from"`
	To             Party          `json:"to"`
	Timestamp      int64          `json:"timestamp"` // epoch milliseconds
	Text           string         `json:"text,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Time returns the envelope timestamp as a time.Time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Reply builds an outbound envelope addressed back to the sender, in the
// same conversation, with a fresh identifier.
func (e *Envelope) Reply(id, text string) *Envelope {
	return &Envelope{
		ID:             id,
		Channel:        e.Channel,
		Direction:      DirectionOut,
		ConversationID: e.ConversationID,
		From:           e.To,
		To:             e.From,
		Timestamp:      time.Now().UnixMilli(),
		Text:           text,
	}
}

// Clone returns a deep enough copy for publish paths that annotate
// metadata without mutating the caller's envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
