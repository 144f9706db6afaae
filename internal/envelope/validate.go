package envelope

import (
	"fmt"
	"time"

	"github.com/omnichat/gateway/internal/gwerrors"
	"github.com/omnichat/gateway/internal/ids"
	"github.com/omnichat/gateway/internal/jsoncodec"
)

// Validate decodes a raw payload into a canonical Envelope and enforces
// the invariants of the ingress/egress endpoint it arrived on. It is a
// pure function: no I/O, deterministic apart from defaulted ids and
// timestamps, which are minted only when the sender omitted them.
func Validate(raw []byte, want Direction) (*Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(raw, &env); err != nil {
		return nil, gwerrors.NewValidationError("malformed envelope payload", "message")
	}
	return Normalize(&env, want)
}

// Normalize fills defaults and rejects envelopes violating the canonical
// shape. The returned envelope is a normalized copy; the input is not
// mutated.
func Normalize(in *Envelope, want Direction) (*Envelope, error) {
	if in == nil {
		return nil, gwerrors.NewValidationError("envelope is required", "message")
	}

	env := in.Clone()

	var badFields []string
	if !KnownChannel(env.Channel) {
		badFields = append(badFields, "channel")
	}
	if env.Direction != want {
		badFields = append(badFields, "direction")
	}
	if env.From.ID == "" {
		badFields = append(badFields, "from.id")
	}
	if env.To.ID == "" {
		badFields = append(badFields, "to.id")
	}
	if len(badFields) > 0 {
		return nil, gwerrors.NewValidationError(
			fmt.Sprintf("envelope must carry a known channel, direction %q, and both party ids", want),
			badFields...)
	}

	if env.ID == "" {
		env.ID = ids.NewEnvelopeID()
	}
	if env.Timestamp <= 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if env.ConversationID == "" {
		env.ConversationID = conversationKey(env)
	}

	return env, nil
}

// conversationKey derives a stable thread identifier from the channel and
// the two parties, so envelopes without an explicit conversation id still
// group into a thread. The pair is ordered so both directions agree.
func conversationKey(env *Envelope) string {
	a, b := env.From.ID, env.To.ID
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s:%s:%s", env.Channel, a, b)
}
