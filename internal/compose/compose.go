package compose

import (
	"fmt"

	"github.com/omnichat/gateway/internal/envelope"
	"github.com/omnichat/gateway/internal/gwerrors"
)

// composableChannels are the channels with templated content. The web
// channel carries free-form payloads and has no template shape.
var composableChannels = map[envelope.Channel]struct{}{
	envelope.ChannelWhatsApp: {},
	envelope.ChannelTelegram: {},
	envelope.ChannelEmail:    {},
	envelope.ChannelSMS:      {},
}

// Request asks for one persona/region/channel composition.
type Request struct {
	PersonaID string           `json:"personaId"`
	Region    Region           `json:"region"`
	Channel   envelope.Channel `json:"channel"`
	Variables map[string]any   `json:"variables,omitempty"`
	Marketing bool             `json:"marketing,omitempty"`
}

// Result is the full composition outcome. A compliance failure does not
// prevent the result from being returned; the route layer maps it to 422.
type Result struct {
	Channel          envelope.Channel `json:"channel"`
	Raw              any              `json:"raw"`
	Rendered         any              `json:"rendered"`
	PlaceholdersUsed []string         `json:"placeholdersUsed"`
	Compliance       Compliance       `json:"compliance"`
}

// Validation is the projected dry-run view of a Result.
type Validation struct {
	Channel    envelope.Channel `json:"channel"`
	Compliance Compliance       `json:"compliance"`
}

// Composer renders templates from one loaded persona document.
type Composer struct {
	doc *PersonasDoc
}

// NewComposer builds a Composer over the given document.
func NewComposer(doc *PersonasDoc) *Composer {
	if doc == nil {
		doc = DefaultDoc()
	}
	return &Composer{doc: doc}
}

// Compose renders the requested persona/region/channel template and runs
// the compliance engine on the output.
func (c *Composer) Compose(req Request) (*Result, error) {
	// Channel is checked before persona and region: unknown channels
	// are rejected at the endpoint boundary in both compose and
	// validate paths.
	if _, ok := composableChannels[req.Channel]; !ok {
		return nil, gwerrors.NewValidationError(
			fmt.Sprintf("channel %q has no templated content", req.Channel), "channel")
	}

	persona, ok := c.doc.Persona(req.PersonaID)
	if !ok {
		return nil, gwerrors.NewValidationError(
			fmt.Sprintf("unknown persona %q", req.PersonaID), "personaId")
	}

	if !KnownRegion(req.Region) {
		return nil, gwerrors.NewValidationError(
			fmt.Sprintf("unknown region %q", req.Region), "region")
	}

	spec, ok := persona.Regions[req.Region]
	if !ok {
		return nil, gwerrors.NewValidationError(
			fmt.Sprintf("persona %q does not address region %q", req.PersonaID, req.Region), "region")
	}

	raw, ok := spec.template(req.Channel)
	if !ok {
		return nil, gwerrors.NewValidationError(
			fmt.Sprintf("persona %q has no %s template for region %q", req.PersonaID, req.Channel, req.Region),
			"channel")
	}

	r := newRenderer(req.Variables)
	rendered := r.renderTemplate(req.Channel, raw)

	return &Result{
		Channel:          req.Channel,
		Raw:              raw,
		Rendered:         rendered,
		PlaceholdersUsed: r.placeholdersUsed(),
		Compliance:       checkCompliance(req.Channel, rendered, req.Variables, req.Marketing),
	}, nil
}

// Validate runs the identical pipeline and projects the dry-run view.
func (c *Composer) Validate(req Request) (*Validation, error) {
	result, err := c.Compose(req)
	if err != nil {
		return nil, err
	}
	return &Validation{Channel: result.Channel, Compliance: result.Compliance}, nil
}
