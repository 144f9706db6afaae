// Package compose renders persona/region/channel templates and checks
// the rendered output against channel policy. Results are pure
// computation; nothing here is persisted.
package compose

import (
	_ "embed"
	"fmt"

	"github.com/omnichat/gateway/internal/envelope"
	"github.com/omnichat/gateway/internal/jsoncodec"
)

// Region is a coarse geographic market, following the Brazilian macro
// regions the persona documents are segmented by.
type Region string

const (
	RegionNorth     Region = "N"
	RegionNortheast Region = "NE"
	RegionMidwest   Region = "CO"
	RegionSoutheast Region = "SE"
	RegionSouth     Region = "S"
)

// Regions lists every known region.
var Regions = []Region{RegionNorth, RegionNortheast, RegionMidwest, RegionSoutheast, RegionSouth}

// KnownRegion reports whether r is a known region.
func KnownRegion(r Region) bool {
	for _, known := range Regions {
		if r == known {
			return true
		}
	}
	return false
}

// WhatsAppTemplate is the raw, placeholder-bearing WhatsApp shape.
type WhatsAppTemplate struct {
	Header string `json:"header"`
	Body   string `json:"body"`
	Footer string `json:"footer,omitempty"`
	CTA    string `json:"cta,omitempty"`
}

// TelegramTemplate is the raw Telegram shape.
type TelegramTemplate struct {
	Text     string   `json:"text"`
	Keyboard []string `json:"keyboard,omitempty"`
}

// EmailTemplate is the raw email shape.
type EmailTemplate struct {
	Subject   string `json:"subject"`
	Preheader string `json:"preheader,omitempty"`
	Body      string `json:"body"`
}

// RegionSpec carries one region's value proposition and its per-channel
// raw templates. Absent channels mean the persona does not address that
// channel in the region.
type RegionSpec struct {
	ValueProp string            `json:"valuePropo"`
	WhatsApp  *WhatsAppTemplate `json:"whatsapp,omitempty"`
	Telegram  *TelegramTemplate `json:"telegram,omitempty"`
	Email     *EmailTemplate    `json:"email,omitempty"`
	SMS       string            `json:"sms,omitempty"`
}

// Persona is one audience segment of the template document.
type Persona struct {
	ID            string                `json:"id"`
	Class         string                `json:"class"`
	Label         string                `json:"label"`
	EnergyProfile string                `json:"energyProfile"`
	Regions       map[Region]RegionSpec `json:"regions"`
}

// PersonasDoc is the versioned template source document, loaded once at
// startup from an external versioned store.
type PersonasDoc struct {
	Version  string    `json:"version"`
	Context  string    `json:"context"`
	Personas []Persona `json:"personas"`
}

// Persona returns the persona with the given id.
func (d *PersonasDoc) Persona(id string) (Persona, bool) {
	for _, p := range d.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

//go:embed personas.json
var defaultPersonasDoc []byte

// LoadDoc parses a persona document.
func LoadDoc(raw []byte) (*PersonasDoc, error) {
	var doc PersonasDoc
	if err := jsoncodec.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("compose: invalid personas document: %w", err)
	}
	if len(doc.Personas) == 0 {
		return nil, fmt.Errorf("compose: personas document %q has no personas", doc.Version)
	}
	return &doc, nil
}

// DefaultDoc loads the embedded persona document shipped with the
// gateway for deployments without an external template store.
func DefaultDoc() *PersonasDoc {
	doc, err := LoadDoc(defaultPersonasDoc)
	if err != nil {
		panic(err)
	}
	return doc
}

// template returns the raw channel template of a region spec.
func (spec RegionSpec) template(ch envelope.Channel) (any, bool) {
	switch ch {
	case envelope.ChannelWhatsApp:
		if spec.WhatsApp != nil {
			return *spec.WhatsApp, true
		}
	case envelope.ChannelTelegram:
		if spec.Telegram != nil {
			return *spec.Telegram, true
		}
	case envelope.ChannelEmail:
		if spec.Email != nil {
			return *spec.Email, true
		}
	case envelope.ChannelSMS:
		if spec.SMS != "" {
			return spec.SMS, true
		}
	}
	return nil, false
}
