package compose

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/omnichat/gateway/internal/envelope"
)

// Channel content length caps, measured on the rendered output.
const (
	maxWhatsAppBodyLen    = 1024
	maxTelegramTextLen    = 4096
	maxEmailSubjectLen    = 150
	maxEmailPreheaderLen  = 110
	maxSMSLen             = 160
	maxSMSMarketingLen    = 140
	maxShortLinkLen       = 30
	shortLinkVariableName = "link_curto"
)

// optOutMarker must appear in marketing content on conversational
// channels (LGPD consent rules: every marketing touch carries an
// opt-out instruction).
const optOutMarker = "descadastre"

// Compliance statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// Compliance is the aggregated policy verdict for one rendered output.
// It never throws: failing checks accumulate into Errors.
type Compliance struct {
	Status string   `json:"status"`
	Errors []string `json:"errors"`
}

func passed() Compliance {
	return Compliance{Status: StatusPass, Errors: []string{}}
}

// checkCompliance runs every channel policy against the rendered output.
func checkCompliance(ch envelope.Channel, rendered any, variables map[string]any, marketing bool) Compliance {
	var errs []string

	errs = append(errs, checkShortLink(variables)...)

	switch t := rendered.(type) {
	case WhatsAppTemplate:
		errs = append(errs, checkLength("whatsapp body", t.Body, maxWhatsAppBodyLen)...)
		if marketing && !containsOptOut(t.Body, t.Footer) {
			errs = append(errs, "marketing whatsapp content must include an opt-out notice")
		}
	case TelegramTemplate:
		errs = append(errs, checkLength("telegram text", t.Text, maxTelegramTextLen)...)
	case EmailTemplate:
		errs = append(errs, checkLength("email subject", t.Subject, maxEmailSubjectLen)...)
		errs = append(errs, checkLength("email preheader", t.Preheader, maxEmailPreheaderLen)...)
	case string:
		limit := maxSMSLen
		if marketing {
			limit = maxSMSMarketingLen
		}
		errs = append(errs, checkLength("sms text", t, limit)...)
		if marketing && !containsOptOut(t) {
			errs = append(errs, "marketing sms content must include an opt-out notice")
		}
	}

	if len(errs) > 0 {
		return Compliance{Status: StatusFail, Errors: errs}
	}
	return passed()
}

func checkLength(field, content string, max int) []string {
	if n := utf8.RuneCountInString(content); n > max {
		return []string{fmt.Sprintf("%s exceeds %d characters (got %d)", field, max, n)}
	}
	return nil
}

// checkShortLink caps the short-link variable independent of channel, so
// oversized tracking links are rejected before any channel-side failure.
func checkShortLink(variables map[string]any) []string {
	raw, ok := variables[shortLinkVariableName]
	if !ok {
		return nil
	}
	link := fmt.Sprint(raw)
	if utf8.RuneCountInString(link) > maxShortLinkLen {
		return []string{fmt.Sprintf("%s exceeds %d characters (got %d)",
			shortLinkVariableName, maxShortLinkLen, utf8.RuneCountInString(link))}
	}
	return nil
}

func containsOptOut(fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), optOutMarker) {
			return true
		}
	}
	return false
}
