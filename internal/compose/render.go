package compose

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/omnichat/gateway/internal/envelope"
)

var placeholderRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// renderer substitutes {{placeholder}} tokens and records which
// placeholders were actually consumed. Tokens without a supplied
// variable stay in the output as literal text, so unresolved gaps remain
// visible to compliance and to the caller.
type renderer struct {
	variables map[string]any
	used      map[string]struct{}
}

func newRenderer(variables map[string]any) *renderer {
	return &renderer{variables: variables, used: make(map[string]struct{})}
}

func (r *renderer) renderString(template string) string {
	if template == "" {
		return template
	}
	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		submatch := placeholderRegex.FindStringSubmatch(match)
		if len(submatch) != 2 {
			return match
		}
		key := submatch[1]
		value, ok := r.variables[key]
		if !ok {
			return match
		}
		r.used[key] = struct{}{}
		return fmt.Sprint(value)
	})
}

func (r *renderer) placeholdersUsed() []string {
	used := make([]string, 0, len(r.used))
	for key := range r.used {
		used = append(used, key)
	}
	sort.Strings(used)
	return used
}

// renderTemplate renders the channel-shaped raw template. The returned
// value mirrors the raw shape with every string field substituted.
func (r *renderer) renderTemplate(ch envelope.Channel, raw any) any {
	switch t := raw.(type) {
	case WhatsAppTemplate:
		return WhatsAppTemplate{
			Header: r.renderString(t.Header),
			Body:   r.renderString(t.Body),
			Footer: r.renderString(t.Footer),
			CTA:    r.renderString(t.CTA),
		}
	case TelegramTemplate:
		rendered := TelegramTemplate{Text: r.renderString(t.Text)}
		if len(t.Keyboard) > 0 {
			rendered.Keyboard = make([]string, len(t.Keyboard))
			for i, button := range t.Keyboard {
				rendered.Keyboard[i] = r.renderString(button)
			}
		}
		return rendered
	case EmailTemplate:
		return EmailTemplate{
			Subject:   r.renderString(t.Subject),
			Preheader: r.renderString(t.Preheader),
			Body:      r.renderString(t.Body),
		}
	case string:
		return r.renderString(t)
	default:
		return raw
	}
}
