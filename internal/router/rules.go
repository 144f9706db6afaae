// Package router consumes inbound envelopes from the bus and produces
// outbound replies by matching an ordered rule list against the message
// text.
package router

import (
	"strings"

	"github.com/omnichat/gateway/internal/envelope"
	"github.com/omnichat/gateway/internal/ids"
)

// Rule pairs a predicate with a reply builder. Rules are evaluated in
// order and the first match wins.
type Rule struct {
	Name   string
	Match  func(text string) bool
	Handle func(env *envelope.Envelope) []*envelope.Envelope
}

// Engine evaluates the ordered rule list.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine over the given rules. The caller must make
// sure the last rule is a catch-all; DefaultRules already is.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Route matches the inbound envelope against the rules and returns the
// outbound replies together with the winning rule's name. Unmatched
// input is impossible with a trailing catch-all, so nothing is ever
// dropped silently.
func (e *Engine) Route(env *envelope.Envelope) ([]*envelope.Envelope, string) {
	text := strings.ToLower(strings.TrimSpace(env.Text))
	for _, rule := range e.rules {
		if rule.Match(text) {
			return rule.Handle(env), rule.Name
		}
	}
	return nil, ""
}

// Canned reply texts.
const (
	greetingReply = "Olá! Sou o assistente da Omni Energia. Posso te ajudar com um orçamento de energia solar ou com informações de contato."
	contactReply  = "Você fala com a Omni Energia pelo e-mail contato@omnienergia.example, pelo telefone 0800 000 0000, ou aqui mesmo neste canal."
	quoteReply    = "Ótimo! Para preparar seu orçamento, preciso de três informações: seu consumo mensal em kWh, seu CEP e um telefone para contato."
	fallbackReply = "Desculpe, não entendi. Você pode pedir um orçamento ou pedir nosso contato."
)

var greetingWords = []string{"oi", "ola", "olá", "hello", "hi", "hey"}

var greetingPhrases = []string{"bom dia", "boa tarde", "boa noite"}

// DefaultRules is the production rule list: greeting, knowledge base,
// sales intent, and an explicit fallback for everything else.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:   "greeting",
			Match:  matchGreeting,
			Handle: singleReply(greetingReply),
		},
		{
			Name:   "contact",
			Match:  containsAny("contato"),
			Handle: singleReply(contactReply),
		},
		{
			Name:   "quote",
			Match:  containsAny("orçamento", "orcamento"),
			Handle: singleReply(quoteReply),
		},
		{
			Name:   "fallback",
			Match:  func(string) bool { return true },
			Handle: singleReply(fallbackReply),
		},
	}
}

func singleReply(text string) func(env *envelope.Envelope) []*envelope.Envelope {
	return func(env *envelope.Envelope) []*envelope.Envelope {
		return []*envelope.Envelope{env.Reply(ids.NewEnvelopeID(), text)}
	}
}

func containsAny(keywords ...string) func(text string) bool {
	return func(text string) bool {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				return true
			}
		}
		return false
	}
}

// matchGreeting matches short greeting words as whole tokens so "foi"
// does not trigger on "oi", and greeting phrases as substrings.
func matchGreeting(text string) bool {
	for _, phrase := range greetingPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	}) {
		for _, greeting := range greetingWords {
			if word == greeting {
				return true
			}
		}
	}
	return false
}
