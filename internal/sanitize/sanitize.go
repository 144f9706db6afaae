package sanitize

import (
	"strings"
	"unicode/utf8"
)

const (
	redactedMarker = "[REDACTED]"
	maxLogTextLen  = 32
)

// removalKeys are dropped from persisted payloads and replaced with a
// marker in log output, at any nesting depth, matched case-insensitively.
var removalKeys = map[string]struct{}{
	"password":      {},
	"token":         {},
	"apikey":        {},
	"authorization": {},
	"secret":        {},
}

// freeTextKeys carry conversational content and are truncated in logs.
var freeTextKeys = map[string]struct{}{
	"text":    {},
	"body":    {},
	"message": {},
}

func isRemovalKey(key string) bool {
	_, ok := removalKeys[strings.ToLower(key)]
	return ok
}

// Payload removes secret-bearing keys and masks email values anywhere in
// the document. Used before persistence and before publishing to the bus.
func Payload(doc any) any {
	return ToAny(sanitizeValue(FromAny(doc)))
}

// ForLog applies the stricter transform for log lines: secrets become a
// literal marker, emails are masked, id/phone values keep only their last
// four characters, and long free-text values are truncated.
func ForLog(doc any) any {
	return ToAny(redactValue(FromAny(doc)))
}

func sanitizeValue(v Value) Value {
	switch v.Kind {
	case KindObject:
		out := make([]Member, 0, len(v.Obj))
		for _, m := range v.Obj {
			if isRemovalKey(m.Key) {
				continue
			}
			if strings.EqualFold(m.Key, "email") && m.Value.Kind == KindString {
				out = append(out, Member{Key: m.Key, Value: Value{Kind: KindString, Str: MaskEmail(m.Value.Str)}})
				continue
			}
			out = append(out, Member{Key: m.Key, Value: sanitizeValue(m.Value)})
		}
		return Value{Kind: KindObject, Obj: out}
	case KindArray:
		out := make([]Value, len(v.Arr))
		for i, elem := range v.Arr {
			out[i] = sanitizeValue(elem)
		}
		return Value{Kind: KindArray, Arr: out}
	default:
		return v
	}
}

func redactValue(v Value) Value {
	switch v.Kind {
	case KindObject:
		out := make([]Member, 0, len(v.Obj))
		for _, m := range v.Obj {
			out = append(out, Member{Key: m.Key, Value: redactMember(m.Key, m.Value)})
		}
		return Value{Kind: KindObject, Obj: out}
	case KindArray:
		out := make([]Value, len(v.Arr))
		for i, elem := range v.Arr {
			out[i] = redactValue(elem)
		}
		return Value{Kind: KindArray, Arr: out}
	default:
		return v
	}
}

func redactMember(key string, v Value) Value {
	lower := strings.ToLower(key)
	switch {
	case isRemovalKey(key):
		return Value{Kind: KindString, Str: redactedMarker}
	case lower == "email" && v.Kind == KindString:
		return Value{Kind: KindString, Str: MaskEmail(v.Str)}
	case (lower == "id" || lower == "phone") && v.Kind == KindString:
		return Value{Kind: KindString, Str: MaskTail(v.Str, 4)}
	default:
	}
	if _, ok := freeTextKeys[lower]; ok && v.Kind == KindString {
		return Value{Kind: KindString, Str: TruncateText(v.Str, maxLogTextLen)}
	}
	return redactValue(v)
}

// MaskEmail keeps the first character of the local part and the domain:
// "someone@example.com" becomes "s***@example.com". Values without an
// "@" are masked entirely.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	first, _ := utf8.DecodeRuneInString(email[:at])
	return string(first) + "***" + email[at:]
}

// MaskTail masks all but the last keep characters of s.
func MaskTail(s string, keep int) string {
	runes := []rune(s)
	if len(runes) <= keep {
		return s
	}
	return strings.Repeat("*", len(runes)-keep) + string(runes[len(runes)-keep:])
}

// TruncateText shortens s to max runes with a trailing ellipsis.
func TruncateText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
