// Package sanitize strips secrets and masks PII from arbitrary nested
// payloads. The JSON value space is modelled as an explicit tagged union
// and both transforms are structural recursion over it, so blanket
// behaviour never depends on duck typing.
package sanitize

import "sort"

// Kind tags a Value variant.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is one node of a JSON-like document.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	Arr    []Value
	Obj    []Member
}

// Member is one object entry. Order is preserved.
type Member struct {
	Key   string
	Value Value
}

// FromAny converts a decoded JSON document (maps, slices, scalars) into
// the tagged union. Unknown Go types degrade to null rather than
// panicking.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{Kind: KindNull}
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case float64:
		return Value{Kind: KindNumber, Number: t}
	case float32:
		return Value{Kind: KindNumber, Number: float64(t)}
	case int:
		return Value{Kind: KindNumber, Number: float64(t)}
	case int32:
		return Value{Kind: KindNumber, Number: float64(t)}
	case int64:
		return Value{Kind: KindNumber, Number: float64(t)}
	case string:
		return Value{Kind: KindString, Str: t}
	case []any:
		arr := make([]Value, len(t))
		for i, elem := range t {
			arr[i] = FromAny(elem)
		}
		return Value{Kind: KindArray, Arr: arr}
	case map[string]any:
		obj := make([]Member, 0, len(t))
		for _, key := range sortedKeys(t) {
			obj = append(obj, Member{Key: key, Value: FromAny(t[key])})
		}
		return Value{Kind: KindObject, Obj: obj}
	default:
		return Value{Kind: KindNull}
	}
}

// ToAny converts a Value back into the shapes produced by JSON decoding.
func ToAny(v Value) any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.Str
	case KindArray:
		arr := make([]any, len(v.Arr))
		for i, elem := range v.Arr {
			arr[i] = ToAny(elem)
		}
		return arr
	case KindObject:
		obj := make(map[string]any, len(v.Obj))
		for _, m := range v.Obj {
			obj[m.Key] = ToAny(m.Value)
		}
		return obj
	default:
		return nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
