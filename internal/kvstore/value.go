package kvstore

import (
	"encoding/json"

	"github.com/google/go-cmp/cmp"
)

// Decode parses a string as JSON and falls back to the raw string when it
// does not parse. Non-string values pass through untouched.
func Decode(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return s
	}
	return out
}

// Encode returns the string form of v: strings pass through, anything else
// is JSON-encoded.
func Encode(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Equal compares two values structurally on their decoded form, so a JSON
// string and the structure it encodes are equal and integer vs float number
// representations do not count as drift.
func Equal(a, b any) bool {
	return cmp.Equal(normalize(Decode(a)), normalize(Decode(b)))
}

// IsEmpty reports whether v is absent or an empty string. Empty arrays and
// objects are real values.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func normalize(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func clone(v any) any {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return s
	}
	return normalize(v)
}

// codec converts between caller values and what a backend physically holds.
type codec struct {
	encoding Encoding
}

func (c codec) store(v any) (any, error) {
	if c.encoding == EncodingStrings {
		return Encode(v)
	}
	if _, err := json.Marshal(v); err != nil {
		return nil, err
	}
	return clone(v), nil
}

func (c codec) load(raw any) any {
	if raw == nil {
		return nil
	}
	if c.encoding == EncodingStrings {
		s, ok := raw.(string)
		if !ok {
			return clone(raw)
		}
		return Decode(s)
	}
	return clone(raw)
}

// marshal returns the text form persisted by backends that keep a single
// text column or document per key.
func (c codec) marshal(raw any) (string, error) {
	if c.encoding == EncodingStrings {
		s, ok := raw.(string)
		if ok {
			return s, nil
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c codec) unmarshal(text string) any {
	if c.encoding == EncodingStrings {
		return text
	}
	var out any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return text
	}
	return out
}

func sameRaw(a, b any) bool {
	return cmp.Equal(normalize(a), normalize(b))
}
