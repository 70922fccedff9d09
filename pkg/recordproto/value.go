package recordproto

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Type prefixes of a typed patch value.
const (
	typeString    = 'S'
	typeNumber    = 'N'
	typeTrue      = 'T'
	typeFalse     = 'F'
	typeNull      = 'L'
	typeUndefined = 'U'
	typeObject    = 'O'
)

// EncodeRaw converts a JSON value into its typed wire form. A nil or empty
// value is encoded as undefined.
func EncodeRaw(raw json.RawMessage) string {
	raw = trimSpace(raw)
	if len(raw) == 0 {
		return string(typeUndefined)
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return string(typeString) + s
		}
	case 't':
		return string(typeTrue)
	case 'f':
		return string(typeFalse)
	case 'n':
		return string(typeNull)
	case '{', '[':
		return string(typeObject) + string(raw)
	}
	return string(typeNumber) + string(raw)
}

// DecodeRaw converts a typed wire value back into JSON. Undefined decodes to nil.
func DecodeRaw(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty typed value", ErrMalformed)
	}
	body := s[1:]
	switch s[0] {
	case typeString:
		return json.Marshal(body)
	case typeNumber:
		f, err := strconv.ParseFloat(body, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: number %q", ErrMalformed, body)
		}
		return json.RawMessage(body), nil
	case typeTrue:
		return json.RawMessage("true"), nil
	case typeFalse:
		return json.RawMessage("false"), nil
	case typeNull:
		return json.RawMessage("null"), nil
	case typeUndefined:
		return nil, nil
	case typeObject:
		if !json.Valid([]byte(body)) {
			return nil, fmt.Errorf("%w: object %q", ErrMalformed, body)
		}
		return json.RawMessage(body), nil
	}
	return nil, fmt.Errorf("%w: unknown value type %q", ErrMalformed, s[0])
}

func trimSpace(raw json.RawMessage) json.RawMessage {
	start, end := 0, len(raw)
	for start < end && isSpace(raw[start]) {
		start++
	}
	for end > start && isSpace(raw[end-1]) {
		end--
	}
	return raw[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
