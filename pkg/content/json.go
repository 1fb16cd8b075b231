package content

import (
	"bytes"
	"encoding/json"
)

// JSONParser parses RFC-8259 text into a generic value (map, slice,
// string, float64, bool or nil, per encoding/json's default decoding) and
// serializes it back. Key order of object members is preserved on
// round-trip by decoding into an ordered representation rather than a bare
// map, since Go maps do not preserve insertion order.
type JSONParser struct{}

func (JSONParser) Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	v, err := decodeOrderedValue(dec)
	if err != nil {
		return nil, ErrTypeMismatch
	}
	// Reject trailing garbage after the first JSON value.
	if dec.More() {
		return nil, ErrTypeMismatch
	}
	return v, nil
}

func (JSONParser) Serialize(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeOrderedValue(&buf, value); err != nil {
		return nil, ErrTypeMismatch
	}
	return buf.Bytes(), nil
}

// OrderedObject preserves the member order of a parsed JSON object so that
// Serialize(Parse(b)) reproduces b's key order exactly (spec.md §8 round-
// trip law).
type OrderedObject struct {
	Keys   []string
	Values map[string]any
}

func decodeOrderedValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeOrderedFromToken(dec, tok)
}

func decodeOrderedFromToken(dec *json.Decoder, tok json.Token) (any, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := &OrderedObject{Values: map[string]any{}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, ErrTypeMismatch
				}
				valTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				val, err := decodeOrderedFromToken(dec, valTok)
				if err != nil {
					return nil, err
				}
				obj.Keys = append(obj.Keys, key)
				obj.Values[key] = val
			}
			// consume closing '}'
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			var arr []any
			for dec.More() {
				valTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				val, err := decodeOrderedFromToken(dec, valTok)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			if arr == nil {
				arr = []any{}
			}
			return arr, nil
		}
	}
	return tok, nil
}

func encodeOrderedValue(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case *OrderedObject:
		buf.WriteByte('{')
		for i, k := range v.Keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeOrderedValue(buf, v.Values[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeOrderedValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
