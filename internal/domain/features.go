package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Feature is one caller-supplied flag with its raw JSON value.
type Feature struct {
	Name  string
	Value any
}

// Features keeps the caller's feature flags in the order they appeared in the JSON object.
// The essentials recommender consumes them positionally, so map iteration order is not enough.
type Features []Feature

// UnmarshalJSON decodes a JSON object into ordered name/value pairs. Numbers are kept as
// json.Number. A repeated key keeps its first position and takes the last value.
func (f *Features) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: features: %v", ErrValidation, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: features must be an object", ErrValidation)
	}

	out := Features{}
	index := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: features: %v", ErrValidation, err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("%w: features: unexpected token %v", ErrValidation, keyTok)
		}

		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("%w: features[%s]: %v", ErrValidation, key, err)
		}

		if i, seen := index[key]; seen {
			out[i].Value = value
			continue
		}
		index[key] = len(out)
		out = append(out, Feature{Name: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: features: %v", ErrValidation, err)
	}

	*f = out
	return nil
}

// MarshalJSON writes the features back as an object, preserving order.
func (f Features) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, feat := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(feat.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(feat.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
