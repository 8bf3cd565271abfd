package txn

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// object is a JSON object that remembers its key order and keeps every value
// as the exact bytes it was decoded from.
type object struct {
	keys   []string
	fields map[string]json.RawMessage
}

func decodeObject(data []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return object{}, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return object{}, fmt.Errorf("expected JSON object, got %v", tok)
	}

	obj := object{fields: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return object{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return object{}, fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return object{}, fmt.Errorf("field %q: %w", key, err)
		}
		if _, dup := obj.fields[key]; !dup {
			obj.keys = append(obj.keys, key)
		}
		obj.fields[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return object{}, err
	}
	return obj, nil
}

func (o object) encode(override func(key string) (json.RawMessage, bool, error)) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := encodeString(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')

		val := o.fields[k]
		if override != nil {
			v, ok, err := override(k)
			if err != nil {
				return nil, err
			}
			if ok {
				val = v
			}
		}
		if len(val) == 0 {
			val = json.RawMessage("null")
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeString quotes s without escaping HTML characters, matching the
// literal bytes kept for every other value.
func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (o object) clone() object {
	c := object{
		keys:   make([]string, len(o.keys)),
		fields: make(map[string]json.RawMessage, len(o.fields)),
	}
	copy(c.keys, o.keys)
	for k, v := range o.fields {
		c.fields[k] = v
	}
	return c
}

func (o object) has(key string) bool {
	_, ok := o.fields[key]
	return ok
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
