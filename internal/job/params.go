package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Params is an ordered string to string mapping. The zero value is empty and ready to
// use. Setting an existing key keeps its original position.
type Params struct {
	keys []string
	vals map[string]string
}

// NewParams builds Params from alternating key, value pairs.
func NewParams(kv ...string) Params {
	var p Params
	for i := 0; i+1 < len(kv); i += 2 {
		p.set(kv[i], kv[i+1])
	}
	return p
}

func (p *Params) set(k, v string) {
	if p.vals == nil {
		p.vals = map[string]string{}
	}
	if _, ok := p.vals[k]; !ok {
		p.keys = append(p.keys, k)
	}
	p.vals[k] = v
}

// With returns a copy of p with k set to v.
func (p Params) With(k, v string) Params {
	out := p.Clone()
	out.set(k, v)
	return out
}

func (p Params) Get(k string) (string, bool) {
	v, ok := p.vals[k]
	return v, ok
}

// Value returns the value for k, or def when k is unset or empty.
func (p Params) Value(k, def string) string {
	if v, ok := p.vals[k]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func (p Params) Len() int { return len(p.keys) }

// Keys returns the keys in insertion order.
func (p Params) Keys() []string { return append([]string(nil), p.keys...) }

// Each calls fn for every pair in order until fn returns false.
func (p Params) Each(fn func(k, v string) bool) {
	for _, k := range p.keys {
		if !fn(k, p.vals[k]) {
			return
		}
	}
}

// Map returns an unordered copy.
func (p Params) Map() map[string]string {
	out := make(map[string]string, len(p.keys))
	for k, v := range p.vals {
		out[k] = v
	}
	return out
}

func (p Params) Clone() Params {
	if len(p.keys) == 0 {
		return Params{}
	}
	out := Params{keys: append([]string(nil), p.keys...), vals: make(map[string]string, len(p.vals))}
	for k, v := range p.vals {
		out.vals[k] = v
	}
	return out
}

// Equal reports whether both hold the same pairs in the same order.
func (p Params) Equal(o Params) bool {
	if len(p.keys) != len(o.keys) {
		return false
	}
	for i, k := range p.keys {
		if o.keys[i] != k || o.vals[k] != p.vals[k] {
			return false
		}
	}
	return true
}

func (p Params) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%s", k, p.vals[k])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON writes an object whose member order follows p.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(p.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of string values, keeping the document order.
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = Params{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.Newf("params: expected object, got %v", tok)
	}
	var out Params
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return errors.Newf("params: expected key, got %v", kt)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return errors.Wrapf(err, "params: value for %q", key)
		}
		val, err := scalarText(raw)
		if err != nil {
			return errors.Wrapf(err, "params: value for %q", key)
		}
		out.set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// scalarText accepts strings as is and numbers or booleans by their literal text, so
// unquoted configuration values like 30 or true still land as strings.
func scalarText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.New("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", errors.New("expected a scalar value")
	case 'n':
		return "", nil
	default:
		return string(raw), nil
	}
}
