package config

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the strict
// JSON decoder (DisallowUnknownFields) for both formats.
//
// The conversion walks the node tree instead of decoding into maps, so mapping order
// survives. Job parameters depend on that.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", errors.Wrap(err, "yaml unmarshal")
	}
	var buf bytes.Buffer
	if err := writeNode(&buf, &doc); err != nil {
		return nil, "yaml", errors.Wrap(err, "yaml->json")
	}
	return buf.Bytes(), "yaml", nil
}

func writeNode(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case 0:
		// empty document
		buf.WriteString("{}")
		return nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("{}")
			return nil
		}
		return writeNode(buf, n.Content[0])
	case yaml.AliasNode:
		return writeNode(buf, n.Alias)
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, c := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNode(buf, c); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case yaml.MappingNode:
		buf.WriteByte('{')
		first := true
		err := eachPair(n, func(k, v *yaml.Node) error {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			kb, err := json.Marshal(k.Value)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			return writeNode(buf, v)
		})
		buf.WriteByte('}')
		return err
	case yaml.ScalarNode:
		return writeScalar(buf, n)
	default:
		return errors.Newf("line %d: unsupported yaml node kind %d", n.Line, n.Kind)
	}
}

// eachPair visits key/value pairs in order, expanding "<<" merge keys in place.
func eachPair(n *yaml.Node, fn func(k, v *yaml.Node) error) error {
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if k.Tag == "!!merge" {
			for v.Kind == yaml.AliasNode {
				v = v.Alias
			}
			srcs := []*yaml.Node{v}
			if v.Kind == yaml.SequenceNode {
				srcs = v.Content
			}
			for _, src := range srcs {
				for src.Kind == yaml.AliasNode {
					src = src.Alias
				}
				if src.Kind != yaml.MappingNode {
					return errors.Newf("line %d: merge value is not a mapping", k.Line)
				}
				if err := eachPair(src, fn); err != nil {
					return err
				}
			}
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, n *yaml.Node) error {
	var v any
	switch n.ShortTag() {
	case "!!null":
		buf.WriteString("null")
		return nil
	case "!!str", "!!binary", "!!timestamp":
		v = n.Value
	default:
		if err := n.Decode(&v); err != nil {
			return errors.Wrapf(err, "line %d", n.Line)
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "line %d", n.Line)
	}
	buf.Write(b)
	return nil
}
