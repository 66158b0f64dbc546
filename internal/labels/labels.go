// Package labels parses the labels attached to a workflow job into typed
// options.
//
// A label is either a bare flag (`spot`), a `key=value` pair, or a pair whose
// value is a `+` separated list (`family=c7a+m7a`). Hyphenated keys are
// camel-cased and the literal values true/false become booleans. A single label
// of the form `<prefix>-a-b` or `<prefix>,a,b` is expanded into discrete labels
// first, so older workflow files keep working.
package labels

import (
	"sort"
	"strings"
)

// Kind tells which shape a token took.
type Kind int

const (
	KindFlag Kind = iota
	KindKeyValue
	KindKeyValueList
)

func (k Kind) String() string {
	switch k {
	case KindFlag:
		return "flag"
	case KindKeyValue:
		return "key_value"
	case KindKeyValueList:
		return "key_value_list"
	default:
		return "unknown"
	}
}

// Token is one parsed label.
type Token struct {
	Kind   Kind
	Key    string // camel-cased
	Value  string
	Values []string
}

// Keys whose value may span several pieces in the hyphen shorthand.
var valueKeys = map[string]bool{
	"runner": true, "image": true, "ami": true,
	"cpu": true, "ram": true, "family": true,
	"hdd": true, "iops": true, "throughput": true,
	"env": true, "arch": true, "platform": true,
	"owner": true, "name": true, "preinstall": true,
}

// Keys that only take an explicit true/false in the hyphen shorthand.
var boolKeys = map[string]bool{
	"spot": true, "ssh": true, "debug": true,
}

// Expand rewrites the legacy single-label shorthand into discrete labels.
// Any other input is returned unchanged.
func Expand(labels []string, prefix string) []string {
	if len(labels) != 1 {
		return labels
	}
	label := labels[0]

	if rest, ok := strings.CutPrefix(label, prefix+","); ok {
		out := splitNonEmpty(rest, ",")
		return append(out, prefix)
	}
	if rest, ok := strings.CutPrefix(label, prefix+"-"); ok {
		out := joinHyphenPieces(splitNonEmpty(rest, "-"))
		return append(out, prefix)
	}
	return labels
}

// joinHyphenPieces glues `family c7a cpu 4` back into `family=c7a cpu=4`.
func joinHyphenPieces(pieces []string) []string {
	var out []string
	for i := 0; i < len(pieces); i++ {
		piece := pieces[i]
		switch {
		case strings.Contains(piece, "="):
			out = append(out, piece)
		case boolKeys[piece]:
			if i+1 < len(pieces) && (pieces[i+1] == "true" || pieces[i+1] == "false") {
				out = append(out, piece+"="+pieces[i+1])
				i++
			} else {
				out = append(out, piece)
			}
		case valueKeys[piece]:
			var value []string
			for i+1 < len(pieces) && !isKeyPiece(pieces[i+1]) {
				value = append(value, pieces[i+1])
				i++
			}
			if len(value) == 0 {
				out = append(out, piece)
			} else {
				out = append(out, piece+"="+strings.Join(value, "-"))
			}
		default:
			out = append(out, piece)
		}
	}
	return out
}

func isKeyPiece(piece string) bool {
	return strings.Contains(piece, "=") || valueKeys[piece] || boolKeys[piece]
}

// Tokenize parses labels into typed tokens, after shorthand expansion.
func Tokenize(labels []string, prefix string) []Token {
	expanded := Expand(labels, prefix)
	tokens := make([]Token, 0, len(expanded))
	for _, label := range expanded {
		key, value, ok := strings.Cut(label, "=")
		if !ok {
			tokens = append(tokens, Token{Kind: KindFlag, Key: CamelCase(label)})
			continue
		}
		if strings.Contains(value, "+") {
			tokens = append(tokens, Token{
				Kind:   KindKeyValueList,
				Key:    CamelCase(key),
				Values: splitNonEmpty(value, "+"),
			})
			continue
		}
		tokens = append(tokens, Token{Kind: KindKeyValue, Key: CamelCase(key), Value: value})
	}
	return tokens
}

// Extract parses labels into a map of options. Later labels win over earlier
// ones with the same key.
func Extract(labels []string, prefix string) Labels {
	out := make(Labels)
	for _, tok := range Tokenize(labels, prefix) {
		switch tok.Kind {
		case KindFlag:
			out[tok.Key] = Bool(true)
		case KindKeyValueList:
			out[tok.Key] = List(tok.Values...)
		default:
			switch tok.Value {
			case "true":
				out[tok.Key] = Bool(true)
			case "false":
				out[tok.Key] = Bool(false)
			default:
				out[tok.Key] = String(tok.Value)
			}
		}
	}
	return out
}

// CamelCase turns `spot-type` into `spotType`.
func CamelCase(key string) string {
	words := strings.Split(key, "-")
	for i := 1; i < len(words); i++ {
		if words[i] == "" {
			continue
		}
		words[i] = strings.ToUpper(words[i][:1]) + words[i][1:]
	}
	return strings.Join(words, "")
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Labels maps camel-cased option names to values.
type Labels map[string]Value

// Get returns the value for key.
func (l Labels) Get(key string) (Value, bool) {
	v, ok := l[key]
	return v, ok
}

// Text returns the value for key rendered as a string, or "".
func (l Labels) Text(key string) string {
	v, ok := l[key]
	if !ok {
		return ""
	}
	return v.String()
}

// Keys returns the option names in sorted order.
func (l Labels) Keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value is a string, a boolean or a list of strings.
type Value struct {
	kind Kind
	str  string
	b    bool
	list []string
}

// String creates a plain string value.
func String(s string) Value { return Value{kind: KindKeyValue, str: s} }

// Bool creates a boolean value.
func Bool(b bool) Value { return Value{kind: KindFlag, b: b} }

// List creates a list value.
func List(items ...string) Value {
	return Value{kind: KindKeyValueList, list: append([]string(nil), items...)}
}

// IsBool reports whether the value is a boolean.
func (v Value) IsBool() bool { return v.kind == KindFlag }

// IsList reports whether the value is a list.
func (v Value) IsList() bool { return v.kind == KindKeyValueList }

// AsBool returns the boolean and whether the value was one.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindFlag }

// Strings returns the value as a list. A plain string becomes a one-item list.
func (v Value) Strings() []string {
	switch v.kind {
	case KindKeyValueList:
		return append([]string(nil), v.list...)
	case KindFlag:
		return []string{v.String()}
	default:
		return []string{v.str}
	}
}

// String renders the value the way it appears in a label.
func (v Value) String() string {
	switch v.kind {
	case KindFlag:
		if v.b {
			return "true"
		}
		return "false"
	case KindKeyValueList:
		return strings.Join(v.list, "+")
	default:
		return v.str
	}
}

// Any returns the value as string, bool or []string.
func (v Value) Any() any {
	switch v.kind {
	case KindFlag:
		return v.b
	case KindKeyValueList:
		return append([]string(nil), v.list...)
	default:
		return v.str
	}
}
