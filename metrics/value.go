package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

type Kind int

const (
	// The payload could not be interpreted; the record is discarded.
	Failure Kind = iota
	// A bare JSON number.
	Number
	// An object carrying the scalar under "default".
	DefaultObject
)

func (k Kind) String() string {
	switch k {
	case Number:
		return "number"
	case DefaultObject:
		return "default-object"
	default:
		return "failure"
	}
}

// Value is the decoded form of a metric payload. Scalar is only meaningful
// when Kind is not Failure. Extra holds the remaining keys of a default
// object.
type Value struct {
	Kind   Kind
	Scalar float64
	Extra  map[string]interface{}
	Err    error
}

func (v Value) Ok() bool {
	return v.Kind != Failure
}

func (v Value) String() string {
	if !v.Ok() {
		return fmt.Sprintf("failure(%v)", v.Err)
	}
	return fmt.Sprintf("%s(%v)", v.Kind, v.Scalar)
}

// Sentinels substituted for bare non-finite literals so encoding/json will
// accept the text. A payload string would need a \u0000 escape to collide.
const (
	nanSentinel    = "\x00nan"
	posInfSentinel = "\x00+inf"
	negInfSentinel = "\x00-inf"
)

var nonFinite = []struct {
	literal  string
	sentinel string
}{
	{"-Infinity", negInfSentinel},
	{"Infinity", posInfSentinel},
	{"NaN", nanSentinel},
}

// Decode interprets a metric payload. The payload is JSON text that is a
// number, an object with a "default" number, or a JSON string whose content
// is itself one of those (the double encoding used to carry NaN and
// Infinity). Bare NaN, Infinity and -Infinity literals are accepted.
func Decode(raw string) Value {
	v, err := decodeTolerant(raw)
	if err != nil {
		return Value{Err: err}
	}
	if s, ok := v.(string); ok {
		if f, ok := sentinelValue(s); ok {
			return Value{Kind: Number, Scalar: f}
		}
		v, err = decodeTolerant(s)
		if err != nil {
			return Value{Err: fmt.Errorf("double encoded payload: %v", err)}
		}
	}
	return interpret(v)
}

func interpret(v interface{}) Value {
	switch t := v.(type) {
	case float64:
		return Value{Kind: Number, Scalar: t}
	case string:
		if f, ok := sentinelValue(t); ok {
			return Value{Kind: Number, Scalar: f}
		}
		return Value{Err: fmt.Errorf("string payload %q is not a number", t)}
	case map[string]interface{}:
		d, ok := t["default"]
		if !ok {
			return Value{Err: fmt.Errorf("object payload has no \"default\" key")}
		}
		var scalar float64
		switch dv := d.(type) {
		case float64:
			scalar = dv
		case string:
			f, ok := sentinelValue(dv)
			if !ok {
				return Value{Err: fmt.Errorf("\"default\" is not a number: %q", dv)}
			}
			scalar = f
		default:
			return Value{Err: fmt.Errorf("\"default\" is not a number: %v", d)}
		}
		extra := make(map[string]interface{}, len(t)-1)
		for k, e := range t {
			if k != "default" {
				extra[k] = restoreLiterals(e)
			}
		}
		return Value{Kind: DefaultObject, Scalar: scalar, Extra: extra}
	default:
		return Value{Err: fmt.Errorf("unsupported payload %v", v)}
	}
}

func sentinelValue(s string) (float64, bool) {
	switch s {
	case nanSentinel:
		return math.NaN(), true
	case posInfSentinel:
		return math.Inf(1), true
	case negInfSentinel:
		return math.Inf(-1), true
	}
	return 0, false
}

// Extra keys keep the literal spelling of non-finite values.
func restoreLiterals(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	for _, nf := range nonFinite {
		if s == nf.sentinel {
			return nf.literal
		}
	}
	return s
}

func decodeTolerant(raw string) (interface{}, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty payload")
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(replaceNonFinite(text)))
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after payload")
	}
	return v, nil
}

// replaceNonFinite rewrites NaN/Infinity/-Infinity tokens that appear
// outside JSON strings into quoted sentinels.
func replaceNonFinite(text string) []byte {
	out := make([]byte, 0, len(text)+16)
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		matched := false
		for _, nf := range nonFinite {
			if strings.HasPrefix(text[i:], nf.literal) && !isIdentByte(text, i+len(nf.literal)) {
				quoted, _ := json.Marshal(nf.sentinel)
				out = append(out, quoted...)
				i += len(nf.literal) - 1
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, c)
		}
	}
	return out
}

func isIdentByte(text string, i int) bool {
	if i >= len(text) {
		return false
	}
	c := text[i]
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
