// Package searchspace parses hyperparameter search spaces and draws uniform
// random configurations from them.
//
// A search space is a JSON object mapping each parameter name to
// {"_type": <distribution>, "_value": [...]}:
//
//	{"lr": {"_type": "loguniform", "_value": [1e-4, 1e-1]},
//	 "optimizer": {"_type": "choice", "_value": ["sgd", "adam"]}}
package searchspace

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	multierror "github.com/hashicorp/go-multierror"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
)

const (
	Choice      = "choice"
	RandInt     = "randint"
	Uniform     = "uniform"
	QUniform    = "quniform"
	LogUniform  = "loguniform"
	QLogUniform = "qloguniform"
	Normal      = "normal"
	QNormal     = "qnormal"
	LogNormal   = "lognormal"
	QLogNormal  = "qlognormal"
)

// number of numeric _value entries each numeric distribution takes
var arity = map[string]int{
	RandInt:     2,
	Uniform:     2,
	QUniform:    3,
	LogUniform:  2,
	QLogUniform: 3,
	Normal:      2,
	QNormal:     3,
	LogNormal:   2,
	QLogNormal:  3,
}

type Param struct {
	Name    string
	Type    string
	Choices []interface{}
	Args    []float64
}

// Space is a parsed search space. Params are ordered by name so sampling
// with a given rand source is reproducible.
type Space struct {
	Params []Param
	Raw    json.RawMessage
}

type rawParam struct {
	Type  string            `json:"_type"`
	Value []json.RawMessage `json:"_value"`
}

// Parse validates data and returns the search space. Every problem found
// is reported in a single ValidationError.
func Parse(data []byte) (Space, error) {
	var raw map[string]rawParam
	if err := json.Unmarshal(data, &raw); err != nil {
		return Space{}, kerrors.NewValidationError("search space is not a JSON object of parameters: %v", err)
	}
	if len(raw) == 0 {
		return Space{}, kerrors.NewValidationError("search space has no parameters")
	}

	var result *multierror.Error
	space := Space{Raw: append(json.RawMessage(nil), data...)}
	for name, rp := range raw {
		p, err := parseParam(name, rp)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		space.Params = append(space.Params, p)
	}
	if err := result.ErrorOrNil(); err != nil {
		return Space{}, kerrors.NewValidationError("invalid search space: %v", err)
	}
	sort.Slice(space.Params, func(i, j int) bool { return space.Params[i].Name < space.Params[j].Name })
	return space, nil
}

func parseParam(name string, rp rawParam) (Param, error) {
	p := Param{Name: name, Type: rp.Type}
	if rp.Type == Choice {
		if len(rp.Value) == 0 {
			return p, fmt.Errorf("%s: choice needs at least one value", name)
		}
		for _, v := range rp.Value {
			var c interface{}
			if err := json.Unmarshal(v, &c); err != nil {
				return p, fmt.Errorf("%s: %v", name, err)
			}
			p.Choices = append(p.Choices, c)
		}
		return p, nil
	}

	n, ok := arity[rp.Type]
	if !ok {
		return p, fmt.Errorf("%s: unknown _type %q", name, rp.Type)
	}
	if len(rp.Value) != n {
		return p, fmt.Errorf("%s: %s needs %d values, got %d", name, rp.Type, n, len(rp.Value))
	}
	for _, v := range rp.Value {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return p, fmt.Errorf("%s: %s values must be numbers", name, rp.Type)
		}
		p.Args = append(p.Args, f)
	}
	return p, validateArgs(p)
}

func validateArgs(p Param) error {
	a := p.Args
	switch p.Type {
	case RandInt, Uniform, QUniform:
		if a[0] >= a[1] {
			return fmt.Errorf("%s: lower bound %v must be below upper bound %v", p.Name, a[0], a[1])
		}
	case LogUniform, QLogUniform:
		if a[0] <= 0 || a[0] >= a[1] {
			return fmt.Errorf("%s: %s bounds must satisfy 0 < low < high, got [%v, %v]", p.Name, p.Type, a[0], a[1])
		}
	case Normal, QNormal, LogNormal, QLogNormal:
		if a[1] <= 0 {
			return fmt.Errorf("%s: sigma must be positive, got %v", p.Name, a[1])
		}
	}
	if len(a) == 3 && a[2] <= 0 {
		return fmt.Errorf("%s: q must be positive, got %v", p.Name, a[2])
	}
	return nil
}

// Sample draws one value per parameter.
func (s Space) Sample(rng *rand.Rand) map[string]interface{} {
	out := make(map[string]interface{}, len(s.Params))
	for _, p := range s.Params {
		out[p.Name] = p.Sample(rng)
	}
	return out
}

func (p Param) Sample(rng *rand.Rand) interface{} {
	a := p.Args
	switch p.Type {
	case Choice:
		return p.Choices[rng.Intn(len(p.Choices))]
	case RandInt:
		lo, hi := int64(math.Ceil(a[0])), int64(math.Ceil(a[1]))
		if hi <= lo {
			return lo
		}
		return lo + rng.Int63n(hi-lo)
	case Uniform:
		return uniform(rng, a[0], a[1])
	case QUniform:
		return clip(quantize(uniform(rng, a[0], a[1]), a[2]), a[0], a[1])
	case LogUniform:
		return math.Exp(uniform(rng, math.Log(a[0]), math.Log(a[1])))
	case QLogUniform:
		v := math.Exp(uniform(rng, math.Log(a[0]), math.Log(a[1])))
		return clip(quantize(v, a[2]), a[0], a[1])
	case Normal:
		return a[0] + rng.NormFloat64()*a[1]
	case QNormal:
		return quantize(a[0]+rng.NormFloat64()*a[1], a[2])
	case LogNormal:
		return math.Exp(a[0] + rng.NormFloat64()*a[1])
	case QLogNormal:
		return quantize(math.Exp(a[0]+rng.NormFloat64()*a[1]), a[2])
	}
	return nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func quantize(v, q float64) float64 {
	return math.Round(v/q) * q
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
