// Package disturbance models stochastic perturbations added to simulated
// sensor values.
//
// A Disturbance is a closed set of kinds with their parameters. Simulate
// is pure: it takes the current State and a random source and returns
// the perturbation plus the next State, so a sensor can replay or fork a
// sequence by keeping its own states.
package disturbance

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Kind names a disturbance.
type Kind string

// Supported kinds.
const (
	WhiteNoise  Kind = "white_noise"
	RandomSpike Kind = "random_spike"
	Drift       Kind = "drift"
)

// Digits is the number of decimals every simulated value is rounded to.
const Digits = 2

var (
	// ErrUnknownKind is returned by Parse for an unsupported kind.
	ErrUnknownKind = errors.New("disturbance: unknown disturbance type")

	// ErrInvalidParameter is returned by Parse for out-of-range or
	// mistyped parameters.
	ErrInvalidParameter = errors.New("disturbance: invalid parameter")
)

// Disturbance is one configured perturbation. Only the fields of its
// Kind are meaningful.
type Disturbance struct {
	Kind Kind

	// WhiteNoise
	Mean float64
	Std  float64

	// RandomSpike
	Probability float64
	SpikeLow    float64
	SpikeHigh   float64

	// Drift
	Rate  float64
	Start float64
}

// State is the evolving part of a disturbance. Only Drift has any.
type State struct {
	Current float64
}

// Initial returns the state before the first sample.
func (d Disturbance) Initial() State {
	if d.Kind == Drift {
		return State{Current: d.Start}
	}
	return State{}
}

// Simulate returns the next perturbation and state.
func (d Disturbance) Simulate(s State, rng *rand.Rand) (float64, State) {
	switch d.Kind {
	case WhiteNoise:
		return Round(rng.NormFloat64()*d.Std + d.Mean), s
	case RandomSpike:
		if rng.Float64() < d.Probability {
			return Round(d.SpikeLow + rng.Float64()*(d.SpikeHigh-d.SpikeLow)), s
		}
		return 0, s
	case Drift:
		s.Current += d.Rate
		return Round(s.Current), s
	}
	return 0, s
}

// Round rounds v to Digits decimals.
func Round(v float64) float64 {
	const scale = 100
	return math.Round(v*scale) / scale
}

// Spec is the stored form of a disturbance inside a sensor's data:
//
//	{"disturbance_type": "drift", "parameters": {"rate": 0.01, "start": 0}}
type Spec struct {
	Kind       Kind           `json:"disturbance_type" yaml:"disturbance_type"`
	Parameters map[string]any `json:"parameters" yaml:"parameters"`
}

// Parse validates spec and fills defaults: white noise mean 0 std 1,
// random spike probability 0.1 over (-1, 1), drift rate 0.01 from 0.
func Parse(spec Spec) (Disturbance, error) {
	p := params(spec.Parameters)
	var (
		d   = Disturbance{Kind: spec.Kind}
		err error
	)

	switch spec.Kind {
	case WhiteNoise:
		if d.Mean, err = p.float("mean", 0); err != nil {
			return Disturbance{}, err
		}
		if d.Std, err = p.float("std", 1); err != nil {
			return Disturbance{}, err
		}
		if d.Std < 0 {
			return Disturbance{}, fmt.Errorf("%w: std must not be negative", ErrInvalidParameter)
		}
	case RandomSpike:
		if d.Probability, err = p.float("probability", 0.1); err != nil {
			return Disturbance{}, err
		}
		if d.Probability < 0 || d.Probability > 1 {
			return Disturbance{}, fmt.Errorf("%w: probability must be between 0 and 1", ErrInvalidParameter)
		}
		if d.SpikeLow, d.SpikeHigh, err = p.pair("spike_range", -1, 1); err != nil {
			return Disturbance{}, err
		}
	case Drift:
		if d.Rate, err = p.float("rate", 0.01); err != nil {
			return Disturbance{}, err
		}
		if d.Start, err = p.float("start", 0); err != nil {
			return Disturbance{}, err
		}
	default:
		return Disturbance{}, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	return d, nil
}

// ParseData reads the "disturbances" list of a sensor's data map. A
// missing list yields no disturbances.
func ParseData(data map[string]any) ([]Disturbance, error) {
	raw, ok := data["disturbances"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: disturbances must be a list", ErrInvalidParameter)
	}

	out := make([]Disturbance, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: disturbance %d must be an object", ErrInvalidParameter, i)
		}
		kind, _ := m["disturbance_type"].(string)         //nolint:errcheck // empty kind is rejected by Parse
		parameters, _ := m["parameters"].(map[string]any) //nolint:errcheck // nil means defaults
		d, err := Parse(Spec{Kind: Kind(kind), Parameters: parameters})
		if err != nil {
			return nil, fmt.Errorf("disturbance %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// params reads numbers from JSON- or YAML-decoded maps.
type params map[string]any

func (p params) float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParameter, key)
	}
	return f, nil
}

func (p params) pair(key string, lo, hi float64) (float64, float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return lo, hi, nil
	}
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return 0, 0, fmt.Errorf("%w: %s must be a two-element list", ErrInvalidParameter, key)
	}
	a, okA := toFloat(list[0])
	b, okB := toFloat(list[1])
	if !okA || !okB {
		return 0, 0, fmt.Errorf("%w: %s must contain numbers", ErrInvalidParameter, key)
	}
	if a > b {
		a, b = b, a
	}
	return a, b, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
