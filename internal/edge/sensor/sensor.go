// Package sensor defines the simulated sensors of an edge device and the
// registry that persists them.
//
// A sensor is identified on the wire by its metric identifier,
// "<sensor_type>.<sensor_identifier>". Scalar sensors (temperature,
// humidity) produce one value per sample; vibration produces one value
// per axis, reported as "<metric identifier>.<field>".
package sensor

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/nerrad567/fleet-telemetry/internal/edge/disturbance"
)

// Sensor types.
const (
	TypeTemperature = "temperature"
	TypeHumidity    = "humidity"
	TypeVibration   = "vibration"
)

// DefaultSamplingInterval is used when a config leaves it unset, in seconds.
const DefaultSamplingInterval = 10

var (
	ErrSensorExists        = errors.New("sensor: already exists")
	ErrSensorNotFound      = errors.New("sensor: does not exist")
	ErrUnknownSensorType   = errors.New("sensor: unknown sensor type")
	ErrInvalidSensorConfig = errors.New("sensor: invalid configuration")
)

// Config is the persisted description of a sensor.
type Config struct {
	SensorIdentifier string         `json:"sensor_identifier" yaml:"sensor_identifier"`
	SensorType       string         `json:"sensor_type" yaml:"sensor_type"`
	Path             string         `json:"path" yaml:"path"`
	SamplingInterval int            `json:"sampling_interval" yaml:"sampling_interval"`
	Data             map[string]any `json:"data" yaml:"data"`
}

// MetricIdentifier returns "<sensor_type>.<sensor_identifier>".
func (c Config) MetricIdentifier() string {
	return MetricIdentifier(c.SensorType, c.SensorIdentifier)
}

// MetricIdentifier joins a sensor type and identifier.
func MetricIdentifier(sensorType, sensorIdentifier string) string {
	return sensorType + "." + sensorIdentifier
}

// Sample is one reading. Fields is set for multi-axis sensors, Value
// otherwise.
type Sample struct {
	Value  float64
	Fields map[string]float64
}

// Simulator produces readings for one sensor. Sample is called from one
// goroutine at a time.
type Simulator interface {
	Config() Config
	Unit() string
	Sample(rng *rand.Rand) Sample
}

// New builds the simulator for cfg, filling the default sampling interval.
func New(cfg Config) (Simulator, error) {
	if strings.TrimSpace(cfg.SensorIdentifier) == "" {
		return nil, fmt.Errorf("%w: sensor_identifier is required", ErrInvalidSensorConfig)
	}
	if cfg.SamplingInterval < 0 {
		return nil, fmt.Errorf("%w: sampling_interval must be positive", ErrInvalidSensorConfig)
	}
	if cfg.SamplingInterval == 0 {
		cfg.SamplingInterval = DefaultSamplingInterval
	}
	if cfg.Data == nil {
		cfg.Data = map[string]any{}
	}

	switch cfg.SensorType {
	case TypeTemperature:
		return newAmbient(cfg, "°C", 0.9, 0.15)
	case TypeHumidity:
		return newAmbient(cfg, "%", 0.95, 0.4)
	case TypeVibration:
		return newVibration(cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSensorType, cfg.SensorType)
}

// ambient is a mean-reverting signal around data.offset with the
// configured disturbances on top.
type ambient struct {
	cfg          Config
	unit         string
	offset       float64
	phi, sigma   float64
	level        float64
	disturbances []disturbance.Disturbance
	states       []disturbance.State
}

func newAmbient(cfg Config, unit string, phi, sigma float64) (*ambient, error) {
	offset := 0.0
	if v, ok := cfg.Data["offset"]; ok && v != nil {
		f, ok := number(v)
		if !ok {
			return nil, fmt.Errorf("%w: offset must be a number", ErrInvalidSensorConfig)
		}
		offset = f
	}

	ds, err := disturbance.ParseData(cfg.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSensorConfig, err)
	}
	states := make([]disturbance.State, len(ds))
	for i, d := range ds {
		states[i] = d.Initial()
	}

	return &ambient{
		cfg:          cfg,
		unit:         unit,
		offset:       offset,
		phi:          phi,
		sigma:        sigma,
		disturbances: ds,
		states:       states,
	}, nil
}

func (a *ambient) Config() Config { return a.cfg }
func (a *ambient) Unit() string   { return a.unit }

func (a *ambient) Sample(rng *rand.Rand) Sample {
	a.level = a.phi*a.level + rng.NormFloat64()*a.sigma

	sum := 0.0
	for i, d := range a.disturbances {
		var v float64
		v, a.states[i] = d.Simulate(a.states[i], rng)
		sum += v
	}
	return Sample{Value: disturbance.Round(a.offset + a.level + sum)}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
