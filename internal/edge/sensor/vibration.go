package sensor

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/nerrad567/fleet-telemetry/internal/edge/disturbance"
)

// Gear fault profiles accepted in data.fault_type.
const (
	FaultEccentricity = "eccentricity"
	FaultMissingTooth = "missing_tooth"
	FaultNone         = "no_fault"
	FaultRootCrack    = "root_crack"
	FaultSurface      = "surface_fault"
	FaultToothChipped = "tooth_chipped_fault"
)

// Vibration fields.
const (
	FieldXAxis = "x_axis"
	FieldYAxis = "y_axis"
	FieldSpeed = "speed"
	FieldLoad  = "load"
)

// gearProfile shapes the simulated accelerometer signal of a gearbox.
// Teeth impacts add an impulse every impulseEvery samples.
type gearProfile struct {
	amplitude    float64
	harmonic     float64
	noise        float64
	impulse      float64
	impulseEvery int
}

var gearProfiles = map[string]gearProfile{
	FaultNone:         {amplitude: 1.0, harmonic: 0.05, noise: 0.05},
	FaultEccentricity: {amplitude: 1.6, harmonic: 0.40, noise: 0.08},
	FaultMissingTooth: {amplitude: 1.1, harmonic: 0.10, noise: 0.08, impulse: 4.0, impulseEvery: 20},
	FaultRootCrack:    {amplitude: 1.2, harmonic: 0.25, noise: 0.10, impulse: 1.5, impulseEvery: 20},
	FaultSurface:      {amplitude: 1.1, harmonic: 0.15, noise: 0.30},
	FaultToothChipped: {amplitude: 1.1, harmonic: 0.10, noise: 0.10, impulse: 2.5, impulseEvery: 20},
}

// FaultTypes returns the supported fault profiles, sorted.
func FaultTypes() []string {
	out := make([]string, 0, len(gearProfiles))
	for k := range gearProfiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

const (
	gearSpeed     = 8.33 // rotations per second at the set point
	gearLoad      = 20.0
	samplesPerRev = 40
)

// vibration cycles through one revolution of a gear per samplesPerRev
// samples.
type vibration struct {
	cfg     Config
	profile gearProfile
	step    int
}

func newVibration(cfg Config) (*vibration, error) {
	fault, _ := cfg.Data["fault_type"].(string) //nolint:errcheck // empty string is rejected below
	if fault == "" {
		return nil, fmt.Errorf("%w: fault_type not specified in data", ErrInvalidSensorConfig)
	}
	profile, ok := gearProfiles[fault]
	if !ok {
		return nil, fmt.Errorf("%w: invalid fault type %q", ErrInvalidSensorConfig, fault)
	}
	return &vibration{cfg: cfg, profile: profile}, nil
}

func (v *vibration) Config() Config { return v.cfg }
func (v *vibration) Unit() string   { return "" }

func (v *vibration) Sample(rng *rand.Rand) Sample {
	p := v.profile
	phase := 2 * math.Pi * float64(v.step%samplesPerRev) / samplesPerRev

	x := p.amplitude*math.Sin(phase) + p.harmonic*math.Sin(2*phase) + rng.NormFloat64()*p.noise
	y := p.amplitude*math.Cos(phase) + p.harmonic*math.Cos(2*phase) + rng.NormFloat64()*p.noise
	if p.impulseEvery > 0 && v.step%p.impulseEvery == 0 {
		x += p.impulse
		y += p.impulse / 2
	}
	v.step++

	return Sample{Fields: map[string]float64{
		FieldXAxis: disturbance.Round(x),
		FieldYAxis: disturbance.Round(y),
		FieldSpeed: disturbance.Round(gearSpeed + rng.NormFloat64()*0.01),
		FieldLoad:  disturbance.Round(gearLoad),
	}}
}
