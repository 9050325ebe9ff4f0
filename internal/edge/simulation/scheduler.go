// Package simulation runs one sampling loop per registered sensor and
// forwards the readings to the hub.
//
// Adding or removing a sensor persists the change and schedules a
// restart. Restarts run on a single worker: every loop is stopped and
// a fresh set is started from the registry, so concurrent changes are
// applied one after another.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/edge/sensor"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// Sink receives the readings of one sample. *uplink.Client satisfies it.
type Sink interface {
	SendValues(ctx context.Context, values []telemetry.NumericScalarValue) error
}

// Logger is the logging interface used by the scheduler.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures a Scheduler.
type Config struct {
	TenantIdentifier string
	DeviceIdentifier string

	// IntervalUnit scales sensor sampling intervals. Zero means seconds.
	IntervalUnit time.Duration
}

// OpError is returned by AddSensor and RemoveSensor. Its message is
// reported to the operator verbatim.
type OpError struct {
	Message string
	Err     error
}

func (e *OpError) Error() string { return e.Message }
func (e *OpError) Unwrap() error { return e.Err }

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the sensor loops of a device.
type Scheduler struct {
	cfg      Config
	registry *sensor.Registry
	sink     Sink
	logger   Logger
	now      func() time.Time

	mu    sync.Mutex
	ctx   context.Context
	loops map[string]*loop

	restartReq chan struct{}
	restarts   atomic.Int64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Scheduler over the sensors in registry.
func New(cfg Config, registry *sensor.Registry, sink Sink) *Scheduler {
	if cfg.IntervalUnit <= 0 {
		cfg.IntervalUnit = time.Second
	}
	return &Scheduler{
		cfg:        cfg,
		registry:   registry,
		sink:       sink,
		logger:     noopLogger{},
		now:        time.Now,
		loops:      make(map[string]*loop),
		restartReq: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// SetLogger sets the logger. Call before Start.
func (s *Scheduler) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

// Start launches a loop for every registered sensor and the restart
// worker. Loops end on Stop or when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.startLoopsLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.restartWorker(ctx)
}

// Stop ends the restart worker and every loop, waiting for them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()

	s.mu.Lock()
	s.stopLoopsLocked()
	s.mu.Unlock()
}

// ScheduleRestart queues a restart of all loops and returns immediately.
// Requests made while one is already queued are merged into it.
func (s *Scheduler) ScheduleRestart() {
	select {
	case s.restartReq <- struct{}{}:
		s.logger.Info("simulation restart scheduled")
	default:
	}
}

// Restarts returns the number of completed restarts.
func (s *Scheduler) Restarts() int64 {
	return s.restarts.Load()
}

// Running returns the metric identifiers of the running loops.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loops))
	for id := range s.loops {
		out = append(out, id)
	}
	return out
}

// AddSensor registers cfg, persists it and schedules a restart.
func (s *Scheduler) AddSensor(cfg sensor.Config) (string, error) {
	id := cfg.MetricIdentifier()
	if _, err := s.registry.Add(cfg); err != nil {
		return "", describe(err, id)
	}
	s.ScheduleRestart()
	s.logger.Info("sensor added", "sensor", id)
	return fmt.Sprintf("Sensor %s added successfully.", id), nil
}

// RemoveSensor deletes a sensor, persists the change and schedules a
// restart.
func (s *Scheduler) RemoveSensor(metricIdentifier string) (string, error) {
	if err := s.registry.Remove(metricIdentifier); err != nil {
		return "", describe(err, metricIdentifier)
	}
	s.ScheduleRestart()
	s.logger.Info("sensor removed", "sensor", metricIdentifier)
	return fmt.Sprintf("Sensor %s removed successfully.", metricIdentifier), nil
}

// Sensors returns the registered sensor configs.
func (s *Scheduler) Sensors() []sensor.Config {
	return s.registry.Configs()
}

func describe(err error, id string) error {
	var msg string
	switch {
	case errors.Is(err, sensor.ErrSensorExists):
		msg = fmt.Sprintf("Sensor %s already exists.", id)
	case errors.Is(err, sensor.ErrSensorNotFound):
		msg = fmt.Sprintf("Sensor %s does not exist.", id)
	default:
		msg = err.Error()
	}
	return &OpError{Message: msg, Err: err}
}

func (s *Scheduler) restartWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.restartReq:
			s.restart()
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) restart() {
	s.mu.Lock()
	s.stopLoopsLocked()
	s.startLoopsLocked()
	n := len(s.loops)
	s.mu.Unlock()

	s.restarts.Add(1)
	s.logger.Info("simulations restarted", "sensors", n)
}

func (s *Scheduler) startLoopsLocked() {
	sims := s.registry.Simulators()
	if len(sims) == 0 {
		s.logger.Warn("no sensors available to simulate")
		return
	}
	for _, sim := range sims {
		ctx, cancel := context.WithCancel(s.ctx)
		l := &loop{cancel: cancel, done: make(chan struct{})}
		s.loops[sim.Config().MetricIdentifier()] = l
		go s.run(ctx, sim, l.done)
	}
}

func (s *Scheduler) stopLoopsLocked() {
	for id, l := range s.loops {
		l.cancel()
		<-l.done
		delete(s.loops, id)
	}
}

// run samples sim every interval until ctx ends. A panic in the
// simulator ends this loop only.
func (s *Scheduler) run(ctx context.Context, sim sensor.Simulator, done chan struct{}) {
	cfg := sim.Config()
	id := cfg.MetricIdentifier()
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sensor simulation panicked", "sensor", id, "panic", r)
		}
	}()

	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	ticker := time.NewTicker(time.Duration(cfg.SamplingInterval) * s.cfg.IntervalUnit)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		values := s.values(sim, sim.Sample(rng))
		if err := s.sink.SendValues(ctx, values); err != nil && ctx.Err() == nil {
			s.logger.Warn("sending sensor values failed", "sensor", id, "error", err)
		}
	}
}

// values maps one sample onto wire values. Multi-axis samples get one
// value per field, named "<metric identifier>.<field>".
func (s *Scheduler) values(sim sensor.Simulator, sample sensor.Sample) []telemetry.NumericScalarValue {
	cfg := sim.Config()
	base := telemetry.NumericScalarValue{
		TenantIdentifier: s.cfg.TenantIdentifier,
		DeviceIdentifier: s.cfg.DeviceIdentifier,
		MetricIdentifier: cfg.MetricIdentifier(),
		Path:             cfg.Path,
		Unit:             sim.Unit(),
		Timestamp:        s.now().UTC(),
	}
	if sample.Fields == nil {
		base.Value = sample.Value
		return []telemetry.NumericScalarValue{base}
	}

	keys := make([]string, 0, len(sample.Fields))
	for k := range sample.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]telemetry.NumericScalarValue, 0, len(keys))
	for _, k := range keys {
		v := base
		v.MetricIdentifier = base.MetricIdentifier + "." + k
		v.Value = sample.Fields[k]
		out = append(out, v)
	}
	return out
}
