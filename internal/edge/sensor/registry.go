package sensor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the sensors of a device, keyed by metric identifier, and
// persists every change before reporting success.
type Registry struct {
	mu      sync.RWMutex
	sensors map[string]Simulator
	store   *Store
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store *Store) *Registry {
	return &Registry{
		sensors: make(map[string]Simulator),
		store:   store,
	}
}

// Load replaces the registry contents with the stored sensors.
func (r *Registry) Load() error {
	configs, err := r.store.Load()
	if err != nil {
		return err
	}

	sensors := make(map[string]Simulator, len(configs))
	for _, cfg := range configs {
		sim, err := New(cfg)
		if err != nil {
			return fmt.Errorf("loading sensor %s: %w", cfg.MetricIdentifier(), err)
		}
		id := cfg.MetricIdentifier()
		if _, dup := sensors[id]; dup {
			return fmt.Errorf("loading sensor %s: %w", id, ErrSensorExists)
		}
		sensors[id] = sim
	}

	r.mu.Lock()
	r.sensors = sensors
	r.mu.Unlock()
	return nil
}

// Add registers a new sensor and saves the registry.
func (r *Registry) Add(cfg Config) (Simulator, error) {
	sim, err := New(cfg)
	if err != nil {
		return nil, err
	}
	id := cfg.MetricIdentifier()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sensors[id]; ok {
		return nil, fmt.Errorf("%w: sensor %s", ErrSensorExists, id)
	}
	r.sensors[id] = sim
	if err := r.saveLocked(); err != nil {
		delete(r.sensors, id)
		return nil, err
	}
	return sim, nil
}

// Remove deletes a sensor by metric identifier and saves the registry.
func (r *Registry) Remove(metricIdentifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sim, ok := r.sensors[metricIdentifier]
	if !ok {
		return fmt.Errorf("%w: sensor %s", ErrSensorNotFound, metricIdentifier)
	}
	delete(r.sensors, metricIdentifier)
	if err := r.saveLocked(); err != nil {
		r.sensors[metricIdentifier] = sim
		return err
	}
	return nil
}

// Simulators returns the registered sensors ordered by metric identifier.
func (r *Registry) Simulators() []Simulator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.sortedIDsLocked()
	out := make([]Simulator, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.sensors[id])
	}
	return out
}

// Configs returns the registered configs ordered by metric identifier.
func (r *Registry) Configs() []Config {
	sims := r.Simulators()
	out := make([]Config, 0, len(sims))
	for _, s := range sims {
		out = append(out, s.Config())
	}
	return out
}

// Len returns the number of registered sensors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sensors)
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.sensors))
	for id := range r.sensors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) saveLocked() error {
	ids := r.sortedIDsLocked()
	configs := make([]Config, 0, len(ids))
	for _, id := range ids {
		configs = append(configs, r.sensors[id].Config())
	}
	return r.store.Save(configs)
}
