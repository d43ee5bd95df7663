package sensor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry is the ordered set of active sensors. The first sensor added is
// the tick leader; when it leaves, the next one in activation order takes
// over. The registry does not own its sensors.
type Registry struct {
	mu      sync.Mutex
	sensors []*Sensor

	lastTick   uint64
	lastLeader *Sensor
	ticked     bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends s. Adding a sensor twice is a no-op.
func (r *Registry) Add(s *Sensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sensors {
		if existing == s {
			return
		}
	}
	r.sensors = append(r.sensors, s)
}

// Remove drops s, preserving the order of the rest. It reports whether s
// was registered.
func (r *Registry) Remove(s *Sensor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sensors {
		if existing == s {
			r.sensors = append(r.sensors[:i:i], r.sensors[i+1:]...)
			return true
		}
	}
	return false
}

// Leader returns the sensor that drives ticks, or nil when empty.
func (r *Registry) Leader() *Sensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sensors) == 0 {
		return nil
	}
	return r.sensors[0]
}

// Snapshot returns the active sensors in activation order.
func (r *Registry) Snapshot() []*Sensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Sensor, len(r.sensors))
	copy(out, r.sensors)
	return out
}

// Len returns the number of active sensors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sensors)
}

// Lookup finds an active sensor by id.
func (r *Registry) Lookup(id uuid.UUID) (*Sensor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sensors {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

// claim reports whether s should drive the tick with sequence seq: s must
// be the leader and the tick must not have been driven yet. A new leader
// taking over mid-tick skips the tick its predecessor already drove, so a
// handover never causes a second capture. The same leader repeating or
// rewinding the sequence gets ErrStaleTick.
func (r *Registry) claim(s *Sensor, seq uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sensors) == 0 || r.sensors[0] != s {
		return false, nil
	}
	if r.ticked && seq <= r.lastTick {
		if r.lastLeader == s {
			return false, fmt.Errorf("%w: seq %d after %d", ErrStaleTick, seq, r.lastTick)
		}
		return false, nil
	}
	r.lastTick, r.ticked, r.lastLeader = seq, true, s
	return true, nil
}
