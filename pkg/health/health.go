// Package health tracks per-component health from operation outcomes and
// derives an overall state for the health endpoint.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State represents the health of a component
type State int

const (
	// StateHealthy - fully operational
	StateHealthy State = iota

	// StateDegraded - operational with reduced functionality
	StateDegraded

	// StateUnavailable - not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorMessage  string    `json:"last_error_message,omitempty"`
}

// Status is the overall view served by the health endpoint.
type Status struct {
	State      State             `json:"state"`
	Components []ComponentHealth `json:"components"`
}

// Config configures health tracking behavior
type Config struct {
	// Consecutive errors before a component is degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// Consecutive errors before a component is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	Clock func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, from, to State)

// Tracker tracks the health of multiple components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     Config
	now        func() time.Time
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config Config) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		now:        now,
	}
}

// RegisterComponent starts tracking name as healthy. Registering twice is a no-op.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		}
	}
}

// OnStateChange registers a callback for every transition.
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// RecordSuccess records a successful operation. Each success pays off one
// error; the component is healthy again once none are left.
func (t *Tracker) RecordSuccess(component string) {
	t.update(component, func(h *ComponentHealth) State {
		if h.ConsecutiveErrors > 0 {
			h.ConsecutiveErrors--
		}
		if h.ConsecutiveErrors == 0 {
			h.LastErrorMessage = ""
			return StateHealthy
		}
		return h.State
	})
}

// RecordError records a failed operation. err may be nil.
func (t *Tracker) RecordError(component string, err error) {
	t.update(component, func(h *ComponentHealth) State {
		h.ConsecutiveErrors++
		if err != nil {
			h.LastErrorMessage = err.Error()
		} else {
			h.LastErrorMessage = "operation failed"
		}

		switch {
		case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
			return StateUnavailable
		case h.ConsecutiveErrors >= t.config.ErrorThreshold:
			return StateDegraded
		default:
			return h.State
		}
	})
}

// SetState forces a component's state, e.g. when a capability is missing.
func (t *Tracker) SetState(component string, state State, reason string) {
	t.update(component, func(h *ComponentHealth) State {
		h.LastErrorMessage = reason
		return state
	})
}

func (t *Tracker) update(component string, fn func(*ComponentHealth) State) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	now := t.now()
	h.LastCheck = now
	from := h.State
	to := fn(h)
	if to != from {
		h.State = to
		h.LastStateChange = now
	}
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.Unlock()

	if to != from {
		for _, cb := range callbacks {
			cb(component, from, to)
		}
	}
}

// State returns the component state; unknown components are unavailable.
func (t *Tracker) State(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// Component returns a copy of the component's health.
func (t *Tracker) Component(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *h, nil
}

// Overall returns the worst component state.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// Status returns the overall state and every component sorted by name.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Status{State: StateHealthy, Components: make([]ComponentHealth, 0, len(t.components))}
	for _, h := range t.components {
		s.Components = append(s.Components, *h)
		if h.State > s.State {
			s.State = h.State
		}
	}
	sort.Slice(s.Components, func(i, j int) bool {
		return s.Components[i].Name < s.Components[j].Name
	})
	return s
}
