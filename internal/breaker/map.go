package breaker

import "sync"

// Map holds exactly one Breaker per service type for the process lifetime.
// Cross-service breakers share no locks.
type Map struct {
	cfg      Config
	onChange func(service string, s State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewMap creates an empty breaker map. onChange, if non-nil, receives every
// state transition together with the owning service type.
func NewMap(cfg Config, onChange func(service string, s State)) *Map {
	return &Map{
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a service type, creating it on first use.
func (m *Map) Get(service string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[service]
	if !ok {
		var cb func(State)
		if m.onChange != nil {
			cb = func(s State) { m.onChange(service, s) }
		}
		b = New(m.cfg, cb)
		m.breakers[service] = b
	}
	return b
}
