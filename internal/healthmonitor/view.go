package healthmonitor

import (
	"sync"
	"time"

	"github.com/padlabs/gateway/internal/registry"
)

// Probe is the latest recorded probe result for one (service, instance) pair.
type Probe struct {
	Healthy  bool
	Error    string // probe failure detail, empty when healthy
	ProbedAt time.Time
}

type viewKey struct {
	service  registry.ServiceType
	instance string
}

// View is the thread-safe health map written by the monitor and read by the
// selector and status endpoint. Entries for instances that leave the
// registry may linger; readers intersect with the current instance list, so
// stale entries are never consulted.
type View struct {
	mu      sync.RWMutex
	entries map[viewKey]Probe
}

// NewView creates an empty health view.
func NewView() *View {
	return &View{entries: make(map[viewKey]Probe)}
}

// IsHealthy returns the last recorded health flag. Unknown means unhealthy.
func (v *View) IsHealthy(service registry.ServiceType, instance string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.entries[viewKey{service, instance}].Healthy
}

// Get returns the full probe record, if one exists.
func (v *View) Get(service registry.ServiceType, instance string) (Probe, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.entries[viewKey{service, instance}]
	return p, ok
}

// Update records a probe result.
func (v *View) Update(service registry.ServiceType, instance string, healthy bool, probeErr string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[viewKey{service, instance}] = Probe{
		Healthy:  healthy,
		Error:    probeErr,
		ProbedAt: time.Now().UTC(),
	}
}
