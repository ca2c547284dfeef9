// Package selector chooses the target instance for a service type from the
// healthy, lightly-loaded candidates.
package selector

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/padlabs/gateway/internal/loadsampler"
	"github.com/padlabs/gateway/internal/registry"
)

// InstanceSource supplies the current registry contents.
type InstanceSource interface {
	ListInstances(ctx context.Context, serviceType registry.ServiceType) []string
}

// HealthSource answers liveness queries. Unknown instances read as unhealthy.
type HealthSource interface {
	IsHealthy(serviceType registry.ServiceType, instance string) bool
}

// LoadSource scrapes an instance's current load, returning nil when unknown.
type LoadSource interface {
	Sample(ctx context.Context, instance string) *loadsampler.Sample
}

// Selector combines registry, health and load views into a routing choice.
// It never mutates breaker state; outcome attribution belongs to the caller.
type Selector struct {
	instances InstanceSource
	health    HealthSource
	loads     LoadSource
	logger    *slog.Logger
}

// New creates a Selector.
func New(instances InstanceSource, health HealthSource, loads LoadSource, logger *slog.Logger) *Selector {
	return &Selector{
		instances: instances,
		health:    health,
		loads:     loads,
		logger:    logger,
	}
}

// Select returns the chosen instance for a service type, or "" when the
// registry lists none. With no healthy candidates it falls back to the first
// registered instance, preserving availability when the health view is
// stale or universally negative.
func (s *Selector) Select(ctx context.Context, serviceType registry.ServiceType) string {
	list := s.instances.ListInstances(ctx, serviceType)
	if len(list) == 0 {
		return ""
	}

	var healthy []string
	for _, inst := range list {
		if s.health.IsHealthy(serviceType, inst) {
			healthy = append(healthy, inst)
		}
	}

	if len(healthy) == 0 {
		s.logger.Warn("no healthy instances, falling back to first registered",
			"service", serviceType,
			"instance", list[0],
		)
		return list[0]
	}

	// Sample every healthy candidate concurrently and wait for all results,
	// nulls included.
	samples := make([]*loadsampler.Sample, len(healthy))
	var wg sync.WaitGroup
	for i, inst := range healthy {
		wg.Add(1)
		go func(i int, inst string) {
			defer wg.Done()
			samples[i] = s.loads.Sample(ctx, inst)
		}(i, inst)
	}
	wg.Wait()

	// Known load ascending, unknown last; stable so registry order breaks ties.
	order := make([]int, len(healthy))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := samples[order[a]], samples[order[b]]
		switch {
		case sa == nil:
			return false
		case sb == nil:
			return true
		default:
			return sa.RequestsPerSecond < sb.RequestsPerSecond
		}
	})

	return healthy[order[0]]
}
