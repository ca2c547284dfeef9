// Package healthmonitor runs the background liveness probe loop and exposes
// the boolean health view consumed by instance selection.
package healthmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/padlabs/gateway/internal/events"
	"github.com/padlabs/gateway/internal/metrics"
	"github.com/padlabs/gateway/internal/registry"
)

// InstanceLister supplies the current registry contents. Satisfied by
// *registry.Client.
type InstanceLister interface {
	ListInstances(ctx context.Context, serviceType registry.ServiceType) []string
}

// Config holds monitor runtime configuration.
type Config struct {
	// Interval between probe cycles.
	Interval time.Duration
	// ProbeTimeout is the hard deadline for each liveness probe.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the standard probe cadence.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Monitor probes every registered instance each cycle and maintains the
// health view. Probes within a cycle run concurrently; an overrunning cycle
// delays the next tick rather than queueing cycles.
type Monitor struct {
	services  []registry.ServiceType
	lister    InstanceLister
	view      *View
	metrics   *metrics.Metrics
	publisher *events.Publisher
	config    Config
	logger    *slog.Logger
	client    *http.Client
}

// New creates a Monitor writing into view.
func New(services []registry.ServiceType, lister InstanceLister, view *View,
	m *metrics.Metrics, publisher *events.Publisher, config Config, logger *slog.Logger) *Monitor {

	return &Monitor{
		services:  services,
		lister:    lister,
		view:      view,
		metrics:   m,
		publisher: publisher,
		config:    config,
		logger:    logger,
		client: &http.Client{
			Timeout: config.ProbeTimeout,
		},
	}
}

// View returns the health view the monitor writes into.
func (m *Monitor) View() *View {
	return m.view
}

// Run starts the probe loop. It blocks until ctx is cancelled; in-flight
// probes are abandoned via the request context.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor starting",
		"interval", m.config.Interval,
		"probe_timeout", m.config.ProbeTimeout,
	)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Run immediately on start, then on each tick. A cycle that overruns the
	// interval simply drops the missed ticks.
	m.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopping")
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	// Fan out at the service level so a slow fleet doesn't block others.
	var svcWg sync.WaitGroup
	for _, service := range m.services {
		svcWg.Add(1)
		go func(service registry.ServiceType) {
			defer svcWg.Done()

			instances := m.lister.ListInstances(ctx, service)

			var instWg sync.WaitGroup
			for _, inst := range instances {
				instWg.Add(1)
				go func(inst string) {
					defer instWg.Done()
					m.probeInstance(ctx, service, inst)
				}(inst)
			}
			instWg.Wait()
		}(service)
	}
	svcWg.Wait()
}

func (m *Monitor) probeInstance(ctx context.Context, service registry.ServiceType, instance string) {
	healthy, detail := m.probe(ctx, instance)

	previous, known := m.view.Get(service, instance)
	m.view.Update(service, instance, healthy, detail)
	m.metrics.SetInstanceHealth(fmt.Sprintf("%s-%s", service, instance), healthy)

	if !healthy {
		m.logger.Warn("instance unhealthy",
			"service", service,
			"instance", instance,
			"detail", detail,
		)
	}

	if known && previous.Healthy != healthy {
		_ = m.publisher.Publish(ctx, events.InstanceHealthChangedEvent{
			Timestamp: time.Now().UTC(),
			Service:   string(service),
			Instance:  instance,
			Healthy:   healthy,
			Detail:    detail,
		})
	}
}

// probe issues the liveness GET. Healthy iff the response status is 200.
func (m *Monitor) probe(ctx context.Context, instance string) (bool, string) {
	url := fmt.Sprintf("http://%s/ping", instance)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Sprintf("request error: %v", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("probe failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}
