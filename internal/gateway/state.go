package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/padlabs/gateway/internal/breaker"
	"github.com/padlabs/gateway/internal/events"
	"github.com/padlabs/gateway/internal/healthmonitor"
	"github.com/padlabs/gateway/internal/loadsampler"
	"github.com/padlabs/gateway/internal/metrics"
	"github.com/padlabs/gateway/internal/registry"
	"github.com/padlabs/gateway/internal/selector"
)

// State is the single long-lived value holding all mutable gateway state —
// breakers, health and load views, the admission counter. It is owned by
// the process entry point and passed by reference to handlers; there are no
// package-level singletons.
type State struct {
	Config   Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *registry.Client
	Events   *events.Publisher
	Health   *healthmonitor.Monitor
	Loads    *loadsampler.Sampler
	Breakers *breaker.Map
	Selector *selector.Selector
	Limiter  *Limiter

	status statusCache
}

// NewState wires the gateway components together. Background activities
// (registry reconnect, health probing) start when Run is called.
func NewState(cfg Config, logger *slog.Logger) (*State, error) {
	m := metrics.New()

	reg, err := registry.New(cfg.RedisURL, cfg.UpstreamTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("registry client: %w", err)
	}

	pub, err := events.NewPublisher(cfg.RabbitURL, logger)
	if err != nil {
		return nil, fmt.Errorf("event publisher: %w", err)
	}

	breakers := breaker.NewMap(cfg.Breaker, func(service string, st breaker.State) {
		m.SetBreakerStatus("service"+service, breaker.GaugeValue(st))
		logger.Info("circuit breaker state changed", "service", service, "state", st.String())

		// Publish off the request path; breaker mutations hold a lock.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.UpstreamTimeout)
			defer cancel()
			_ = pub.Publish(ctx, events.BreakerStateChangedEvent{
				Timestamp: time.Now().UTC(),
				Service:   service,
				State:     st.String(),
			})
		}()
	})

	view := healthmonitor.NewView()
	monitor := healthmonitor.New(cfg.ServiceTypes, reg, view, m, pub, healthmonitor.Config{
		Interval:     cfg.HealthInterval,
		ProbeTimeout: cfg.UpstreamTimeout,
	}, logger)

	loads := loadsampler.New(loadsampler.Config{
		RestPort:              cfg.BackendRestPort,
		Timeout:               cfg.UpstreamTimeout,
		CriticalLoadThreshold: cfg.CriticalLoadThreshold,
	}, logger)

	return &State{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Registry: reg,
		Events:   pub,
		Health:   monitor,
		Loads:    loads,
		Breakers: breakers,
		Selector: selector.New(reg, view, loads, logger),
		Limiter:  NewLimiter(cfg.MaxConcurrentRequests, m),
	}, nil
}

// Run starts the background activities and blocks until ctx is cancelled.
func (s *State) Run(ctx context.Context) {
	go s.Registry.Run(ctx)
	s.Health.Run(ctx)
}

// Close quiesces external connections.
func (s *State) Close() {
	if err := s.Registry.Close(); err != nil {
		s.Logger.Warn("registry close", "error", err)
	}
	if err := s.Events.Close(); err != nil {
		s.Logger.Warn("event publisher close", "error", err)
	}
}
