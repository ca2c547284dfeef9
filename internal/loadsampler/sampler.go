// Package loadsampler scrapes per-instance load metrics from backends and
// maintains a freshness-bounded view of the readings.
package loadsampler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// maxSampleAge bounds how long a stored reading stays usable. Older samples
// read back as "load unknown".
const maxSampleAge = 30 * time.Second

// Sample is one freshness-stamped load reading for an instance.
type Sample struct {
	RequestsPerSecond float64
	SampledAt         time.Time
}

// Config holds sampler runtime configuration.
type Config struct {
	// RestPort is the backend port serving the /metrics endpoint.
	RestPort int
	// Timeout is the hard deadline for each scrape.
	Timeout time.Duration
	// CriticalLoadThreshold triggers a warning log when exceeded.
	CriticalLoadThreshold float64
}

// Sampler scrapes backend /metrics endpoints on demand. Multiple selector
// goroutines write concurrently, each to its own instance key.
type Sampler struct {
	config Config
	logger *slog.Logger
	client *http.Client
	now    func() time.Time // for testing

	mu      sync.RWMutex
	samples map[string]Sample
}

// New creates a Sampler.
func New(config Config, logger *slog.Logger) *Sampler {
	return &Sampler{
		config:  config,
		logger:  logger,
		client:  &http.Client{Timeout: config.Timeout},
		now:     time.Now,
		samples: make(map[string]Sample),
	}
}

// backendMetrics is the subset of the backend's /metrics body the gateway
// cares about.
type backendMetrics struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
}

// Sample scrapes an instance's load. On success the reading is stored and
// returned; on any failure it returns nil and the caller treats the
// instance's load as unknown.
func (s *Sampler) Sample(ctx context.Context, instance string) *Sample {
	url := fmt.Sprintf("http://%s:%d/metrics", instance, s.config.RestPort)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.logger.Warn("load sample request error", "instance", instance, "error", err)
		return nil
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("load sample failed", "instance", instance, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("load sample failed", "instance", instance, "status", resp.StatusCode)
		return nil
	}

	var body backendMetrics
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.logger.Warn("load sample malformed", "instance", instance, "error", err)
		return nil
	}

	if body.RequestsPerSecond > s.config.CriticalLoadThreshold {
		s.logger.Warn("instance under critical load",
			"instance", instance,
			"requests_per_second", body.RequestsPerSecond,
			"threshold", s.config.CriticalLoadThreshold,
		)
	}

	sample := Sample{
		RequestsPerSecond: body.RequestsPerSecond,
		SampledAt:         s.now(),
	}

	s.mu.Lock()
	s.samples[instance] = sample
	s.mu.Unlock()

	return &sample
}

// Get returns the stored reading for an instance, or nil when there is none
// or the reading has gone stale.
func (s *Sampler) Get(instance string) *Sample {
	s.mu.RLock()
	sample, ok := s.samples[instance]
	s.mu.RUnlock()

	if !ok || s.now().Sub(sample.SampledAt) > maxSampleAge {
		return nil
	}
	return &sample
}
