package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// statusMemoTTL is how long an aggregated status response is served from
// cache before being rebuilt.
const statusMemoTTL = 10 * time.Second

type statusCache struct {
	mu      sync.Mutex
	body    []byte
	expires time.Time
}

type statusResponse struct {
	Status    string                   `json:"status"`
	Timestamp int64                    `json:"timestamp"`
	Gateway   gatewayStatus            `json:"gateway"`
	Services  map[string]serviceStatus `json:"services"`
}

type gatewayStatus struct {
	Port                  int  `json:"port"`
	ConcurrentRequests    int  `json:"concurrentRequests"`
	MaxConcurrentRequests int  `json:"maxConcurrentRequests"`
	RedisConnected        bool `json:"redisConnected"`
}

type serviceStatus struct {
	Instances           int              `json:"instances"`
	CircuitBreakerState string           `json:"circuitBreakerState"`
	HealthStatus        []instanceHealth `json:"healthStatus"`
}

type instanceHealth struct {
	IP     string `json:"ip"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleStatus serves the aggregated gateway health view, memoized for
// statusMemoTTL.
func (s *State) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.status.mu.Lock()
	if time.Now().Before(s.status.expires) {
		body := s.status.body
		s.status.mu.Unlock()
		writeStatusBody(w, body)
		return
	}
	s.status.mu.Unlock()

	// Build outside the lock: the snapshot reads the registry over the
	// network. Concurrent cache misses may build twice; the last one wins.
	body, err := s.buildStatus(r)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.status.mu.Lock()
	s.status.body = body
	s.status.expires = time.Now().Add(statusMemoTTL)
	s.status.mu.Unlock()

	writeStatusBody(w, body)
}

func writeStatusBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *State) buildStatus(r *http.Request) ([]byte, error) {
	services := make(map[string]serviceStatus, len(s.Config.ServiceTypes))
	healthy := s.Registry.Connected()

	for _, serviceType := range s.Config.ServiceTypes {
		list := s.Registry.ListInstances(r.Context(), serviceType)

		statuses := make([]instanceHealth, 0, len(list))
		anyHealthy := false
		for _, inst := range list {
			ih := instanceHealth{IP: inst, Status: "unhealthy"}
			if probe, ok := s.Health.View().Get(serviceType, inst); ok && probe.Healthy {
				ih.Status = "healthy"
				anyHealthy = true
			} else if ok {
				ih.Error = probe.Error
			}
			statuses = append(statuses, ih)
		}
		if !anyHealthy {
			healthy = false
		}

		services["service"+string(serviceType)] = serviceStatus{
			Instances:           len(list),
			CircuitBreakerState: s.Breakers.Get(string(serviceType)).State().String(),
			HealthStatus:        statuses,
		}
	}

	overall := "healthy"
	if !healthy {
		overall = "unhealthy"
	}

	port, _ := strconv.Atoi(s.Config.Port)

	return json.Marshal(statusResponse{
		Status:    overall,
		Timestamp: time.Now().UnixMilli(),
		Gateway: gatewayStatus{
			Port:                  port,
			ConcurrentRequests:    s.Limiter.InFlight(),
			MaxConcurrentRequests: s.Config.MaxConcurrentRequests,
			RedisConnected:        s.Registry.Connected(),
		},
		Services: services,
	})
}
