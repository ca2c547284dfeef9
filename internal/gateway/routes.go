package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/padlabs/gateway/internal/events"
	"github.com/padlabs/gateway/internal/registry"
)

// Handler builds the gateway's inbound surface: the status and metric
// endpoints, the registration endpoint, and one Router per bound prefix.
func (s *State) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /ping", s.instrument("/ping", http.HandlerFunc(s.handleStatus)))

	// The metric endpoint is not subject to the admission limiter.
	mux.Handle("GET /metrics", s.Metrics.Handler())

	mux.Handle("POST /sA/register", s.instrument("/sA/register", http.HandlerFunc(s.handleRegister)))

	for _, binding := range s.Config.Routes {
		mux.Handle(binding.Prefix, s.instrument(binding.Prefix+"*", NewRouter(s, binding.Service)))
	}

	var handler http.Handler = mux
	handler = CORS(s.Config.CORS)(handler)
	handler = RequestLogging(s.Logger, handler)
	return handler
}

// instrument records request durations under a fixed route label to keep
// metric cardinality bounded.
func (s *State) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.Metrics.ObserveRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}

type registerRequest struct {
	Host        string `json:"host"`
	ServiceType string `json:"serviceType"`
}

// handleRegister prepends a host into a service type's registry list.
func (s *State) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Host == "" || req.ServiceType == "" {
		writeDetail(w, http.StatusBadRequest, "host and serviceType are required")
		return
	}

	serviceType := registry.ServiceType(req.ServiceType)
	if !s.recognized(serviceType) {
		writeDetail(w, http.StatusBadRequest, "unknown serviceType: "+req.ServiceType)
		return
	}

	if err := s.Registry.RegisterInstance(r.Context(), serviceType, req.Host); err != nil {
		if errors.Is(err, registry.ErrUnavailable) {
			writeDetail(w, http.StatusInternalServerError, "registry unavailable")
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	_ = s.Events.Publish(r.Context(), events.InstanceRegisteredEvent{
		Timestamp: time.Now().UTC(),
		Service:   req.ServiceType,
		Host:      req.Host,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "registered"})
}

func (s *State) recognized(serviceType registry.ServiceType) bool {
	for _, st := range s.Config.ServiceTypes {
		if st == serviceType {
			return true
		}
	}
	return false
}
