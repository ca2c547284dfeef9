// Package gateway implements the request-path core of the API gateway —
// admission control, circuit-breaker gating, load-aware instance selection,
// and request forwarding.
package gateway

import (
	"time"

	"github.com/padlabs/gateway/internal/breaker"
	"github.com/padlabs/gateway/internal/registry"
)

// RouteBinding binds a path prefix to a service type. Requests whose path
// falls under Prefix are forwarded to instances of Service.
type RouteBinding struct {
	Prefix  string
	Service registry.ServiceType
}

// Config holds all gateway runtime configuration.
type Config struct {
	Port      string
	RedisURL  string
	RabbitURL string

	// BackendRestPort is the backend port receiving forwarded requests and
	// serving load metrics.
	BackendRestPort int
	// UpstreamTimeout is the hard deadline on every outbound HTTP call.
	UpstreamTimeout time.Duration
	// MaxConcurrentRequests caps in-flight forwarded requests.
	MaxConcurrentRequests int
	// CriticalLoadThreshold is the rps level above which a warning is logged.
	CriticalLoadThreshold float64
	// HealthInterval is the cadence of the background probe loop.
	HealthInterval time.Duration
	// GatewaySecret is forwarded to backends in the X-Gateway-Token header.
	GatewaySecret string

	Breaker breaker.Config
	CORS    CORSConfig

	// ServiceTypes is the fixed set of recognized service types.
	ServiceTypes []registry.ServiceType
	// Routes binds inbound path prefixes to service types.
	Routes []RouteBinding
}

// DefaultConfig returns the standard gateway configuration.
func DefaultConfig() Config {
	return Config{
		Port:                  "8080",
		RedisURL:              "redis://localhost:6379",
		BackendRestPort:       5000,
		UpstreamTimeout:       5 * time.Second,
		MaxConcurrentRequests: 100,
		CriticalLoadThreshold: 60,
		HealthInterval:        30 * time.Second,
		GatewaySecret:         "test123",
		Breaker:               breaker.DefaultConfig(),
		CORS: CORSConfig{
			AllowAnyOrigin: true,
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Gateway-Token"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		},
		ServiceTypes: []registry.ServiceType{"A", "B"},
		Routes: []RouteBinding{
			{Prefix: "/sA/api/users/auth/", Service: "A"},
			{Prefix: "/sB/", Service: "B"},
		},
	}
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	AllowAnyOrigin bool
	AllowedOrigins []string
	AllowedHeaders []string
	AllowedMethods []string
}
