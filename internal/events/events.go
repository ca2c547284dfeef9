// Package events defines gateway lifecycle events and a RabbitMQ publisher
// for them.
package events

import "time"

// InstanceRegisteredEvent is published when a backend instance registers
// through the gateway's registration endpoint.
type InstanceRegisteredEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Host      string    `json:"host"`
}

// InstanceHealthChangedEvent is published when a probe cycle observes an
// instance transitioning between healthy and unhealthy.
type InstanceHealthChangedEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Instance  string    `json:"instance"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
}

// BreakerStateChangedEvent is published on every circuit breaker transition.
type BreakerStateChangedEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	State     string    `json:"state"`
}
