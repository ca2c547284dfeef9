// Package registry implements the Redis-backed service registry client.
// Instance lists live under list-valued keys named "service:<Type>";
// registration prepends with LPUSH and reads use LRANGE 0 -1.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ServiceType identifies a logical backend (e.g. "A", "B"). The set of
// recognized types is fixed at startup.
type ServiceType string

// ErrUnavailable is returned by RegisterInstance when the store cannot be
// reached. The read path never surfaces it — ListInstances degrades to an
// empty list instead.
var ErrUnavailable = errors.New("registry unavailable")

// Reconnect schedule: attempt × backoffStep capped at backoffCap, up to
// maxConnectAttempts, then give up for reconnectCooldown before starting over.
const (
	backoffStep        = 100 * time.Millisecond
	backoffCap         = 3 * time.Second
	maxConnectAttempts = 10
	reconnectCooldown  = 30 * time.Second
	watchInterval      = 5 * time.Second
)

// Client is a Redis-backed registry client. Construction never blocks on the
// store being reachable; Run maintains the connection in the background and
// the data path degrades to empty lists while disconnected.
type Client struct {
	rdb       *redis.Client
	logger    *slog.Logger
	opTimeout time.Duration
	connected atomic.Bool
}

// New creates a Client for the given Redis URL. The URL is parsed eagerly
// (a malformed URL is a configuration error) but no connection is attempted.
func New(redisURL string, opTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return &Client{
		rdb:       redis.NewClient(opts),
		logger:    logger,
		opTimeout: opTimeout,
	}, nil
}

// Run drives the background connect/watch loop. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if !c.connect(ctx) {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("registry unreachable, cooling down",
				"cooldown", reconnectCooldown,
			)
			if !sleep(ctx, reconnectCooldown) {
				return
			}
			continue
		}

		c.watch(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

// connect attempts to reach Redis with bounded backoff. Returns true once a
// ping succeeds, false after the attempt budget is spent or ctx is cancelled.
func (c *Client) connect(ctx context.Context) bool {
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		err := c.ping(ctx)
		if err == nil {
			c.connected.Store(true)
			c.logger.Info("registry connected", "attempt", attempt)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		delay := min(time.Duration(attempt)*backoffStep, backoffCap)
		c.logger.Warn("registry connect failed",
			"attempt", attempt,
			"max_attempts", maxConnectAttempts,
			"retry_in", delay,
			"error", err,
		)
		if !sleep(ctx, delay) {
			return false
		}
	}
	return false
}

// watch pings periodically while connected. Returns when a ping fails (so
// the caller re-enters connect) or ctx is cancelled.
func (c *Client) watch(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(ctx); err != nil {
				c.connected.Store(false)
				c.logger.Warn("registry connection lost", "error", err)
				return
			}
		}
	}
}

func (c *Client) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.rdb.Ping(pingCtx).Err()
}

// ListInstances returns the current instance list for a service type in
// registry order. While disconnected, or on any store error, it returns an
// empty list and logs a warning — it never fails the caller.
func (c *Client) ListInstances(ctx context.Context, serviceType ServiceType) []string {
	if !c.connected.Load() {
		c.logger.Warn("registry disconnected, returning empty list",
			"service", serviceType,
		)
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	hosts, err := c.rdb.LRange(opCtx, instanceKey(serviceType), 0, -1).Result()
	if err != nil {
		c.connected.Store(false)
		c.logger.Warn("registry list failed",
			"service", serviceType,
			"error", err,
		)
		return nil
	}
	return hosts
}

// RegisterInstance prepends host to the service type's list. Unlike the
// read path, registration needs a hard answer, so store errors surface as
// ErrUnavailable.
func (c *Client) RegisterInstance(ctx context.Context, serviceType ServiceType, host string) error {
	if !c.connected.Load() {
		return ErrUnavailable
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.rdb.LPush(opCtx, instanceKey(serviceType), host).Err(); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.logger.Info("registered instance", "service", serviceType, "host", host)
	return nil
}

// Connected reports the last known connection state.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close releases the underlying Redis connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func instanceKey(serviceType ServiceType) string {
	return "service:" + string(serviceType)
}

// sleep waits for d or ctx cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
