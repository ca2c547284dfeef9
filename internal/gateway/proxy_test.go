package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/padlabs/gateway/internal/loadsampler"
	"github.com/padlabs/gateway/internal/registry"
	"github.com/padlabs/gateway/internal/selector"
)

type fixedInstances map[registry.ServiceType][]string

func (f fixedInstances) ListInstances(_ context.Context, serviceType registry.ServiceType) []string {
	return f[serviceType]
}

type allHealthy struct{}

func (allHealthy) IsHealthy(registry.ServiceType, string) bool { return true }

type noLoads struct{}

func (noLoads) Sample(context.Context, string) *loadsampler.Sample { return nil }

func testState(t *testing.T, mutate func(*Config)) *State {
	t.Helper()

	cfg := DefaultConfig()
	cfg.UpstreamTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	state, err := NewState(cfg, logger)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	t.Cleanup(state.Close)
	return state
}

// routeToBackend points the selector at a fake backend and returns the
// state plus the backend's host (the registered instance address).
func routeToBackend(t *testing.T, srv *httptest.Server, mutate func(*Config)) (*State, string) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	state := testState(t, func(cfg *Config) {
		cfg.BackendRestPort = port
		if mutate != nil {
			mutate(cfg)
		}
	})
	state.Selector = selector.New(
		fixedInstances{"A": {host}, "B": {host}},
		allHealthy{}, noLoads{}, state.Logger,
	)
	return state, host
}

func TestRouter_ForwardsWithTokenAndFullPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sA/api/users/auth/me" {
			t.Errorf("expected full incoming path, got %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Gateway-Token"); got != "test123" {
			t.Errorf("expected gateway token, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "X" {
			t.Errorf("expected Authorization propagated, got %q", got)
		}
		w.Header().Set("X-Backend", "yes")
		fmt.Fprint(w, "backend says hi")
	}))
	defer backend.Close()

	state, _ := routeToBackend(t, backend, nil)
	handler := state.Handler()

	req := httptest.NewRequest("GET", "/sA/api/users/auth/me", nil)
	req.Header.Set("Authorization", "X")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "backend says hi" {
		t.Fatalf("expected body relayed byte for byte, got %q", w.Body.String())
	}
	if w.Header().Get("X-Backend") != "yes" {
		t.Fatal("expected backend headers relayed")
	}
}

func TestRouter_PreservesMethodBodyAndQuery(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.RawQuery != "page=2" {
			t.Errorf("expected query preserved, got %q", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"x"}` {
			t.Errorf("expected body preserved, got %q", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	state, _ := routeToBackend(t, backend, nil)

	req := httptest.NewRequest("POST", "/sB/items?page=2", strings.NewReader(`{"name":"x"}`))
	w := httptest.NewRecorder()
	state.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 relayed, got %d", w.Code)
	}
}

func TestRouter_StripsHopByHopHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Proxy-Authorization"); got != "" {
			t.Errorf("expected hop-by-hop header stripped, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	state, _ := routeToBackend(t, backend, nil)

	req := httptest.NewRequest("GET", "/sB/x", nil)
	req.Header.Set("Proxy-Authorization", "secret")
	w := httptest.NewRecorder()
	state.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRouter_RelaysClientErrorsWithoutBreakerFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer backend.Close()

	state, _ := routeToBackend(t, backend, nil)

	req := httptest.NewRequest("GET", "/sB/missing", nil)
	w := httptest.NewRecorder()
	state.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 relayed, got %d", w.Code)
	}
	if got := state.Breakers.Get("B").Failures(); got != 0 {
		t.Fatalf("4xx must not count as breaker failure, got %d", got)
	}
}

func TestRouter_TripsBreakerAfterThresholdAndRejectsWithoutForwarding(t *testing.T) {
	attempts := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	state, _ := routeToBackend(t, backend, nil)
	handler := state.Handler()

	for i := range 3 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/sA/api/users/auth/me", nil))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("request %d: expected 500 relayed, got %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/sA/api/users/auth/me", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from open breaker, got %d", w.Code)
	}
	want := `{"detail":"serviceA is currently unavailable (Circuit Breaker: OPEN)"}`
	if strings.TrimSpace(w.Body.String()) != want {
		t.Fatalf("expected %s, got %s", want, w.Body.String())
	}
	if attempts != 3 {
		t.Fatalf("4th request must not reach the backend, saw %d forwards", attempts)
	}
}

func TestRouter_TimeoutReturns504AndRecordsFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer backend.Close()

	state, _ := routeToBackend(t, backend, func(cfg *Config) {
		cfg.UpstreamTimeout = 100 * time.Millisecond
	})

	w := httptest.NewRecorder()
	state.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/sB/slow", nil))

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
	want := `{"detail":"Request timed out"}`
	if strings.TrimSpace(w.Body.String()) != want {
		t.Fatalf("expected %s, got %s", want, w.Body.String())
	}
	if got := state.Breakers.Get("B").Failures(); got != 1 {
		t.Fatalf("expected one breaker failure, got %d", got)
	}
}

func TestRouter_TransportErrorReturns500AndRecordsFailure(t *testing.T) {
	state := testState(t, func(cfg *Config) {
		cfg.BackendRestPort = 1 // nothing listens here
	})
	state.Selector = selector.New(
		fixedInstances{"B": {"127.0.0.1"}},
		allHealthy{}, noLoads{}, state.Logger,
	)

	w := httptest.NewRecorder()
	state.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/sB/x", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if got := state.Breakers.Get("B").Failures(); got != 1 {
		t.Fatalf("expected one breaker failure, got %d", got)
	}
}

func TestRouter_BodyReadFailureKeepsKnownBackendStatus(t *testing.T) {
	// Declare more body than is written: headers arrive, the body read fails.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("partial"))
	}))
	defer backend.Close()

	state, _ := routeToBackend(t, backend, nil)

	w := httptest.NewRecorder()
	state.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/sB/x", nil))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected the known backend status 502, got %d", w.Code)
	}
	if got := state.Breakers.Get("B").Failures(); got != 1 {
		t.Fatalf("expected one breaker failure, got %d", got)
	}
}

func TestRouter_NoInstancesReturns503(t *testing.T) {
	state := testState(t, nil)

	w := httptest.NewRecorder()
	state.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/sB/ping", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	want := `{"detail":"serviceB is not available or Redis is disconnected"}`
	if strings.TrimSpace(w.Body.String()) != want {
		t.Fatalf("expected %s, got %s", want, w.Body.String())
	}
}

func TestRouter_AdmissionCapRejectsExcessRequests(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer backend.Close()

	state, _ := routeToBackend(t, backend, func(cfg *Config) {
		cfg.MaxConcurrentRequests = 2
	})
	handler := state.Handler()

	type result struct {
		code int
		body string
	}
	results := make(chan result, 3)
	for range 3 {
		go func() {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("GET", "/sB/work", nil))
			results <- result{w.Code, strings.TrimSpace(w.Body.String())}
		}()
	}

	// Two requests hold the backend open, so the rejection completes first.
	first := <-results
	if first.code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for the third arrival, got %d", first.code)
	}
	want := `{"detail":"API Gateway is busy. Please try again later."}`
	if first.body != want {
		t.Fatalf("expected %s, got %s", want, first.body)
	}

	close(release)
	for range 2 {
		if r := <-results; r.code != http.StatusOK {
			t.Fatalf("expected forwarded request to succeed, got %d", r.code)
		}
	}
	if state.Limiter.InFlight() != 0 {
		t.Fatalf("expected all slots released, %d in flight", state.Limiter.InFlight())
	}
}
