package loadsampler

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"
)

// backendServer runs a fake /metrics endpoint and returns a sampler whose
// rest port points at it.
func backendServer(t *testing.T, handler http.HandlerFunc) (*Sampler, string) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New(Config{
		RestPort:              port,
		Timeout:               time.Second,
		CriticalLoadThreshold: 60,
	}, logger)

	return s, host
}

func TestSampler_ParsesRequestsPerSecond(t *testing.T) {
	s, host := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			t.Errorf("expected scrape path /metrics, got %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"requestsPerSecond": 12.5, "uptime": 3600}`)
	})

	sample := s.Sample(context.Background(), host)
	if sample == nil {
		t.Fatal("expected a sample")
	}
	if sample.RequestsPerSecond != 12.5 {
		t.Fatalf("expected 12.5 rps, got %v", sample.RequestsPerSecond)
	}
	if sample.SampledAt.IsZero() {
		t.Fatal("expected a freshness stamp")
	}
}

func TestSampler_NilOnErrorStatus(t *testing.T) {
	s, host := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	if got := s.Sample(context.Background(), host); got != nil {
		t.Fatalf("expected nil sample on 500, got %+v", got)
	}
}

func TestSampler_NilOnMalformedBody(t *testing.T) {
	s, host := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	})

	if got := s.Sample(context.Background(), host); got != nil {
		t.Fatalf("expected nil sample on malformed body, got %+v", got)
	}
}

func TestSampler_NilOnUnreachableBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New(Config{RestPort: 1, Timeout: 200 * time.Millisecond, CriticalLoadThreshold: 60}, logger)

	if got := s.Sample(context.Background(), "127.0.0.1"); got != nil {
		t.Fatalf("expected nil sample for unreachable backend, got %+v", got)
	}
}

func TestSampler_GetHonorsFreshnessBound(t *testing.T) {
	s, host := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"requestsPerSecond": 5}`)
	})

	now := time.Now()
	s.now = func() time.Time { return now }

	if s.Sample(context.Background(), host) == nil {
		t.Fatal("expected a sample")
	}
	if s.Get(host) == nil {
		t.Fatal("expected fresh stored reading")
	}

	now = now.Add(maxSampleAge + time.Second)
	if s.Get(host) != nil {
		t.Fatal("expected stale reading to read back as unknown")
	}
}
