package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/padlabs/gateway/internal/registry"
)

// maxRequestBody is the maximum allowed size for incoming client request bodies (10MB).
const maxRequestBody = 10 << 20

// maxResponseBody limits buffered upstream response bodies (10MB).
const maxResponseBody = 10 << 20

// Router is the end-to-end request handler for one bound service type:
// admission → breaker gate → selection → forward → outcome accounting.
type Router struct {
	state   *State
	service registry.ServiceType
	client  *http.Client
}

// NewRouter creates the handler forwarding to instances of service.
func NewRouter(state *State, service registry.ServiceType) *Router {
	return &Router{
		state:   state,
		service: service,
		client: &http.Client{
			Timeout: state.Config.UpstreamTimeout,
		},
	}
}

// bufferedResponse holds a captured upstream response so the router can
// inspect the status code before committing bytes to the client.
type bufferedResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

// writeTo flushes the buffered response to the client.
func (br *bufferedResponse) writeTo(w http.ResponseWriter) {
	for k, vv := range br.header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(br.statusCode)
	w.Write(br.body)
}

// forwardResult is the single outcome of a forward attempt: exactly one of
// a buffered response or a failure (timeout or transport error). knownStatus
// carries the backend status when the failure happened after headers were
// already received.
type forwardResult struct {
	resp        *bufferedResponse
	timeout     bool
	err         error
	knownStatus int
}

// ServeHTTP handles one client request end to end.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !rt.state.Limiter.Acquire() {
		writeDetail(w, http.StatusServiceUnavailable, "API Gateway is busy. Please try again later.")
		return
	}
	defer rt.state.Limiter.Release()

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	// The gate is taken once and not re-read after forward.
	br := rt.state.Breakers.Get(string(rt.service))
	allowed, probe := br.Dispatch()
	if !allowed {
		writeDetail(w, http.StatusServiceUnavailable,
			fmt.Sprintf("service%s is currently unavailable (Circuit Breaker: OPEN)", rt.service))
		return
	}
	if probe {
		rt.state.Logger.Info("circuit breaker probing", "service", rt.service)
	}

	instance := rt.state.Selector.Select(r.Context(), rt.service)
	if instance == "" {
		writeDetail(w, http.StatusServiceUnavailable,
			fmt.Sprintf("service%s is not available or Redis is disconnected", rt.service))
		return
	}

	res := rt.forward(r, instance)

	switch {
	case res.err == nil && res.resp.statusCode < 500:
		// 2xx/3xx/4xx: success for the breaker, relay unchanged.
		br.RecordSuccess()
		res.resp.writeTo(w)
	case res.err == nil:
		// 5xx: failure recorded, status and body still relayed.
		br.RecordFailure()
		res.resp.writeTo(w)
	case res.timeout:
		br.RecordFailure()
		writeDetail(w, http.StatusGatewayTimeout, "Request timed out")
	default:
		br.RecordFailure()
		rt.state.Logger.Error("upstream request failed",
			"service", rt.service,
			"instance", instance,
			"error", res.err,
		)
		status := http.StatusInternalServerError
		if res.knownStatus != 0 {
			status = res.knownStatus
		}
		writeDetail(w, status, res.err.Error())
	}
}

// forward issues the upstream call. The incoming URL (path and query) is
// preserved verbatim; headers are copied minus hop-by-hop, and the shared
// secret header is added.
func (rt *Router) forward(r *http.Request, instance string) forwardResult {
	target := fmt.Sprintf("http://%s:%d%s", instance, rt.state.Config.BackendRestPort, r.URL.RequestURI())

	ctx, cancel := context.WithTimeout(r.Context(), rt.state.Config.UpstreamTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return forwardResult{err: err}
	}
	copyHeaders(outReq.Header, r.Header)
	outReq.Header.Set("X-Gateway-Token", rt.state.Config.GatewaySecret)
	if r.ContentLength >= 0 {
		outReq.ContentLength = r.ContentLength
	}

	resp, err := rt.client.Do(outReq)
	if err != nil {
		return forwardResult{timeout: isTimeout(err), err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return forwardResult{timeout: isTimeout(err), err: err, knownStatus: resp.StatusCode}
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	return forwardResult{resp: &bufferedResponse{
		statusCode: resp.StatusCode,
		header:     header,
		body:       body,
	}}
}

// hopHeaders are stripped in both directions; everything else is forwarded
// verbatim.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// writeDetail writes the gateway's JSON error shape.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
