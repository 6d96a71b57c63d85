package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/labstack/echo/v4"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/metrics"
)

const (
	proxyTimeout       = 10 * time.Second
	healthProbeTimeout = 2 * time.Second
)

// Target is one upstream HTTP backend.
type Target struct {
	Name    string
	BaseURL string
}

type breakerTarget struct {
	name    string
	baseURL string
	breaker circuitbreaker.CircuitBreaker[any]
}

type route struct {
	prefix string
	target *breakerTarget
}

// Router dispatches HTTP requests to upstream targets by path prefix.
// Unmapped paths go to the default target. Every target sits behind its
// own circuit breaker so one dead backend cannot absorb the gateway's
// request capacity.
type Router struct {
	routes   []route
	fallback *breakerTarget
	client   *http.Client
}

// NewRouter builds a router from a prefix → target map and a default
// target for everything unmapped. Targets sharing a name share one
// breaker.
func NewRouter(defaultTarget Target, prefixes map[string]Target) *Router {
	byName := make(map[string]*breakerTarget)
	acquire := func(t Target) *breakerTarget {
		if bt, ok := byName[t.Name]; ok {
			return bt
		}
		bt := &breakerTarget{name: t.Name, baseURL: strings.TrimSuffix(t.BaseURL, "/"), breaker: newTargetBreaker(t.Name)}
		byName[t.Name] = bt
		return bt
	}

	r := &Router{
		fallback: acquire(defaultTarget),
		client:   &http.Client{Timeout: proxyTimeout},
	}
	for prefix, t := range prefixes {
		r.routes = append(r.routes, route{prefix: prefix, target: acquire(t)})
	}
	// Longest prefix wins so /api/predictions can override /api.
	sort.Slice(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	return r
}

// newTargetBreaker creates a breaker that opens at 60% failures over a
// 10s window (min 5 requests), holds open for 30s, and closes again
// after one half-open success.
func newTargetBreaker(target string) circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Upstream circuit breaker state changed",
				"target", target,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.GatewayBreakerStateChanges.WithLabelValues(target, e.NewState.String()).Inc()
			metrics.GatewayBreakerState.WithLabelValues(target).Set(breakerStateValue(e.NewState))
		}).
		Build()
}

func breakerStateValue(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (r *Router) resolve(path string) *breakerTarget {
	for _, rt := range r.routes {
		if strings.HasPrefix(path, rt.prefix) {
			return rt.target
		}
	}
	return r.fallback
}

// Proxy forwards the request to the resolved target and relays the
// response. Transport faults and open breakers surface as typed
// upstream errors, never a raw fault.
func (r *Router) Proxy(c echo.Context) error {
	target := r.resolve(c.Request().URL.Path)

	if !target.breaker.TryAcquirePermit() {
		metrics.GatewayProxyRequests.WithLabelValues(target.name, "breaker_open").Inc()
		return errors.UpstreamError("upstream temporarily unavailable", circuitbreaker.ErrOpen).
			WithContext("target", target.name)
	}

	resp, err := r.forward(c, target)
	if err != nil {
		target.breaker.RecordError(err)
		metrics.GatewayProxyRequests.WithLabelValues(target.name, "error").Inc()
		return errors.UpstreamError("upstream request failed", err).
			WithContext("target", target.name).
			WithContext("path", c.Request().URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		target.breaker.RecordFailure()
	} else {
		target.breaker.RecordSuccess()
	}
	metrics.GatewayProxyRequests.WithLabelValues(target.name, "ok").Inc()

	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Stream(resp.StatusCode, contentType, resp.Body)
}

func (r *Router) forward(c echo.Context, target *breakerTarget) (*http.Response, error) {
	in := c.Request()
	url := target.baseURL + in.URL.Path
	if in.URL.RawQuery != "" {
		url += "?" + in.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(in.Context(), in.Method, url, in.Body)
	if err != nil {
		return nil, err
	}
	if ct := in.Header.Get(echo.HeaderContentType); ct != "" {
		req.Header.Set(echo.HeaderContentType, ct)
	}
	req.Header.Set(echo.HeaderXForwardedFor, c.RealIP())

	return r.client.Do(req)
}

// TargetHealth is one row in the /api/status aggregation.
type TargetHealth struct {
	Target string `json:"target"`
	Status string `json:"status"`
}

// Health probes every distinct target's /health endpoint. An open
// breaker short-circuits to "unavailable" without a probe.
func (r *Router) Health(ctx context.Context) []TargetHealth {
	seen := make(map[string]bool)
	targets := make([]*breakerTarget, 0, len(r.routes)+1)
	for _, rt := range append(r.routes, route{target: r.fallback}) {
		if !seen[rt.target.name] {
			seen[rt.target.name] = true
			targets = append(targets, rt.target)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	out := make([]TargetHealth, 0, len(targets))
	for _, t := range targets {
		out = append(out, TargetHealth{Target: t.name, Status: r.probe(ctx, t)})
	}
	return out
}

func (r *Router) probe(ctx context.Context, target *breakerTarget) string {
	if target.breaker.State() == circuitbreaker.OpenState {
		return "unavailable"
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target.baseURL+"/health", nil)
	if err != nil {
		return "unavailable"
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "unreachable"
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "degraded"
	}
	return "ok"
}
