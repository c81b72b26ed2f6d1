// Package connectivity decides whether the server is genuinely reachable.
// The OS link flag lies on farm networks (captive LTE routers, half-up
// radios), so the probe only trusts an answered health request.
package connectivity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDebounce suppresses repeated edge callbacks while the link flaps,
// e.g. a truck driving along the edge of coverage.
const DefaultDebounce = 10 * time.Second

// Probe checks reachability of one server. It observes, it never mutates
// any other component's state.
type Probe struct {
	healthURL string
	client    *http.Client

	mu             sync.Mutex
	online         bool
	lastTransition time.Time
	debounce       time.Duration
	onTransition   func(online bool)
}

// Option adjusts a Probe on construction.
type Option func(*Probe)

// WithDebounce overrides the edge-callback debounce window.
func WithDebounce(d time.Duration) Option {
	return func(p *Probe) { p.debounce = d }
}

// WithHTTPClient injects the transport, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Probe) { p.client = c }
}

// New builds a probe against the server's health endpoint, e.g.
// http://server/api/health.
func New(healthURL string, opts ...Option) *Probe {
	p := &Probe{
		healthURL: healthURL,
		client:    &http.Client{},
		debounce:  DefaultDebounce,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnTransition registers the callback fired exactly once per connectivity
// edge (offline to online or back). Edges inside the debounce window are
// swallowed.
func (p *Probe) OnTransition(fn func(online bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransition = fn
}

// IsOnline is the cheap flag: the last observed state. It can be stale, use
// IsReallyOnline before committing to a drain.
func (p *Probe) IsOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// IsReallyOnline issues a bounded health request and reports genuine
// reachability: false on timeout, network failure or a non-2xx answer.
func (p *Probe) IsReallyOnline(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		zap.S().Errorf("Failed to build health request: %s", err)
		p.observe(false)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			zap.S().Debugf("Health check timed out after %s", timeout)
		} else {
			zap.S().Debugf("Health check failed: %s", err)
		}
		p.observe(false)
		return false
	}
	defer resp.Body.Close()

	online := resp.StatusCode >= 200 && resp.StatusCode < 300
	p.observe(online)
	return online
}

// observe records the result and fires the transition callback on a
// debounced edge.
func (p *Probe) observe(online bool) {
	p.mu.Lock()
	if online == p.online {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	if !p.lastTransition.IsZero() && now.Sub(p.lastTransition) < p.debounce {
		// Flapping: keep the new state but do not re-fire the callback.
		p.online = online
		p.mu.Unlock()
		return
	}
	p.online = online
	p.lastTransition = now
	fn := p.onTransition
	p.mu.Unlock()

	zap.S().Infow("Connectivity transition", "online", online)
	if fn != nil {
		fn(online)
	}
}
