// Package monitoring exposes the ops surface: liveness, readiness with
// dependency probes, and Prometheus metrics.
package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckFunc probes one dependency; nil error means ready.
type CheckFunc func(ctx context.Context) error

// Probes aggregates named dependency checks.
type Probes struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	started time.Time
	version string
}

// New creates the probe set.
func New(version string) *Probes {
	return &Probes{
		checks:  make(map[string]CheckFunc),
		started: time.Now(),
		version: version,
	}
}

// Register adds a named readiness check.
func (p *Probes) Register(name string, check CheckFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = check
}

// Health is pure liveness: the process answers.
func (p *Probes) Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "healthy",
			"version":        p.version,
			"uptime_seconds": int(time.Since(p.started).Seconds()),
		})
	})
}

// Ready runs every registered check with a shared deadline; any failure
// flips the response to 503 with the failing dependencies named.
func (p *Probes) Ready() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		p.mu.RLock()
		checks := make(map[string]CheckFunc, len(p.checks))
		for name, check := range p.checks {
			checks[name] = check
		}
		p.mu.RUnlock()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				results[name] = "ok"
			}
		}

		ready := "ready"
		if status != http.StatusOK {
			ready = "degraded"
		}
		writeJSON(w, status, map[string]interface{}{
			"status": ready,
			"checks": results,
		})
	})
}

// Metrics serves the Prometheus registry.
func (p *Probes) Metrics() http.Handler {
	return promhttp.Handler()
}
