// Package health probes service dependencies in parallel and rolls the
// results into a single system status.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const probeTimeout = 5 * time.Second

// Status values for individual services and the rollup.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Checker verifies one dependency. A nil error means healthy.
type Checker func(ctx context.Context) (details map[string]any, err error)

// ServiceStatus is one dependency's probe outcome.
type ServiceStatus struct {
	Name           string         `json:"name"`
	Key            string         `json:"key"`
	Status         string         `json:"status"`
	ResponseTimeMs int64          `json:"responseTimeMs"`
	Details        map[string]any `json:"details,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Report is the aggregated system health.
type Report struct {
	Status    string          `json:"status"`
	Healthy   int             `json:"healthy"`
	Total     int             `json:"total"`
	Services  []ServiceStatus `json:"services"`
	Timestamp time.Time       `json:"timestamp"`
}

type dependency struct {
	name  string
	key   string
	check Checker
}

// Aggregator fans out to every registered dependency.
type Aggregator struct {
	mu   sync.RWMutex
	deps []dependency
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Register adds a dependency under a stable key.
func (a *Aggregator) Register(name, key string, check Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deps = append(a.deps, dependency{name: name, key: key, check: check})
}

// Check probes all dependencies in parallel with a per-probe timeout.
// healthy iff all pass, unhealthy iff none pass, degraded otherwise.
func (a *Aggregator) Check(ctx context.Context) *Report {
	a.mu.RLock()
	deps := make([]dependency, len(a.deps))
	copy(deps, a.deps)
	a.mu.RUnlock()

	results := make([]ServiceStatus, len(deps))
	g, ctx := errgroup.WithContext(ctx)
	for i, dep := range deps {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			details, err := dep.check(probeCtx)
			status := ServiceStatus{
				Name:           dep.name,
				Key:            dep.key,
				Status:         StatusHealthy,
				ResponseTimeMs: time.Since(start).Milliseconds(),
				Details:        details,
			}
			if err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
				status.Details = nil
			}
			results[i] = status
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		Services:  results,
		Total:     len(results),
		Timestamp: time.Now().UTC(),
	}
	for _, s := range results {
		if s.Status == StatusHealthy {
			report.Healthy++
		}
	}
	switch {
	case report.Total == 0 || report.Healthy == report.Total:
		report.Status = StatusHealthy
	case report.Healthy == 0:
		report.Status = StatusUnhealthy
	default:
		report.Status = StatusDegraded
	}
	return report
}

// HTTPChecker probes an HTTP health endpoint; any 2xx is healthy.
func HTTPChecker(client *http.Client, url string) Checker {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return func(ctx context.Context) (map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &statusError{status: resp.StatusCode}
		}
		return map[string]any{"statusCode": resp.StatusCode}, nil
	}
}

type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("health endpoint returned status %d", e.status)
}
