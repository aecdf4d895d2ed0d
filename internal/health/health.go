package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/medgw/internal/backend"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

// DefaultCheckTimeout bounds one round of dependency checks.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health status.
type Status string

const (
	// StatusOK is reported by the liveness endpoint.
	StatusOK Status = "ok"
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusReady indicates the gateway can take traffic.
	StatusReady Status = "ready"
	// StatusNotReady indicates a critical backend or dependency is down.
	StatusNotReady Status = "not_ready"
)

// LivenessReport is the liveness answer.
type LivenessReport struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the readiness or health answer.
type Report struct {
	Status    Status                    `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
	Uptime    string                    `json:"uptime,omitempty"`
	Services  map[string]*ServiceReport `json:"services"`
	Checks    map[string]*CheckResult   `json:"checks,omitempty"`
}

// OK reports whether the report is healthy or ready.
func (r *Report) OK() bool {
	return r.Status == StatusHealthy || r.Status == StatusReady
}

// ServiceReport summarises one backend. Instance addresses are left out.
type ServiceReport struct {
	Status    Status           `json:"status"`
	Critical  bool             `json:"critical"`
	Total     int              `json:"total"`
	Healthy   int              `json:"healthy"`
	Unhealthy int              `json:"unhealthy"`
	Instances []InstanceReport `json:"instances,omitempty"`
}

// InstanceReport summarises one backend instance.
type InstanceReport struct {
	ID              string    `json:"id"`
	Healthy         bool      `json:"healthy"`
	Load            int64     `json:"load"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
}

// CheckResult represents the result of a single dependency check.
type CheckResult struct {
	Status   Status `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Aggregator derives gateway liveness, readiness and health from the
// backend registry and optional dependency checks. It never mutates the
// registry.
type Aggregator struct {
	registry  *backend.Registry
	timeout   time.Duration
	logger    observability.Logger
	startTime time.Time
	checks    []HealthCheck
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTimeout sets the dependency check timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithCheck registers a dependency check.
func WithCheck(c HealthCheck) Option {
	return func(a *Aggregator) {
		a.checks = append(a.checks, c)
	}
}

// NewAggregator creates an aggregator over registry.
func NewAggregator(registry *backend.Registry, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry:  registry,
		timeout:   DefaultCheckTimeout,
		logger:    observability.NopLogger(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Liveness reports that the process is serving.
func (a *Aggregator) Liveness() LivenessReport {
	return LivenessReport{Status: StatusOK, Timestamp: time.Now().UTC()}
}

// Readiness is ready when every critical backend has a healthy instance
// and every critical dependency check passes.
func (a *Aggregator) Readiness(ctx context.Context) *Report {
	report := &Report{
		Status:    StatusReady,
		Timestamp: time.Now().UTC(),
		Services:  a.services(false),
		Checks:    a.runChecks(ctx),
	}

	for _, svc := range report.Services {
		if svc.Critical && svc.Healthy == 0 {
			report.Status = StatusNotReady
		}
	}
	for _, c := range report.Checks {
		if c.Critical && c.Status != StatusHealthy {
			report.Status = StatusNotReady
		}
	}
	return report
}

// Health is healthy when every backend has a healthy instance and every
// critical dependency check passes. The report carries per-backend
// instance summaries.
func (a *Aggregator) Health(ctx context.Context) *Report {
	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(a.startTime).Round(time.Second).String(),
		Services:  a.services(true),
		Checks:    a.runChecks(ctx),
	}

	for _, svc := range report.Services {
		if svc.Healthy == 0 {
			report.Status = StatusUnhealthy
		}
	}
	for _, c := range report.Checks {
		if c.Critical && c.Status != StatusHealthy {
			report.Status = StatusUnhealthy
		}
	}
	return report
}

func (a *Aggregator) services(withInstances bool) map[string]*ServiceReport {
	names := a.registry.Services()
	out := make(map[string]*ServiceReport, len(names))

	for _, name := range names {
		st, err := a.registry.GetServiceStatus(name)
		if err != nil {
			continue
		}

		sr := &ServiceReport{
			Status:    StatusHealthy,
			Critical:  st.Critical,
			Total:     st.Total,
			Healthy:   st.Healthy,
			Unhealthy: st.Unhealthy,
		}
		if st.Healthy == 0 {
			sr.Status = StatusUnhealthy
		}
		if withInstances {
			sr.Instances = make([]InstanceReport, 0, len(st.Instances))
			for _, inst := range st.Instances {
				sr.Instances = append(sr.Instances, InstanceReport{
					ID:              inst.ID,
					Healthy:         inst.Healthy,
					Load:            inst.Load,
					LastHealthCheck: inst.LastHealthCheck,
				})
			}
		}
		out[name] = sr
	}
	return out
}

// runChecks runs all dependency checks concurrently under the timeout.
func (a *Aggregator) runChecks(ctx context.Context) map[string]*CheckResult {
	checks := a.checks
	if len(checks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]*CheckResult, len(checks))
	)
	for _, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{
				Status:   StatusHealthy,
				Critical: isCritical(check),
				Duration: duration.String(),
			}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Error = err.Error()
				a.logger.Warn("health check failed",
					observability.String("check", check.Name()),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}

			mu.Lock()
			results[check.Name()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}
