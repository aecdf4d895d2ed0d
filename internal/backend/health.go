package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

// Health check default configuration constants.
const (
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHealthyThreshold    = 2
	DefaultUnhealthyThreshold  = 3

	// maxConcurrentChecks bounds the checks in flight per round.
	maxConcurrentChecks = 16
)

// HealthChecker checks every registered instance periodically and
// drives MarkInstanceHealthy / MarkInstanceUnhealthy after consecutive
// results cross the configured thresholds. Single request failures seen
// by the dispatcher never touch instance health.
type HealthChecker struct {
	registry           *Registry
	path               string
	interval           time.Duration
	healthyThreshold   int
	unhealthyThreshold int
	client             *http.Client
	clock              clock.Clock
	logger             observability.Logger

	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// HealthCheckOption is a functional option for configuring the health checker.
type HealthCheckOption func(*HealthChecker)

// WithHealthCheckLogger sets the logger for the health checker.
func WithHealthCheckLogger(logger observability.Logger) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.logger = logger
	}
}

// WithHealthCheckClient sets the HTTP client for the health checker.
func WithHealthCheckClient(client *http.Client) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.client = client
	}
}

// WithHealthCheckClock sets the clock driving the check ticker.
func WithHealthCheckClock(c clock.Clock) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.clock = c
	}
}

// NewHealthChecker creates a health checker for every instance in registry.
func NewHealthChecker(registry *Registry, cfg config.HealthCheckConfig, opts ...HealthCheckOption) *HealthChecker {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = DefaultHealthCheckTimeout
	}

	hc := &HealthChecker{
		registry:           registry,
		path:               cfg.Path,
		interval:           cfg.Interval.Duration(),
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		client:             &http.Client{Timeout: timeout},
		clock:              clock.New(),
		logger:             observability.NopLogger(),
		successes:          make(map[string]int),
		failures:           make(map[string]int),
		stopCh:             make(chan struct{}),
		stoppedCh:          make(chan struct{}),
	}

	if hc.path == "" {
		hc.path = "/health"
	}
	if hc.interval <= 0 {
		hc.interval = DefaultHealthCheckInterval
	}
	if hc.healthyThreshold <= 0 {
		hc.healthyThreshold = DefaultHealthyThreshold
	}
	if hc.unhealthyThreshold <= 0 {
		hc.unhealthyThreshold = DefaultUnhealthyThreshold
	}

	for _, opt := range opts {
		opt(hc)
	}

	return hc
}

// Start starts the check loop in the background.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.mu.Unlock()

	go hc.run(ctx)
}

// Stop stops the check loop and waits for it to exit.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	hc.mu.Unlock()

	close(hc.stopCh)
	<-hc.stoppedCh
}

func (hc *HealthChecker) run(ctx context.Context) {
	defer close(hc.stoppedCh)

	ticker := hc.clock.Ticker(hc.interval)
	defer ticker.Stop()

	hc.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.CheckAll(ctx)
		}
	}
}

// CheckAll checks every instance once.
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)

	for _, target := range hc.registry.Targets() {
		g.Go(func() error {
			hc.check(gctx, target)
			return nil
		})
	}

	_ = g.Wait()
}

func (hc *HealthChecker) check(ctx context.Context, target Target) {
	if ctx.Err() != nil {
		return
	}

	url := target.Instance.URL() + hc.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		hc.record(target, false, err)
		return
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		hc.record(target, false, err)
		return
	}
	_ = resp.Body.Close()

	ok := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	hc.record(target, ok, nil)
}

func (hc *HealthChecker) record(target Target, ok bool, checkErr error) {
	key := target.Service + "/" + target.Instance.ID

	hc.mu.Lock()
	var flip, healthy bool
	if ok {
		hc.failures[key] = 0
		hc.successes[key]++
		flip = !target.Instance.Healthy && hc.successes[key] >= hc.healthyThreshold
		healthy = true
	} else {
		hc.successes[key] = 0
		hc.failures[key]++
		flip = target.Instance.Healthy && hc.failures[key] >= hc.unhealthyThreshold
	}
	hc.mu.Unlock()

	if !ok {
		hc.logger.Debug("health check failed",
			observability.String("service", target.Service),
			observability.String("instance", target.Instance.ID),
			observability.Error(checkErr),
		)
	}

	if !flip {
		return
	}

	var err error
	if healthy {
		err = hc.registry.MarkInstanceHealthy(target.Service, target.Instance.ID)
	} else {
		err = hc.registry.MarkInstanceUnhealthy(target.Service, target.Instance.ID)
	}
	if err != nil {
		hc.logger.Debug("health result for removed instance ignored",
			observability.String("service", target.Service),
			observability.String("instance", target.Instance.ID),
		)
	}
}
