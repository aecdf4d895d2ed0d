// Package circuitbreaker provides per-backend circuit breakers for the
// gateway. A breaker watches the outcomes of forwarded requests over a
// rolling window and stops admitting traffic to a backend whose error
// rate crosses a threshold.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/medgw/internal/config"
)

// Default breaker settings.
const (
	DefaultTimeout                  = 30 * time.Second
	DefaultErrorThresholdPercentage = 50
	DefaultResetTimeout             = 30 * time.Second
	DefaultVolumeThreshold          = 10
	DefaultRollingWindow            = 10 * time.Second
	DefaultRollingBuckets           = 10
	DefaultHalfOpenMaxRequests      = 1
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// Timeout bounds a single forwarded call.
	Timeout time.Duration

	// ErrorThresholdPercentage is the failure share (0-100] of the rolling
	// window that opens the circuit.
	ErrorThresholdPercentage float64

	// ResetTimeout is how long the circuit stays open before a trial
	// request is admitted.
	ResetTimeout time.Duration

	// VolumeThreshold is the minimum number of outcomes in the window
	// before the error rate is evaluated.
	VolumeThreshold int

	// RollingWindow is split into RollingBuckets equal buckets.
	RollingWindow  time.Duration
	RollingBuckets int

	// HalfOpenMaxRequests is the number of concurrent trial requests.
	HalfOpenMaxRequests int

	// CountServerErrors makes 5xx upstream responses count as failures.
	CountServerErrors bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Timeout:                  DefaultTimeout,
		ErrorThresholdPercentage: DefaultErrorThresholdPercentage,
		ResetTimeout:             DefaultResetTimeout,
		VolumeThreshold:          DefaultVolumeThreshold,
		RollingWindow:            DefaultRollingWindow,
		RollingBuckets:           DefaultRollingBuckets,
		HalfOpenMaxRequests:      DefaultHalfOpenMaxRequests,
	}
}

// FromGatewayConfig converts a (merged) YAML breaker section. Zero values
// take the defaults.
func FromGatewayConfig(c config.CircuitBreakerConfig) Config {
	cfg := Config{
		Timeout:                  c.Timeout.Duration(),
		ErrorThresholdPercentage: c.ErrorThresholdPercentage,
		ResetTimeout:             c.ResetTimeout.Duration(),
		VolumeThreshold:          c.VolumeThreshold,
		RollingWindow:            c.RollingWindow.Duration(),
		RollingBuckets:           c.RollingBuckets,
		HalfOpenMaxRequests:      c.HalfOpenMaxRequests,
		CountServerErrors:        c.CountServerErrors,
	}
	return cfg.withDefaults()
}

// FromGatewaySpec returns the gateway-wide breaker config and the
// effective config of every backend that overrides it.
func FromGatewaySpec(spec *config.GatewaySpec) (Config, map[string]Config) {
	defaults := FromGatewayConfig(spec.CircuitBreaker)
	overrides := make(map[string]Config)
	for i := range spec.Backends {
		b := &spec.Backends[i]
		if b.CircuitBreaker == nil {
			continue
		}
		overrides[b.Name] = FromGatewayConfig(spec.EffectiveCircuitBreaker(b))
	}
	return defaults, overrides
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ErrorThresholdPercentage <= 0 {
		c.ErrorThresholdPercentage = DefaultErrorThresholdPercentage
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = DefaultVolumeThreshold
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = DefaultRollingWindow
	}
	if c.RollingBuckets <= 0 {
		c.RollingBuckets = DefaultRollingBuckets
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
	}
	return c
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if c.ErrorThresholdPercentage < 0 || c.ErrorThresholdPercentage > 100 {
		errs = append(errs, fmt.Errorf("errorThresholdPercentage must be within [0, 100], got %v",
			c.ErrorThresholdPercentage))
	}
	if c.RollingBuckets > 0 && c.RollingWindow > 0 && c.RollingWindow < time.Duration(c.RollingBuckets)*time.Millisecond {
		errs = append(errs, errors.New("rollingWindow must be at least 1ms per bucket"))
	}
	return errors.Join(errs...)
}

// bucketWidth is the duration covered by one rolling bucket.
func (c Config) bucketWidth() time.Duration {
	return c.RollingWindow / time.Duration(c.RollingBuckets)
}

// shouldTrip reports whether the window counts open the circuit.
func (c Config) shouldTrip(total, failures int64) bool {
	if total < int64(c.VolumeThreshold) {
		return false
	}
	return float64(failures)*100 >= c.ErrorThresholdPercentage*float64(total)
}
