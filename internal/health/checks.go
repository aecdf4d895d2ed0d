package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DependencyType represents the type of dependency.
type DependencyType string

const (
	// DependencyTypeCache is a cache or state store dependency.
	DependencyTypeCache DependencyType = "cache"
	// DependencyTypeCustom is a custom dependency.
	DependencyTypeCustom DependencyType = "custom"
)

// HealthCheck defines the interface for dependency checks.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// DependencyCheck represents a dependency health check.
type DependencyCheck struct {
	name     string
	depType  DependencyType
	checkFn  func(ctx context.Context) error
	critical bool
}

// Name returns the name of the dependency check.
func (d *DependencyCheck) Name() string {
	return d.name
}

// Type returns the dependency type.
func (d *DependencyCheck) Type() DependencyType {
	return d.depType
}

// Check performs the dependency health check.
func (d *DependencyCheck) Check(ctx context.Context) error {
	return d.checkFn(ctx)
}

// IsCritical returns true if a failing check makes the gateway unready.
func (d *DependencyCheck) IsCritical() bool {
	return d.critical
}

// DependencyCheckOption is a function that configures a DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks the dependency as critical.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a new dependency check. Checks are critical
// unless configured otherwise.
func NewDependencyCheck(
	name string,
	depType DependencyType,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	d := &DependencyCheck{
		name:     name,
		depType:  depType,
		checkFn:  checkFn,
		critical: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RedisHealthCheck creates a Redis ping check.
func RedisHealthCheck(name string, client redis.UniversalClient, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck(name, DependencyTypeCache, func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}, opts...)
}

// CustomHealthCheck creates a custom health check.
func CustomHealthCheck(
	name string,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	return NewDependencyCheck(name, DependencyTypeCustom, checkFn, opts...)
}

func isCritical(c HealthCheck) bool {
	if dc, ok := c.(interface{ IsCritical() bool }); ok {
		return dc.IsCritical()
	}
	return true
}
