package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/medgw/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 50.0, cfg.ErrorThresholdPercentage)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
	assert.Equal(t, 10, cfg.VolumeThreshold)
	assert.Equal(t, time.Second, cfg.bucketWidth())
	assert.Equal(t, 1, cfg.HalfOpenMaxRequests)
	assert.NoError(t, cfg.Validate())
}

func TestFromGatewayConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := FromGatewayConfig(config.CircuitBreakerConfig{VolumeThreshold: 4})
	assert.Equal(t, 4, cfg.VolumeThreshold)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultRollingBuckets, cfg.RollingBuckets)
}

func TestFromGatewaySpec_Overrides(t *testing.T) {
	t.Parallel()

	spec := config.DefaultConfig().Spec
	spec.Backends[0].CircuitBreaker = &config.CircuitBreakerConfig{
		Timeout:           config.Duration(5 * time.Second),
		CountServerErrors: true,
	}

	defaults, overrides := FromGatewaySpec(&spec)
	assert.Equal(t, DefaultTimeout, defaults.Timeout)
	require.Len(t, overrides, 1)

	o := overrides[spec.Backends[0].Name]
	assert.Equal(t, 5*time.Second, o.Timeout)
	assert.True(t, o.CountServerErrors)
	assert.Equal(t, defaults.ResetTimeout, o.ResetTimeout)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultConfig()},
		{name: "percentage too high", cfg: Config{ErrorThresholdPercentage: 120}, wantErr: true},
		{name: "negative percentage", cfg: Config{ErrorThresholdPercentage: -1}, wantErr: true},
		{name: "window too small", cfg: Config{RollingWindow: 5 * time.Millisecond, RollingBuckets: 10}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ShouldTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.False(t, cfg.shouldTrip(9, 9), "volume threshold not reached")
	assert.True(t, cfg.shouldTrip(10, 5), "exactly at percentage")
	assert.False(t, cfg.shouldTrip(10, 4))
}
