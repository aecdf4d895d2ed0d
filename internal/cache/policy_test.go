package cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/medgw/internal/config"
)

func TestPolicy_Cacheable(t *testing.T) {
	t.Parallel()

	p := NewPolicy(config.DefaultConfig().Spec.Cache)
	assert.Equal(t, 30*time.Second, p.TTL)

	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodGet, "/search", true},
		{http.MethodGet, "/search/doctors", true},
		{http.MethodGet, "/analytics/daily", true},
		{http.MethodGet, "/searchable", false},
		{http.MethodPost, "/search", false},
		{http.MethodGet, "/users/1", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Cacheable(tt.method, tt.path), "%s %s", tt.method, tt.path)
	}

	p.Enabled = false
	assert.False(t, p.Cacheable(http.MethodGet, "/search"))
}

func TestPolicy_Storable(t *testing.T) {
	t.Parallel()

	p := Policy{MaxBodyBytes: 10}
	assert.True(t, p.Storable(http.StatusOK, 10))
	assert.False(t, p.Storable(http.StatusOK, 11))
	assert.False(t, p.Storable(http.StatusNotFound, 1))

	p.MaxBodyBytes = 0
	assert.True(t, p.Storable(http.StatusOK, 1<<30))
}

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "GET:/search", Key(http.MethodGet, "/search", ""))
	assert.Equal(t, "GET:/search?a=1&b=2", Key(http.MethodGet, "/search", "b=2&a=1"))
	assert.Equal(t,
		Key(http.MethodGet, "/search", "q=heart&page=2"),
		Key(http.MethodGet, "/search", "page=2&q=heart"),
	)
	assert.NotEqual(t, Key(http.MethodGet, "/search", "q=a"), Key(http.MethodGet, "/search", "q=b"))
}
