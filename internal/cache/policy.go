package cache

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/medgw/internal/config"
)

// Policy decides which requests are answered from the cache.
type Policy struct {
	Enabled      bool
	TTL          time.Duration
	MaxBodyBytes int64
	Prefixes     []string
}

// NewPolicy builds a policy from the cache section.
func NewPolicy(cfg config.CacheConfig) Policy {
	return Policy{
		Enabled:      cfg.Enabled,
		TTL:          cfg.TTL.Duration(),
		MaxBodyBytes: cfg.MaxBodyBytes,
		Prefixes:     append([]string(nil), cfg.CacheablePrefixes...),
	}
}

// Cacheable reports whether a request may be served from or stored in
// the cache: a GET on a path under one of the cacheable prefixes.
func (p Policy) Cacheable(method, path string) bool {
	if !p.Enabled || method != http.MethodGet {
		return false
	}
	for _, prefix := range p.Prefixes {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// Storable reports whether an upstream answer may be stored.
func (p Policy) Storable(status int, bodyLen int64) bool {
	if status != http.StatusOK {
		return false
	}
	return p.MaxBodyBytes <= 0 || bodyLen <= p.MaxBodyBytes
}

// Key builds the cache key for a request. Query parameters are sorted so
// that equivalent queries share an entry.
func Key(method, path, rawQuery string) string {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(rawQuery) + 2)
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(path)

	if rawQuery != "" {
		b.WriteByte('?')
		if values, err := url.ParseQuery(rawQuery); err == nil {
			b.WriteString(values.Encode())
		} else {
			b.WriteString(rawQuery)
		}
	}
	return b.String()
}
