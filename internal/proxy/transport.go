package proxy

import (
	"net"
	"net/http"
	"time"
)

// Upstream connection pool defaults.
const (
	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 32
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultDialTimeout         = 10 * time.Second
)

// NewTransport returns the pooled transport used for upstream calls.
// Per-call deadlines come from the request context.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
