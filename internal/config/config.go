package config

import "time"

// API version and kind accepted by the loader.
const (
	APIVersion = "gateway.medgw.io/v1"
	Kind       = "Gateway"
)

// Store and cache backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Load balancing policies.
const (
	// PolicyWeightedLoad accumulates instance load against a random draw
	// in [0, totalLoad).
	PolicyWeightedLoad = "weighted-load"
	// PolicyLeastLoaded picks the healthy instance with the lowest load.
	PolicyLeastLoaded = "least-loaded"
)

// HealthPrefix is the path reserved for the gateway's own health endpoints.
const HealthPrefix = "/health"

// DefaultRateLimitRule is the key of the fallback rate-limit rule.
const DefaultRateLimitRule = "default"

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	APIVersion string      `yaml:"apiVersion" json:"apiVersion"`
	Kind       string      `yaml:"kind" json:"kind"`
	Metadata   Metadata    `yaml:"metadata" json:"metadata"`
	Spec       GatewaySpec `yaml:"spec" json:"spec"`
}

// Metadata identifies a gateway deployment.
type Metadata struct {
	Name   string            `yaml:"name" json:"name"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// GatewaySpec holds the gateway settings.
type GatewaySpec struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Backends       []Backend            `yaml:"backends" json:"backends"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck" json:"healthCheck"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	LoadBalancer   LoadBalancerConfig   `yaml:"loadBalancer" json:"loadBalancer"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	ExemptPaths    []string             `yaml:"exemptPaths" json:"exemptPaths"`
	Identity       IdentityConfig       `yaml:"identity" json:"identity"`
	Store          StoreConfig          `yaml:"store" json:"store"`
	Observability  ObservabilityConfig  `yaml:"observability" json:"observability"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	MaxBodyBytes    int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	TrustedProxies  []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
	GatewayName     string   `yaml:"gatewayName" json:"gatewayName"`
}

// Backend is a logical backend service reachable under a route prefix.
type Backend struct {
	Name           string                `yaml:"name" json:"name"`
	Prefix         string                `yaml:"prefix" json:"prefix"`
	Critical       bool                  `yaml:"critical,omitempty" json:"critical,omitempty"`
	Instances      []Instance            `yaml:"instances" json:"instances"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
}

// Instance is one addressable replica of a backend.
type Instance struct {
	ID   string `yaml:"id" json:"id"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// HealthCheckConfig configures out-of-band instance probing.
type HealthCheckConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	Path               string   `yaml:"path" json:"path"`
	Interval           Duration `yaml:"interval" json:"interval"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	HealthyThreshold   int      `yaml:"healthyThreshold" json:"healthyThreshold"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold" json:"unhealthyThreshold"`
}

// CircuitBreakerConfig configures a per-backend circuit breaker. Zero
// values in a per-backend override inherit the gateway-wide setting.
type CircuitBreakerConfig struct {
	Timeout                  Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ErrorThresholdPercentage float64  `yaml:"errorThresholdPercentage,omitempty" json:"errorThresholdPercentage,omitempty"`
	ResetTimeout             Duration `yaml:"resetTimeout,omitempty" json:"resetTimeout,omitempty"`
	VolumeThreshold          int      `yaml:"volumeThreshold,omitempty" json:"volumeThreshold,omitempty"`
	RollingWindow            Duration `yaml:"rollingWindow,omitempty" json:"rollingWindow,omitempty"`
	RollingBuckets           int      `yaml:"rollingBuckets,omitempty" json:"rollingBuckets,omitempty"`
	HalfOpenMaxRequests      int      `yaml:"halfOpenMaxRequests,omitempty" json:"halfOpenMaxRequests,omitempty"`
	CountServerErrors        bool     `yaml:"countServerErrors,omitempty" json:"countServerErrors,omitempty"`
}

// LoadBalancerConfig selects the instance selection policy.
type LoadBalancerConfig struct {
	Policy string `yaml:"policy" json:"policy"`
}

// RateLimitConfig configures admission control.
type RateLimitConfig struct {
	Enabled  bool                     `yaml:"enabled" json:"enabled"`
	FailOpen bool                     `yaml:"failOpen" json:"failOpen"`
	Rules    map[string]RateLimitRule `yaml:"rules" json:"rules"`
}

// RateLimitRule is a fixed-window quota.
type RateLimitRule struct {
	Window      Duration `yaml:"window" json:"window"`
	MaxRequests int      `yaml:"maxRequests" json:"maxRequests"`
}

// CacheConfig configures the opportunistic response cache.
type CacheConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	Type              string   `yaml:"type" json:"type"`
	TTL               Duration `yaml:"ttl" json:"ttl"`
	MaxEntries        int      `yaml:"maxEntries" json:"maxEntries"`
	MaxBodyBytes      int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	CacheablePrefixes []string `yaml:"cacheablePrefixes" json:"cacheablePrefixes"`
}

// IdentityConfig names the headers on which an upstream authenticator
// delivers the verified caller identity.
type IdentityConfig struct {
	UserIDHeader string `yaml:"userIdHeader" json:"userIdHeader"`
	RolesHeader  string `yaml:"rolesHeader" json:"rolesHeader"`
}

// StoreConfig selects where rate-limit and breaker state lives.
type StoreConfig struct {
	Type       string      `yaml:"type" json:"type"`
	FailClosed bool        `yaml:"failClosed" json:"failClosed"`
	Redis      RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Address        string   `yaml:"address" json:"address"`
	Password       string   `yaml:"password,omitempty" json:"-"`
	DB             int      `yaml:"db" json:"db"`
	KeyPrefix      string   `yaml:"keyPrefix" json:"keyPrefix"`
	PoolSize       int      `yaml:"poolSize" json:"poolSize"`
	DialTimeout    Duration `yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout    Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ConnectRetries int      `yaml:"connectRetries" json:"connectRetries"`
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig configures the metrics listener.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Address   string `yaml:"address" json:"address"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns the built-in gateway configuration: the nine
// clinic backends on localhost, the default rate-limit table and the
// public path allow-list.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		APIVersion: APIVersion,
		Kind:       Kind,
		Metadata:   Metadata{Name: "api-gateway"},
		Spec: GatewaySpec{
			Server: ServerConfig{
				Address:         ":3000",
				ReadTimeout:     Duration(30 * time.Second),
				WriteTimeout:    Duration(60 * time.Second),
				IdleTimeout:     Duration(120 * time.Second),
				ShutdownTimeout: Duration(30 * time.Second),
				MaxBodyBytes:    10 << 20,
				GatewayName:     "api-gateway",
			},
			Backends: defaultBackends(),
			HealthCheck: HealthCheckConfig{
				Enabled:            true,
				Path:               "/health",
				Interval:           Duration(10 * time.Second),
				Timeout:            Duration(5 * time.Second),
				HealthyThreshold:   2,
				UnhealthyThreshold: 3,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Timeout:                  Duration(30 * time.Second),
				ErrorThresholdPercentage: 50,
				ResetTimeout:             Duration(30 * time.Second),
				VolumeThreshold:          10,
				RollingWindow:            Duration(10 * time.Second),
				RollingBuckets:           10,
				HalfOpenMaxRequests:      1,
			},
			LoadBalancer: LoadBalancerConfig{Policy: PolicyWeightedLoad},
			RateLimit: RateLimitConfig{
				Enabled:  true,
				FailOpen: true,
				Rules:    DefaultRateLimitRules(),
			},
			Cache: CacheConfig{
				Enabled:           true,
				Type:              StoreMemory,
				TTL:               Duration(30 * time.Second),
				MaxEntries:        1000,
				MaxBodyBytes:      1 << 20,
				CacheablePrefixes: []string{"/search", "/analytics"},
			},
			ExemptPaths: []string{"/health", "/auth/login", "/auth/register", "/auth/refresh"},
			Identity: IdentityConfig{
				UserIDHeader: "X-Authenticated-User-Id",
				RolesHeader:  "X-Authenticated-User-Roles",
			},
			Store: StoreConfig{
				Type:       StoreMemory,
				FailClosed: true,
				Redis: RedisConfig{
					Address:        "localhost:6379",
					KeyPrefix:      "medgw:",
					PoolSize:       10,
					DialTimeout:    Duration(5 * time.Second),
					ReadTimeout:    Duration(500 * time.Millisecond),
					WriteTimeout:   Duration(500 * time.Millisecond),
					ConnectRetries: 5,
				},
			},
			Observability: ObservabilityConfig{
				Logging: LoggingConfig{Level: "info", Format: "json"},
				Metrics: MetricsConfig{Enabled: true, Address: ":9090", Path: "/metrics", Namespace: "gateway"},
				Tracing: TracingConfig{SamplingRate: 1, ServiceName: "api-gateway"},
			},
		},
	}
}

// DefaultRateLimitRules returns the built-in rate-limit table.
func DefaultRateLimitRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		DefaultRateLimitRule: {Window: Duration(time.Minute), MaxRequests: 100},
		"auth/login":         {Window: Duration(15 * time.Minute), MaxRequests: 5},
		"payments":           {Window: Duration(time.Minute), MaxRequests: 30},
		"search":             {Window: Duration(time.Minute), MaxRequests: 200},
		"video":              {Window: Duration(time.Minute), MaxRequests: 10},
	}
}

func defaultBackends() []Backend {
	table := []struct {
		name     string
		prefix   string
		port     int
		critical bool
	}{
		{"auth-service", "/auth", 3001, true},
		{"user-service", "/users", 3002, true},
		{"appointment-service", "/appointments", 3005, true},
		{"payment-service", "/payments", 3004, true},
		{"clinical-service", "/clinical", 3006, false},
		{"notification-service", "/notifications", 3007, false},
		{"search-service", "/search", 3008, false},
		{"video-service", "/video", 3009, false},
		{"analytics-service", "/analytics", 3010, false},
	}

	backends := make([]Backend, 0, len(table))
	for _, b := range table {
		backends = append(backends, Backend{
			Name:     b.name,
			Prefix:   b.prefix,
			Critical: b.critical,
			Instances: []Instance{
				{ID: b.name + "-1", Host: "localhost", Port: b.port},
			},
		})
	}
	return backends
}

// EffectiveCircuitBreaker merges a backend override onto the gateway-wide
// breaker settings.
func (s *GatewaySpec) EffectiveCircuitBreaker(b *Backend) CircuitBreakerConfig {
	cfg := s.CircuitBreaker
	if b == nil || b.CircuitBreaker == nil {
		return cfg
	}

	o := b.CircuitBreaker
	if o.Timeout > 0 {
		cfg.Timeout = o.Timeout
	}
	if o.ErrorThresholdPercentage > 0 {
		cfg.ErrorThresholdPercentage = o.ErrorThresholdPercentage
	}
	if o.ResetTimeout > 0 {
		cfg.ResetTimeout = o.ResetTimeout
	}
	if o.VolumeThreshold > 0 {
		cfg.VolumeThreshold = o.VolumeThreshold
	}
	if o.RollingWindow > 0 {
		cfg.RollingWindow = o.RollingWindow
	}
	if o.RollingBuckets > 0 {
		cfg.RollingBuckets = o.RollingBuckets
	}
	if o.HalfOpenMaxRequests > 0 {
		cfg.HalfOpenMaxRequests = o.HalfOpenMaxRequests
	}
	if o.CountServerErrors {
		cfg.CountServerErrors = true
	}
	return cfg
}

// CriticalBackends returns the names of backends that gate readiness.
func (s *GatewaySpec) CriticalBackends() []string {
	var names []string
	for i := range s.Backends {
		if s.Backends[i].Critical {
			names = append(names, s.Backends[i].Name)
		}
	}
	return names
}

// UsesRedis reports whether any component needs the shared Redis connection.
func (s *GatewaySpec) UsesRedis() bool {
	return s.Store.Type == StoreRedis || (s.Cache.Enabled && s.Cache.Type == StoreRedis)
}
