package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(cfg *GatewayConfig) error {
	v := &Validator{}
	return v.Validate(cfg)
}

// Validate validates the configuration and returns ValidationErrors when
// anything is wrong.
func (v *Validator) Validate(cfg *GatewayConfig) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	if cfg.APIVersion != APIVersion {
		v.addError("apiVersion", fmt.Sprintf("apiVersion must be %q", APIVersion))
	}
	if cfg.Kind != Kind {
		v.addError("kind", fmt.Sprintf("kind must be %q", Kind))
	}
	if cfg.Metadata.Name == "" {
		v.addError("metadata.name", "name is required")
	}

	spec := &cfg.Spec
	v.validateServer(&spec.Server)
	v.validateBackends(spec)
	v.validateHealthCheck(&spec.HealthCheck)
	v.validateCircuitBreaker("spec.circuitBreaker", &spec.CircuitBreaker)
	v.validateLoadBalancer(&spec.LoadBalancer)
	v.validateRateLimit(&spec.RateLimit)
	v.validateCache(&spec.Cache)
	v.validatePaths("spec.exemptPaths", spec.ExemptPaths)
	v.validateStore(spec)
	v.validateObservability(&spec.Observability)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("spec.server.address", "address is required")
	}
	if s.ShutdownTimeout < 0 {
		v.addError("spec.server.shutdownTimeout", "must not be negative")
	}
	if s.MaxBodyBytes < 0 {
		v.addError("spec.server.maxBodyBytes", "must not be negative")
	}
}

func (v *Validator) validateBackends(spec *GatewaySpec) {
	if len(spec.Backends) == 0 {
		v.addError("spec.backends", "at least one backend is required")
		return
	}

	names := make(map[string]bool, len(spec.Backends))
	prefixes := make(map[string]bool, len(spec.Backends))
	for i := range spec.Backends {
		b := &spec.Backends[i]
		path := fmt.Sprintf("spec.backends[%d]", i)

		if b.Name == "" {
			v.addError(path+".name", "name is required")
		} else if names[b.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate backend name %q", b.Name))
		}
		names[b.Name] = true

		switch {
		case !strings.HasPrefix(b.Prefix, "/") || b.Prefix == "/":
			v.addError(path+".prefix", "prefix must start with '/' and name a path segment")
		case strings.HasSuffix(b.Prefix, "/"):
			v.addError(path+".prefix", "prefix must not end with '/'")
		case prefixes[b.Prefix]:
			v.addError(path+".prefix", fmt.Sprintf("duplicate prefix %q", b.Prefix))
		case segmentPrefix(b.Prefix, HealthPrefix):
			v.addError(path+".prefix", fmt.Sprintf("prefix %q is reserved for health endpoints", b.Prefix))
		default:
			for other := range prefixes {
				if segmentPrefix(b.Prefix, other) || segmentPrefix(other, b.Prefix) {
					v.addError(path+".prefix", fmt.Sprintf("prefix %q overlaps %q", b.Prefix, other))
				}
			}
		}
		prefixes[b.Prefix] = true

		if len(b.Instances) == 0 {
			v.addError(path+".instances", "at least one instance is required")
		}
		ids := make(map[string]bool, len(b.Instances))
		for j, inst := range b.Instances {
			ipath := fmt.Sprintf("%s.instances[%d]", path, j)
			if inst.ID == "" {
				v.addError(ipath+".id", "id is required")
			} else if ids[inst.ID] {
				v.addError(ipath+".id", fmt.Sprintf("duplicate instance id %q", inst.ID))
			}
			ids[inst.ID] = true
			if inst.Host == "" {
				v.addError(ipath+".host", "host is required")
			}
			if inst.Port < 1 || inst.Port > 65535 {
				v.addError(ipath+".port", "port must be between 1 and 65535")
			}
		}

		if b.CircuitBreaker != nil {
			merged := spec.EffectiveCircuitBreaker(b)
			v.validateCircuitBreaker(path+".circuitBreaker", &merged)
		}
	}
}

func (v *Validator) validateHealthCheck(h *HealthCheckConfig) {
	if !h.Enabled {
		return
	}
	if !strings.HasPrefix(h.Path, "/") {
		v.addError("spec.healthCheck.path", "path must start with '/'")
	}
	if h.Interval <= 0 {
		v.addError("spec.healthCheck.interval", "interval must be positive")
	}
	if h.Timeout <= 0 {
		v.addError("spec.healthCheck.timeout", "timeout must be positive")
	}
	if h.HealthyThreshold < 1 || h.UnhealthyThreshold < 1 {
		v.addError("spec.healthCheck", "thresholds must be at least 1")
	}
}

func (v *Validator) validateCircuitBreaker(path string, cb *CircuitBreakerConfig) {
	if cb.Timeout <= 0 {
		v.addError(path+".timeout", "timeout must be positive")
	}
	if cb.ErrorThresholdPercentage <= 0 || cb.ErrorThresholdPercentage > 100 {
		v.addError(path+".errorThresholdPercentage", "must be in (0, 100]")
	}
	if cb.ResetTimeout <= 0 {
		v.addError(path+".resetTimeout", "resetTimeout must be positive")
	}
	if cb.VolumeThreshold < 1 {
		v.addError(path+".volumeThreshold", "volumeThreshold must be at least 1")
	}
	if cb.RollingWindow <= 0 {
		v.addError(path+".rollingWindow", "rollingWindow must be positive")
	}
	if cb.RollingBuckets < 1 {
		v.addError(path+".rollingBuckets", "rollingBuckets must be at least 1")
	}
	if cb.HalfOpenMaxRequests < 1 {
		v.addError(path+".halfOpenMaxRequests", "halfOpenMaxRequests must be at least 1")
	}
}

func (v *Validator) validateLoadBalancer(lb *LoadBalancerConfig) {
	switch lb.Policy {
	case PolicyWeightedLoad, PolicyLeastLoaded:
	default:
		v.addError("spec.loadBalancer.policy",
			fmt.Sprintf("policy must be %q or %q", PolicyWeightedLoad, PolicyLeastLoaded))
	}
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	if !rl.Enabled {
		return
	}
	if _, ok := rl.Rules[DefaultRateLimitRule]; !ok {
		v.addError("spec.rateLimit.rules", "a 'default' rule is required")
	}
	for name, rule := range rl.Rules {
		path := "spec.rateLimit.rules." + name
		if strings.HasPrefix(name, "/") {
			v.addError(path, "endpoint keys are written without a leading '/'")
		}
		if rule.Window <= 0 {
			v.addError(path+".window", "window must be positive")
		}
		if rule.MaxRequests < 1 {
			v.addError(path+".maxRequests", "maxRequests must be at least 1")
		}
	}
}

func (v *Validator) validateCache(c *CacheConfig) {
	if !c.Enabled {
		return
	}
	if c.Type != StoreMemory && c.Type != StoreRedis {
		v.addError("spec.cache.type", "type must be 'memory' or 'redis'")
	}
	if c.TTL <= 0 {
		v.addError("spec.cache.ttl", "ttl must be positive")
	}
	if c.Type == StoreMemory && c.MaxEntries < 1 {
		v.addError("spec.cache.maxEntries", "maxEntries must be at least 1")
	}
	if c.MaxBodyBytes < 1 {
		v.addError("spec.cache.maxBodyBytes", "maxBodyBytes must be at least 1")
	}
	v.validatePaths("spec.cache.cacheablePrefixes", c.CacheablePrefixes)
}

func (v *Validator) validatePaths(path string, paths []string) {
	for i, p := range paths {
		if !strings.HasPrefix(p, "/") {
			v.addError(fmt.Sprintf("%s[%d]", path, i), "path must start with '/'")
		}
	}
}

func (v *Validator) validateStore(spec *GatewaySpec) {
	if spec.Store.Type != StoreMemory && spec.Store.Type != StoreRedis {
		v.addError("spec.store.type", "type must be 'memory' or 'redis'")
	}
	if spec.UsesRedis() && spec.Store.Redis.Address == "" {
		v.addError("spec.store.redis.address", "address is required when redis is used")
	}
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	switch o.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("spec.observability.logging.level", "level must be debug, info, warn or error")
	}
	switch o.Logging.Format {
	case "json", "console":
	default:
		v.addError("spec.observability.logging.format", "format must be json or console")
	}
	if o.Metrics.Enabled && o.Metrics.Address == "" {
		v.addError("spec.observability.metrics.address", "address is required when metrics are enabled")
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		v.addError("spec.observability.tracing.samplingRate", "samplingRate must be in [0, 1]")
	}
}

// segmentPrefix reports whether p equals base or lies under it.
func segmentPrefix(p, base string) bool {
	return p == base || strings.HasPrefix(p, base+"/")
}
