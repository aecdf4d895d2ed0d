package config

import (
	"crypto/sha256"
	"encoding/json"
	"reflect"
	"slices"
)

// Configuration sections compared between two configurations.
const (
	SectionServer            = "server"
	SectionBackends          = "backends"
	SectionHealthCheck       = "healthCheck"
	SectionCircuitBreaker    = "circuitBreaker"
	SectionLoadBalancer      = "loadBalancer"
	SectionRateLimitEnabled  = "rateLimit.enabled"
	SectionRateLimitRules    = "rateLimit.rules"
	SectionRateLimitFailOpen = "rateLimit.failOpen"
	SectionCacheStorage      = "cache.storage"
	SectionCachePolicy       = "cache.policy"
	SectionExemptPaths       = "exemptPaths"
	SectionIdentity          = "identity"
	SectionStoreConnection   = "store.connection"
	SectionStoreFailClosed   = "store.failClosed"
	SectionObservability     = "observability"
)

type section struct {
	name string
	hot  bool
	get  func(*GatewaySpec) any
}

// sections is the comparison order. Hot sections are applied by a running
// gateway; the rest are read once at startup.
var sections = []section{
	{SectionServer, false, func(s *GatewaySpec) any { return s.Server }},
	{SectionBackends, false, func(s *GatewaySpec) any { return s.Backends }},
	{SectionHealthCheck, false, func(s *GatewaySpec) any { return s.HealthCheck }},
	{SectionCircuitBreaker, false, func(s *GatewaySpec) any { return s.CircuitBreaker }},
	{SectionLoadBalancer, false, func(s *GatewaySpec) any { return s.LoadBalancer }},
	{SectionRateLimitEnabled, false, func(s *GatewaySpec) any { return s.RateLimit.Enabled }},
	{SectionRateLimitRules, true, func(s *GatewaySpec) any { return s.RateLimit.Rules }},
	{SectionRateLimitFailOpen, true, func(s *GatewaySpec) any { return s.RateLimit.FailOpen }},
	{SectionCacheStorage, false, func(s *GatewaySpec) any {
		return []any{s.Cache.Enabled, s.Cache.Type, s.Cache.MaxEntries}
	}},
	{SectionCachePolicy, true, func(s *GatewaySpec) any {
		return []any{s.Cache.TTL, s.Cache.MaxBodyBytes, s.Cache.CacheablePrefixes}
	}},
	{SectionExemptPaths, true, func(s *GatewaySpec) any { return s.ExemptPaths }},
	{SectionIdentity, false, func(s *GatewaySpec) any { return s.Identity }},
	{SectionStoreConnection, false, func(s *GatewaySpec) any {
		return []any{s.Store.Type, s.Store.Redis, s.Store.Redis.Password}
	}},
	{SectionStoreFailClosed, true, func(s *GatewaySpec) any { return s.Store.FailClosed }},
	{SectionObservability, false, func(s *GatewaySpec) any { return s.Observability }},
}

// ChangedSections lists the sections whose content differs between
// oldCfg and newCfg, in a fixed order.
func ChangedSections(oldCfg, newCfg *GatewayConfig) []string {
	var changed []string
	for _, s := range sections {
		if sectionChanged(s.get(&oldCfg.Spec), s.get(&newCfg.Spec)) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// HotReloadable reports whether a running gateway applies changes to the
// named section without a restart.
func HotReloadable(name string) bool {
	i := slices.IndexFunc(sections, func(s section) bool { return s.name == name })
	return i >= 0 && sections[i].hot
}

// sectionHash computes a SHA-256 hash of a configuration section for
// fast change detection.
func sectionHash(v any) ([sha256.Size]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return [sha256.Size]byte{}, false
	}
	return sha256.Sum256(data), true
}

// sectionChanged compares two sections by hash, falling back to
// reflect.DeepEqual when a section cannot be marshalled.
func sectionChanged(oldSection, newSection any) bool {
	oldHash, oldOK := sectionHash(oldSection)
	newHash, newOK := sectionHash(newSection)
	if oldOK && newOK {
		return oldHash != newHash
	}
	return !reflect.DeepEqual(oldSection, newSection)
}
