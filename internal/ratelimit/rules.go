// Package ratelimit provides fixed-window admission control for the
// gateway. Each client identity gets a counter per endpoint; the rule for
// an endpoint decides the window length and the quota.
package ratelimit

import (
	"strings"
	"time"

	"github.com/vyrodovalexey/medgw/internal/config"
)

// DefaultEndpoint names the fallback rule.
const DefaultEndpoint = config.DefaultRateLimitRule

// Rule is a fixed-window quota.
type Rule struct {
	Window      time.Duration
	MaxRequests int
}

// Rules maps an endpoint to its rule. The DefaultEndpoint entry applies
// to every endpoint without its own rule.
type Rules map[string]Rule

// DefaultRules returns the built-in rule table.
func DefaultRules() Rules {
	return RulesFromConfig(config.DefaultRateLimitRules())
}

// RulesFromConfig converts the YAML rule table. A missing default rule is
// filled in with 100 requests per minute.
func RulesFromConfig(rules map[string]config.RateLimitRule) Rules {
	out := make(Rules, len(rules)+1)
	for name, r := range rules {
		out[name] = Rule{Window: r.Window.Duration(), MaxRequests: r.MaxRequests}
	}
	if _, ok := out[DefaultEndpoint]; !ok {
		out[DefaultEndpoint] = Rule{Window: time.Minute, MaxRequests: 100}
	}
	return out
}

// Resolve returns the rule for endpoint, falling back to the default.
func (r Rules) Resolve(endpoint string) Rule {
	if rule, ok := r[endpoint]; ok {
		return rule
	}
	return r[DefaultEndpoint]
}

// EndpointFor derives the rate-limit endpoint from a request path: the
// first path segment, unless the first two segments joined with "/" have
// their own rule (so "/auth/login" resolves to "auth/login"). The root
// path resolves to DefaultEndpoint.
func EndpointFor(path string, rules Rules) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return DefaultEndpoint
	}

	segments := strings.SplitN(trimmed, "/", 3)
	if len(segments) >= 2 {
		two := segments[0] + "/" + segments[1]
		if _, ok := rules[two]; ok {
			return two
		}
	}
	return segments[0]
}

// Identifier returns the client identity used in rate-limit keys:
// "user:<id>" for authenticated callers, "ip:<addr>" otherwise.
func Identifier(userID, clientIP string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "ip:" + clientIP
}

// Key returns the store key for an identifier and endpoint.
func Key(identifier, endpoint string) string {
	return identifier + ":" + endpoint
}
