package proxy

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/medgw/internal/observability"
)

// Identity is a verified caller identity delivered by the upstream
// authenticator.
type Identity struct {
	UserID string
	Roles  []string
}

type identityKey struct{}

// ContextWithIdentity attaches an identity to ctx. A nil identity means
// an anonymous caller.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller identity, or nil when anonymous.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// IdentityFromHeaders reads an identity from the configured headers. The
// roles header is a comma separated list. It returns nil when no user id
// is present.
func IdentityFromHeaders(h http.Header, userIDHeader, rolesHeader string) *Identity {
	userID := strings.TrimSpace(h.Get(userIDHeader))
	if userID == "" {
		return nil
	}

	var roles []string
	for role := range strings.SplitSeq(h.Get(rolesHeader), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return &Identity{UserID: userID, Roles: roles}
}

// RequestContext carries the per-request state of one dispatch. The
// dispatcher fills SpanID, InstanceID, Status and Err.
type RequestContext struct {
	Method    string
	Path      string
	Query     string
	Identity  *Identity
	ClientIP  string
	RequestID string
	TraceID   string
	SpanID    string
	StartTime time.Time

	Backend    string
	Prefix     string
	InstanceID string

	Status int
	Err    error
}

// NewRequestContext builds the context for a request routed to backend
// under prefix. Request id, trace id and identity are taken from the
// request context when present.
func NewRequestContext(r *http.Request, backend, prefix string) *RequestContext {
	ctx := r.Context()

	return &RequestContext{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Identity:  IdentityFromContext(ctx),
		ClientIP:  clientIP(r),
		RequestID: observability.RequestIDFromContext(ctx),
		TraceID:   observability.TraceIDFromContext(ctx),
		StartTime: time.Now(),
		Backend:   backend,
		Prefix:    prefix,
	}
}

// UserID returns the authenticated user id, or "" for anonymous callers.
func (rc *RequestContext) UserID() string {
	if rc.Identity == nil {
		return ""
	}
	return rc.Identity.UserID
}

// UpstreamPath returns the request path with the route prefix removed.
func (rc *RequestContext) UpstreamPath() string {
	p := strings.TrimPrefix(rc.Path, strings.TrimSuffix(rc.Prefix, "/"))
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	return p
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
