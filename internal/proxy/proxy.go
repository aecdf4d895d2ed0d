package proxy

import (
	"context"
	"io"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/medgw/internal/backend"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

// Tracking headers set on every forwarded request.
const (
	HeaderForwardedBy = "X-Forwarded-By"
	HeaderRequestID   = "X-Request-Id"
	HeaderServiceName = "X-Service-Name"
	HeaderUserID      = "X-User-Id"
	HeaderUserRoles   = "X-User-Roles"
	HeaderTraceID     = "X-Trace-Id"
	HeaderSpanID      = "X-Span-Id"
	HeaderCache       = "X-Cache"
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// trackingHeaders may only be set by the gateway; client-supplied values
// are dropped before forwarding.
var trackingHeaders = []string{
	HeaderForwardedBy,
	HeaderServiceName,
	HeaderUserID,
	HeaderUserRoles,
	HeaderTraceID,
	HeaderSpanID,
}

// removeHopHeaders removes hop-by-hop headers, including any listed in
// the Connection header.
func removeHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for sf := range strings.SplitSeq(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// outboundRequest builds the request sent to the chosen instance.
func (d *Dispatcher) outboundRequest(ctx context.Context, r *http.Request, rc *RequestContext, inst *backend.InstanceStatus) *http.Request {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = "http"
	out.URL.Host = inst.Address()
	out.URL.Path = rc.UpstreamPath()
	out.URL.RawPath = ""
	out.URL.RawQuery = r.URL.RawQuery
	out.Host = inst.Address()
	out.Close = false
	if r.ContentLength == 0 {
		out.Body = nil
	}

	removeHopHeaders(out.Header)
	for _, name := range trackingHeaders {
		out.Header.Del(name)
	}
	for _, name := range d.identityHeaders {
		out.Header.Del(name)
	}

	rc.SpanID = uuid.NewString()

	out.Header.Set(HeaderForwardedBy, d.gatewayName)
	out.Header.Set(HeaderServiceName, rc.Backend)
	if rc.RequestID != "" {
		out.Header.Set(HeaderRequestID, rc.RequestID)
	}
	if rc.TraceID != "" {
		out.Header.Set(HeaderTraceID, rc.TraceID)
	}
	out.Header.Set(HeaderSpanID, rc.SpanID)
	if rc.Identity != nil {
		out.Header.Set(HeaderUserID, rc.Identity.UserID)
		if len(rc.Identity.Roles) > 0 {
			out.Header.Set(HeaderUserRoles, strings.Join(rc.Identity.Roles, ","))
		}
	}

	// Set X-Forwarded headers
	forwardedFor := rc.ClientIP
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		forwardedFor = prior + ", " + forwardedFor
	}
	out.Header.Set("X-Forwarded-For", forwardedFor)

	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	observability.InjectTraceContext(ctx, out.Header)
	return out
}

// writeResponse copies an upstream response to the client. body replaces
// resp.Body when the response was buffered for caching.
func writeResponse(w http.ResponseWriter, resp *http.Response, body io.Reader) error {
	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	_, err := io.Copy(w, body)
	return err
}
