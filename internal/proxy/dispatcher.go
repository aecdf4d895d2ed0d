package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/medgw/internal/backend"
	"github.com/vyrodovalexey/medgw/internal/cache"
	"github.com/vyrodovalexey/medgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/medgw/internal/observability"
	"github.com/vyrodovalexey/medgw/internal/ratelimit"
)

const tracerName = "medgw/proxy"

// DefaultGatewayName is sent in X-Forwarded-By.
const DefaultGatewayName = "api-gateway"

// DefaultExemptPaths are the public paths that skip rate limiting and
// breaker gating.
var DefaultExemptPaths = []string{"/health", "/auth/login", "/auth/register", "/auth/refresh"}

// Outcome is the terminal state of one dispatch.
type Outcome int

// Dispatch outcomes.
const (
	// OutcomeCompleted means the backend answered a gated request.
	OutcomeCompleted Outcome = iota
	// OutcomeExempt means the backend answered a public path that skipped
	// gating.
	OutcomeExempt
	// OutcomeCacheHit means the response came from the cache.
	OutcomeCacheHit
	// OutcomeRejected means the rate limiter refused the request.
	OutcomeRejected
	// OutcomeCircuitOpen means the breaker refused the request.
	OutcomeCircuitOpen
	// OutcomeNoCapacity means no healthy instance was available.
	OutcomeNoCapacity
	// OutcomeFailed means the upstream call failed.
	OutcomeFailed
	// OutcomeTimedOut means the upstream call exceeded its deadline.
	OutcomeTimedOut
	// OutcomeCancelled means the client went away first.
	OutcomeCancelled
)

var outcomeNames = [...]string{
	OutcomeCompleted:   "completed",
	OutcomeExempt:      "exempt",
	OutcomeCacheHit:    "cache_hit",
	OutcomeRejected:    "rejected",
	OutcomeCircuitOpen: "circuit_open",
	OutcomeNoCapacity:  "no_capacity",
	OutcomeFailed:      "failed",
	OutcomeTimedOut:    "timed_out",
	OutcomeCancelled:   "cancelled",
}

// String returns the outcome name.
func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Dispatcher forwards routed requests to backend instances behind rate
// limiting, circuit breaking and load balancing. Exempt paths, the cache
// policy and the breaker store policy can be swapped at runtime.
type Dispatcher struct {
	registry        *backend.Registry
	breakers        circuitbreaker.Breakers
	limiter         *ratelimit.Limiter
	cache           cache.Cache
	transport       http.RoundTripper
	tracer          trace.Tracer
	logger          observability.Logger
	metrics         *observability.Metrics
	gatewayName     string
	identityHeaders []string

	exempt      atomic.Pointer[[]string]
	cachePolicy atomic.Pointer[cache.Policy]
	failClosed  atomic.Bool
	storeWarn   rate.Sometimes
}

// Option is a functional option for configuring the dispatcher.
type Option func(*Dispatcher)

// WithLimiter enables rate limiting.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(d *Dispatcher) {
		d.limiter = l
	}
}

// WithCache enables the response cache.
func WithCache(c cache.Cache, policy cache.Policy) Option {
	return func(d *Dispatcher) {
		d.cache = c
		d.cachePolicy.Store(&policy)
	}
}

// WithTransport sets the upstream transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(d *Dispatcher) {
		d.transport = transport
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer for upstream client spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithGatewayName sets the X-Forwarded-By value.
func WithGatewayName(name string) Option {
	return func(d *Dispatcher) {
		if name != "" {
			d.gatewayName = name
		}
	}
}

// WithIdentityHeaders names inbound identity headers that must not reach
// backends. The identity they carry is forwarded as X-User-Id and
// X-User-Roles instead.
func WithIdentityHeaders(headers ...string) Option {
	return func(d *Dispatcher) {
		d.identityHeaders = slices.DeleteFunc(slices.Clone(headers), func(h string) bool { return h == "" })
	}
}

// WithExemptPaths replaces the public path list.
func WithExemptPaths(paths []string) Option {
	return func(d *Dispatcher) {
		d.SetExemptPaths(paths)
	}
}

// WithFailClosed sets the breaker store failure policy.
func WithFailClosed(failClosed bool) Option {
	return func(d *Dispatcher) {
		d.failClosed.Store(failClosed)
	}
}

// NewDispatcher creates a dispatcher. Rate limiting and caching are off
// unless configured through options.
func NewDispatcher(registry *backend.Registry, breakers circuitbreaker.Breakers, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		breakers:    breakers,
		logger:      observability.NopLogger(),
		gatewayName: DefaultGatewayName,
		storeWarn:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	d.SetExemptPaths(DefaultExemptPaths)
	d.failClosed.Store(true)

	for _, opt := range opts {
		opt(d)
	}

	if d.transport == nil {
		d.transport = NewTransport()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	if d.cachePolicy.Load() == nil {
		d.cachePolicy.Store(&cache.Policy{})
	}
	return d
}

// SetExemptPaths swaps the public path list.
func (d *Dispatcher) SetExemptPaths(paths []string) {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSuffix(p, "/"); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	d.exempt.Store(&cleaned)
}

// ExemptPaths returns the current public path list.
func (d *Dispatcher) ExemptPaths() []string {
	return slices.Clone(*d.exempt.Load())
}

// SetCachePolicy swaps the response cache policy.
func (d *Dispatcher) SetCachePolicy(p cache.Policy) {
	d.cachePolicy.Store(&p)
}

// SetFailClosed swaps the breaker store failure policy.
func (d *Dispatcher) SetFailClosed(failClosed bool) {
	d.failClosed.Store(failClosed)
}

// IsExempt reports whether path is on the public path list, matching
// whole path segments.
func (d *Dispatcher) IsExempt(path string) bool {
	for _, p := range *d.exempt.Load() {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Dispatch runs one request through the pipeline and writes the
// response. rc is updated with the chosen instance, final status and any
// dispatch error.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, rc *RequestContext) Outcome {
	ctx := r.Context()
	gated := !d.IsExempt(rc.Path)

	if gated {
		if outcome, done := d.admit(ctx, w, rc); done {
			return d.finish(rc, outcome)
		}
	}

	var cacheKey string
	if d.cache != nil && d.cachePolicy.Load().Cacheable(rc.Method, rc.Path) {
		cacheKey = cache.Key(rc.Method, rc.Path, rc.Query)
		if d.serveFromCache(ctx, w, rc, cacheKey) {
			return d.finish(rc, OutcomeCacheHit)
		}
		w.Header().Set(HeaderCache, "MISS")
	}

	var adm *admission
	if gated {
		a, outcome, done := d.gate(ctx, w, rc)
		if done {
			return d.finish(rc, outcome)
		}
		adm = &a
	}

	inst, err := d.registry.GetHealthyInstance(rc.Backend)
	if err != nil {
		d.release(ctx, rc.Backend, adm)
		return d.finish(rc, d.noCapacity(w, rc, err))
	}

	return d.finish(rc, d.forward(w, r, rc, inst, adm, cacheKey))
}

// admission ties a gated request to the breaker generation that admitted
// it. An untracked admission (store down, failing open) records nothing.
type admission struct {
	generation uint64
	tracked    bool
}

// admit applies the rate limit.
func (d *Dispatcher) admit(ctx context.Context, w http.ResponseWriter, rc *RequestContext) (Outcome, bool) {
	if d.limiter == nil {
		return 0, false
	}

	endpoint := d.limiter.Endpoint(rc.Path)
	res, err := d.limiter.CheckLimit(ctx, ratelimit.Identifier(rc.UserID(), rc.ClientIP), endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return d.cancelled(rc, ctx.Err()), true
		}
		rc.Status = http.StatusServiceUnavailable
		rc.Err = newDispatchError(KindLimiterUnavailable, rc.Backend, "", err)
		d.storeWarn.Do(func() {
			d.logger.WithContext(ctx).Warn("rate limit store unavailable, rejecting requests",
				observability.String("service", rc.Backend),
				observability.Error(err),
			)
		})
		writeJSON(w, rc.Status, UnavailableBody{
			Error:   string(KindLimiterUnavailable),
			Message: "rate limiter unavailable",
			Service: rc.Backend,
		})
		return OutcomeRejected, true
	}

	res.SetHeaders(w.Header())
	if res.Allowed {
		return 0, false
	}

	rc.Status = http.StatusTooManyRequests
	rc.Err = newDispatchError(KindAdmissionDenied, rc.Backend, "", ErrRateLimited)
	if d.metrics != nil {
		d.metrics.RecordRateLimitRejection(endpoint)
	}
	writeJSON(w, rc.Status, RateLimitedBody{
		Error:      string(KindAdmissionDenied),
		Message:    "Too many requests, please try again later",
		RetryAfter: res.RetryAfterSeconds(),
	})
	return OutcomeRejected, true
}

// gate asks the circuit breaker for permission.
func (d *Dispatcher) gate(ctx context.Context, w http.ResponseWriter, rc *RequestContext) (admission, Outcome, bool) {
	ticket, err := d.breakers.Allow(ctx, rc.Backend)
	allowed := ticket.Allowed
	cause := ErrCircuitOpen
	if err != nil {
		if ctx.Err() != nil {
			return admission{}, d.cancelled(rc, ctx.Err()), true
		}
		failClosed := d.failClosed.Load()
		d.storeWarn.Do(func() {
			d.logger.WithContext(ctx).Warn("circuit breaker store unavailable",
				observability.String("service", rc.Backend),
				observability.Bool("fail_closed", failClosed),
				observability.Error(err),
			)
		})
		allowed = !failClosed
		cause = fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if allowed {
		return admission{generation: ticket.Generation, tracked: err == nil}, 0, false
	}

	rc.Status = http.StatusServiceUnavailable
	rc.Err = newDispatchError(KindCircuitOpen, rc.Backend, "", cause)
	d.logger.WithContext(ctx).Warn("circuit breaker open, rejecting request",
		observability.String("service", rc.Backend),
		observability.String("path", rc.Path),
	)
	if d.metrics != nil {
		d.metrics.RecordGatingRejection(rc.Backend, "circuit_open")
	}
	writeJSON(w, rc.Status, UnavailableBody{
		Error:   string(KindCircuitOpen),
		Message: "circuit breaker open",
		Service: rc.Backend,
	})
	return admission{}, OutcomeCircuitOpen, true
}

func (d *Dispatcher) noCapacity(w http.ResponseWriter, rc *RequestContext, err error) Outcome {
	rc.Status = http.StatusServiceUnavailable
	rc.Err = newDispatchError(KindNoCapacity, rc.Backend, "", errors.Join(ErrNoCapacity, err))
	d.logger.Warn("no healthy instances",
		observability.String("service", rc.Backend),
		observability.String("request_id", rc.RequestID),
	)
	if d.metrics != nil {
		d.metrics.RecordGatingRejection(rc.Backend, "no_capacity")
	}
	writeJSON(w, rc.Status, UnavailableBody{
		Error:   string(KindNoCapacity),
		Message: "no healthy instances",
		Service: rc.Backend,
	})
	return OutcomeNoCapacity
}

// serveFromCache writes a cached response and reports whether it did.
// Cache errors other than a miss are logged and treated as a miss.
func (d *Dispatcher) serveFromCache(ctx context.Context, w http.ResponseWriter, rc *RequestContext, key string) bool {
	resp, err := cache.Lookup(ctx, d.cache, key)
	if d.metrics != nil {
		d.metrics.RecordCacheLookup(err == nil)
	}
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			d.logger.WithContext(ctx).Debug("cache lookup failed",
				observability.String("key", key),
				observability.Error(err),
			)
		}
		return false
	}

	rc.Status = resp.StatusCode
	writeCached(w, resp)
	return true
}

// forward performs the upstream call and streams the answer back.
func (d *Dispatcher) forward(
	w http.ResponseWriter,
	r *http.Request,
	rc *RequestContext,
	inst *backend.InstanceStatus,
	adm *admission,
	cacheKey string,
) Outcome {
	ctx := r.Context()
	settings := d.breakers.Settings(rc.Backend)
	rc.InstanceID = inst.ID

	callCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	callCtx, span := d.tracer.Start(callCtx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(rc.Method),
			semconv.ServerAddress(inst.Host),
			semconv.ServerPort(inst.Port),
			attribute.String("gateway.service", rc.Backend),
			attribute.String("gateway.instance", inst.ID),
		),
	)
	defer span.End()

	out := d.outboundRequest(callCtx, r, rc, inst)
	resp, err := d.transport.RoundTrip(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d.upstreamFailure(ctx, callCtx, w, rc, adm, err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))

	body := io.Reader(resp.Body)
	var stored []byte
	policy := d.cachePolicy.Load()
	if cacheKey != "" && resp.StatusCode == http.StatusOK {
		buf, complete, err := readBounded(resp.Body, policy.MaxBodyBytes)
		if err != nil {
			span.RecordError(err)
			return d.upstreamFailure(ctx, callCtx, w, rc, adm, err)
		}
		body = bytes.NewReader(buf)
		if complete {
			stored = buf
		} else {
			body = io.MultiReader(body, resp.Body)
		}
	}

	rc.Status = resp.StatusCode
	if err := writeResponse(w, resp, body); err != nil {
		return d.interrupted(ctx, callCtx, rc, adm, err)
	}

	if adm != nil {
		if settings.CountServerErrors && resp.StatusCode >= http.StatusInternalServerError {
			d.recordFailure(ctx, rc.Backend, adm)
			span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		} else {
			d.recordSuccess(ctx, rc.Backend, adm)
		}
	}

	if stored != nil && policy.Storable(resp.StatusCode, int64(len(stored))) {
		d.store(ctx, cacheKey, resp, stored, policy.TTL)
	}

	if adm != nil {
		return OutcomeCompleted
	}
	return OutcomeExempt
}

// upstreamFailure handles an upstream call that produced no response.
func (d *Dispatcher) upstreamFailure(
	ctx, callCtx context.Context,
	w http.ResponseWriter,
	rc *RequestContext,
	adm *admission,
	err error,
) Outcome {
	if ctx.Err() != nil {
		d.release(ctx, rc.Backend, adm)
		return d.cancelled(rc, ctx.Err())
	}

	outcome, kind, message := OutcomeFailed, "transport", "upstream request failed"
	cause := fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		outcome, kind, message = OutcomeTimedOut, "timeout", "upstream request timed out"
		cause = fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}

	d.recordFailure(ctx, rc.Backend, adm)

	rc.Status = http.StatusBadGateway
	rc.Err = newDispatchError(KindUpstreamTransport, rc.Backend, rc.InstanceID, cause)
	d.logger.WithContext(ctx).Error("upstream request failed",
		observability.String("service", rc.Backend),
		observability.String("instance", rc.InstanceID),
		observability.String("path", rc.Path),
		observability.Error(err),
	)
	if d.metrics != nil {
		d.metrics.RecordUpstreamError(rc.Backend, kind)
	}
	writeJSON(w, rc.Status, BadGatewayBody{
		Error:     string(KindUpstreamTransport),
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	return outcome
}

// interrupted handles a failure while streaming the response body. The
// status line is already on the wire.
func (d *Dispatcher) interrupted(ctx, callCtx context.Context, rc *RequestContext, adm *admission, err error) Outcome {
	if ctx.Err() != nil {
		d.release(ctx, rc.Backend, adm)
		return d.cancelled(rc, ctx.Err())
	}

	outcome, kind := OutcomeFailed, "transport"
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		outcome, kind = OutcomeTimedOut, "timeout"
	}
	d.recordFailure(ctx, rc.Backend, adm)

	rc.Err = newDispatchError(KindUpstreamTransport, rc.Backend, rc.InstanceID, err)
	d.logger.WithContext(ctx).Error("upstream response interrupted",
		observability.String("service", rc.Backend),
		observability.String("instance", rc.InstanceID),
		observability.Error(err),
	)
	if d.metrics != nil {
		d.metrics.RecordUpstreamError(rc.Backend, kind)
	}
	return outcome
}

func (d *Dispatcher) cancelled(rc *RequestContext, err error) Outcome {
	rc.Status = StatusClientClosedRequest
	rc.Err = err
	d.logger.Debug("client cancelled request",
		observability.String("service", rc.Backend),
		observability.String("request_id", rc.RequestID),
	)
	return OutcomeCancelled
}

func (d *Dispatcher) store(ctx context.Context, key string, resp *http.Response, body []byte, ttl time.Duration) {
	header := resp.Header.Clone()
	header.Del("Set-Cookie")

	entry := &cache.Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}
	if err := cache.Store(context.WithoutCancel(ctx), d.cache, key, entry, ttl); err != nil {
		d.logger.WithContext(ctx).Debug("cache store failed",
			observability.String("key", key),
			observability.Error(err),
		)
	}
}

// Breaker bookkeeping outlives the client request. Exempt requests (nil
// admission) and untracked admissions are skipped.

func (d *Dispatcher) recordSuccess(ctx context.Context, name string, adm *admission) {
	d.bookkeeping(ctx, name, adm, "record success", d.breakers.RecordSuccess)
}

func (d *Dispatcher) recordFailure(ctx context.Context, name string, adm *admission) {
	d.bookkeeping(ctx, name, adm, "record failure", d.breakers.RecordFailure)
}

func (d *Dispatcher) release(ctx context.Context, name string, adm *admission) {
	d.bookkeeping(ctx, name, adm, "release", d.breakers.Release)
}

func (d *Dispatcher) bookkeeping(
	ctx context.Context,
	name string,
	adm *admission,
	op string,
	fn func(context.Context, string, uint64) error,
) {
	if adm == nil || !adm.tracked {
		return
	}
	if err := fn(context.WithoutCancel(ctx), name, adm.generation); err != nil {
		d.storeWarn.Do(func() {
			d.logger.Warn("circuit breaker store unavailable",
				observability.String("service", name),
				observability.String("operation", op),
				observability.Error(err),
			)
		})
	}
}

// finish emits the request metric.
func (d *Dispatcher) finish(rc *RequestContext, outcome Outcome) Outcome {
	latency := time.Since(rc.StartTime)
	if d.metrics != nil {
		d.metrics.RecordRequest(rc.Method, rc.Backend, rc.Status, latency)
	}
	d.logger.Debug("request dispatched",
		observability.String("method", rc.Method),
		observability.String("path", rc.Path),
		observability.Int("status", rc.Status),
		observability.String("service", rc.Backend),
		observability.Int64("latency_ms", latency.Milliseconds()),
		observability.String("outcome", outcome.String()),
	)
	return outcome
}

// readBounded reads up to limit bytes. complete is false when the body
// is longer; the bytes read so far are returned either way. A limit of
// zero or less reads everything.
func readBounded(r io.Reader, limit int64) (buf []byte, complete bool, err error) {
	if limit <= 0 {
		buf, err = io.ReadAll(r)
		return buf, err == nil, err
	}
	buf, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > limit {
		return buf, false, nil
	}
	return buf, true, nil
}
