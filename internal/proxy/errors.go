package proxy

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a dispatch failure.
type ErrorKind string

// Dispatch failure kinds.
const (
	// KindAdmissionDenied is a rate-limit rejection.
	KindAdmissionDenied ErrorKind = "AdmissionDenied"
	// KindCircuitOpen is a breaker rejection, including an unreachable
	// breaker store under the fail-closed policy.
	KindCircuitOpen ErrorKind = "CircuitOpen"
	// KindNoCapacity means the backend has no healthy instance.
	KindNoCapacity ErrorKind = "NoCapacity"
	// KindUpstreamTransport is a failed or timed-out upstream call.
	KindUpstreamTransport ErrorKind = "UpstreamTransportError"
	// KindLimiterUnavailable means the rate-limit store failed under the
	// fail-closed policy.
	KindLimiterUnavailable ErrorKind = "LimiterUnavailable"
)

// Sentinel errors for dispatch operations.
var (
	// ErrRateLimited indicates the caller exceeded its quota.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCircuitOpen indicates the backend's circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNoCapacity indicates that no healthy instance is available.
	ErrNoCapacity = errors.New("no healthy instances")

	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates that the upstream call failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// DispatchError describes why a request was not answered by a backend.
type DispatchError struct {
	Kind     ErrorKind
	Service  string
	Instance string
	Cause    error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	switch {
	case e.Instance != "" && e.Cause != nil:
		return fmt.Sprintf("dispatch %s [%s] instance=%s: %v", e.Kind, e.Service, e.Instance, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("dispatch %s [%s]: %v", e.Kind, e.Service, e.Cause)
	default:
		return fmt.Sprintf("dispatch %s [%s]", e.Kind, e.Service)
	}
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// Is matches another DispatchError of the same kind, or a kind-less
// DispatchError target.
func (e *DispatchError) Is(target error) bool {
	t, ok := target.(*DispatchError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

func newDispatchError(kind ErrorKind, service, instance string, cause error) *DispatchError {
	return &DispatchError{
		Kind:     kind,
		Service:  service,
		Instance: instance,
		Cause:    cause,
	}
}

// KindOf returns the kind of a DispatchError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
