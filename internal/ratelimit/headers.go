package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// SetHeaders writes the X-RateLimit-* headers, plus Retry-After for a
// rejected request.
func (r *Result) SetHeaders(h http.Header) {
	h.Set(HeaderLimit, strconv.Itoa(r.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(r.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(r.ResetAt.Unix(), 10))
	if !r.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(r.RetryAfterSeconds()))
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (r *Result) RetryAfterSeconds() int {
	secs := int(math.Ceil(float64(r.RetryAfter) / float64(time.Second)))
	return max(secs, 1)
}
