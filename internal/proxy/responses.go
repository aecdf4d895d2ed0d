package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vyrodovalexey/medgw/internal/cache"
)

// StatusClientClosedRequest is recorded when the client went away before
// the upstream answered.
const StatusClientClosedRequest = 499

// RateLimitedBody is the 429 response body.
type RateLimitedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// UnavailableBody is the 503 response body. Error carries the kind so
// that clients can tell an open circuit from missing capacity.
type UnavailableBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Service string `json:"service"`
}

// BadGatewayBody is the 502 response body.
type BadGatewayBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeCached(w http.ResponseWriter, resp *cache.Response) {
	copyHeader(w.Header(), resp.Header)
	w.Header().Set(HeaderCache, "HIT")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
