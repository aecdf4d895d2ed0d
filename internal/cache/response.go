package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Response is a cached upstream response.
type Response struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"storedAt"`
}

// Encode serialises the response for storage.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse parses a stored response.
func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &r, nil
}

// Lookup fetches and decodes a response. Any failure is reported as an
// error; ErrCacheMiss means the key is absent.
func Lookup(ctx context.Context, c Cache, key string) (*Response, error) {
	data, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	resp, err := DecodeResponse(data)
	if err != nil {
		_ = c.Delete(ctx, key)
		return nil, errors.Join(ErrCacheMiss, err)
	}
	return resp, nil
}

// Store encodes and writes a response with the given TTL.
func Store(ctx context.Context, c Cache, key string, resp *Response, ttl time.Duration) error {
	data, err := resp.Encode()
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.Set(ctx, key, data, ttl)
}
