// Package proxy implements the gateway's request dispatcher.
//
// A Dispatcher runs every routed request through a fixed pipeline:
//
//  1. public paths skip all gating
//  2. rate limiting (429 on rejection)
//  3. response cache lookup for cacheable GETs
//  4. circuit breaker gate (503 "circuit breaker open")
//  5. instance selection (503 "no healthy instances")
//  6. forwarding over an http.RoundTripper with the breaker timeout
//     as a hard deadline
//  7. outcome recording into the breaker, cache and metrics
//
// Each step returns a value the pipeline inspects; there are no
// lifecycle callbacks. A failed upstream call answers 502 and counts as
// a breaker failure. A client that goes away cancels the upstream call
// and is not counted against the backend. Requests are never retried.
//
// # Usage
//
//	d := proxy.NewDispatcher(registry, breakers,
//	    proxy.WithLimiter(limiter),
//	    proxy.WithCache(responseCache, cache.NewPolicy(cfg.Spec.Cache)),
//	    proxy.WithLogger(logger),
//	)
//
//	rc := proxy.NewRequestContext(r, "payment-service", "/payments")
//	outcome := d.Dispatch(w, r, rc)
package proxy
