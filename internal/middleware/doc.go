// Package middleware provides the gin middleware chain that runs in front
// of the request dispatcher.
//
// # Middleware Components
//
//   - Recovery: panic recovery with stack trace logging
//   - RequestID: request identifier injection and echo
//   - Tracing: server span with W3C trace context extraction
//   - Logging: structured access logging
//   - Identity: verified caller identity from upstream headers
//   - BodyLimit: request body size limiting
//
// # Usage
//
//	engine.Use(
//	    middleware.Recovery(logger),
//	    middleware.RequestID(),
//	    middleware.Tracing(tracer),
//	    middleware.Logging(logger),
//	    middleware.Identity("X-User-Id", "X-User-Roles"),
//	    middleware.BodyLimit(maxBytes),
//	)
package middleware
