// Package httpmw provides HTTP middleware for the public-facing edge server.
//
// Middleware is composed in a fixed order in httpserver.NewHandler: security
// headers, request ID, client IP extraction, rate limiting, OTEL tracing,
// metrics, structured logging, then the request hooks chosen by the pipeline
// package, then the chi router.
//
// The hooks are built from three shapes: PreRequest mutates the request
// before the handler runs, PostResponse runs once just before the status line
// is committed (so it can still change headers or replace the body), and
// RecoverAndReport hands unhandled panics to an ExceptionReporter.
//
// User-supplied data (query params, user-agent, headers) is intentionally
// excluded from logs to prevent PII leaks and log injection. The username and
// resolved language are the only request-derived values noted on access logs.
package httpmw
