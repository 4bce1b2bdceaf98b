// Package httpmw provides HTTP middleware for the export API.
//
// httpserver.NewHandler composes it outermost first: security headers,
// recover, request ID, client IP, rate limiting, OTEL tracing, trace
// headers, metrics, request logger, then the chi router with access log,
// body limit and bearer auth on the API group.
//
// Query strings, user agents and request bodies are kept out of logs;
// requests carry research content that may include PHI.
package httpmw
