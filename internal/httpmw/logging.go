package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/govexport/internal/log"
)

// recorder captures the status and body size of a response. Streaming
// archive downloads spend most of their time here, so the first write opens a
// "response.write" child span that records how long the handler was blocked
// on the client.
type recorder struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status  int
	bytes   int64
	blocked time.Duration
	err     error

	span    trace.Span
	started bool
}

func (rec *recorder) begin() {
	if rec.started {
		return
	}
	rec.started = true
	if !trace.SpanFromContext(rec.ctx).IsRecording() {
		return
	}
	_, rec.span = otel.Tracer("govexport/httpmw").Start(rec.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(rec.start).Seconds())))
}

func (rec *recorder) end() {
	if rec.span == nil {
		return
	}
	rec.span.SetAttributes(
		attribute.Int("http.response.status_code", rec.code()),
		attribute.Int64("http.response.body.size", rec.bytes),
		attribute.Float64("http.server.write.block_seconds", rec.blocked.Seconds()),
	)
	if rec.err != nil {
		rec.span.RecordError(rec.err)
		rec.span.SetStatus(codes.Error, "response write failed")
	}
	rec.span.End()
}

func (rec *recorder) code() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

func (rec *recorder) WriteHeader(code int) {
	rec.begin()
	if rec.status == 0 {
		rec.status = code
	}
	t := time.Now()
	rec.ResponseWriter.WriteHeader(code)
	rec.blocked += time.Since(t)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.begin()
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	t := time.Now()
	n, err := rec.ResponseWriter.Write(b)
	rec.blocked += time.Since(t)
	rec.bytes += int64(n)
	if err != nil && rec.err == nil {
		rec.err = err
	}
	return n, err
}

func (rec *recorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *recorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// WithLogger stores a request-scoped logger in the context. Query strings
// are never logged.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			clientAddr := ClientIPFromContext(ctx)
			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}
			if clientAddr == "" {
				clientAddr = peerAddr
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerAddr),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", clientAddr,
				"network.peer.address", peerAddr,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog writes one line per request after the handler returns. Probe
// routes are skipped. Server errors log at warn.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &recorder{ResponseWriter: w, ctx: r.Context(), start: time.Now()}
			next.ServeHTTP(rec, r)
			rec.end()

			if quietPaths[r.URL.Path] {
				return
			}
			ctx := r.Context()
			L := log.FromContext(ctx)
			kv := []any{
				"http.response.status_code", rec.code(),
				"http.server.request.duration", time.Since(rec.start).Seconds(),
				"http.response.body.size", rec.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", RoutePattern(r),
			}
			if rec.code() >= http.StatusInternalServerError {
				L.Warn(ctx, "http request", kv...)
				return
			}
			L.Info(ctx, "http request", kv...)
		})
	}
}

var quietPaths = map[string]bool{"/-/ready": true, "/-/healthy": true}

func schemeFromRequest(r *http.Request) string {
	// ClientIP strips X-Forwarded-Proto from untrusted peers before this runs.
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		switch p := strings.ToLower(strings.TrimSpace(first)); p {
		case "http", "https":
			return p
		}
	}
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// logging: enrich + store back into context
			L := log.FromContext(ctx).With("handler", handler)
			ctx = log.WithContext(ctx, L)

			// tracing: enrich span
			if span := trace.SpanFromContext(ctx); span != nil && span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
