package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type slogLogger struct {
	h                 slog.Handler
	attrs             []slog.Attr
	includeErrorLinks bool
	maxErrorLinks     int
}

// implemented by xerrors wrappers
type hasPC interface{ PC() uintptr }
type hasStack interface{ StackPCs() []uintptr }

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = 8
	}
	keys := opts.RedactKeys
	if keys == nil {
		keys = DefaultRedactKeys
	}

	ho := &slog.HandlerOptions{
		Level:       opts.Level,
		AddSource:   true,
		ReplaceAttr: redactor(keys),
	}
	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	h = enrichHandler{next: h, stackLevel: opts.StacktraceLevel}

	base := []slog.Attr{slog.String("app", opts.App)}
	if opts.Component != "" {
		base = append(base, slog.String("component", opts.Component))
	}
	if opts.Version != "" {
		base = append(base, slog.String("version", opts.Version))
	}
	return &slogLogger{
		h:                 h,
		attrs:             base,
		includeErrorLinks: opts.IncludeErrorLinks,
		maxErrorLinks:     opts.MaxErrorLinks,
	}, nil
}

func redactor(keys []string) func([]string, slog.Attr) slog.Attr {
	deny := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		deny[strings.ToLower(k)] = struct{}{}
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		if _, ok := deny[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
			return slog.String(a.Key, Redacted)
		}
		return a
	}
}

func kvAttrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

func (s *slogLogger) With(kv ...any) Logger {
	add := kvAttrs(kv)
	// copy so siblings never share a backing array
	next := make([]slog.Attr, 0, len(s.attrs)+len(add))
	next = append(next, s.attrs...)
	next = append(next, add...)
	cp := *s
	cp.attrs = next
	return &cp
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelDebug, msg, kv)
}
func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelInfo, msg, kv)
}
func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelWarn, msg, kv)
}
func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		surface, root := classifyTypes(err)
		kv = append(kv, "err", err, "error_type", surface, "cause_type", root)
		if chain := errorChain(err); len(chain) > 0 {
			kv = append(kv, "error_chain", chain)
		}
		if s.includeErrorLinks {
			kv = append(kv, "error_links", chainLinks(err, s.maxErrorLinks))
		}
	}
	s.log(ctx, slog.LevelError, msg, kv)
}
func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// skip runtime.Callers, log, and the exported level method
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(kvAttrs(kv)...)
	_ = s.h.Handle(ctx, r)
}

// enrichHandler stamps trace correlation ids on every record and a stack on
// records at or above stackLevel. The stack of an xerrors-created "err"
// attribute wins over the logging call site.
type enrichHandler struct {
	next       slog.Handler
	stackLevel slog.Level
}

func (h enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(slog.String("trace_id", sc.TraceID().String()), slog.String("span_id", sc.SpanID().String()))
	}
	if r.Level >= h.stackLevel {
		pcs := recordErrStack(r)
		if pcs == nil {
			buf := make([]uintptr, 64)
			pcs = buf[:runtime.Callers(2, buf)]
		}
		r.AddAttrs(slog.String("stack", formatFrames(pcs)))
	}
	return h.next.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{next: h.next.WithAttrs(attrs), stackLevel: h.stackLevel}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{next: h.next.WithGroup(name), stackLevel: h.stackLevel}
}

func recordErrStack(r slog.Record) (pcs []uintptr) {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "err" {
			var hs hasStack
			if err, ok := a.Value.Any().(error); ok && errors.As(err, &hs) {
				pcs = hs.StackPCs()
			}
			return false
		}
		return true
	})
	return pcs
}

// ownFrame reports frames belonging to slog, this package or xerrors.
func ownFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.") ||
		strings.Contains(fn, "/internal/xerrors.")
}

// formatFrames renders "func\n\tfile:line" per frame, starting at the first
// frame outside logging and stopping at the runtime.
func formatFrames(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	skipping := true
	for fr, more := frames.Next(); ; fr, more = frames.Next() {
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		skipping = skipping && ownFrame(fr.Function)
		if !skipping && fr.Function != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s\n\t%s:%d", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// errorChain lists distinct messages from the outermost error inward. Joined
// errors contribute each branch after the linear chain.
func errorChain(err error) []string {
	var out []string
	push := func(msg string) {
		if n := len(out); n == 0 || out[n-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		push(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			push(e.Error())
		}
	}
	return out
}

type errLink struct {
	Msg  string `json:"msg"`
	Func string `json:"func,omitempty"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// chainLinks locates up to limit wraps in the chain. The outermost error is
// always present; inner ones only when a position is known.
func chainLinks(err error, limit int) []errLink {
	var links []errLink
	depth := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		if limit > 0 && depth >= limit {
			break
		}
		l := errLink{Msg: e.Error()}
		if fr, ok := origin(e); ok {
			l.Func, l.File, l.Line = fr.Function, fr.File, fr.Line
		} else if depth > 0 {
			depth++
			continue
		}
		links = append(links, l)
		depth++
	}
	return links
}

// origin is where e was made: the recorded pc of a wrap, or the first frame
// of a captured stack that is not logging or error plumbing.
func origin(e error) (runtime.Frame, bool) {
	switch v := e.(type) {
	case hasPC:
		if v.PC() == 0 {
			return runtime.Frame{}, false
		}
		fr, _ := runtime.CallersFrames([]uintptr{v.PC()}).Next()
		return fr, true
	case hasStack:
		frames := runtime.CallersFrames(v.StackPCs())
		for fr, more := frames.Next(); ; fr, more = frames.Next() {
			if fr.Function != "" && !ownFrame(fr.Function) && !strings.HasPrefix(fr.Function, "runtime.") {
				return fr, true
			}
			if !more {
				return runtime.Frame{}, false
			}
		}
	}
	return runtime.Frame{}, false
}

// classifyTypes names the first error in the chain that is not a plain wrapper
// (xerrors or fmt %w) and the innermost error.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var inner error
	for e := err; e != nil; e = errors.Unwrap(e) {
		inner = e
		if surface == "" && !plainWrapper(e) {
			surface = fmt.Sprintf("%T", e)
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", inner)
}

func plainWrapper(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.HasSuffix(t.PkgPath(), "/internal/xerrors") ||
		(t.PkgPath() == "fmt" && t.Name() == "wrapError")
}
