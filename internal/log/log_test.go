package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

func newBuffered(t *testing.T, opts Options) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.Writer = &buf
	opts.JsonFormat = true
	l, err := New(opts)
	require.NoError(t, err)
	return l, &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m), ln)
		out = append(out, m)
	}
	return out
}

func last(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	ls := lines(t, buf)
	require.NotEmpty(t, ls)
	return ls[len(ls)-1]
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		" INFO ": slog.LevelInfo,
		"Warn":   slog.LevelWarn,
		"error":  slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("trace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debug|info|warn|error")
}

func TestBaseAttributes(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "govexport", Component: "server", Version: "1.2.3"})
	l.Info(context.Background(), "hello", "request_id", "r-1")

	m := last(t, buf)
	assert.Equal(t, "hello", m["msg"])
	assert.Equal(t, "govexport", m["app"])
	assert.Equal(t, "server", m["component"])
	assert.Equal(t, "1.2.3", m["version"])
	assert.Equal(t, "r-1", m["request_id"])
	assert.NotNil(t, m["source"])
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "a", Level: slog.LevelWarn})
	ctx := context.Background()
	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	l.Warn(ctx, "w")
	ls := lines(t, buf)
	require.Len(t, ls, 1)
	assert.Equal(t, "w", ls[0]["msg"])
}

func TestWithDoesNotLeakBetweenSiblings(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "a"})
	parent := l.With("request_id", "r-1")
	a := parent.With("route", "/bundle/request")
	b := parent.With("route", "/bundle/status/{id}")

	a.Info(context.Background(), "a")
	b.Info(context.Background(), "b")

	ls := lines(t, buf)
	require.Len(t, ls, 2)
	assert.Equal(t, "/bundle/request", ls[0]["route"])
	assert.Equal(t, "/bundle/status/{id}", ls[1]["route"])
	assert.Equal(t, "r-1", ls[1]["request_id"])
}

func TestOddAndNonStringKeysIgnored(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "a"})
	l.Info(context.Background(), "m", 42, "x", "dangling")
	m := last(t, buf)
	assert.NotContains(t, m, "dangling")
	assert.NotContains(t, m, "42")
}

func TestRedactsSensitiveKeys(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "a"})
	l.With("Authorization", "Bearer abc").Info(context.Background(), "override",
		"justification", "patient John Smith MRN 1234567",
		"prompt", "summarize chart",
		"request_id", "r-9",
	)
	raw := buf.String()
	assert.NotContains(t, raw, "John Smith")
	assert.NotContains(t, raw, "Bearer abc")
	assert.NotContains(t, raw, "summarize chart")

	m := last(t, buf)
	assert.Equal(t, Redacted, m["justification"])
	assert.Equal(t, Redacted, m["Authorization"])
	assert.Equal(t, "r-9", m["request_id"])
}

func TestRedactKeysOverride(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "a", RedactKeys: []string{"custom"}})
	l.Info(context.Background(), "m", "custom", "hide", "prompt", "show")
	m := last(t, buf)
	assert.Equal(t, Redacted, m["custom"])
	assert.Equal(t, "show", m["prompt"])
}

func TestErrorFields(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "a", IncludeErrorLinks: true})

	root := errors.New("connection refused")
	err := xerrors.Wrap(xerrors.Wrap(root, "ping database"), "readiness")
	l.Error(context.Background(), err, "probe failed")

	m := last(t, buf)
	assert.Equal(t, "readiness: ping database: connection refused", m["err"])
	assert.Equal(t, "*errors.errorString", m["error_type"])
	assert.Equal(t, "*errors.errorString", m["cause_type"])

	chain, ok := m["error_chain"].([]any)
	require.True(t, ok)
	assert.Len(t, chain, 3)

	links, ok := m["error_links"].([]any)
	require.True(t, ok)
	require.Len(t, links, 2)
	first := links[0].(map[string]any)
	assert.Contains(t, first["func"], "TestErrorFields")
	assert.NotEmpty(t, m["stack"])
}

func TestErrorLinksBounded(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "a", IncludeErrorLinks: true, MaxErrorLinks: 2})
	err := errors.New("root")
	for i := 0; i < 5; i++ {
		err = xerrors.Wrapf(err, "layer %d", i)
	}
	l.Error(context.Background(), err, "deep")
	links := last(t, buf)["error_links"].([]any)
	assert.Len(t, links, 2)
}

func TestErrorLinksDisabled(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "a"})
	l.Error(context.Background(), errors.New("x"), "m")
	assert.NotContains(t, last(t, buf), "error_links")
}

func TestErrorJoinChain(t *testing.T) {
	err := errors.Join(errors.New("a"), errors.New("b"))
	chain := errorChain(err)
	assert.Equal(t, []string{"a\nb", "a", "b"}, chain)
}

func TestClassifyTypesSkipsWrappers(t *testing.T) {
	type custom struct{ error }
	err := fmt.Errorf("outer: %w", xerrors.Wrap(custom{errors.New("inner")}, "mid"))
	surface, root := classifyTypes(err)
	assert.Contains(t, surface, "custom")
	// custom does not unwrap, so it is also the innermost error
	assert.Equal(t, surface, root)
}

func TestTraceCorrelation(t *testing.T) {
	l, buf := newBuffered(t, Options{App: "a"})
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	}))
	l.Info(ctx, "traced")
	m := last(t, buf)
	assert.Equal(t, tid.String(), m["trace_id"])
	assert.Equal(t, sid.String(), m["span_id"])
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{App: "a", Writer: &buf})
	require.NoError(t, err)
	l.Info(context.Background(), "plain", "token", "xyz")
	out := buf.String()
	assert.Contains(t, out, "msg=plain")
	assert.Contains(t, out, "token="+Redacted)
	assert.NotContains(t, out, "xyz")
}

func TestContextRoundTrip(t *testing.T) {
	assert.Equal(t, Nop(), FromContext(context.Background()))

	l, buf := newBuffered(t, Options{App: "a"})
	ctx := WithContext(context.Background(), l.With("request_id", "r-2"))
	FromContext(ctx).Info(ctx, "from ctx")
	assert.Equal(t, "r-2", last(t, buf)["request_id"])

	var nilLogger Logger
	assert.Equal(t, Nop(), FromContext(WithContext(context.Background(), nilLogger)))
}

func TestNop(t *testing.T) {
	n := Nop()
	ctx := context.Background()
	n.Debug(ctx, "x")
	n.Info(ctx, "x")
	n.Warn(ctx, "x")
	n.Error(ctx, errors.New("x"), "x")
	assert.Equal(t, n, n.With("k", "v"))
	assert.NoError(t, n.Sync())
}
