package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/govexport/internal/log"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// These live outside package log so test frames are not mistaken for
// logging frames when stacks are trimmed.

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m))
		out = append(out, m)
	}
	return out
}

func TestStacktraceLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := log.New(log.Options{App: "a", JsonFormat: true, Writer: &buf, StacktraceLevel: slog.LevelWarn})
	require.NoError(t, err)

	l.Info(context.Background(), "quiet")
	l.Warn(context.Background(), "loud")

	ls := decodeLines(t, &buf)
	require.Len(t, ls, 2)
	assert.NotContains(t, ls[0], "stack")
	stack, _ := ls[1]["stack"].(string)
	assert.Contains(t, stack, "TestStacktraceLevel")
	assert.NotContains(t, stack, "slogLogger")
}

func buildFailed() error { return xerrors.New("archive build failed") }

func TestStackFromCapturedError(t *testing.T) {
	var buf bytes.Buffer
	l, err := log.New(log.Options{App: "a", JsonFormat: true, Writer: &buf})
	require.NoError(t, err)

	l.Error(context.Background(), xerrors.Wrap(buildFailed(), "download"), "m")

	ls := decodeLines(t, &buf)
	stack, _ := ls[0]["stack"].(string)
	require.NotEmpty(t, stack)
	assert.True(t, strings.HasPrefix(stack, "github.com/keithlinneman/govexport/internal/log_test.buildFailed"), stack)
}
