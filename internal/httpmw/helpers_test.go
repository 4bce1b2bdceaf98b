package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/govexport/internal/log"
)

type logRecord struct {
	level string
	msg   string
	err   error
	kv    map[string]any
}

// captureLogger records every call. With returns a child sharing the sink.
type captureLogger struct {
	mu    *sync.Mutex
	sink  *[]logRecord
	attrs []any
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{mu: &sync.Mutex{}, sink: &[]logRecord{}}
}

func (c *captureLogger) With(kv ...any) log.Logger {
	attrs := append(append([]any{}, c.attrs...), kv...)
	return &captureLogger{mu: c.mu, sink: c.sink, attrs: attrs}
}

func (c *captureLogger) add(level, msg string, err error, kv []any) {
	m := map[string]any{}
	all := append(append([]any{}, c.attrs...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		if k, ok := all[i].(string); ok {
			m[k] = all[i+1]
		}
	}
	c.mu.Lock()
	*c.sink = append(*c.sink, logRecord{level: level, msg: msg, err: err, kv: m})
	c.mu.Unlock()
}

func (c *captureLogger) Debug(_ context.Context, msg string, kv ...any) { c.add("debug", msg, nil, kv) }
func (c *captureLogger) Info(_ context.Context, msg string, kv ...any)  { c.add("info", msg, nil, kv) }
func (c *captureLogger) Warn(_ context.Context, msg string, kv ...any)  { c.add("warn", msg, nil, kv) }
func (c *captureLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	c.add("error", msg, err, kv)
}
func (c *captureLogger) Sync() error { return nil }

func (c *captureLogger) records() []logRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]logRecord(nil), *c.sink...)
}

func (c *captureLogger) find(msg string) (logRecord, bool) {
	for _, r := range c.records() {
		if r.msg == msg {
			return r, true
		}
	}
	return logRecord{}, false
}
