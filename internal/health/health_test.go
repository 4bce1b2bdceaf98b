package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type pinger func(context.Context) error

func (f pinger) Ping(ctx context.Context) error { return f(ctx) }

func serve(h http.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	return rec
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthy", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"nil probe", ReadyzHandler(nil), http.StatusOK, "ready"},
		{"not ready", ReadyzHandler(Fixed(false, "store down")), http.StatusServiceUnavailable, "store down"},
		{"default reason", HealthzHandler(Fixed(false, "")), http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(tt.h)
			if rec.Code != tt.wantCode || !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("got %d %q, want %d containing %q", rec.Code, rec.Body, tt.wantCode, tt.wantBody)
			}
		})
	}
}

func TestAll_FirstFailureWins(t *testing.T) {
	err := All(Fixed(true, ""), nil, Fixed(false, "first"), Fixed(false, "second")).Check(t.Context())
	if err == nil || err.Error() != "first" {
		t.Fatalf("err = %v", err)
	}
	if err := All().Check(t.Context()); err != nil {
		t.Fatalf("empty All = %v", err)
	}
}

func TestPing(t *testing.T) {
	down := errors.New("connection refused")
	p := Ping("export store", pinger(func(context.Context) error { return down }), time.Second)
	err := p.Check(t.Context())
	if !errors.Is(err, down) || !strings.Contains(err.Error(), "export store unreachable") {
		t.Fatalf("err = %v", err)
	}

	var deadline bool
	p = Ping("db", pinger(func(ctx context.Context) error {
		_, deadline = ctx.Deadline()
		return nil
	}), 0)
	if err := p.Check(t.Context()); err != nil || !deadline {
		t.Fatalf("err=%v deadline=%v", err, deadline)
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	ready := ReadyzHandler(All(Fixed(true, ""), g.Probe()))

	if rec := serve(ready); rec.Code != http.StatusOK {
		t.Fatalf("before drain: %d", rec.Code)
	}
	g.Set("")
	rec := serve(ready)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "draining") {
		t.Fatalf("draining: %d %q", rec.Code, rec.Body)
	}
	g.Set("shutdown signal")
	if rec := serve(ready); !strings.Contains(rec.Body.String(), "shutdown signal") {
		t.Fatalf("reason not updated: %q", rec.Body)
	}
}

func TestWritable(t *testing.T) {
	dir := t.TempDir()
	if err := Writable(dir).Check(t.Context()); err != nil {
		t.Fatalf("writable dir: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("probe left %d files behind", len(entries))
	}
	if err := Writable(filepath.Join(dir, "missing")).Check(t.Context()); err == nil {
		t.Fatal("missing dir passed")
	}
}
