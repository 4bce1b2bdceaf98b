package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeExpirer struct {
	mu      sync.Mutex
	backlog int
	err     error
	calls   int
}

func (f *fakeExpirer) RecordExpired(ctx context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	n := f.backlog
	if n > limit {
		n = limit
	}
	f.backlog -= n
	return n, nil
}

func (f *fakeExpirer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMetrics struct {
	runs, errs int
	last       float64
}

func (m *fakeMetrics) IncSweepRuns()                  { m.runs++ }
func (m *fakeMetrics) IncSweepErrors()                { m.errs++ }
func (m *fakeMetrics) SetSweepLastSuccess(ts float64) { m.last = ts }

func TestSweepOnce_DrainsBacklog(t *testing.T) {
	f := &fakeExpirer{backlog: 5}
	m := &fakeMetrics{}
	s := New(Options{Expirer: f, BatchSize: 2, Metrics: m})

	if got := s.sweepOnce(context.Background()); got != resultRecorded {
		t.Fatalf("result = %v", got)
	}
	// 2 + 2 + 1
	if f.calls != 3 || f.backlog != 0 {
		t.Fatalf("calls=%d backlog=%d", f.calls, f.backlog)
	}
	if s.recorded != 5 || m.runs != 1 || m.last == 0 {
		t.Fatalf("recorded=%d metrics=%+v", s.recorded, m)
	}

	if got := s.sweepOnce(context.Background()); got != resultIdle {
		t.Fatalf("second sweep = %v", got)
	}
}

func TestSweepOnce_Error(t *testing.T) {
	f := &fakeExpirer{err: errors.New("db down")}
	m := &fakeMetrics{}
	s := New(Options{Expirer: f, Metrics: m})
	if got := s.sweepOnce(context.Background()); got != resultError {
		t.Fatalf("result = %v", got)
	}
	if m.errs != 1 {
		t.Fatalf("errors = %d", m.errs)
	}
}

func TestBackoffDuration(t *testing.T) {
	s := New(Options{Expirer: &fakeExpirer{}, Interval: time.Minute})
	for errs, want := range map[int]time.Duration{1: 2 * time.Minute, 2: 4 * time.Minute, 3: 8 * time.Minute, 10: maxBackoff} {
		s.consecutiveErrs = errs
		if got := s.backoffDuration(); got != want {
			t.Errorf("errs=%d: got %s want %s", errs, got, want)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := &fakeExpirer{backlog: 1}
	s := New(Options{Expirer: f, Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if f.Calls() == 0 {
		t.Fatal("sweeper never ran")
	}
}
