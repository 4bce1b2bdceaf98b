package health

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

// Probe is evaluated at request time; a non-nil error is the failure reason.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every non-nil probe passes. Probes run in order and the
// first failure is returned.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Pinger is anything with a connectivity check, such as the export store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping probes p with a bounded timeout and names the dependency on failure.
func Ping(name string, p Pinger, timeout time.Duration) CheckFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return xerrors.Wrapf(err, "%s unreachable", name)
		}
		return nil
	}
}

// Writable fails when dir cannot hold a new file. Archives are spooled there
// before download, so a full or read-only scratch disk makes the service
// unready rather than failing every approval.
func Writable(dir string) CheckFunc {
	return func(context.Context) error {
		f, err := os.CreateTemp(dir, ".govexport-ready-*")
		if err != nil {
			return xerrors.Wrap(err, "scratch directory not writable")
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	}
}

// ShutdownGate fails readiness once Set is called, so load balancers stop
// routing before the listeners close.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
