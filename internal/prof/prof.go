// Package prof pushes continuous profiles to Pyroscope.
package prof

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/govexport/internal/log"
	"github.com/keithlinneman/govexport/internal/version"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive reports whether the profiler is running; the server feeds
	// it to the profiling_active gauge.
	OnActive func(bool)
}

// Tags returns the standard profile labels for a component.
func Tags(vi version.Info, component string) map[string]string {
	return map[string]string{
		"app":       vi.AppName,
		"component": component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "go-agent",
	}
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// pyroLogger routes agent messages into our logger.
type pyroLogger struct {
	ctx context.Context
	l   log.Logger
}

func (p pyroLogger) Infof(f string, args ...any)  { p.l.Debug(p.ctx, fmt.Sprintf(f, args...)) }
func (p pyroLogger) Debugf(f string, args ...any) { p.l.Debug(p.ctx, fmt.Sprintf(f, args...)) }
func (p pyroLogger) Errorf(f string, args ...any) {
	p.l.Warn(p.ctx, "pyroscope agent error", "detail", fmt.Sprintf(f, args...))
}

// Start begins profiling when enabled. The returned stop func is always
// non-nil and safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	active := func(b bool) {
		if opts.OnActive != nil {
			opts.OnActive(b)
		}
	}
	active(false)

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}
	if u, err := url.Parse(opts.ServerAddress); opts.ServerAddress == "" || err != nil || u.Host == "" {
		return func() {}, xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		Logger:          pyroLogger{ctx: ctx, l: L},
		ProfileTypes:    profileTypes,
	})
	if err != nil {
		return func() {}, xerrors.Wrapf(err, "start pyroscope agent for %s", opts.ServerAddress)
	}
	active(true)
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var once sync.Once
	return func() {
		once.Do(func() {
			profiler.Stop()
			active(false)
			L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
		})
	}, nil
}
