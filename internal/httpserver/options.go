package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/govexport/internal/health"
	"github.com/keithlinneman/govexport/internal/httpmw"
	"github.com/keithlinneman/govexport/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe
	// MaxBodyBytes bounds request bodies; 0 means 64 KiB.
	MaxBodyBytes int64
	// WriteTimeout must cover building and streaming the largest archive.
	WriteTimeout time.Duration
	// APIRoutes mounts the application routes on the router.
	APIRoutes func(chi.Router)
}
