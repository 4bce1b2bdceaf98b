package opshttp

import (
	"net/http"

	"github.com/keithlinneman/govexport/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic is called when a handler panic is recovered.
	OnPanic func()
}
