package opshttp

import (
	"net/http"

	"github.com/keithlinneman/formhub-edge/internal/health"
	"github.com/keithlinneman/formhub-edge/internal/log"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 9000

type Options struct {
	Logger log.Logger
	Port   int

	Health    health.Probe
	Readiness health.Probe

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// BuildInfo is served as JSON at /-/version when set.
	BuildInfo any

	EnablePprof bool

	Recover bool
	OnPanic func()

	// OnRejected is called with the reason for every refused request.
	OnRejected func(reason string)
}
