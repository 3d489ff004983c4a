package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

// Probe reports nil when healthy and the reason otherwise.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason ("unhealthy" if empty).
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes and returns the first failure.
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

// Named prefixes failures of p with name, so /-/ready says which check failed.
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		return xerrors.Wrap(p.Check(ctx), name)
	}
}

// ShutdownGate fails readiness while the server drains so the load
// balancer stops sending collectors to this instance. The zero value is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate with reason ("draining" if empty).
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
