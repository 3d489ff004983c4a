// Package health holds the liveness and readiness probes served on /-/healthy
// and /-/ready by both the edge and admin listeners.
//
// Readiness for the edge is [All] of the [ShutdownGate] and, when the auth
// hook is enabled, a credentials check wrapped in [Named].
package health
