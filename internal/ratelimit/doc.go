// Package ratelimit is per client address token bucket limiting in front of
// the form backend.
//
// It is in-memory and per instance. It stops a single collector or script
// from flooding submissions or guessing credentials; it does nothing against
// distributed floods, and request bodies have already been accepted by the
// time it runs. The client table is capped so a spray of unique addresses
// cannot grow memory without bound.
package ratelimit
