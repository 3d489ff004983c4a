// Package pipeline turns an ordered list of hook identifiers into the
// middleware chain that wraps the router. The list order is the wrapping
// order: the first hook is outermost.
//
// Build rejects lists that would break the ordering the hooks depend on:
// the Date sanitizer must run before authentication reads headers, the
// user annotator must sit inside authentication so it can see the
// principal, and the 405 renderer must sit inside exception recovery so a
// render failure becomes a reported 500.
package pipeline
