// Package upstream models the ordered chain of symbol repositories consulted
// on a cache miss.
//
// A Source is a tagged variant over three kinds: an HTTP symbol server, a
// fileshare laid out like symstore output, and the remote mirror read back
// as a source. Every fetch ends in exactly one of three outcomes: an
// Artifact (found), ErrNotFound (the source definitively lacks the key), or
// a *SourceError describing a timeout, connection failure or unexpected
// response. Chain.Resolve walks sources in priority order and keeps going
// past failures, so one broken upstream never hides the others.
package upstream
