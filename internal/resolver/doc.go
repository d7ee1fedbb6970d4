// Package resolver implements the request resolution engine: cache lookup,
// freshness decision, coalesced upstream resolution, streaming to callers
// while persisting to the cache, and hand-off to the mirror.
package resolver
