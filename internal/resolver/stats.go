package resolver

import "sync/atomic"

// Stats 是 Engine 的累计计数，供 /-/status 输出。
type Stats struct {
	Requests        uint64 `json:"requests"`
	Invalid         uint64 `json:"invalid"`
	Hits            uint64 `json:"hits"`
	StaleServed     uint64 `json:"stale_served"`
	Misses          uint64 `json:"misses"`
	Coalesced       uint64 `json:"coalesced"`
	Fetched         uint64 `json:"fetched"`
	NotFound        uint64 `json:"not_found"`
	UpstreamErrors  uint64 `json:"upstream_errors"`
	TransferErrors  uint64 `json:"transfer_errors"`
	Committed       uint64 `json:"committed"`
	CommitFailures  uint64 `json:"commit_failures"`
	MirrorScheduled uint64 `json:"mirror_scheduled"`
	InFlight        int    `json:"in_flight"`
}

type counters struct {
	requests        atomic.Uint64
	invalid         atomic.Uint64
	hits            atomic.Uint64
	staleServed     atomic.Uint64
	misses          atomic.Uint64
	coalesced       atomic.Uint64
	fetched         atomic.Uint64
	notFound        atomic.Uint64
	upstreamErrors  atomic.Uint64
	transferErrors  atomic.Uint64
	committed       atomic.Uint64
	commitFailures  atomic.Uint64
	mirrorScheduled atomic.Uint64
}

// Stats 返回计数快照。
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:        e.stats.requests.Load(),
		Invalid:         e.stats.invalid.Load(),
		Hits:            e.stats.hits.Load(),
		StaleServed:     e.stats.staleServed.Load(),
		Misses:          e.stats.misses.Load(),
		Coalesced:       e.stats.coalesced.Load(),
		Fetched:         e.stats.fetched.Load(),
		NotFound:        e.stats.notFound.Load(),
		UpstreamErrors:  e.stats.upstreamErrors.Load(),
		TransferErrors:  e.stats.transferErrors.Load(),
		Committed:       e.stats.committed.Load(),
		CommitFailures:  e.stats.commitFailures.Load(),
		MirrorScheduled: e.stats.mirrorScheduled.Load(),
		InFlight:        e.group.Len(),
	}
}
