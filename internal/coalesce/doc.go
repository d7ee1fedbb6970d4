// Package coalesce merges concurrent requests for the same symbol into one
// upstream transfer.
//
// Group holds at most one Flight per key. The first caller becomes the
// leader and its start function runs in a goroutine of its own, detached
// from every caller, so a disconnecting client never aborts a transfer that
// others are waiting on. The transfer publishes its bytes through a Buffer:
// a single writer appends, any number of readers follow with independent
// cursors, and once the body outgrows the memory threshold readers switch to
// the copy already staged on disk.
package coalesce
