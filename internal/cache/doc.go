// Package cache defines the disk-backed symbol store. Artifacts live at
// StoragePath/<file>/<HASH>/<component>, the same layout symstore produces,
// so a cache directory can itself be mounted as a fileshare upstream.
// Writes go through a WriteHandle that stages bytes under
// StoragePath/.staging and publishes them with a rename, so readers observe
// either nothing or the complete artifact. Local I/O faults surface as
// ErrCacheIO; the resolver treats them as a miss rather than a failure.
package cache
