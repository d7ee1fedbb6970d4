// Package mirror republishes committed cache entries to a remote archival
// store off the request path.
//
// Schedule never blocks: entries go onto a bounded queue and are uploaded by
// a small worker pool. Each task checks whether the archive already holds
// the artifact and makes a single upload attempt otherwise. Failures are
// logged and counted, never returned to a client. The bundled Archive
// implementation stores every artifact as a single-layer OCI image in a
// container registry repository, one tag per symbol key.
package mirror
