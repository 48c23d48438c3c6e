// Package dbsync stages a local copy of a remote database file before the
// dashboard opens it. The remote store is a manually mounted network share;
// copying to a local workdir keeps queries at local disk speed and
// guarantees nothing ever writes back to the share.
//
// A cached copy is reused when its size matches the remote and its
// modification time is not older than the remote's. Copies are published
// atomically: bytes stream to a temporary file in the destination
// directory, and only a completed copy is renamed over the final name. A
// crash mid-copy leaves at most an orphaned temporary file, which the next
// run removes before copying again.
package dbsync
