package dbsync

import "fmt"

// SourceUnavailableError indicates the remote database could not be read:
// the path is missing, unreadable, or the network share is not mounted.
// Fatal for the current startup attempt; the operator fixes the mount and
// re-runs, nothing retries automatically.
type SourceUnavailableError struct {
	Path string
	Err  error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("remote database unavailable: %s: %v", e.Path, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// LocalWriteError indicates the local workdir could not be created or
// written to (permissions, disk full). Fatal, surfaced with the path and
// the underlying cause.
type LocalWriteError struct {
	Path string
	Err  error
}

func (e *LocalWriteError) Error() string {
	return fmt.Sprintf("local cache write failed: %s: %v", e.Path, e.Err)
}

func (e *LocalWriteError) Unwrap() error {
	return e.Err
}
