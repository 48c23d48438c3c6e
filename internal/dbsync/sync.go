package dbsync

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	// copyChunkSize keeps network reads large enough to saturate the
	// share without holding the whole database in memory.
	copyChunkSize = 8 << 20

	// mtimeSlack tolerates clock skew between the file server and the
	// local machine when comparing modification times.
	mtimeSlack = time.Second

	tempInfix = ".tmp-"
)

// sidecarExtensions are the SQLite companion files copied alongside the
// main database when they exist next to the remote source.
var sidecarExtensions = []string{"-wal", "-shm"}

// Reasons reported on a Handle for why a copy did or did not happen.
const (
	ReasonForced  = "forced"
	ReasonMissing = "missing locally"
	ReasonStale   = "remote is newer or differs"
	ReasonCurrent = "local copy is current"
)

// Handle describes the staged local copy after a successful EnsureLocal.
type Handle struct {
	SourcePath   string
	LocalPath    string
	LastSyncedAt time.Time
	SizeBytes    int64

	// Copied reports whether this call transferred bytes; Reason says why.
	Copied bool
	Reason string
}

type options struct {
	force    bool
	sidecars bool
	progress func(fraction float64)
}

// Option configures EnsureLocal.
type Option func(*options)

// WithForce bypasses the staleness check and always re-copies.
func WithForce(force bool) Option {
	return func(o *options) {
		o.force = force
	}
}

// WithSidecars controls whether SQLite -wal/-shm files next to the remote
// database are copied alongside it. Enabled by default.
func WithSidecars(enabled bool) Option {
	return func(o *options) {
		o.sidecars = enabled
	}
}

// WithProgress registers a callback receiving the copied fraction in
// [0.0, 1.0] while the main database transfers. Useful for operator
// feedback on slow network copies.
func WithProgress(fn func(fraction float64)) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// EnsureLocal guarantees a usable local copy of remotePath at
// localWorkdir/localName and returns a Handle describing it.
//
// The copy is skipped when the local file exists with the same size and a
// modification time no older than the remote's. Exactly one copy attempt
// is made per call; a failure is returned as *SourceUnavailableError or
// *LocalWriteError and is not retried.
func EnsureLocal(ctx context.Context, remotePath, localWorkdir, localName string, opts ...Option) (Handle, error) {
	o := options{sidecars: true}
	for _, opt := range opts {
		opt(&o)
	}

	remoteInfo, err := os.Stat(remotePath)
	if err != nil {
		return Handle{}, &SourceUnavailableError{Path: remotePath, Err: err}
	}
	if remoteInfo.IsDir() {
		return Handle{}, &SourceUnavailableError{Path: remotePath, Err: errors.New("is a directory")}
	}

	if err := os.MkdirAll(localWorkdir, 0o755); err != nil {
		return Handle{}, &LocalWriteError{Path: localWorkdir, Err: err}
	}

	// Temp files left behind by a killed copy are garbage, never cache.
	removeOrphanedTemps(localWorkdir, localName)

	localPath := filepath.Join(localWorkdir, localName)
	needCopy, reason := copyDecision(o.force, remoteInfo, localPath)

	if !needCopy {
		localInfo, statErr := os.Stat(localPath)
		if statErr != nil {
			return Handle{}, &LocalWriteError{Path: localPath, Err: statErr}
		}
		return Handle{
			SourcePath:   remotePath,
			LocalPath:    localPath,
			LastSyncedAt: localInfo.ModTime(),
			SizeBytes:    localInfo.Size(),
			Copied:       false,
			Reason:       ReasonCurrent,
		}, nil
	}

	if err := copyAtomic(ctx, remotePath, localPath, remoteInfo, o.progress); err != nil {
		return Handle{}, err
	}

	if o.sidecars {
		if err := syncSidecars(ctx, remotePath, localPath); err != nil {
			return Handle{}, err
		}
	}

	return Handle{
		SourcePath:   remotePath,
		LocalPath:    localPath,
		LastSyncedAt: time.Now(),
		SizeBytes:    remoteInfo.Size(),
		Copied:       true,
		Reason:       reason,
	}, nil
}

// copyDecision decides whether the local copy must be refreshed and why.
func copyDecision(force bool, remote os.FileInfo, localPath string) (bool, string) {
	if force {
		return true, ReasonForced
	}

	local, err := os.Stat(localPath)
	if err != nil {
		return true, ReasonMissing
	}

	if remote.ModTime().After(local.ModTime().Add(mtimeSlack)) || remote.Size() != local.Size() {
		return true, ReasonStale
	}

	return false, ReasonCurrent
}

// copyAtomic streams src into a temporary file next to dst and renames it
// into place once complete. The rename is the only publishing step, so a
// reader at dst never observes a partial copy.
func copyAtomic(ctx context.Context, src, dst string, srcInfo os.FileInfo, progress func(float64)) error {
	in, err := os.Open(src)
	if err != nil {
		return &SourceUnavailableError{Path: src, Err: err}
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+tempInfix+"*")
	if err != nil {
		return &LocalWriteError{Path: dst, Err: err}
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	total := srcInfo.Size()
	var copied int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := tmp.Write(buf[:n]); writeErr != nil {
				return &LocalWriteError{Path: dst, Err: writeErr}
			}
			copied += int64(n)
			if progress != nil && total > 0 {
				fraction := float64(copied) / float64(total)
				if fraction > 1 {
					fraction = 1
				}
				progress(fraction)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &SourceUnavailableError{Path: src, Err: readErr}
		}
	}

	if err := tmp.Sync(); err != nil {
		return &LocalWriteError{Path: dst, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &LocalWriteError{Path: dst, Err: err}
	}

	// Carry the remote mtime over so the staleness comparison stays
	// stable across restarts. Best effort; some filesystems refuse it.
	_ = os.Chtimes(tmpName, time.Now(), srcInfo.ModTime())

	if err := os.Rename(tmpName, dst); err != nil {
		return &LocalWriteError{Path: dst, Err: err}
	}
	committed = true

	if progress != nil {
		progress(1.0)
	}
	return nil
}

// syncSidecars mirrors the remote's -wal/-shm companions: present remotely
// means copied locally, absent remotely means removed locally. A stale
// local -wal against a fresh database copy would corrupt reads.
func syncSidecars(ctx context.Context, remotePath, localPath string) error {
	for _, ext := range sidecarExtensions {
		remoteSide := remotePath + ext
		localSide := localPath + ext

		info, err := os.Stat(remoteSide)
		if err != nil {
			if removeErr := os.Remove(localSide); removeErr != nil && !os.IsNotExist(removeErr) {
				return &LocalWriteError{Path: localSide, Err: removeErr}
			}
			continue
		}

		if err := copyAtomic(ctx, remoteSide, localSide, info, nil); err != nil {
			return err
		}
	}
	return nil
}

// removeOrphanedTemps deletes leftover temp files from crashed copies.
func removeOrphanedTemps(dir, name string) {
	matches, err := filepath.Glob(filepath.Join(dir, name+tempInfix+"*"))
	if err != nil {
		return
	}
	for _, match := range matches {
		_ = os.Remove(match)
	}
}
