// Package lock implements a per-key, inter-process exclusive advisory
// filesystem lock used to serialize Image Builder downloads and other
// single-flight sections keyed by an opaque string.
package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

const (
	maxKeyLength  = 200
	pollInterval  = 100 * time.Millisecond
)

// Locker acquires exclusive, inter-process locks keyed by an opaque string,
// backed by a directory of lock files.
type Locker struct {
	dir string
}

// New returns a Locker whose lock files live under dir. The directory is
// created on first Lock call if it does not already exist.
func New(dir string) *Locker {
	return &Locker{dir: dir}
}

// Handle is a scoped lock acquisition. Release must be called exactly once,
// on every exit path, typically via defer.
type Handle struct {
	file *os.File
}

// Release drops the advisory lock and closes the underlying file handle.
// It is safe to call Release more than once.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	f := h.file
	h.file = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// safeName transforms an opaque key into a filesystem-safe lock file name:
// path separators and colons are replaced, and the result is bounded in
// length so arbitrarily long keys can't overflow filesystem name limits.
func safeName(key string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	name := replacer.Replace(key)
	if len(name) > maxKeyLength {
		name = name[:maxKeyLength]
	}
	if name == "" {
		name = "_"
	}
	return name + ".lock"
}

// Lock acquires the exclusive lock for key. With timeout == nil it blocks
// until acquired or ctx is done; otherwise it polls at a short interval
// until acquired or timeout elapses, returning a KindTimeout error.
func (l *Locker) Lock(ctx context.Context, key string, timeout *time.Duration) (*Handle, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to create lock directory", err)
	}

	path := filepath.Join(l.dir, safeName(key))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to open lock file "+path, err)
	}

	var deadline time.Time
	if timeout != nil {
		deadline = time.Now().Add(*timeout)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Handle{file: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			f.Close()
			return nil, errs.Wrap(errs.KindOSError, "failed to lock "+path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, errs.Wrap(errs.KindTimeout, "lock acquisition canceled for "+key, ctx.Err())
		default:
		}

		if timeout != nil && time.Now().After(deadline) {
			f.Close()
			return nil, errs.New(errs.KindTimeout, "timed out waiting for lock: "+key)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, errs.Wrap(errs.KindTimeout, "lock acquisition canceled for "+key, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}
