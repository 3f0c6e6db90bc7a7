// Copyright (C) 2026 mailidx authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package lock implements the advisory locking primitives used to
// serialize access to a mail index: fcntl and flock locks for local
// filesystems, and a dotlock fallback for filesystems (NFS) where
// byte-range locks are not reliable.
package lock

import (
	"errors"
	"fmt"
	"time"
)

// Method selects the locking primitive used by a Locker.
type Method int

const (
	// MethodFcntl uses POSIX fcntl byte-range locks. This is the
	// default on local filesystems.
	MethodFcntl Method = iota
	// MethodFlock uses BSD flock(2) whole-file locks.
	MethodFlock
	// MethodDotlock creates a sidecar "<path>.lock" file. This is
	// the only method that is reliable over NFS.
	MethodDotlock
)

func (m Method) String() string {
	switch m {
	case MethodFcntl:
		return "fcntl"
	case MethodFlock:
		return "flock"
	case MethodDotlock:
		return "dotlock"
	default:
		return fmt.Sprintf("lock.Method(%d)", int(m))
	}
}

// ErrTimeout is returned by Acquire* when the lock could not be
// obtained within the requested timeout. The caller may retry; no
// partial state is left behind.
var ErrTimeout = errors.New("lock: timed out acquiring lock")

// ErrUpgradeForbidden is returned when a caller attempts to upgrade
// a held shared lock to an exclusive one. Upgrading in place is
// forbidden because two readers upgrading simultaneously would
// deadlock against each other.
var ErrUpgradeForbidden = errors.New("lock: shared-to-exclusive upgrade is forbidden")

// StaleCallback is invoked periodically while Locker is deciding
// whether to override a stale dotlock. Returning false vetoes the
// override for this attempt.
type StaleCallback func(secsUsed time.Duration) (ok bool)

// Config controls how a Locker behaves for one index file.
type Config struct {
	// Method selects the underlying primitive.
	Method Method
	// Path is the file to lock (for MethodDotlock, the sidecar
	// "<Path>.lock" is derived from it).
	Path string
	// StaleAge is how old an existing dotlock must be before it is
	// considered a candidate for overriding. Only used by
	// MethodDotlock.
	StaleAge time.Duration
	// ImmediateStaleAge, if the dotlock is older than this, it is
	// overridden without invoking OnStale at all -- it is old enough
	// that waiting for confirmation serves no purpose.
	ImmediateStaleAge time.Duration
	// OnStale is consulted before overriding a lock between StaleAge
	// and ImmediateStaleAge old. A nil callback permits the override.
	OnStale StaleCallback
	// UseExcl makes MethodDotlock take a direct O_CREATE|O_EXCL fast
	// path on the sidecar file instead of the create-temp-then-link
	// dance, for filesystems where O_EXCL is known to be atomic. Only
	// used by MethodDotlock.
	UseExcl bool
}

func (c *Config) staleAge() time.Duration {
	if c.StaleAge > 0 {
		return c.StaleAge
	}
	return 30 * time.Second
}

func (c *Config) immediateStaleAge() time.Duration {
	if c.ImmediateStaleAge > 0 {
		return c.ImmediateStaleAge
	}
	return 5 * time.Minute
}

// Locker is a nestable advisory lock on one file. A single Locker is
// not safe for concurrent use by multiple goroutines; each holder
// (in the spec's sense of "process") should use its own Locker bound
// to the same Config.Path.
type Locker struct {
	cfg Config
	impl lockImpl

	// refcount of shared/exclusive acquisitions by this holder;
	// only one of sharedCount/exclusive can be meaningfully nonzero
	// at a time, since upgrade is forbidden.
	sharedCount int
	exclusive   bool
}

// New creates a Locker for the given configuration. It does not touch
// the filesystem until Acquire* is called.
func New(cfg Config) (*Locker, error) {
	impl, err := newLockImpl(cfg)
	if err != nil {
		return nil, err
	}
	return &Locker{cfg: cfg, impl: impl}, nil
}

// AcquireShared obtains a shared (read) lock, waiting up to timeout.
// Repeated calls from a Locker that already holds a shared lock are
// cheap (refcounted) and always succeed immediately.
func (l *Locker) AcquireShared(timeout time.Duration) error {
	if l.exclusive {
		// already hold exclusive; shared is implied
		l.sharedCount++
		return nil
	}
	if l.sharedCount > 0 {
		l.sharedCount++
		return nil
	}
	if err := l.impl.lockShared(timeout); err != nil {
		return err
	}
	l.sharedCount++
	return nil
}

// AcquireExclusive obtains an exclusive (write) lock, waiting up to
// timeout. It is an error to call AcquireExclusive while this Locker
// already holds a shared lock (ErrUpgradeForbidden); release the
// shared lock first.
func (l *Locker) AcquireExclusive(timeout time.Duration) error {
	if l.exclusive {
		// nested exclusive acquisition by the same holder
		l.sharedCount++
		return nil
	}
	if l.sharedCount > 0 {
		return ErrUpgradeForbidden
	}
	if err := l.impl.lockExclusive(timeout); err != nil {
		return err
	}
	l.exclusive = true
	l.sharedCount++
	return nil
}

// Release drops one reference to the current lock. The underlying
// lock is actually released once the refcount reaches zero.
func (l *Locker) Release() error {
	if l.sharedCount == 0 {
		return fmt.Errorf("lock: Release called without a matching Acquire")
	}
	l.sharedCount--
	if l.sharedCount > 0 {
		return nil
	}
	wasExclusive := l.exclusive
	l.exclusive = false
	return l.impl.unlock(wasExclusive)
}

// lockImpl is the per-Method backend. Implementations live in
// fcntl_unix.go (fcntl and flock) and dotlock.go.
type lockImpl interface {
	lockShared(timeout time.Duration) error
	lockExclusive(timeout time.Duration) error
	unlock(wasExclusive bool) error
}

func newLockImpl(cfg Config) (lockImpl, error) {
	switch cfg.Method {
	case MethodFcntl:
		return newFcntlLock(cfg.Path)
	case MethodFlock:
		return newFlockLock(cfg.Path)
	case MethodDotlock:
		return newDotlock(cfg)
	default:
		return nil, fmt.Errorf("lock: unknown method %v", cfg.Method)
	}
}
