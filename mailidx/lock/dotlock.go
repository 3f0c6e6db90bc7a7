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

package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
)

// dotlock implements MethodDotlock: a sidecar "<path>.lock" created
// by linking in a uniquely-named temporary file. This is the only
// primitive that is reliable over NFS, since NFS clients do not
// reliably honor byte-range locks.
//
// dotlock does not distinguish shared from exclusive locks (the
// sidecar file is a simple mutex); AcquireShared and AcquireExclusive
// both map to the same underlying operation. This matches real
// Dovecot deployments, where dotlock is a fallback used only when
// finer-grained locking isn't available.
type dotlock struct {
	cfg      Config
	lockPath string
	held     bool
}

func newDotlock(cfg Config) (*dotlock, error) {
	return &dotlock{cfg: cfg, lockPath: cfg.Path + ".lock"}, nil
}

func (d *dotlock) lockShared(timeout time.Duration) error  { return d.lock(timeout) }
func (d *dotlock) lockExclusive(timeout time.Duration) error { return d.lock(timeout) }

func (d *dotlock) lock(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := d.tryOnce()
		if err != nil {
			return err
		}
		if ok {
			d.held = true
			return nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

// tryOnce attempts a single dotlock acquisition. The default path
// creates a uniquely named temp file and hard-links it to the final
// lock path, since linking is atomic across the widest range of NFS
// servers. When cfg.UseExcl is set, it instead opens the lock path
// directly with O_CREATE|O_EXCL, skipping the temp file and link --
// cheaper, but only safe on filesystems where O_EXCL is known-atomic.
func (d *dotlock) tryOnce() (bool, error) {
	if d.cfg.UseExcl {
		return d.tryOnceExcl()
	}
	tmp := fmt.Sprintf("%s.tmp.%s", d.cfg.Path, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return false, &PathError{Op: "dotlock-create", Path: tmp, Err: err}
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	defer os.Remove(tmp)

	err = os.Link(tmp, d.lockPath)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, &PathError{Op: "dotlock-link", Path: d.lockPath, Err: err}
	}
	return d.tryOverrideStale()
}

// tryOnceExcl is the UseExcl fast path: a single O_CREATE|O_EXCL open
// on the lock path itself, with no temp file or link step.
func (d *dotlock) tryOnceExcl() (bool, error) {
	f, err := os.OpenFile(d.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
		f.Close()
		return true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, &PathError{Op: "dotlock-create-excl", Path: d.lockPath, Err: err}
	}
	return d.tryOverrideStale()
}

// tryOverrideStale decides whether the existing lock file is old
// enough to be considered abandoned and, if so, removes it and lets
// the next tryOnce() succeed.
func (d *dotlock) tryOverrideStale() (bool, error) {
	info, err := os.Stat(d.lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// raced with the holder releasing it; caller retries
			return false, nil
		}
		return false, &PathError{Op: "dotlock-stat", Path: d.lockPath, Err: err}
	}
	age := time.Since(info.ModTime())
	switch {
	case age >= d.cfg.immediateStaleAge():
		// clearly abandoned; no need to ask the callback
	case age >= d.cfg.staleAge():
		if d.cfg.OnStale != nil && !d.cfg.OnStale(age) {
			return false, nil
		}
	default:
		return false, nil
	}
	if err := os.Remove(d.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, &PathError{Op: "dotlock-override", Path: d.lockPath, Err: err}
	}
	return false, nil
}

func (d *dotlock) unlock(wasExclusive bool) error {
	if !d.held {
		return nil
	}
	d.held = false
	if err := os.Remove(d.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &PathError{Op: "dotlock-remove", Path: d.lockPath, Err: err}
	}
	return nil
}
