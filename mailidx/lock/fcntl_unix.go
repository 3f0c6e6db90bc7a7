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

//go:build unix

package lock

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval is how often a blocked lock attempt retries while
// waiting for a timeout to elapse. fcntl/flock don't offer a timed
// wait primitive, so we poll with F_SETLK / LOCK_NB instead of
// blocking forever on F_SETLKW / LOCK_EX.
const pollInterval = 20 * time.Millisecond

type fcntlLock struct {
	f *os.File
}

func newFcntlLock(path string) (*fcntlLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, &PathError{Op: "open", Path: path, Err: err}
	}
	return &fcntlLock{f: f}, nil
}

func (l *fcntlLock) tryLock(typ int16) error {
	fl := unix.Flock_t{
		Type:   typ,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0, // whole file
	}
	return unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &fl)
}

func (l *fcntlLock) waitLock(typ int16, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := l.tryLock(typ)
		if err == nil {
			return nil
		}
		if !isLockBusy(err) {
			return &PathError{Op: "fcntl", Path: l.f.Name(), Err: err}
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

func (l *fcntlLock) lockShared(timeout time.Duration) error {
	return l.waitLock(unix.F_RDLCK, timeout)
}

func (l *fcntlLock) lockExclusive(timeout time.Duration) error {
	return l.waitLock(unix.F_WRLCK, timeout)
}

func (l *fcntlLock) unlock(wasExclusive bool) error {
	fl := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(os.SEEK_SET)}
	if err := unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &fl); err != nil {
		return &PathError{Op: "fcntl-unlock", Path: l.f.Name(), Err: err}
	}
	return nil
}

func isLockBusy(err error) bool {
	return err == unix.EACCES || err == unix.EAGAIN
}

type flockLock struct {
	f *os.File
}

func newFlockLock(path string) (*flockLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, &PathError{Op: "open", Path: path, Err: err}
	}
	return &flockLock{f: f}, nil
}

func (l *flockLock) try(how int) error {
	return unix.Flock(int(l.f.Fd()), how|unix.LOCK_NB)
}

func (l *flockLock) wait(how int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := l.try(how)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK {
			return &PathError{Op: "flock", Path: l.f.Name(), Err: err}
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

func (l *flockLock) lockShared(timeout time.Duration) error {
	return l.wait(unix.LOCK_SH, timeout)
}

func (l *flockLock) lockExclusive(timeout time.Duration) error {
	return l.wait(unix.LOCK_EX, timeout)
}

func (l *flockLock) unlock(wasExclusive bool) error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return &PathError{Op: "flock-unlock", Path: l.f.Name(), Err: err}
	}
	return nil
}
