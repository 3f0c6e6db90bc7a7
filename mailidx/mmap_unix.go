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

package mailidx

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// mappedRegion is a live mmap of an index file. It re-maps on growth
// (spec section 2, "Memory Map": "re-maps on growth") by simply
// unmapping and mapping again at the new size.
type mappedRegion struct {
	f    *os.File
	mem  []byte
	size int64
}

func mapFile(f *os.File, size int64, writable bool) (*mappedRegion, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, newErr("mmap", f.Name(), KindInternal, err)
	}
	return &mappedRegion{f: f, mem: mem, size: size}, nil
}

func (r *mappedRegion) bytes() []byte { return r.mem }

func (r *mappedRegion) unmap() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if err != nil {
		return newErr("munmap", r.f.Name(), KindInternal, err)
	}
	return nil
}

// remap grows (or shrinks) the mapping to newSize, first truncating
// the backing file if necessary.
func (r *mappedRegion) remap(newSize int64) (*mappedRegion, error) {
	if newSize > currentFileSize(r.f) {
		if err := r.f.Truncate(newSize); err != nil {
			return nil, newErr("truncate", r.f.Name(), KindInternal, err)
		}
	}
	if err := r.unmap(); err != nil {
		return nil, err
	}
	return mapFile(r.f, newSize, true)
}

func currentFileSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// sameFile reports whether f still refers to the inode recorded in
// info -- used to detect that a file was removed and recreated out
// from under an open handle (spec section 9, the ESTALE / rename
// workaround, generalized into an explicit fstat-equality check).
func sameFile(f *os.File, info os.FileInfo) bool {
	cur, err := f.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(cur, info)
}

func isStaleHandle(err error) bool {
	return errors.Is(err, unix.ESTALE)
}
