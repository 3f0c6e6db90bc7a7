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

// Package mcache implements the separately managed message content
// cache file that sits alongside a mail index: an append-mostly store
// of variable-length fields (headers, bodies, parsed structure) keyed
// by message UID, with its own lock and its own periodic compaction
// independent of the index's transaction log.
package mcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/coremailbox/mailidx/mailidx/lock"
)

// fileHeaderSize is the fixed prologue of a cache file.
const fileHeaderSize = 16

type fileHeader struct {
	ResetID    uint32
	FieldCount uint32 // informational; not load-bearing
	reserved   uint64
}

func encodeFileHeader(h fileHeader) []byte {
	buf := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.ResetID)
	binary.LittleEndian.PutUint32(buf[4:], h.FieldCount)
	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	if len(buf) < fileHeaderSize {
		return h, fmt.Errorf("mcache: header truncated")
	}
	h.ResetID = binary.LittleEndian.Uint32(buf[0:])
	h.FieldCount = binary.LittleEndian.Uint32(buf[4:])
	return h, nil
}

// recordHeaderSize is the fixed prologue of one cache record: the
// offset of the previous record belonging to the same UID (0 if this
// is the first), the UID and field it belongs to, the length of the
// payload that follows, and a compression flag.
const recordHeaderSize = 24

type recordHeader struct {
	PrevOffset uint64
	UID        uint32
	FieldID    uint32
	Len        uint32
	Compressed uint8
}

func encodeRecordHeader(rh recordHeader) []byte {
	buf := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:], rh.PrevOffset)
	binary.LittleEndian.PutUint32(buf[8:], rh.UID)
	binary.LittleEndian.PutUint32(buf[12:], rh.FieldID)
	binary.LittleEndian.PutUint32(buf[16:], rh.Len)
	buf[20] = rh.Compressed
	return buf
}

// compressThreshold is the payload size at or above which Put
// zstd-compresses the field, keeping the compressed form only when it
// is smaller.
const compressThreshold = 256

// Cache is one open message content cache file. It is safe for
// concurrent use; writers serialize through mu and the on-disk lock,
// readers only need mu for the in-memory index.
type Cache struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64

	header fileHeader

	// index maps UID to the offset of its most recently written
	// record, the head of that UID's backward-linked chain.
	index map[uint32]int64

	locker *lock.Locker

	compactAtBytes int64
	liveBytes      int64 // bytes belonging to the latest value per (uid,field)

	staleRetry int

	Logf func(format string, args ...interface{})
}

func logf(c *Cache, format string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// Open opens (creating if necessary) the cache file at path.
// staleRetry bounds how many times a read that fails with ESTALE (the
// cache file was removed and recreated out from under us, typically by
// NFS) is retried after reopening the file fresh.
func Open(path string, compactAtBytes int64, staleRetry int) (*Cache, error) {
	locker, err := lock.New(lock.Config{
		Method: lock.MethodFcntl,
		Path:   path + ".lock",
	})
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("mcache: open %s: %w", path, err)
	}
	c := &Cache{
		path:           path,
		f:              f,
		index:          make(map[uint32]int64),
		locker:         locker,
		compactAtBytes: compactAtBytes,
		staleRetry:     staleRetry,
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if _, err := f.Write(encodeFileHeader(fileHeader{})); err != nil {
			f.Close()
			return nil, err
		}
		c.size = fileHeaderSize
		return c, nil
	}

	if err := c.loadIndex(info.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// loadIndex scans the whole file once at open time to rebuild the
// UID -> latest-offset index and the file header. A pure append log
// like this one always has to pay this cost once per process open;
// Compact bounds how large that scan ever gets.
func (c *Cache) loadIndex(size int64) error {
	hdrBuf := make([]byte, fileHeaderSize)
	if _, err := c.f.ReadAt(hdrBuf, 0); err != nil {
		return err
	}
	h, err := decodeFileHeader(hdrBuf)
	if err != nil {
		return err
	}
	c.header = h

	off := int64(fileHeaderSize)
	for off+recordHeaderSize <= size {
		rh, err := c.readRecordHeader(off)
		if err != nil {
			return err
		}
		recLen := recordHeaderSize + int64(rh.Len)
		if off+recLen > size {
			break // torn trailing write
		}
		for o := c.index[rh.UID]; o != 0; {
			ph, err := c.readRecordHeader(o)
			if err != nil {
				return err
			}
			if ph.FieldID == rh.FieldID {
				c.liveBytes -= recordHeaderSize + int64(ph.Len)
				break
			}
			o = int64(ph.PrevOffset)
		}
		c.liveBytes += recLen
		c.index[rh.UID] = off
		off += recLen
	}
	c.size = off
	return nil
}

func (c *Cache) readRecordHeader(off int64) (recordHeader, error) {
	buf := make([]byte, recordHeaderSize)
	if _, err := c.readAtRetry(buf, off); err != nil {
		return recordHeader{}, err
	}
	var rh recordHeader
	rh.PrevOffset = binary.LittleEndian.Uint64(buf[0:])
	rh.UID = binary.LittleEndian.Uint32(buf[8:])
	rh.FieldID = binary.LittleEndian.Uint32(buf[12:])
	rh.Len = binary.LittleEndian.Uint32(buf[16:])
	rh.Compressed = buf[20]
	return rh, nil
}

// readAtRetry is a ReadAt that reopens the cache file and retries, up
// to c.staleRetry times, when the read fails with ESTALE -- the file
// was unlinked and recreated under the same path by another process,
// something NFS clients can observe even while a fcntl lock is held.
func (c *Cache) readAtRetry(buf []byte, off int64) (int, error) {
	n, err := c.f.ReadAt(buf, off)
	for attempt := 0; attempt < c.staleRetry && isStaleRead(err); attempt++ {
		if rerr := c.reopen(); rerr != nil {
			return 0, rerr
		}
		n, err = c.f.ReadAt(buf, off)
	}
	return n, err
}

// reopen swaps c.f for a fresh handle on the same path, used to
// recover from a stale NFS file handle.
func (c *Cache) reopen() error {
	nf, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("mcache: reopen %s: %w", c.path, err)
	}
	old := c.f
	c.f = nf
	old.Close()
	return nil
}

// ResetID reports the cache's current generation. Readers compare
// this against the generation stamped into the index record when the
// value was put (the msgcache extension's per-record badge); a
// mismatch means "treat this
// cache's data as absent, not wrong" (spec section 5).
func (c *Cache) ResetID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header.ResetID
}

// Put appends a new value for (uid, fieldID), superseding any
// previous value for the same pair without removing it from the file
// (removal only happens during Compact).
func (c *Cache) Put(uid, fieldID uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := data
	compressed := uint8(0)
	if len(data) >= compressThreshold {
		if cz, err := compressBytes(data); err == nil && len(cz) < len(data) {
			payload = cz
			compressed = 1
		}
	}

	prev := c.index[uid]
	rh := recordHeader{PrevOffset: uint64(prev), UID: uid, FieldID: fieldID, Len: uint32(len(payload)), Compressed: compressed}
	buf := make([]byte, recordHeaderSize+len(payload))
	copy(buf, encodeRecordHeader(rh))
	copy(buf[recordHeaderSize:], payload)

	if _, err := c.f.WriteAt(buf, c.size); err != nil {
		return fmt.Errorf("mcache: write %s: %w", c.path, err)
	}
	c.index[uid] = c.size
	c.size += int64(len(buf))
	c.liveBytes += int64(len(buf))
	for o := prev; o != 0; {
		ph, err := c.readRecordHeader(o)
		if err != nil {
			break
		}
		if ph.FieldID == fieldID {
			c.liveBytes -= recordHeaderSize + int64(ph.Len)
			break
		}
		o = int64(ph.PrevOffset)
	}
	return nil
}

// Get returns the most recently written value for (uid, fieldID), if
// any, walking the UID's backward-linked chain until it finds a
// matching field or runs out of history.
func (c *Cache) Get(uid, fieldID uint32) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	off, ok := c.index[uid]
	for ok {
		rh, err := c.readRecordHeader(off)
		if err != nil {
			if isStaleRead(err) {
				return nil, false, fmt.Errorf("mcache: stale read at %s: %w", c.path, err)
			}
			return nil, false, err
		}
		if rh.FieldID == fieldID {
			raw := make([]byte, rh.Len)
			if _, err := c.readAtRetry(raw, off+recordHeaderSize); err != nil {
				return nil, false, err
			}
			if rh.Compressed != 0 {
				data, err := decompressBytes(raw)
				if err != nil {
					return nil, false, err
				}
				return data, true, nil
			}
			return raw, true, nil
		}
		if rh.PrevOffset == 0 {
			break
		}
		off = int64(rh.PrevOffset)
		ok = true
	}
	return nil, false, nil
}

// NeedsCompaction reports whether enough dead (superseded) bytes have
// accumulated to justify a rewrite.
func (c *Cache) NeedsCompaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compactAtBytes > 0 && c.size-fileHeaderSize > c.compactAtBytes && c.liveBytes*2 < c.size
}

// Compact rewrites the cache file keeping only the latest value for
// every (uid, fieldID) pair, bumping reset_id so that any reader still
// holding the old generation number treats its cached offsets as
// invalid rather than silently reading wrong data after the rewrite
// (spec section 5, "reset_id discipline"). Compact takes the cache's
// own exclusive lock, independent of the index lock.
func (c *Cache) Compact() error {
	if err := c.locker.AcquireExclusive(0); err != nil {
		return err
	}
	defer c.locker.Release()

	c.mu.Lock()
	defer c.mu.Unlock()

	type kept struct {
		uid, field uint32
		compressed uint8
		data       []byte
	}
	seen := make(map[[2]uint32]bool)
	var keepList []kept

	for uid, off := range c.index {
		o := off
		for o != 0 {
			rh, err := c.readRecordHeader(o)
			if err != nil {
				return err
			}
			key := [2]uint32{uid, rh.FieldID}
			if !seen[key] {
				seen[key] = true
				raw := make([]byte, rh.Len)
				if _, err := c.f.ReadAt(raw, o+recordHeaderSize); err != nil {
					return err
				}
				keepList = append(keepList, kept{uid: uid, field: rh.FieldID, compressed: rh.Compressed, data: raw})
			}
			o = int64(rh.PrevOffset)
		}
	}

	tmpPath := c.path + ".compact.tmp"
	nf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	newResetID := c.header.ResetID + 1
	if _, err := nf.Write(encodeFileHeader(fileHeader{ResetID: newResetID})); err != nil {
		nf.Close()
		return err
	}

	newIndex := make(map[uint32]int64)
	offset := int64(fileHeaderSize)
	for _, k := range keepList {
		prev := newIndex[k.uid]
		rh := recordHeader{PrevOffset: uint64(prev), UID: k.uid, FieldID: k.field, Len: uint32(len(k.data)), Compressed: k.compressed}
		buf := make([]byte, recordHeaderSize+len(k.data))
		copy(buf, encodeRecordHeader(rh))
		copy(buf[recordHeaderSize:], k.data)
		if _, err := nf.Write(buf); err != nil {
			nf.Close()
			return err
		}
		newIndex[k.uid] = offset
		offset += int64(len(buf))
	}
	if err := nf.Sync(); err != nil {
		nf.Close()
		return err
	}
	nf.Close()

	if err := os.Rename(tmpPath, c.path); err != nil {
		return err
	}
	newF, err := os.OpenFile(c.path, os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	c.f.Close()
	c.f = newF
	c.index = newIndex
	c.size = offset
	c.liveBytes = offset - fileHeaderSize
	c.header.ResetID = newResetID
	logf(c, "mcache: compacted %s, reset_id now %d", c.path, newResetID)
	return nil
}

// Close releases the cache file handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}

func isStaleRead(err error) bool {
	return errors.Is(err, unix.ESTALE)
}

func compressBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBytes(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
