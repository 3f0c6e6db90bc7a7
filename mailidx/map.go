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

package mailidx

import (
	"fmt"
	"sync/atomic"
)

// Map is a single immutable snapshot of an index: a header copy, the
// record array it describes, and the extension table in force when
// the snapshot was taken. Maps are reference counted (spec section
// 3, "Map" lifecycle) and are never mutated in place -- any change
// produces a new Map that replaces the old one in the Engine's head
// pointer.
type Map struct {
	header Header

	// data is the entire backing region: header bytes followed by
	// the record array. For file-backed maps this is the mmap'd
	// region; for heap-backed maps (private View replay copies, or
	// in-memory-only indexes) it's a plain allocated slice.
	data []byte

	recordSize   int
	keywordBytes int

	region *mappedRegion // nil for heap-backed maps

	// extHeaders holds the ext-hdr-update storage region for each
	// extension that has one (spec section 4.4): state an extension
	// wants to remember across the whole mailbox rather than per
	// message, written via Transaction.UpdateExtHeader.
	extHeaders map[string][]byte

	refcount *int32
}

// keywordBitmapBytes is fixed for the lifetime of an Engine (the
// number of registered keyword names, rounded up to whole bytes).
// Extensions occupy the record bytes after the keyword bitmap.
func keywordBitmapBytes(nameCount int) int {
	return (nameCount + 7) / 8
}

func newHeapMap(h Header, recordSize, keywordBytes int, records []byte) *Map {
	data := make([]byte, int(h.HeaderSize)+len(records))
	copy(data, h.Encode())
	copy(data[h.HeaderSize:], records)
	rc := int32(1)
	return &Map{
		header:       h,
		data:         data,
		recordSize:   recordSize,
		keywordBytes: keywordBytes,
		refcount:     &rc,
	}
}

func newFileMap(h Header, recordSize, keywordBytes int, data []byte, region *mappedRegion) *Map {
	rc := int32(1)
	return &Map{
		header:       h,
		data:         data,
		recordSize:   recordSize,
		keywordBytes: keywordBytes,
		region:       region,
		refcount:     &rc,
	}
}

// Ref increments the reference count and returns m, for callers that
// are handing the same Map to another owner (e.g. a View clone).
func (m *Map) Ref() *Map {
	atomic.AddInt32(m.refcount, 1)
	return m
}

// Unref decrements the reference count, releasing the backing mmap
// (if any) once it reaches zero.
func (m *Map) Unref() error {
	if atomic.AddInt32(m.refcount, -1) > 0 {
		return nil
	}
	if m.region != nil {
		return m.region.unmap()
	}
	return nil
}

// Header returns a copy of the map's header.
func (m *Map) Header() Header { return m.header }

// MessagesCount is the number of records in this snapshot.
func (m *Map) MessagesCount() int { return int(m.header.MessagesCount) }

func (m *Map) recordRegion() []byte {
	return m.data[m.header.HeaderSize:]
}

func (m *Map) recordAt(seq int) (rawRecord, error) {
	if seq < 1 || seq > m.MessagesCount() {
		return nil, fmt.Errorf("mailidx: sequence %d out of range [1,%d]", seq, m.MessagesCount())
	}
	region := m.recordRegion()
	start := (seq - 1) * m.recordSize
	return rawRecord(region[start : start+m.recordSize]), nil
}

// seqForUID returns the sequence number of the record with the given
// UID, using binary search over the [leftHint, n] window. leftHint, if
// nonzero, is a sequence number known to have a UID <= uid, letting
// range scans over ascending UIDs run in amortized linear time rather
// than O(log n) per lookup (spec section 4.2).
func (m *Map) seqForUID(uid uint32, leftHint int) (seq int, ok bool) {
	n := m.MessagesCount()
	lo := 1
	if leftHint > 1 && leftHint <= n {
		lo = leftHint
	}
	hi := n
	for lo <= hi {
		mid := lo + (hi-lo)/2
		rec, err := m.recordAt(mid)
		if err != nil {
			return 0, false
		}
		u := rec.uid()
		switch {
		case u == uid:
			return mid, true
		case u < uid:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return 0, false
}

// seqForUIDRange returns the first sequence number whose UID is >=
// lo and the last sequence number whose UID is <= hi, implementing
// View.LookupUIDRange (spec section 4.5).
func (m *Map) seqForUIDRange(lo, hi uint32) (seq1, seq2 int, ok bool) {
	n := m.MessagesCount()
	first := 0
	for i := 1; i <= n; i++ {
		rec, err := m.recordAt(i)
		if err != nil {
			return 0, 0, false
		}
		u := rec.uid()
		if u >= lo && u <= hi {
			if first == 0 {
				first = i
			}
			seq2 = i
		}
		if u > hi {
			break
		}
	}
	if first == 0 {
		return 0, 0, false
	}
	return first, seq2, true
}

// clone produces a new, independent heap-backed Map with the same
// contents as m. Used by View.Sync to apply log records to a private
// copy without disturbing other readers of m.
func (m *Map) clone() *Map {
	data := make([]byte, len(m.data))
	copy(data, m.data)
	var extHeaders map[string][]byte
	if m.extHeaders != nil {
		extHeaders = make(map[string][]byte, len(m.extHeaders))
		for name, buf := range m.extHeaders {
			cp := make([]byte, len(buf))
			copy(cp, buf)
			extHeaders[name] = cp
		}
	}
	rc := int32(1)
	return &Map{
		header:       m.header,
		data:         data,
		recordSize:   m.recordSize,
		keywordBytes: m.keywordBytes,
		extHeaders:   extHeaders,
		refcount:     &rc,
	}
}

// extHeaderBytes returns the stored ext-hdr-update region for name, or
// nil if nothing has been written to it yet.
func (m *Map) extHeaderBytes(name string) []byte {
	return m.extHeaders[name]
}

// seqAtOrAfterUID returns the lowest sequence number whose UID is >=
// uid, using binary search. It's the building block View.LookupFirst
// uses to skip past records known (via a lowwater hint) to already
// satisfy the search predicate.
func (m *Map) seqAtOrAfterUID(uid uint32) int {
	n := m.MessagesCount()
	lo, hi := 1, n
	ans := n + 1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		rec, err := m.recordAt(mid)
		if err != nil {
			return n + 1
		}
		if rec.uid() >= uid {
			ans = mid
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return ans
}
