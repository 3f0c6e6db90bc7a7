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

import "fmt"

// The methods in this file mutate a Map in place. They are only ever
// called on a Map produced by clone() -- a private, heap-backed copy
// nobody else can be holding a reference to (View.Sync's replay
// target, or a Transaction's pending commit buffer). A Map backed by
// a live mmap and shared via Engine's head pointer is never touched
// this way; a new Map replaces it instead.

// syncHeaderBytes re-encodes m.header and rebuilds m.data so the
// header bytes and record region stay contiguous, even when the
// extension table's encoded size changed.
func (m *Map) syncHeaderBytes() {
	old := append([]byte(nil), m.recordRegion()...)
	enc := m.header.Encode()
	m.header.HeaderSize = uint32(len(enc))
	m.data = append(enc, old...)
}

func (m *Map) appendRecords(recordSize int, raws []rawRecord) {
	for _, r := range raws {
		rec := make([]byte, m.recordSize)
		n := recordSize
		if n > m.recordSize {
			n = m.recordSize
		}
		copy(rec, r[:n])
		m.data = append(m.data, rec...)
		m.header.MessagesCount++
		uid := r.uid()
		if uid >= m.header.NextUID {
			m.header.NextUID = uid + 1
		}
	}
	m.syncHeaderBytes()
}

func (m *Map) expungeRange(r UIDRange) {
	n := m.MessagesCount()
	region := m.recordRegion()
	write := 0
	for read := 0; read < n; read++ {
		rec := rawRecord(region[read*m.recordSize : (read+1)*m.recordSize])
		if r.Contains(rec.uid()) {
			continue
		}
		if write != read {
			copy(region[write*m.recordSize:(write+1)*m.recordSize], rec)
		}
		write++
	}
	m.header.MessagesCount = uint32(write)
	m.data = m.data[:int(m.header.HeaderSize)+write*m.recordSize]
	m.syncHeaderBytes()
}

func (m *Map) applyFlagUpdate(u flagUpdate) {
	n := m.MessagesCount()
	for seq := 1; seq <= n; seq++ {
		rec, err := m.recordAt(seq)
		if err != nil {
			break
		}
		if u.Range.Contains(rec.uid()) {
			f := rec.flags()
			f = (f | u.Add) &^ u.Remove
			rec.setFlags(f)
		}
	}
	touched := u.Add | u.Remove
	if touched&FlagSeen != 0 {
		m.header.SeenLowwater = m.recomputeLowwater(FlagSeen)
	}
	if touched&FlagDeleted != 0 {
		m.header.DeletedLowwater = m.recomputeLowwater(FlagDeleted)
	}
	if touched&FlagRecent != 0 {
		m.header.RecentLowwater = m.recomputeLowwater(FlagRecent)
	}
	if touched&(FlagSeen|FlagDeleted|FlagRecent) != 0 {
		m.syncHeaderBytes()
	}
}

// recomputeLowwater returns the UID of the first record that does not
// have bit set, or header.NextUID if every record has it -- the value
// View.LookupFirst uses to skip straight past records it already
// knows satisfy the search (spec section 4.2's lowwater hints).
func (m *Map) recomputeLowwater(bit uint8) uint32 {
	n := m.MessagesCount()
	for seq := 1; seq <= n; seq++ {
		rec, err := m.recordAt(seq)
		if err != nil {
			break
		}
		if rec.flags()&bit == 0 {
			return rec.uid()
		}
	}
	return m.header.NextUID
}

// applyKeywordUpdate toggles one keyword bit across a set of UID
// ranges. Updates that name the keyword by name rather than bit index
// are handled by the keywords extension (which owns the name table),
// not by core replay -- the extension assigns bit indexes in its own
// in-memory table before it stages a by-index update.
func (m *Map) applyKeywordUpdate(ku keywordUpdate) {
	if ku.ByName {
		return
	}
	byteIdx := int(ku.BitIndex / 8)
	bit := byte(1 << (ku.BitIndex % 8))
	if byteIdx >= m.keywordBytes {
		return
	}
	n := m.MessagesCount()
	for seq := 1; seq <= n; seq++ {
		rec, err := m.recordAt(seq)
		if err != nil {
			break
		}
		inRange := false
		for _, r := range ku.Ranges {
			if r.Contains(rec.uid()) {
				inRange = true
				break
			}
		}
		if !inRange {
			continue
		}
		kw := rec.keywordBytes(m.keywordBytes)
		if ku.Add {
			kw[byteIdx] |= bit
		} else {
			kw[byteIdx] &^= bit
		}
	}
}

func (m *Map) applyHeaderUpdate(hu headerUpdate) {
	enc := m.header.Encode()
	if int(hu.Offset)+len(hu.Data) > len(enc) {
		return
	}
	copy(enc[hu.Offset:], hu.Data)
	newHeader, err := DecodeHeader(enc)
	if err != nil {
		return
	}
	m.header = newHeader
	m.syncHeaderBytes()
}

// migrateRecordSize grows (extensions are never removed, only reset)
// every existing record from m.recordSize to newSize, zero-filling the
// newly added tail bytes.
func (m *Map) migrateRecordSize(newSize int) {
	if newSize == m.recordSize {
		return
	}
	n := m.MessagesCount()
	old := m.recordRegion()
	nr := make([]byte, n*newSize)
	for i := 0; i < n; i++ {
		copy(nr[i*newSize:i*newSize+m.recordSize], old[i*m.recordSize:(i+1)*m.recordSize])
	}
	hdrBytes := append([]byte(nil), m.data[:m.header.HeaderSize]...)
	m.data = append(hdrBytes, nr...)
	m.recordSize = newSize
}

// introduceExtension either binds a brand-new extension into the
// record layout (growing every record to make room for it) or, if the
// extension is already present, simply rebinds its reset_id.
func (m *Map) introduceExtension(ei extIntro) {
	for i := range m.header.Extensions {
		if m.header.Extensions[i].Name == ei.Name {
			m.header.Extensions[i].ResetID = ei.ResetID
			m.syncHeaderBytes()
			return
		}
	}
	offset := alignUp(uint32(m.recordSize), ei.Align)
	newRecordSize := int(offset) + int(ei.RecordSize)
	entry := ExtTableEntry{
		Name:         ei.Name,
		HeaderSize:   ei.HeaderSize,
		RecordSize:   ei.RecordSize,
		RecordAlign:  ei.Align,
		RecordOffset: offset,
		ResetID:      ei.ResetID,
	}
	m.migrateRecordSize(newRecordSize)
	m.header.Extensions = append(m.header.Extensions, entry)
	m.header.RecordSize = uint32(newRecordSize)
	m.syncHeaderBytes()
}

// resetExtension bumps an extension's reset_id and zeroes every
// record's slot for it, so that a reader who last saw the old
// reset_id is told "absent" rather than handed stale bytes (spec
// section 4.3).
func (m *Map) resetExtension(er extReset) {
	for i := range m.header.Extensions {
		if m.header.Extensions[i].Name != er.Name {
			continue
		}
		m.header.Extensions[i].ResetID = er.NewResetID
		slot := m.header.Extensions[i]
		n := m.MessagesCount()
		for seq := 1; seq <= n; seq++ {
			rec, err := m.recordAt(seq)
			if err != nil {
				break
			}
			ext := rec.ext(slot.RecordOffset, slot.RecordSize)
			for j := range ext {
				ext[j] = 0
			}
		}
		delete(m.extHeaders, er.Name)
		m.syncHeaderBytes()
		return
	}
}

// applyExtHdrUpdate writes a partial update into an extension's own
// header-sized storage region (spec section 4.4). The region grows
// lazily the first time an extension writes past its current length.
func (m *Map) applyExtHdrUpdate(eu extHdrUpdate) error {
	found := false
	for _, e := range m.header.Extensions {
		if e.Name == eu.Name {
			found = true
			break
		}
	}
	if !found {
		return newErr("apply-ext-hdr-update", "", KindNotFound, fmt.Errorf("extension %q not introduced", eu.Name))
	}
	if m.extHeaders == nil {
		m.extHeaders = make(map[string][]byte)
	}
	buf := m.extHeaders[eu.Name]
	need := int(eu.Offset) + len(eu.Data)
	if need > len(buf) {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[eu.Offset:], eu.Data)
	m.extHeaders[eu.Name] = buf
	return nil
}

func (m *Map) applyExtRecUpdate(reg *registry, eu extRecUpdate) error {
	var slot ExtTableEntry
	found := false
	for _, e := range m.header.Extensions {
		if e.Name == eu.Name {
			slot = e
			found = true
			break
		}
	}
	if !found {
		return newErr("apply-ext-rec-update", "", KindNotFound, fmt.Errorf("extension %q not introduced", eu.Name))
	}
	for _, entry := range eu.Entries {
		seq, ok := m.seqForUID(entry.UID, 0)
		if !ok {
			continue
		}
		rec, err := m.recordAt(seq)
		if err != nil {
			continue
		}
		dst := rec.ext(slot.RecordOffset, slot.RecordSize)
		n := len(entry.Data)
		if n > len(dst) {
			n = len(dst)
		}
		copy(dst, entry.Data[:n])
	}
	return nil
}
