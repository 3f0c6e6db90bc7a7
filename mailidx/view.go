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

import "sync"

// View is one consumer's handle onto an index: a private reference to
// some Map snapshot plus a remembered log position. Sync replays log
// records since that position into a private clone, so that no two
// Views ever observe a torn update (spec section 4.5).
type View struct {
	engine *Engine

	mu           sync.Mutex
	m            *Map
	pos          LogPosition
	inconsistent bool
	closed       bool
}

// MessagesCount returns the number of messages visible in the View's
// current snapshot. It does not implicitly Sync.
func (v *View) MessagesCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m.MessagesCount()
}

// Header returns a copy of the header of the View's current snapshot.
func (v *View) Header() Header {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m.Header()
}

// Inconsistent reports whether the last Sync call discarded this
// View's history (an IndexIdChanged event) rather than replaying it
// incrementally. Callers should treat this as "reload everything."
func (v *View) Inconsistent() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inconsistent
}

// Lookup returns the record at the given 1-based sequence number.
func (v *View) Lookup(seq int) (Record, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	raw, err := v.m.recordAt(seq)
	if err != nil {
		return Record{}, false
	}
	return recordFromRaw(raw, v.m.keywordBytes), true
}

// LookupUID returns the record carrying the given UID, if present.
func (v *View) LookupUID(uid uint32) (Record, int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	seq, ok := v.m.seqForUID(uid, 0)
	if !ok {
		return Record{}, 0, false
	}
	raw, err := v.m.recordAt(seq)
	if err != nil {
		return Record{}, 0, false
	}
	return recordFromRaw(raw, v.m.keywordBytes), seq, true
}

// LookupUIDRange returns every record whose UID falls within
// [uid1,uid2], in ascending sequence order.
func (v *View) LookupUIDRange(uid1, uid2 uint32) []Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	seq1, seq2, ok := v.m.seqForUIDRange(uid1, uid2)
	if !ok {
		return nil
	}
	out := make([]Record, 0, seq2-seq1+1)
	for seq := seq1; seq <= seq2; seq++ {
		raw, err := v.m.recordAt(seq)
		if err != nil {
			break
		}
		out = append(out, recordFromRaw(raw, v.m.keywordBytes))
	}
	return out
}

// LookupExt returns the raw bytes of extension id's slot for the
// record at seq. ErrExtNotMapped is returned when the extension has
// never been introduced into this particular Map.
func (v *View) LookupExt(seq int, id ExtID) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	slot, ok := v.m.slotFor(v.engine.registry, id)
	if !ok {
		return nil, ErrExtNotMapped
	}
	raw, err := v.m.recordAt(seq)
	if err != nil {
		return nil, err
	}
	return raw.ext(slot.RecordOffset, slot.RecordSize), nil
}

// LookupFirst returns the lowest sequence number whose flags, masked
// by mask, equal flags -- e.g. LookupFirst(FlagSeen, 0) finds the
// first unseen message (spec section 4.2, "first unseen" scans). When
// mask/flags names exactly one of the three flags with a maintained
// lowwater hint (Seen, Deleted, Recent) and is searching for its
// absence, the scan starts at the hint's UID instead of sequence 1.
func (v *View) LookupFirst(mask, flags uint8) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := v.m.MessagesCount()
	start := 1
	if flags == 0 {
		var lowwater uint32
		switch mask {
		case FlagSeen:
			lowwater = v.m.header.SeenLowwater
		case FlagDeleted:
			lowwater = v.m.header.DeletedLowwater
		case FlagRecent:
			lowwater = v.m.header.RecentLowwater
		}
		if lowwater != 0 {
			start = v.m.seqAtOrAfterUID(lowwater)
		}
	}
	for seq := start; seq <= n; seq++ {
		raw, err := v.m.recordAt(seq)
		if err != nil {
			return 0, false
		}
		if raw.flags()&mask == flags {
			return seq, true
		}
	}
	return 0, false
}

// LookupExtHeader returns the bytes last written to extension id's
// header-sized storage region via Transaction.UpdateExtHeader, or nil
// if nothing has been written yet. ErrExtNotMapped is returned when
// the extension has never been introduced into this Map.
func (v *View) LookupExtHeader(id ExtID) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	def, ok := v.engine.registry.def(id)
	if !ok {
		return nil, ErrExtNotMapped
	}
	if _, ok := v.m.slotFor(v.engine.registry, id); !ok {
		return nil, ErrExtNotMapped
	}
	return v.m.extHeaderBytes(def.Name), nil
}

// Close releases the View's reference to its current Map snapshot.
// Views that are about to be discarded must call Close exactly once.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return v.m.Unref()
}
