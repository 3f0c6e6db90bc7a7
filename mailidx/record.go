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

import "encoding/binary"

// rawRecord is a view onto one fixed-size record's bytes, either
// mmap'd from the index file or living in a heap-backed Map clone.
// The first 4 bytes are always the UID, the 5th byte is the flags
// byte and the next 3 bytes are padding; from byte 8 on come the
// keyword bitmap (zero bytes long in every Map this engine builds)
// and the per-extension slots, whose layout is described by the owning Map's
// extension table, not by rawRecord itself.
type rawRecord []byte

func (r rawRecord) uid() uint32 {
	return binary.LittleEndian.Uint32(r[0:4])
}

func (r rawRecord) setUID(uid uint32) {
	binary.LittleEndian.PutUint32(r[0:4], uid)
}

func (r rawRecord) flags() uint8 {
	return r[4]
}

func (r rawRecord) setFlags(f uint8) {
	r[4] = f
}

// keywordBytes returns the keyword bitmap region of the record, which
// occupies bytes [8, 8+n) where n is determined by the index's
// registered keyword count (see keywordBitmapBytes in map.go).
func (r rawRecord) keywordBytes(n int) []byte {
	return r[8 : 8+n]
}

// ext returns the sub-slice of the record belonging to an extension
// at the given record offset and size.
func (r rawRecord) ext(offset, size uint32) []byte {
	return r[offset : offset+size]
}

// Record is a caller-facing, detached snapshot of one message's core
// fields (UID, flags, keyword bitmap). Extension payloads are fetched
// separately via View.LookupExt, since their presence and size depend
// on the Map's extension table rather than being fixed per Record.
type Record struct {
	UID      uint32
	Flags    uint8
	Keywords []byte
}

// HasFlag reports whether the given flag bit is set.
func (r Record) HasFlag(flag uint8) bool {
	return r.Flags&flag != 0
}

// HasKeyword reports whether keyword bit index i is set.
func (r Record) HasKeyword(i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(r.Keywords) {
		return false
	}
	return r.Keywords[byteIdx]&(1<<uint(i%8)) != 0
}

func recordFromRaw(raw rawRecord, keywordBytes int) Record {
	kw := make([]byte, keywordBytes)
	copy(kw, raw.keywordBytes(keywordBytes))
	return Record{
		UID:      raw.uid(),
		Flags:    raw.flags(),
		Keywords: kw,
	}
}

// UIDRange is an inclusive range of UIDs, used by expunge, flag, and
// keyword log records as well as by View lookup/notification APIs.
type UIDRange struct {
	First, Last uint32
}

// Contains reports whether uid falls within the (inclusive) range.
func (r UIDRange) Contains(uid uint32) bool {
	return uid >= r.First && uid <= r.Last
}
