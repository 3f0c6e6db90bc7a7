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
	"encoding/binary"
	"fmt"
)

// RecordType identifies the kind of one transaction-log record (spec
// section 4.4).
type RecordType uint8

const (
	RecAppend RecordType = iota + 1
	RecExpunge
	RecFlagUpdate
	RecKeywordUpdate
	RecHeaderUpdate
	RecExtIntro
	RecExtReset
	RecExtHdrUpdate
	RecExtRecUpdate
)

func (t RecordType) String() string {
	switch t {
	case RecAppend:
		return "append"
	case RecExpunge:
		return "expunge"
	case RecFlagUpdate:
		return "flag-update"
	case RecKeywordUpdate:
		return "keyword-update"
	case RecHeaderUpdate:
		return "header-update"
	case RecExtIntro:
		return "ext-intro"
	case RecExtReset:
		return "ext-reset"
	case RecExtHdrUpdate:
		return "ext-hdr-update"
	case RecExtRecUpdate:
		return "ext-rec-update"
	default:
		return fmt.Sprintf("record-type(%d)", uint8(t))
	}
}

// logRecordHeaderSize is the 8-byte { type, reserved, unused, size }
// prologue that precedes every log record payload (spec section 6).
const logRecordHeaderSize = 8

func putLogRecordHeader(buf []byte, t RecordType, size uint32) {
	buf[0] = byte(t)
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:], 0)
	binary.LittleEndian.PutUint32(buf[4:], size)
}

func getLogRecordHeader(buf []byte) (t RecordType, size uint32) {
	t = RecordType(buf[0])
	size = binary.LittleEndian.Uint32(buf[4:])
	return
}

func padTo8(n int) int {
	return (n + 7) / 8 * 8
}

// --- payload encodings -----------------------------------------------

func putString(buf []byte, off int, s string) int {
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(s)))
	off += 2
	copy(buf[off:], s)
	off += len(s)
	return off
}

func stringSize(s string) int { return 2 + len(s) }

func getString(buf []byte, off int) (string, int) {
	n := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	s := string(buf[off : off+n])
	off += n
	return s, off
}

// appendPayload encodes a batch of new, fully-formed raw records
// (already carrying their assigned UID) for a RecAppend log record.
func encodeAppend(recordSize int, records []rawRecord) []byte {
	buf := make([]byte, 8+len(records)*recordSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(records)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(recordSize))
	off := 8
	for _, r := range records {
		copy(buf[off:off+recordSize], r)
		off += recordSize
	}
	return buf
}

func decodeAppend(payload []byte) (recordSize int, records []rawRecord, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("mailidx: truncated append record")
	}
	count := int(binary.LittleEndian.Uint32(payload[0:]))
	recordSize = int(binary.LittleEndian.Uint32(payload[4:]))
	off := 8
	for i := 0; i < count; i++ {
		if off+recordSize > len(payload) {
			return 0, nil, fmt.Errorf("mailidx: truncated append record body")
		}
		records = append(records, rawRecord(payload[off:off+recordSize]))
		off += recordSize
	}
	return recordSize, records, nil
}

func encodeUIDRanges(ranges []UIDRange) []byte {
	buf := make([]byte, 4+len(ranges)*8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(ranges)))
	off := 4
	for _, r := range ranges {
		binary.LittleEndian.PutUint32(buf[off:], r.First)
		binary.LittleEndian.PutUint32(buf[off+4:], r.Last)
		off += 8
	}
	return buf
}

func decodeUIDRanges(payload []byte) ([]UIDRange, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("mailidx: truncated uid-range record")
	}
	count := int(binary.LittleEndian.Uint32(payload[0:]))
	off := 4
	ranges := make([]UIDRange, 0, count)
	for i := 0; i < count; i++ {
		if off+8 > len(payload) {
			return nil, fmt.Errorf("mailidx: truncated uid-range body")
		}
		ranges = append(ranges, UIDRange{
			First: binary.LittleEndian.Uint32(payload[off:]),
			Last:  binary.LittleEndian.Uint32(payload[off+4:]),
		})
		off += 8
	}
	return ranges, nil
}

// flagUpdate describes one set-wise flag edit: add/remove bitmasks
// applied to every UID within Range. Applying the same record twice
// is idempotent because OR/AND-NOT are themselves idempotent.
type flagUpdate struct {
	Range  UIDRange
	Add    uint8
	Remove uint8
}

func encodeFlagUpdates(ups []flagUpdate) []byte {
	const entrySize = 10
	buf := make([]byte, 4+len(ups)*entrySize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(ups)))
	off := 4
	for _, u := range ups {
		binary.LittleEndian.PutUint32(buf[off:], u.Range.First)
		binary.LittleEndian.PutUint32(buf[off+4:], u.Range.Last)
		buf[off+8] = u.Add
		buf[off+9] = u.Remove
		off += entrySize
	}
	return buf
}

func decodeFlagUpdates(payload []byte) ([]flagUpdate, error) {
	const entrySize = 10
	if len(payload) < 4 {
		return nil, fmt.Errorf("mailidx: truncated flag-update record")
	}
	count := int(binary.LittleEndian.Uint32(payload[0:]))
	off := 4
	ups := make([]flagUpdate, 0, count)
	for i := 0; i < count; i++ {
		if off+entrySize > len(payload) {
			return nil, fmt.Errorf("mailidx: truncated flag-update body")
		}
		ups = append(ups, flagUpdate{
			Range: UIDRange{
				First: binary.LittleEndian.Uint32(payload[off:]),
				Last:  binary.LittleEndian.Uint32(payload[off+4:]),
			},
			Add:    payload[off+8],
			Remove: payload[off+9],
		})
		off += entrySize
	}
	return ups, nil
}

// keywordUpdate adds or removes a keyword (identified either by an
// already-assigned bit index, or by name when it is being registered
// for the first time) across a set of UID ranges.
type keywordUpdate struct {
	ByName   bool
	Name     string // valid when ByName
	BitIndex uint32 // valid when !ByName
	Add      bool
	Ranges   []UIDRange
}

func encodeKeywordUpdate(u keywordUpdate) []byte {
	size := 2
	if u.ByName {
		size += stringSize(u.Name)
	} else {
		size += 4
	}
	size += 4 + len(u.Ranges)*8
	buf := make([]byte, size)
	off := 0
	if u.ByName {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	if u.Add {
		buf[off+1] = 1
	} else {
		buf[off+1] = 0
	}
	off += 2
	if u.ByName {
		off = putString(buf, off, u.Name)
	} else {
		binary.LittleEndian.PutUint32(buf[off:], u.BitIndex)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(u.Ranges)))
	off += 4
	for _, r := range u.Ranges {
		binary.LittleEndian.PutUint32(buf[off:], r.First)
		binary.LittleEndian.PutUint32(buf[off+4:], r.Last)
		off += 8
	}
	return buf
}

func decodeKeywordUpdate(payload []byte) (keywordUpdate, error) {
	var u keywordUpdate
	if len(payload) < 2 {
		return u, fmt.Errorf("mailidx: truncated keyword-update record")
	}
	u.ByName = payload[0] == 1
	u.Add = payload[1] == 1
	off := 2
	if u.ByName {
		u.Name, off = getString(payload, off)
	} else {
		u.BitIndex = binary.LittleEndian.Uint32(payload[off:])
		off += 4
	}
	if off+4 > len(payload) {
		return u, fmt.Errorf("mailidx: truncated keyword-update ranges")
	}
	count := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	for i := 0; i < count; i++ {
		if off+8 > len(payload) {
			return u, fmt.Errorf("mailidx: truncated keyword-update range body")
		}
		u.Ranges = append(u.Ranges, UIDRange{
			First: binary.LittleEndian.Uint32(payload[off:]),
			Last:  binary.LittleEndian.Uint32(payload[off+4:]),
		})
		off += 8
	}
	return u, nil
}

// headerUpdate is a partial write into the index header (e.g. bumping
// next_uid without rewriting the whole header).
type headerUpdate struct {
	Offset uint32
	Data   []byte
}

func encodeHeaderUpdate(u headerUpdate) []byte {
	buf := make([]byte, 8+len(u.Data))
	binary.LittleEndian.PutUint32(buf[0:], u.Offset)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(u.Data)))
	copy(buf[8:], u.Data)
	return buf
}

func decodeHeaderUpdate(payload []byte) (headerUpdate, error) {
	var u headerUpdate
	if len(payload) < 8 {
		return u, fmt.Errorf("mailidx: truncated header-update record")
	}
	u.Offset = binary.LittleEndian.Uint32(payload[0:])
	n := binary.LittleEndian.Uint32(payload[4:])
	if 8+int(n) > len(payload) {
		return u, fmt.Errorf("mailidx: truncated header-update body")
	}
	u.Data = append([]byte(nil), payload[8:8+n]...)
	return u, nil
}

// extIntro introduces (or rebinds, on a reset_id bump) an extension
// into the index for the first time.
type extIntro struct {
	Name       string
	HeaderSize uint32
	RecordSize uint32
	Align      uint32
	ResetID    uint32
}

func encodeExtIntro(e extIntro) []byte {
	buf := make([]byte, stringSize(e.Name)+16)
	off := putString(buf, 0, e.Name)
	binary.LittleEndian.PutUint32(buf[off:], e.HeaderSize)
	binary.LittleEndian.PutUint32(buf[off+4:], e.RecordSize)
	binary.LittleEndian.PutUint32(buf[off+8:], e.Align)
	binary.LittleEndian.PutUint32(buf[off+12:], e.ResetID)
	return buf
}

func decodeExtIntro(payload []byte) (extIntro, error) {
	var e extIntro
	if len(payload) < 2 {
		return e, fmt.Errorf("mailidx: truncated ext-intro record")
	}
	e.Name, _ = getString(payload, 0)
	off := stringSize(e.Name)
	if off+16 > len(payload) {
		return e, fmt.Errorf("mailidx: truncated ext-intro body")
	}
	e.HeaderSize = binary.LittleEndian.Uint32(payload[off:])
	e.RecordSize = binary.LittleEndian.Uint32(payload[off+4:])
	e.Align = binary.LittleEndian.Uint32(payload[off+8:])
	e.ResetID = binary.LittleEndian.Uint32(payload[off+12:])
	return e, nil
}

type extReset struct {
	Name       string
	NewResetID uint32
}

func encodeExtReset(e extReset) []byte {
	buf := make([]byte, stringSize(e.Name)+4)
	off := putString(buf, 0, e.Name)
	binary.LittleEndian.PutUint32(buf[off:], e.NewResetID)
	return buf
}

func decodeExtReset(payload []byte) (extReset, error) {
	var e extReset
	e.Name, _ = getString(payload, 0)
	off := stringSize(e.Name)
	if off+4 > len(payload) {
		return e, fmt.Errorf("mailidx: truncated ext-reset record")
	}
	e.NewResetID = binary.LittleEndian.Uint32(payload[off:])
	return e, nil
}

type extHdrUpdate struct {
	Name   string
	Offset uint32
	Data   []byte
}

func encodeExtHdrUpdate(u extHdrUpdate) []byte {
	buf := make([]byte, stringSize(u.Name)+8+len(u.Data))
	off := putString(buf, 0, u.Name)
	binary.LittleEndian.PutUint32(buf[off:], u.Offset)
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(u.Data)))
	copy(buf[off+8:], u.Data)
	return buf
}

func decodeExtHdrUpdate(payload []byte) (extHdrUpdate, error) {
	var u extHdrUpdate
	u.Name, _ = getString(payload, 0)
	off := stringSize(u.Name)
	if off+8 > len(payload) {
		return u, fmt.Errorf("mailidx: truncated ext-hdr-update record")
	}
	u.Offset = binary.LittleEndian.Uint32(payload[off:])
	n := binary.LittleEndian.Uint32(payload[off+4:])
	off += 8
	if off+int(n) > len(payload) {
		return u, fmt.Errorf("mailidx: truncated ext-hdr-update body")
	}
	u.Data = append([]byte(nil), payload[off:off+int(n)]...)
	return u, nil
}

// extRecEntry is one mail's extension-record payload write.
type extRecEntry struct {
	UID  uint32
	Data []byte
}

type extRecUpdate struct {
	Name    string
	Entries []extRecEntry
}

func encodeExtRecUpdate(u extRecUpdate) []byte {
	size := stringSize(u.Name) + 4
	for _, e := range u.Entries {
		size += 8 + len(e.Data)
	}
	buf := make([]byte, size)
	off := putString(buf, 0, u.Name)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(u.Entries)))
	off += 4
	for _, e := range u.Entries {
		binary.LittleEndian.PutUint32(buf[off:], e.UID)
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(e.Data)))
		off += 8
		copy(buf[off:], e.Data)
		off += len(e.Data)
	}
	return buf
}

func decodeExtRecUpdate(payload []byte) (extRecUpdate, error) {
	var u extRecUpdate
	u.Name, _ = getString(payload, 0)
	off := stringSize(u.Name)
	if off+4 > len(payload) {
		return u, fmt.Errorf("mailidx: truncated ext-rec-update record")
	}
	count := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	for i := 0; i < count; i++ {
		if off+8 > len(payload) {
			return u, fmt.Errorf("mailidx: truncated ext-rec-update entry")
		}
		uid := binary.LittleEndian.Uint32(payload[off:])
		n := int(binary.LittleEndian.Uint32(payload[off+4:]))
		off += 8
		if off+n > len(payload) {
			return u, fmt.Errorf("mailidx: truncated ext-rec-update data")
		}
		u.Entries = append(u.Entries, extRecEntry{UID: uid, Data: append([]byte(nil), payload[off:off+n]...)})
		off += n
	}
	return u, nil
}
