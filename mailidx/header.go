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

// MajorVersion is the on-disk format major version this build of the
// engine understands. A file with a different major version is
// refused outright.
const MajorVersion = 1

// MinorVersion is the on-disk format minor version. Higher minor
// versions than this build understands are accepted (forward
// compatible, unknown trailing per-record bytes are skipped using
// RecordSize).
const MinorVersion = 0

// compatSizeofUoff is the sentinel recorded in the header so that a
// host with a differently-sized file-offset type refuses to open a
// file written elsewhere.
const compatSizeofUoff = 8

const (
	compatFlagBigEndian = 1 << 0
)

// baseHeaderSize is the size, in bytes, of the fixed portion of
// mailIndexHeader before the extension table.
const baseHeaderSize = 72

// Flags are the stable per-message flag bits (spec section 6).
const (
	FlagAnswered = 0x01
	FlagFlagged  = 0x02
	FlagDeleted  = 0x04
	FlagSeen     = 0x08
	FlagDraft    = 0x10
	FlagRecent   = 0x20
	FlagDirty    = 0x40
	// bit 7 is reserved.
)

// Header is the decoded form of the on-disk mail index header: fixed
// fields plus the trailing extension table. See SPEC_FULL.md section
// 3 for the exact wire layout.
type Header struct {
	MajorVersion     uint32
	MinorVersion     uint32
	CompatFlags      uint32
	CompatSizeofUoff uint32

	IndexID      uint32
	UIDValidity  uint32
	NextUID      uint32
	MessagesCount uint32

	SeenLowwater    uint32
	DeletedLowwater uint32
	RecentLowwater  uint32

	LogFileExtOffset uint64
	LogFileIntOffset uint64

	RecordSize uint32
	HeaderSize uint32

	Extensions []ExtTableEntry
}

// ExtTableEntry describes one registered extension's footprint within
// a particular Map's record layout. reset_id lets readers detect that
// an extension's backing cache/state was invalidated since they last
// looked at it.
type ExtTableEntry struct {
	Name         string
	HeaderSize   uint32
	RecordSize   uint32
	RecordAlign  uint32
	RecordOffset uint32
	ResetID      uint32
}

func alignUp(n, align uint32) uint32 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

func extEntrySize(name string) int {
	// 4 (namelen) + name padded to 4 + 5*4 (HeaderSize, RecordSize,
	// RecordAlign, RecordOffset, ResetID)
	namePad := (len(name) + 3) / 4 * 4
	return 4 + namePad + 5*4
}

// extTableSize returns the byte size of the extension table portion
// of the header for the current set of extensions.
func (h *Header) extTableSize() int {
	n := 0
	for _, e := range h.Extensions {
		n += extEntrySize(e.Name)
	}
	return n
}

// newHeader returns a freshly initialized header for a brand new,
// empty index.
func newHeader(indexID, uidValidity uint32) Header {
	h := Header{
		MajorVersion:     MajorVersion,
		MinorVersion:     MinorVersion,
		CompatSizeofUoff: compatSizeofUoff,
		IndexID:          indexID,
		UIDValidity:      uidValidity,
		NextUID:          1,
	}
	h.RecordSize = h.baseRecordSize()
	h.HeaderSize = uint32(baseHeaderSize)
	return h
}

// baseRecordSize is the size of a record with no extensions attached:
// UID (4) + Flags (1) + padding to 4-byte alignment.
func (h *Header) baseRecordSize() uint32 {
	return 8
}

// Encode writes the header (fixed fields plus extension table) to a
// freshly allocated byte slice of length h.HeaderSize.
func (h *Header) Encode() []byte {
	size := baseHeaderSize + h.extTableSize()
	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.MajorVersion)
	le.PutUint32(buf[4:], h.MinorVersion)
	le.PutUint32(buf[8:], h.CompatFlags)
	le.PutUint32(buf[12:], h.CompatSizeofUoff)
	le.PutUint32(buf[16:], h.IndexID)
	le.PutUint32(buf[20:], h.UIDValidity)
	le.PutUint32(buf[24:], h.NextUID)
	le.PutUint32(buf[28:], h.MessagesCount)
	le.PutUint32(buf[32:], h.SeenLowwater)
	le.PutUint32(buf[36:], h.DeletedLowwater)
	le.PutUint32(buf[40:], h.RecentLowwater)
	le.PutUint64(buf[44:], h.LogFileExtOffset)
	le.PutUint64(buf[52:], h.LogFileIntOffset)
	le.PutUint32(buf[60:], h.RecordSize)
	le.PutUint32(buf[64:], uint32(size))
	le.PutUint32(buf[68:], uint32(len(h.Extensions)))
	off := baseHeaderSize
	for _, e := range h.Extensions {
		off = putExtEntry(buf, off, e)
	}
	return buf
}

func putExtEntry(buf []byte, off int, e ExtTableEntry) int {
	le := binary.LittleEndian
	namePad := (len(e.Name) + 3) / 4 * 4
	le.PutUint32(buf[off:], uint32(len(e.Name)))
	off += 4
	copy(buf[off:], e.Name)
	off += namePad
	le.PutUint32(buf[off:], e.HeaderSize)
	off += 4
	le.PutUint32(buf[off:], e.RecordSize)
	off += 4
	le.PutUint32(buf[off:], e.RecordAlign)
	off += 4
	le.PutUint32(buf[off:], e.RecordOffset)
	off += 4
	le.PutUint32(buf[off:], e.ResetID)
	off += 4
	return off
}

func getExtEntry(buf []byte, off int) (ExtTableEntry, int, error) {
	le := binary.LittleEndian
	if off+4 > len(buf) {
		return ExtTableEntry{}, 0, fmt.Errorf("mailidx: truncated extension table")
	}
	nameLen := int(le.Uint32(buf[off:]))
	off += 4
	namePad := (nameLen + 3) / 4 * 4
	if off+namePad+20 > len(buf) {
		return ExtTableEntry{}, 0, fmt.Errorf("mailidx: truncated extension table entry")
	}
	name := string(buf[off : off+nameLen])
	off += namePad
	var e ExtTableEntry
	e.Name = name
	e.HeaderSize = le.Uint32(buf[off:])
	off += 4
	e.RecordSize = le.Uint32(buf[off:])
	off += 4
	e.RecordAlign = le.Uint32(buf[off:])
	off += 4
	e.RecordOffset = le.Uint32(buf[off:])
	off += 4
	e.ResetID = le.Uint32(buf[off:])
	off += 4
	return e, off, nil
}

// DecodeHeader parses a header (fixed fields + extension table) from
// the start of buf. buf may be longer than the header itself (e.g. an
// entire mapped file); only the first h.HeaderSize bytes are consumed.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < baseHeaderSize {
		return h, fmt.Errorf("mailidx: header too small: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	h.MajorVersion = le.Uint32(buf[0:])
	h.MinorVersion = le.Uint32(buf[4:])
	h.CompatFlags = le.Uint32(buf[8:])
	h.CompatSizeofUoff = le.Uint32(buf[12:])
	h.IndexID = le.Uint32(buf[16:])
	h.UIDValidity = le.Uint32(buf[20:])
	h.NextUID = le.Uint32(buf[24:])
	h.MessagesCount = le.Uint32(buf[28:])
	h.SeenLowwater = le.Uint32(buf[32:])
	h.DeletedLowwater = le.Uint32(buf[36:])
	h.RecentLowwater = le.Uint32(buf[40:])
	h.LogFileExtOffset = le.Uint64(buf[44:])
	h.LogFileIntOffset = le.Uint64(buf[52:])
	h.RecordSize = le.Uint32(buf[60:])
	h.HeaderSize = le.Uint32(buf[64:])
	extCount := le.Uint32(buf[68:])

	if int64(h.HeaderSize) > int64(len(buf)) {
		return h, fmt.Errorf("mailidx: header_size %d exceeds buffer of %d bytes", h.HeaderSize, len(buf))
	}
	region := buf[:h.HeaderSize]
	off := baseHeaderSize
	for i := uint32(0); i < extCount; i++ {
		e, next, err := getExtEntry(region, off)
		if err != nil {
			return h, err
		}
		h.Extensions = append(h.Extensions, e)
		off = next
	}
	return h, nil
}

// Verify performs the structural checks spec section 4.2 requires on
// load. lastIndexID, if nonzero, is the IndexID the caller last
// observed; a mismatch means the view is inconsistent and the caller
// must treat it as an IndexIdChanged event.
func (h *Header) Verify(usedFileSize, mappedSize int64, lastIndexID uint32) error {
	if h.MajorVersion != MajorVersion {
		return newErr("verify-header", "", KindCorrupted,
			fmt.Errorf("major version %d != %d", h.MajorVersion, MajorVersion))
	}
	if h.CompatSizeofUoff != compatSizeofUoff {
		return newErr("verify-header", "", KindCorrupted,
			fmt.Errorf("compat_sizeof_uoff_t %d != %d", h.CompatSizeofUoff, compatSizeofUoff))
	}
	if h.CompatFlags&compatFlagBigEndian != 0 {
		return newErr("verify-header", "", KindCorrupted,
			fmt.Errorf("index was written by a big-endian host"))
	}
	if int64(h.HeaderSize) > usedFileSize || usedFileSize > mappedSize {
		return newErr("verify-header", "", KindCorrupted,
			fmt.Errorf("header_size %d / used_file_size %d / mapped_size %d out of order",
				h.HeaderSize, usedFileSize, mappedSize))
	}
	if h.RecordSize > 0 {
		recordRegion := usedFileSize - int64(h.HeaderSize)
		if recordRegion%int64(h.RecordSize) != 0 {
			return newErr("verify-header", "", KindCorrupted,
				fmt.Errorf("record region %d is not a multiple of record size %d", recordRegion, h.RecordSize))
		}
	}
	if lastIndexID != 0 && h.IndexID != lastIndexID {
		return newErr("verify-header", "", KindIndexIDChanged, nil)
	}
	return nil
}
