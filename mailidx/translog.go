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
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// logHeaderSize is the fixed prologue of every transaction-log file
// (spec section 4.4, "Transaction Log" header).
const logHeaderSize = 24

// logFileHeader identifies one physical log file and links it to its
// predecessor, so that a reader that still holds a position in the
// previous file can tell whether the chain is unbroken.
type logFileHeader struct {
	IndexID        uint32
	FileSeq        uint32
	PrevFileSeq    uint32
	PrevFileOffset uint64
	CreateStamp    uint32
	CompatFlags    uint32
}

func encodeLogFileHeader(h logFileHeader) []byte {
	buf := make([]byte, logHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.IndexID)
	le.PutUint32(buf[4:], h.FileSeq)
	le.PutUint32(buf[8:], h.PrevFileSeq)
	le.PutUint64(buf[12:], h.PrevFileOffset)
	le.PutUint32(buf[20:], h.CreateStamp)
	return buf
}

func decodeLogFileHeader(buf []byte) (logFileHeader, error) {
	var h logFileHeader
	if len(buf) < logHeaderSize {
		return h, fmt.Errorf("mailidx: transaction log header truncated")
	}
	le := binary.LittleEndian
	h.IndexID = le.Uint32(buf[0:])
	h.FileSeq = le.Uint32(buf[4:])
	h.PrevFileSeq = le.Uint32(buf[8:])
	h.PrevFileOffset = le.Uint64(buf[12:])
	h.CreateStamp = le.Uint32(buf[20:])
	return h, nil
}

// LogPosition names a point within the transaction log chain: a file
// sequence number plus a byte offset within that file. Views remember
// their LogPosition between Sync calls (spec section 4.5).
type LogPosition struct {
	FileSeq uint32
	Offset  int64
}

// logRecord is one decoded entry read back from the log: its type,
// its position (for bookkeeping), and its raw payload, which callers
// decode further with the decodeXxx helpers in logrecord.go.
type logRecord struct {
	Type    RecordType
	Pos     LogPosition
	Payload []byte
}

// TransLog manages the append-only, rotating pair of log files backing
// one index ( "<prefix>.log" and "<prefix>.log.2" -- spec section
// 4.4). Only the current owner of the index's exclusive lock may call
// Append; readers call ReadFrom concurrently with appends because new
// bytes only ever extend the file.
type TransLog struct {
	prefix string

	f        *os.File
	header   logFileHeader
	size     int64
	fsync    bool
	rotateAt int64

	// staleRetry bounds how many times ReadFrom reopens a file handle
	// that came back ESTALE before giving up (spec section 9, "NFS
	// workarounds" redesigned as explicit StaleRetry configuration).
	staleRetry int

	// nfsFlush forces an extra stat after every fsync'd write, working
	// around NFS clients that cache attributes past a write a
	// different client just made (spec section 6, MAIL_INDEX_FLAGS
	// "nfs flush").
	nfsFlush bool

	// mem, once true, means the log lives entirely in memData and no
	// longer touches disk at all -- the fallback spec section 3 and 7
	// describe for a disk that has run out of space (KindNoDiskSpace).
	mem     bool
	memData []byte
}

func logPathFor(prefix string, seq uint32) string {
	if seq%2 == 1 {
		return prefix + ".log"
	}
	return prefix + ".log.2"
}

// OpenTransLog opens the transaction log chain for prefix, creating a
// brand new ".log" file (file_seq 1) if none exists yet.
func OpenTransLog(prefix string, indexID uint32, fsync bool, rotateAt int64, staleRetry int, now func() time.Time) (*TransLog, error) {
	path := prefix + ".log"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, newErr("open-translog", path, KindInternal, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr("stat-translog", path, KindInternal, err)
	}
	tl := &TransLog{prefix: prefix, fsync: fsync, rotateAt: rotateAt, staleRetry: staleRetry}
	if info.Size() == 0 {
		tl.header = logFileHeader{IndexID: indexID, FileSeq: 1, CreateStamp: uint32(now().Unix())}
		if _, err := f.Write(encodeLogFileHeader(tl.header)); err != nil {
			f.Close()
			return nil, newErr("init-translog", path, classifyWriteErr(err), err)
		}
		tl.size = logHeaderSize
	} else {
		hdrBuf := make([]byte, logHeaderSize)
		if _, err := f.ReadAt(hdrBuf, 0); err != nil {
			f.Close()
			return nil, newErr("read-translog-header", path, KindInternal, err)
		}
		h, err := decodeLogFileHeader(hdrBuf)
		if err != nil {
			f.Close()
			return nil, newErr("decode-translog-header", path, KindCorrupted, err)
		}
		if h.IndexID != indexID {
			f.Close()
			return nil, newErr("open-translog", path, KindIndexIDChanged, nil)
		}
		tl.header = h
		tl.size = info.Size()
	}
	tl.f = f
	return tl, nil
}

// Position returns the current write head -- the position the next
// Append call will write at.
func (tl *TransLog) Position() LogPosition {
	return LogPosition{FileSeq: tl.header.FileSeq, Offset: tl.size}
}

// Append writes one log record (type + payload, 8-byte padded) at the
// current write head and returns the position it was written at. The
// caller must already hold the index's exclusive lock.
func (tl *TransLog) Append(t RecordType, payload []byte) (LogPosition, error) {
	pos := tl.Position()
	recLen := logRecordHeaderSize + len(payload)
	padded := padTo8(recLen)
	buf := make([]byte, padded)
	putLogRecordHeader(buf, t, uint32(len(payload)))
	copy(buf[logRecordHeaderSize:], payload)

	if tl.mem {
		tl.memData = append(tl.memData, buf...)
		tl.size += int64(padded)
		return pos, nil
	}

	if _, err := tl.f.WriteAt(buf, tl.size); err != nil {
		return pos, newErr("append-translog", tl.f.Name(), classifyWriteErr(err), err)
	}
	tl.size += int64(padded)
	if tl.fsync {
		if err := tl.f.Sync(); err != nil {
			return pos, newErr("fsync-translog", tl.f.Name(), classifyWriteErr(err), err)
		}
		if tl.nfsFlush {
			tl.f.Stat()
		}
	}
	return pos, nil
}

// classifyWriteErr tells a disk-full write failure apart from any
// other I/O error, so callers can distinguish KindNoDiskSpace (spec
// section 7: "returned distinctly so callers can migrate the index to
// memory-only mode") from a generic internal failure.
func classifyWriteErr(err error) Kind {
	if errors.Is(err, unix.ENOSPC) {
		return KindNoDiskSpace
	}
	return KindInternal
}

// classifyReadErr tells an ESTALE failure (the file handle outlived
// the file it pointed to, typically after an NFS server-side rename)
// apart from any other read failure.
func classifyReadErr(err error) Kind {
	if errors.Is(err, unix.ESTALE) {
		return KindStaleHandle
	}
	return KindInternal
}

// GoMemoryOnly switches the log to an in-memory buffer, preserving its
// current content and write position, and closes its file handle. It
// is called once a write has come back KindNoDiskSpace and the engine
// has decided to relocate rather than fail (spec section 3: "may be
// relocated to memory-only mode if disk fails"). Every later Append
// lands only in memData; nothing further touches disk.
func (tl *TransLog) GoMemoryOnly() error {
	if tl.mem {
		return nil
	}
	buf := make([]byte, tl.size)
	if tl.f != nil {
		if _, err := tl.f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
			return newErr("relocate-memory", tl.f.Name(), KindInternal, err)
		}
		tl.f.Close()
		tl.f = nil
	}
	tl.memData = buf
	tl.mem = true
	return nil
}

// NeedsRotation reports whether the active file has grown past the
// configured rotation threshold.
func (tl *TransLog) NeedsRotation() bool {
	return tl.rotateAt > 0 && tl.size >= tl.rotateAt
}

// Rotate closes out the active file and starts a fresh one, linking it
// to the one being retired via PrevFileSeq/PrevFileOffset so that
// readers still positioned in the old file can detect the handoff.
// The old file is kept on disk (as "<prefix>.log.2" or "<prefix>.log"
// alternately) for any reader still catching up to it.
func (tl *TransLog) Rotate(now func() time.Time) error {
	oldSeq := tl.header.FileSeq
	oldSize := tl.size
	newSeq := oldSeq + 1
	newHeader := logFileHeader{
		IndexID:        tl.header.IndexID,
		FileSeq:        newSeq,
		PrevFileSeq:    oldSeq,
		PrevFileOffset: uint64(oldSize),
		CreateStamp:    uint32(now().Unix()),
	}

	if tl.mem {
		// There is no second in-memory file to rotate into; the prior
		// content is dropped along with the disk it would have lived
		// on. A reader still positioned before the rotation cannot
		// catch up past it -- an accepted loss of the degraded mode,
		// not a goal of memory-only relocation.
		tl.header = newHeader
		tl.memData = encodeLogFileHeader(newHeader)
		tl.size = logHeaderSize
		return nil
	}

	newPath := logPathFor(tl.prefix, newSeq)
	nf, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return newErr("rotate-translog", newPath, KindInternal, err)
	}
	if _, err := nf.Write(encodeLogFileHeader(newHeader)); err != nil {
		nf.Close()
		return newErr("rotate-translog", newPath, classifyWriteErr(err), err)
	}
	if tl.fsync {
		if err := nf.Sync(); err != nil {
			nf.Close()
			return newErr("rotate-translog", newPath, KindInternal, err)
		}
	}
	tl.f.Close()
	tl.f = nf
	tl.header = newHeader
	tl.size = logHeaderSize
	return nil
}

// Close releases the underlying file handle, if any.
func (tl *TransLog) Close() error {
	if tl.f == nil {
		return nil
	}
	return tl.f.Close()
}

// truncateTo discards every record appended after pos, used to roll
// back a transaction that failed partway through its log writes. It
// only ever truncates the currently active file; a Commit never spans
// a rotation, so pos.FileSeq is always tl.header.FileSeq here.
func (tl *TransLog) truncateTo(pos LogPosition) error {
	if pos.FileSeq != tl.header.FileSeq {
		return nil
	}
	if tl.mem {
		if pos.Offset <= int64(len(tl.memData)) {
			tl.memData = tl.memData[:pos.Offset]
		}
		tl.size = pos.Offset
		return nil
	}
	if err := tl.f.Truncate(pos.Offset); err != nil {
		return newErr("rollback-translog", tl.f.Name(), KindInternal, err)
	}
	tl.size = pos.Offset
	return nil
}

// ReadFrom returns every record between pos (exclusive of the header)
// and the current write head of whichever physical file pos.FileSeq
// names. It does not itself follow file rotations; viewSync does that
// by re-calling ReadFrom against the next file once this one is
// exhausted (see handoff in viewsync.go).
func (tl *TransLog) ReadFrom(pos LogPosition) ([]logRecord, LogPosition, error) {
	if tl.mem && pos.FileSeq == tl.header.FileSeq {
		return tl.readFromMemory(pos)
	}

	attempts := tl.staleRetry + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		records, newPos, err := tl.readFromFile(pos)
		if err == nil {
			return records, newPos, nil
		}
		lastErr = err
		if !IsKind(err, KindStaleHandle) || attempt == attempts-1 {
			return nil, pos, err
		}
		if pos.FileSeq == tl.header.FileSeq {
			if rerr := tl.reopenActive(); rerr != nil {
				return nil, pos, rerr
			}
		}
		// A non-active (already rotated) file is reopened fresh by
		// readFromFile on every call, so a plain retry is enough there.
	}
	return nil, pos, lastErr
}

func (tl *TransLog) readFromMemory(pos LogPosition) ([]logRecord, LogPosition, error) {
	size := int64(len(tl.memData))
	off := pos.Offset
	if off == 0 {
		off = logHeaderSize
	}

	var records []logRecord
	for off+logRecordHeaderSize <= size {
		t, payloadLen := getLogRecordHeader(tl.memData[off : off+logRecordHeaderSize])
		recLen := logRecordHeaderSize + int(payloadLen)
		padded := padTo8(recLen)
		if off+int64(padded) > size {
			break
		}
		payload := append([]byte(nil), tl.memData[off+logRecordHeaderSize:off+int64(recLen)]...)
		records = append(records, logRecord{
			Type:    t,
			Pos:     LogPosition{FileSeq: pos.FileSeq, Offset: off},
			Payload: payload,
		})
		off += int64(padded)
	}
	return records, LogPosition{FileSeq: pos.FileSeq, Offset: off}, nil
}

func (tl *TransLog) readFromFile(pos LogPosition) ([]logRecord, LogPosition, error) {
	path := logPathFor(tl.prefix, pos.FileSeq)
	var f *os.File
	var err error
	if pos.FileSeq == tl.header.FileSeq {
		f = tl.f
	} else {
		f, err = os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, pos, newErr("read-translog", path, KindNotFound, err)
			}
			return nil, pos, newErr("read-translog", path, classifyReadErr(err), err)
		}
		defer f.Close()
	}

	info, err := f.Stat()
	if err != nil {
		return nil, pos, newErr("stat-translog", path, classifyReadErr(err), err)
	}
	size := info.Size()

	off := pos.Offset
	if off == 0 {
		off = logHeaderSize
	}

	var records []logRecord
	for off+logRecordHeaderSize <= size {
		hdrBuf := make([]byte, logRecordHeaderSize)
		if _, err := f.ReadAt(hdrBuf, off); err != nil {
			return nil, LogPosition{FileSeq: pos.FileSeq, Offset: off}, newErr("read-translog", path, classifyReadErr(err), err)
		}
		t, payloadLen := getLogRecordHeader(hdrBuf)
		recLen := logRecordHeaderSize + int(payloadLen)
		padded := padTo8(recLen)
		if off+int64(padded) > size {
			// Partial trailing record: a concurrent append that hasn't
			// finished, or a crash mid-write. Stop here; the next
			// ReadFrom call will pick it up once it's complete.
			break
		}
		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := f.ReadAt(payload, off+logRecordHeaderSize); err != nil {
				return nil, LogPosition{FileSeq: pos.FileSeq, Offset: off}, newErr("read-translog", path, classifyReadErr(err), err)
			}
		}
		records = append(records, logRecord{
			Type:    t,
			Pos:     LogPosition{FileSeq: pos.FileSeq, Offset: off},
			Payload: payload,
		})
		off += int64(padded)
	}
	return records, LogPosition{FileSeq: pos.FileSeq, Offset: off}, nil
}

// reopenActive drops and reacquires the file handle for the currently
// active log file, used to recover from an ESTALE read (spec section
// 9: the handle outlived the inode it pointed to).
func (tl *TransLog) reopenActive() error {
	path := logPathFor(tl.prefix, tl.header.FileSeq)
	nf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return newErr("read-translog", path, KindInternal, err)
	}
	old := tl.f
	tl.f = nf
	if old != nil {
		old.Close()
	}
	return nil
}

// PrevFile returns the file_seq/offset this file was rotated from, and
// whether this file has a predecessor at all (file_seq 1 never does).
func (tl *TransLog) PrevFile() (LogPosition, bool) {
	if tl.header.PrevFileSeq == 0 {
		return LogPosition{}, false
	}
	return LogPosition{FileSeq: tl.header.PrevFileSeq, Offset: int64(tl.header.PrevFileOffset)}, true
}

// headerOf reads the stored file header of an arbitrary file in the
// chain, used by viewSync to discover PrevFileSeq when following a
// rotation that happened after the reader's current file was opened.
func headerOf(prefix string, seq uint32) (logFileHeader, error) {
	path := logPathFor(prefix, seq)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return logFileHeader{}, newErr("read-translog-header", path, KindNotFound, err)
		}
		return logFileHeader{}, newErr("read-translog-header", path, KindInternal, err)
	}
	defer f.Close()
	buf := make([]byte, logHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return logFileHeader{}, newErr("read-translog-header", path, KindInternal, err)
	}
	return decodeLogFileHeader(buf)
}
