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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coremailbox/mailidx/mailidx/lock"
)

// EngineConfig controls the operational knobs of an Engine that the
// on-disk format itself doesn't dictate: which locking strategy to
// use, whether log writes are fsync'd, and when the log should
// rotate. See mailidx/engineconfig for loading this from a file and
// layering the MAIL_INDEX_FLAGS environment hooks on top.
type EngineConfig struct {
	LockMethod        lock.Method
	StaleAge          time.Duration
	ImmediateStaleAge time.Duration
	FsyncLog          bool
	RotateLogAtBytes  int64
	LockTimeout       time.Duration

	// StaleRetry bounds how many times a read that comes back ESTALE
	// reopens the file it was reading before giving up (spec section
	// 9, "NFS workarounds" redesigned as explicit configuration).
	StaleRetry int

	// ReadOnly opens the index file read-only and takes only a shared
	// lock; Transaction.Commit fails. The transaction log is still
	// opened read-write (and created if it is missing).
	ReadOnly bool
	// NeverInMemory forbids the automatic memory-only relocation that
	// otherwise follows a KindNoDiskSpace write failure (spec section
	// 3/7); a disk-full condition is surfaced to the caller instead.
	NeverInMemory bool
	// DisableMmap loads the index into a plain heap buffer instead of
	// mapping it, for filesystems where mmap is unreliable (spec
	// section 6, MAIL_INDEX_FLAGS "disable mmap").
	DisableMmap bool
	// NFSFlush forces an extra attribute-revalidating stat after every
	// fsync'd log write and after a new index header is written,
	// working around NFS clients that cache stale attributes
	// past a write a different client just made.
	NFSFlush bool
	// DotlockUseExcl skips the link-a-tempfile dance and dotlocks by
	// creating the lock path directly with O_EXCL, for filesystems
	// where a plain exclusive create is already atomic and cheaper.
	DotlockUseExcl bool
	// KeepBackups renames a corrupted index/log aside as
	// "<path>.corrupt.<unix-time>" instead of deleting it outright.
	KeepBackups bool
}

// DefaultEngineConfig returns the settings a new Engine uses if the
// caller doesn't override them.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LockMethod:        lock.MethodFcntl,
		StaleAge:          30 * time.Second,
		ImmediateStaleAge: 5 * time.Minute,
		FsyncLog:          true,
		RotateLogAtBytes:  2 << 20,
		LockTimeout:       10 * time.Second,
		StaleRetry:        3,
	}
}

// Engine owns one mailbox's on-disk index, transaction log, extension
// registry and handler set, and the single shared "head" Map that
// newly opened Views start from (spec section 2).
type Engine struct {
	dir    string
	prefix string // dir/prefixName, shared by <prefix>.index and <prefix>.log[.2]

	cfg    EngineConfig
	locker *lock.Locker

	registry *registry
	handlers *handlerRegistry

	translog *TransLog
	memOnly  bool

	mu      sync.Mutex
	head    *Map
	headPos LogPosition

	indexFile *os.File
	now       func() time.Time
}

func indexPath(prefix string) string { return prefix + ".index" }

// Open opens (creating if necessary) the index, transaction log and
// lock files for one mailbox named prefix within dir.
func Open(dir, prefixName string, cfg EngineConfig) (*Engine, error) {
	now := time.Now
	prefix := filepath.Join(dir, prefixName)

	locker, err := lock.New(lock.Config{
		Method:            cfg.LockMethod,
		Path:              prefix + ".lock",
		StaleAge:          cfg.StaleAge,
		ImmediateStaleAge: cfg.ImmediateStaleAge,
		UseExcl:           cfg.DotlockUseExcl,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:      dir,
		prefix:   prefix,
		cfg:      cfg,
		locker:   locker,
		registry: newRegistry(),
		handlers: newHandlerRegistry(),
		now:      now,
	}

	if cfg.ReadOnly {
		if err := e.locker.AcquireShared(cfg.LockTimeout); err != nil {
			return nil, err
		}
	} else {
		if err := e.locker.AcquireExclusive(cfg.LockTimeout); err != nil {
			return nil, err
		}
	}
	defer e.locker.Release()

	idxPath := indexPath(prefix)
	openFlags := os.O_RDWR | os.O_CREATE
	if cfg.ReadOnly {
		openFlags = os.O_RDONLY
	}
	f, err := os.OpenFile(idxPath, openFlags, 0600)
	if err != nil {
		if cfg.ReadOnly && os.IsNotExist(err) {
			return nil, newErr("open-index", idxPath, KindNotFound, err)
		}
		return nil, newErr("open-index", idxPath, KindInternal, err)
	}
	e.indexFile = f

	info, err := f.Stat()
	if err != nil {
		return nil, newErr("stat-index", idxPath, KindInternal, err)
	}

	var h Header
	var indexID uint32
	memOnly := false
	if info.Size() == 0 {
		if cfg.ReadOnly {
			return nil, newErr("open-index", idxPath, KindNotFound, fmt.Errorf("index does not exist"))
		}
		indexID = randomIndexID()
		h = newHeader(indexID, uint32(now().Unix()))
		if _, err := f.Write(h.Encode()); err != nil {
			kind := classifyWriteErr(err)
			if kind != KindNoDiskSpace || cfg.NeverInMemory {
				return nil, newErr("init-index", idxPath, kind, err)
			}
			memOnly = true
		} else if err := f.Sync(); err != nil {
			return nil, newErr("init-index", idxPath, classifyWriteErr(err), err)
		}
		if cfg.NFSFlush {
			f.Stat()
		}
		if !memOnly {
			info, err = f.Stat()
			if err != nil {
				return nil, newErr("stat-index", idxPath, KindInternal, err)
			}
		}
	}

	if memOnly {
		// The index header itself could not be written to disk; build
		// the head Map entirely in memory and let the transaction log
		// carry the same fallback (spec section 3: "may be relocated
		// to memory-only mode if disk fails").
		e.head = newHeapMap(h, int(h.baseRecordSize()), keywordBitmapBytes(0), nil)
		e.memOnly = true
	} else if cfg.DisableMmap {
		buf := make([]byte, info.Size())
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, newErr("read-index", idxPath, classifyReadErr(err), err)
		}
		h, err = DecodeHeader(buf)
		if err != nil {
			e.discardCorrupted(idxPath)
			return nil, newErr("decode-header", idxPath, KindCorrupted, err)
		}
		if err := h.Verify(info.Size(), info.Size(), 0); err != nil {
			e.discardCorrupted(idxPath)
			return nil, err
		}
		recordSize := int(h.RecordSize)
		if recordSize == 0 {
			recordSize = int(h.baseRecordSize())
		}
		e.head = newHeapMap(h, recordSize, keywordBitmapBytes(0), buf[h.HeaderSize:])
	} else {
		var region *mappedRegion
		attempts := cfg.StaleRetry + 1
		for attempt := 0; ; attempt++ {
			region, err = mapFile(f, info.Size(), !cfg.ReadOnly)
			if err != nil {
				if isStaleHandle(err) && attempt < attempts-1 {
					if f, err = reopenIndex(idxPath, openFlags); err != nil {
						return nil, newErr("open-index", idxPath, KindInternal, err)
					}
					e.indexFile = f
					if info, err = f.Stat(); err != nil {
						return nil, newErr("stat-index", idxPath, KindInternal, err)
					}
					continue
				}
				return nil, err
			}
			break
		}
		h, err = DecodeHeader(region.bytes())
		if err != nil {
			region.unmap()
			e.discardCorrupted(idxPath)
			return nil, newErr("decode-header", idxPath, KindCorrupted, err)
		}
		if err := h.Verify(info.Size(), info.Size(), 0); err != nil {
			region.unmap()
			if IsKind(err, KindCorrupted) {
				e.discardCorrupted(idxPath)
			}
			return nil, err
		}
		recordSize := int(h.RecordSize)
		if recordSize == 0 {
			recordSize = int(h.baseRecordSize())
		}
		e.head = newFileMap(h, recordSize, keywordBitmapBytes(0), region.bytes(), region)
	}
	indexID = h.IndexID

	tl, err := OpenTransLog(prefix, indexID, cfg.FsyncLog, cfg.RotateLogAtBytes, cfg.StaleRetry, now)
	if err != nil {
		e.head.Unref()
		return nil, err
	}
	tl.nfsFlush = cfg.NFSFlush
	if memOnly {
		if err := tl.GoMemoryOnly(); err != nil {
			e.head.Unref()
			return nil, err
		}
	}
	e.translog = tl
	e.headPos = tl.Position()

	return e, nil
}

// reopenIndex drops and reacquires a file handle for idxPath, used to
// recover from an ESTALE mmap (spec section 9).
func reopenIndex(idxPath string, flags int) (*os.File, error) {
	return os.OpenFile(idxPath, flags, 0600)
}

// discardCorrupted removes (or, with KeepBackups, renames aside) an
// index file that failed structural validation while a writable
// engine was opening it, as errors.go's KindCorrupted doc comment
// describes. A read-only engine leaves the file in place.
func (e *Engine) discardCorrupted(path string) {
	if e.cfg.ReadOnly {
		return
	}
	if e.cfg.KeepBackups {
		os.Rename(path, fmt.Sprintf("%s.corrupt.%d", path, e.now().Unix()))
		return
	}
	os.Remove(path)
}

// RelocateToMemory switches both the index and its transaction log to
// memory-only operation, preserving their current content. It is
// called automatically by Transaction.Commit after a KindNoDiskSpace
// write failure (spec section 3/7), unless NeverInMemory is set.
func (e *Engine) RelocateToMemory() error {
	if e.cfg.NeverInMemory {
		return newErr("relocate-memory", e.prefix, KindNoDiskSpace, fmt.Errorf("never-in-memory is set"))
	}
	e.mu.Lock()
	if e.memOnly {
		e.mu.Unlock()
		return nil
	}
	old := e.head
	mem := old.clone()
	e.head = mem
	e.memOnly = true
	e.mu.Unlock()
	old.Unref()
	return e.translog.GoMemoryOnly()
}

func randomIndexID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	v := binary.LittleEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}

// RegisterExtension adds an extension definition to this Engine's
// process-lifetime registry and returns its ExtID.
func (e *Engine) RegisterExtension(def ExtDef) ExtID {
	return e.registry.Register(def)
}

// SetHandlers installs the callbacks for an already-registered
// extension.
func (e *Engine) SetHandlers(id ExtID, h ExtHandlers) {
	e.handlers.set(id, h)
}

// NewView returns a fresh View pinned to the Engine's current head
// snapshot and log position.
func (e *Engine) NewView() *View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &View{
		engine: e,
		m:      e.head.Ref(),
		pos:    e.headPos,
	}
}

func (e *Engine) headSnapshot() *Map {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.head.Ref()
}

// setHead installs m as the new shared head snapshot, releasing the
// Engine's reference to the previous one. Callers must already hold a
// reference on m for the Engine to take over.
func (e *Engine) setHead(m *Map, pos LogPosition) {
	e.mu.Lock()
	old := e.head
	e.head = m
	e.headPos = pos
	e.mu.Unlock()
	old.Unref()

	handlers := e.handlers.snapshot()
	v := &View{engine: e, m: m.Ref(), pos: pos}
	for _, h := range handlers {
		if h.OnSync != nil {
			if f := h.OnSync[SyncHead]; f != nil {
				f(v)
			}
		}
	}
	v.Close()
}

// Close releases the Engine's reference to its head Map and closes
// its transaction log and index file. It does not wait for
// outstanding Views to close; they keep their own references alive.
func (e *Engine) Close() error {
	e.mu.Lock()
	head := e.head
	e.head = nil
	e.mu.Unlock()

	var firstErr error
	if head != nil {
		if err := head.Unref(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.translog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.indexFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
