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
	"os"
	"time"
)

type pendingLogRecord struct {
	Type    RecordType
	Payload []byte
}

// Transaction batches a set of edits (appends, expunges, flag and
// keyword changes, extension writes) and commits them to the
// transaction log and the shared head Map as one atomic unit (spec
// section 4.6). A Transaction is not safe for concurrent use.
type Transaction struct {
	engine     *Engine
	nextUID    uint32
	recordSize int
	appends    []rawRecord
	logOps     []pendingLogRecord
	committed  bool
}

// NewTransaction starts a new batch of edits against e's current head.
func (e *Engine) NewTransaction() *Transaction {
	h := e.headSnapshot()
	defer h.Unref()
	return &Transaction{engine: e, nextUID: h.header.NextUID, recordSize: h.recordSize}
}

// Append reserves the next UID and stages a new message record with
// the given initial flags, returning the UID it was assigned.
func (t *Transaction) Append(flags uint8) uint32 {
	uid := t.nextUID
	t.nextUID++
	raw := make(rawRecord, t.recordSize)
	raw.setUID(uid)
	raw.setFlags(flags)
	t.appends = append(t.appends, raw)
	return uid
}

func (t *Transaction) flushAppends() {
	if len(t.appends) == 0 {
		return
	}
	payload := encodeAppend(t.recordSize, t.appends)
	t.logOps = append(t.logOps, pendingLogRecord{Type: RecAppend, Payload: payload})
	t.appends = nil
}

// Expunge stages the removal of every message in r.
func (t *Transaction) Expunge(r UIDRange) {
	t.flushAppends()
	t.logOps = append(t.logOps, pendingLogRecord{Type: RecExpunge, Payload: encodeUIDRanges([]UIDRange{r})})
}

// UpdateFlags stages an add/remove flag edit over r. Applying the
// same edit twice is idempotent.
func (t *Transaction) UpdateFlags(r UIDRange, add, remove uint8) {
	t.flushAppends()
	payload := encodeFlagUpdates([]flagUpdate{{Range: r, Add: add, Remove: remove}})
	t.logOps = append(t.logOps, pendingLogRecord{Type: RecFlagUpdate, Payload: payload})
}

// UpdateKeywordByIndex stages a keyword add/remove over r, using a
// bit index already assigned by the keywords extension.
func (t *Transaction) UpdateKeywordByIndex(r UIDRange, bitIndex uint32, add bool) {
	t.flushAppends()
	ku := keywordUpdate{BitIndex: bitIndex, Add: add, Ranges: []UIDRange{r}}
	t.logOps = append(t.logOps, pendingLogRecord{Type: RecKeywordUpdate, Payload: encodeKeywordUpdate(ku)})
}

// IntroduceExtension stages the first-time binding of a registered
// extension into the record layout, or (if it is already bound) a
// reset_id bump that invalidates any cached copies of it.
func (t *Transaction) IntroduceExtension(id ExtID, resetID uint32) error {
	t.flushAppends()
	def, ok := t.engine.registry.def(id)
	if !ok {
		return newErr("introduce-extension", "", KindInternal, os.ErrInvalid)
	}
	ei := extIntro{
		Name:       def.Name,
		HeaderSize: def.DefaultHeaderSize,
		RecordSize: def.DefaultRecordSize,
		Align:      def.DefaultAlign,
		ResetID:    resetID,
	}
	t.logOps = append(t.logOps, pendingLogRecord{Type: RecExtIntro, Payload: encodeExtIntro(ei)})
	return nil
}

// ResetExtension stages a reset_id bump for name, zeroing every
// record's slot for it.
func (t *Transaction) ResetExtension(name string, newResetID uint32) {
	t.flushAppends()
	er := extReset{Name: name, NewResetID: newResetID}
	t.logOps = append(t.logOps, pendingLogRecord{Type: RecExtReset, Payload: encodeExtReset(er)})
}

// UpdateExtRecord stages a per-message extension payload write.
func (t *Transaction) UpdateExtRecord(name string, uid uint32, data []byte) {
	t.flushAppends()
	eu := extRecUpdate{Name: name, Entries: []extRecEntry{{UID: uid, Data: data}}}
	t.logOps = append(t.logOps, pendingLogRecord{Type: RecExtRecUpdate, Payload: encodeExtRecUpdate(eu)})
}

// UpdateExtHeader stages a partial write into an extension's own
// header-sized storage region, rather than into any one message's
// per-record slot (spec section 4.4's ext-hdr-update record). Used,
// for example, by an extension that wants to remember a small amount
// of state across the whole mailbox -- statistics, a generation
// counter -- that isn't naturally keyed by UID.
func (t *Transaction) UpdateExtHeader(name string, offset uint32, data []byte) {
	t.flushAppends()
	u := extHdrUpdate{Name: name, Offset: offset, Data: data}
	t.logOps = append(t.logOps, pendingLogRecord{Type: RecExtHdrUpdate, Payload: encodeExtHdrUpdate(u)})
}

// Rollback discards every staged edit without touching the log or the
// head Map.
func (t *Transaction) Rollback() {
	t.appends = nil
	t.logOps = nil
}

// Commit writes every staged edit to the transaction log and advances
// the Engine's shared head Map to reflect them, following the
// acquire-append-fsync-release sequence of spec section 4.6. If any
// log append fails partway through, the log is truncated back to its
// pre-commit size so a reader never observes a torn transaction.
func (t *Transaction) Commit() error {
	if t.committed {
		return newErr("commit", "", KindInternal, os.ErrInvalid)
	}
	e := t.engine
	if e.cfg.ReadOnly {
		return newErr("commit", "", KindInternal, fmt.Errorf("mailidx: engine is read-only"))
	}
	t.flushAppends()
	if len(t.logOps) == 0 {
		t.committed = true
		return nil
	}

	if err := e.locker.AcquireExclusive(e.cfg.LockTimeout); err != nil {
		return err
	}
	defer e.locker.Release()

	tl := e.translog
	startPos := tl.Position()

	var written []logRecord
	for _, op := range t.logOps {
		pos, err := tl.Append(op.Type, op.Payload)
		if err != nil && IsKind(err, KindNoDiskSpace) && !e.memOnly {
			if rerr := e.RelocateToMemory(); rerr == nil {
				pos, err = tl.Append(op.Type, op.Payload)
			} else {
				err = rerr
			}
		}
		if err != nil {
			tl.truncateTo(startPos)
			return err
		}
		written = append(written, logRecord{Type: op.Type, Pos: pos, Payload: op.Payload})
	}

	head := e.headSnapshot()
	work := head.clone()
	head.Unref()

	handlers := e.handlers.snapshot()
	tmpView := &View{engine: e, m: work}
	for _, rec := range written {
		_, indexChanged, err := applyLogRecord(work, e.registry, handlers, tmpView, rec)
		if err != nil {
			tl.truncateTo(startPos)
			return err
		}
		if indexChanged {
			tl.truncateTo(startPos)
			return newErr("commit", "", KindIndexIDChanged, nil)
		}
	}

	e.setHead(work, tl.Position())
	t.committed = true

	if tl.NeedsRotation() {
		_ = tl.Rotate(time.Now)
	}
	return nil
}
