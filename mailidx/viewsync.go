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

// Sync replays every transaction-log record written since the View's
// remembered position into a private clone of its current Map, and
// returns the notifications those records imply. It never mutates any
// Map another View might still be holding.
//
// If the index's IndexID has changed since the View's last Sync (the
// mailbox was rebuilt out from under it) every notification gathered
// so far in this call is discarded and Sync returns a single
// inconsistency signal instead -- a partial picture of a rebuilt
// mailbox is worse than no picture at all (an Open Question this
// engine resolves in favor of discarding, matching how a rebuilt
// IndexID invalidates cached sequence numbers anyway).
func (v *View) Sync() ([]Change, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, newErr("sync", "", KindInternal, errViewClosed)
	}

	tl := v.engine.translog
	pos := v.pos
	if pos == (LogPosition{}) {
		pos = LogPosition{FileSeq: tl.header.FileSeq, Offset: 0}
	}

	work := v.m.clone()
	var changes []Change
	handlers := v.engine.handlers.snapshot()

	for hops := 0; hops < 2; hops++ {
		records, newPos, err := tl.ReadFrom(pos)
		if err != nil {
			if IsKind(err, KindNotFound) {
				break
			}
			return nil, err
		}

		for _, rec := range records {
			ch, indexChanged, applyErr := applyLogRecord(work, v.engine.registry, handlers, v, rec)
			if applyErr != nil {
				return nil, applyErr
			}
			if indexChanged {
				v.inconsistent = true
				v.m.Unref()
				v.m = work
				v.pos = newPos
				for id, h := range handlers {
					_ = id
					if h.OnSyncLost != nil {
						h.OnSyncLost(v)
					}
				}
				return nil, nil
			}
			if ch != nil {
				changes = append(changes, *ch)
			}
		}
		pos = newPos

		if pos.FileSeq == tl.header.FileSeq {
			break
		}
		// The reader's file has been fully drained but a rotation has
		// since happened; hop forward to the next physical file. Only
		// one hop is supported per Sync call -- a reader that fell
		// behind by more than one rotation is treated the same as an
		// IndexID change and reset wholesale, since more context would
		// have to be reloaded than incremental replay is worth.
		nextSeq := pos.FileSeq + 1
		hdr, hErr := headerOf(v.engine.prefix, nextSeq)
		if hErr != nil || hdr.PrevFileSeq != pos.FileSeq {
			v.inconsistent = true
			newHead := v.engine.headSnapshot()
			v.m.Unref()
			v.m = newHead
			v.pos = v.engine.translog.Position()
			for _, h := range handlers {
				if h.OnSyncLost != nil {
					h.OnSyncLost(v)
				}
			}
			return nil, nil
		}
		pos = LogPosition{FileSeq: nextSeq, Offset: 0}
	}

	v.inconsistent = false
	v.m.Unref()
	v.m = work
	v.pos = pos

	for _, h := range handlers {
		if h.OnSync != nil {
			if f := h.OnSync[SyncView]; f != nil {
				f(v)
			}
		}
	}
	return changes, nil
}

var errViewClosed = viewClosedError{}

type viewClosedError struct{}

func (viewClosedError) Error() string { return "mailidx: view is closed" }

// applyLogRecord mutates work in place to reflect one decoded log
// record, invoking any registered extension handlers along the way.
// It returns the Change to report (nil for records extensions alone
// care about) and whether the record signals that the index was
// rebuilt (IndexID changed), in which case the caller must discard
// everything accumulated so far.
func applyLogRecord(work *Map, reg *registry, handlers map[ExtID]ExtHandlers, v *View, rec logRecord) (*Change, bool, error) {
	switch rec.Type {
	case RecAppend:
		recordSize, raws, err := decodeAppend(rec.Payload)
		if err != nil {
			return nil, false, newErr("sync", "", KindCorrupted, err)
		}
		work.appendRecords(recordSize, raws)
		var lo, hi uint32
		for i, r := range raws {
			u := r.uid()
			if i == 0 || u < lo {
				lo = u
			}
			if u > hi {
				hi = u
			}
		}
		return &Change{Kind: ChangeAppend, Range: UIDRange{First: lo, Last: hi}}, false, nil

	case RecExpunge:
		ranges, err := decodeUIDRanges(rec.Payload)
		if err != nil {
			return nil, false, newErr("sync", "", KindCorrupted, err)
		}
		for _, r := range ranges {
			for uid := r.First; uid <= r.Last; uid++ {
				for _, h := range handlers {
					if h.OnExpunge != nil {
						h.OnExpunge(v, uid)
					}
				}
			}
			work.expungeRange(r)
		}
		if len(ranges) == 0 {
			return nil, false, nil
		}
		return &Change{Kind: ChangeExpunge, Range: spanOf(ranges)}, false, nil

	case RecFlagUpdate:
		ups, err := decodeFlagUpdates(rec.Payload)
		if err != nil {
			return nil, false, newErr("sync", "", KindCorrupted, err)
		}
		for _, u := range ups {
			work.applyFlagUpdate(u)
		}
		if len(ups) == 0 {
			return nil, false, nil
		}
		ranges := make([]UIDRange, len(ups))
		for i, u := range ups {
			ranges[i] = u.Range
		}
		return &Change{Kind: ChangeFlagUpdate, Range: spanOf(ranges)}, false, nil

	case RecKeywordUpdate:
		ku, err := decodeKeywordUpdate(rec.Payload)
		if err != nil {
			return nil, false, newErr("sync", "", KindCorrupted, err)
		}
		work.applyKeywordUpdate(ku)
		if len(ku.Ranges) == 0 {
			return nil, false, nil
		}
		return &Change{Kind: ChangeKeywordUpdate, Range: spanOf(ku.Ranges)}, false, nil

	case RecHeaderUpdate:
		hu, err := decodeHeaderUpdate(rec.Payload)
		if err != nil {
			return nil, false, newErr("sync", "", KindCorrupted, err)
		}
		oldIndexID := work.header.IndexID
		work.applyHeaderUpdate(hu)
		if work.header.IndexID != oldIndexID {
			return nil, true, nil
		}
		return nil, false, nil

	case RecExtIntro:
		ei, err := decodeExtIntro(rec.Payload)
		if err != nil {
			return nil, false, newErr("sync", "", KindCorrupted, err)
		}
		work.introduceExtension(ei)
		return nil, false, nil

	case RecExtReset:
		er, err := decodeExtReset(rec.Payload)
		if err != nil {
			return nil, false, newErr("sync", "", KindCorrupted, err)
		}
		work.resetExtension(er)
		return &Change{Kind: ChangeExtUpdate, Ext: er.Name}, false, nil

	case RecExtHdrUpdate:
		eu, err := decodeExtHdrUpdate(rec.Payload)
		if err != nil {
			return nil, false, newErr("sync", "", KindCorrupted, err)
		}
		if err := work.applyExtHdrUpdate(eu); err != nil {
			if !IsKind(err, KindNotFound) {
				return nil, false, err
			}
			return nil, false, nil
		}
		return &Change{Kind: ChangeExtUpdate, Ext: eu.Name}, false, nil

	case RecExtRecUpdate:
		eu, err := decodeExtRecUpdate(rec.Payload)
		if err != nil {
			return nil, false, newErr("sync", "", KindCorrupted, err)
		}
		if err := work.applyExtRecUpdate(reg, eu); err != nil {
			if !IsKind(err, KindNotFound) {
				return nil, false, err
			}
		}
		var lo, hi uint32
		for i, e := range eu.Entries {
			if i == 0 || e.UID < lo {
				lo = e.UID
			}
			if e.UID > hi {
				hi = e.UID
			}
		}
		return &Change{Kind: ChangeExtUpdate, Range: UIDRange{First: lo, Last: hi}, Ext: eu.Name}, false, nil
	}
	return nil, false, nil
}

func spanOf(ranges []UIDRange) UIDRange {
	if len(ranges) == 0 {
		return UIDRange{}
	}
	span := ranges[0]
	for _, r := range ranges[1:] {
		if r.First < span.First {
			span.First = r.First
		}
		if r.Last > span.Last {
			span.Last = r.Last
		}
	}
	return span
}
