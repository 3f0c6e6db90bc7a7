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

// Package msgcache binds a mcache.Cache to a mailidx.Engine as a
// registered extension: the concrete mechanism behind spec section
// 4.7's "readers holding old cache offsets observe the reset_id
// mismatch and treat all their cache pointers as absent." Each
// record's extension slot holds only a 4-byte "badge" -- the cache
// generation in force when that mail's fields were last written --
// so a stale read never has to touch the cache file at all; it just
// compares the badge to the cache's current ResetID.
package msgcache

import (
	"encoding/binary"

	"github.com/coremailbox/mailidx/mailidx"
	"github.com/coremailbox/mailidx/mailidx/mcache"
)

// ExtName is the extension name this package registers under.
const ExtName = "msgcache"

const badgeSize = 4

// statsHeaderSize is the size of msgcache's ext-hdr-update storage
// region: a running count of compaction passes, for diagnostics.
const statsHeaderSize = 4

// Extension ties one mailidx.Engine to one mcache.Cache.
type Extension struct {
	id          mailidx.ExtID
	cache       *mcache.Cache
	compactions uint32
}

// Register installs the msgcache extension on e, bound to cache.
func Register(e *mailidx.Engine, cache *mcache.Cache) *Extension {
	id := e.RegisterExtension(mailidx.ExtDef{
		Name:              ExtName,
		DefaultHeaderSize: statsHeaderSize,
		DefaultRecordSize: badgeSize,
		DefaultAlign:      4,
	})
	x := &Extension{id: id, cache: cache}
	e.SetHandlers(id, mailidx.ExtHandlers{})
	return x
}

// ID returns the ExtID this extension registered as, for callers that
// need to pass it to View.LookupExt directly.
func (x *Extension) ID() mailidx.ExtID { return x.id }

// Introduce binds the extension's slot into tx's index if this is the
// first mail index to see it.
func (x *Extension) Introduce(tx *mailidx.Transaction) error {
	return tx.IntroduceExtension(x.id, x.cache.ResetID())
}

// Put writes fieldID's value for uid into the cache file and stamps
// the record's extension slot with the cache's current generation, so
// Get can later tell a live value from a stale one without opening
// the cache file.
func (x *Extension) Put(tx *mailidx.Transaction, uid, fieldID uint32, data []byte) error {
	if err := x.cache.Put(uid, fieldID, data); err != nil {
		return err
	}
	var buf [badgeSize]byte
	binary.LittleEndian.PutUint32(buf[:], x.cache.ResetID())
	tx.UpdateExtRecord(ExtName, uid, buf[:])
	return nil
}

// Get returns fieldID's cached value for the record at seq, or
// ok=false if the extension was never introduced into v's Map, the
// record predates the cache's current generation, or no value for
// this (uid, fieldID) pair exists.
func (x *Extension) Get(v *mailidx.View, seq int, uid, fieldID uint32) ([]byte, bool, error) {
	raw, err := v.LookupExt(seq, x.id)
	if err != nil {
		if err == mailidx.ErrExtNotMapped {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(raw) < badgeSize {
		return nil, false, nil
	}
	badge := binary.LittleEndian.Uint32(raw[:badgeSize])
	if badge != x.cache.ResetID() {
		// Stale: the cache has compacted since this record's last
		// write. Absent, not wrong (spec section 4.7).
		return nil, false, nil
	}
	return x.cache.Get(uid, fieldID)
}

// MaybeCompact runs the cache's compaction pass if it has accumulated
// enough dead space, and records the resulting reset_id bump in the
// index so every existing badge goes stale at once.
func (x *Extension) MaybeCompact(tx *mailidx.Transaction) error {
	if !x.cache.NeedsCompaction() {
		return nil
	}
	if err := x.cache.Compact(); err != nil {
		return err
	}
	tx.ResetExtension(ExtName, x.cache.ResetID())
	x.compactions++
	var buf [statsHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[:], x.compactions)
	tx.UpdateExtHeader(ExtName, 0, buf[:])
	return nil
}

// Compactions returns the number of compaction passes recorded in the
// extension's header storage for v's Map. Unlike x.compactions (which
// only tracks what this process has done), this reads the durable
// count any reader can see.
func (x *Extension) Compactions(v *mailidx.View) (uint32, error) {
	raw, err := v.LookupExtHeader(x.id)
	if err != nil {
		if err == mailidx.ErrExtNotMapped {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) < statsHeaderSize {
		return 0, nil
	}
	return binary.LittleEndian.Uint32(raw[:statsHeaderSize]), nil
}
