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

// Package keywords implements the named-keyword side of the keyword
// bitmap extension: a process-held name -> bit-index table, the piece
// spec section 4.4 assigns to "the keywords extension (which owns the
// name table)" rather than to core replay (core only ever applies
// keyword-update records that already carry a bit index -- see the
// comment on applyKeywordUpdate in mailidx/map_mutate.go).
package keywords

import (
	"sync"

	"github.com/coremailbox/mailidx/mailidx"
)

// ExtName is the extension name this package registers under.
const ExtName = "keywords"

// Table maps keyword names to the bit index mail-index records use
// for them. It is safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	byName map[string]uint32
	byIdx  []string
	next   uint32
}

// New returns an empty keyword name table.
func New() *Table {
	return &Table{byName: make(map[string]uint32)}
}

// Register installs the keyword-bitmap extension on e, sized to hold
// at least maxKeywords distinct names, and returns the Table that
// owns their names.
func Register(e *mailidx.Engine, maxKeywords int) (*Table, mailidx.ExtID) {
	t := New()
	id := e.RegisterExtension(mailidx.ExtDef{
		Name:              ExtName,
		DefaultRecordSize: uint32((maxKeywords + 7) / 8),
		DefaultAlign:      1,
	})
	e.SetHandlers(id, mailidx.ExtHandlers{})
	return t, id
}

// BitIndex returns the bit index already assigned to name, if any.
func (t *Table) BitIndex(name string) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byName[name]
	return i, ok
}

// Name returns the keyword name assigned to bit index i, if any.
func (t *Table) Name(i uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(i) >= len(t.byIdx) {
		return "", false
	}
	return t.byIdx[i], true
}

// assign returns name's bit index, allocating the next free one the
// first time name is seen. Bit indices are never reused even if the
// keyword later falls out of use, matching the original engine's
// append-only keyword name list.
func (t *Table) assign(name string) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.byName[name]; ok {
		return i
	}
	i := t.next
	t.next++
	t.byName[name] = i
	t.byIdx = append(t.byIdx, name)
	return i
}

// Introduce binds the keyword-bitmap extension's slot into tx's index
// if this is the first transaction to touch it.
func Introduce(tx *mailidx.Transaction, id mailidx.ExtID) error {
	return tx.IntroduceExtension(id, 0)
}

// SetKeyword stages a named keyword add/remove over r, resolving name
// to a bit index (assigning one if this is the first time the name
// has been used) before staging the underlying indexed update.
func (t *Table) SetKeyword(tx *mailidx.Transaction, r mailidx.UIDRange, name string, add bool) {
	idx := t.assign(name)
	tx.UpdateKeywordByIndex(r, idx, add)
}

// HasKeyword reports whether rec carries name, resolving name through
// the table first. Unknown names are never set on any record.
func (t *Table) HasKeyword(rec mailidx.Record, name string) bool {
	idx, ok := t.BitIndex(name)
	if !ok {
		return false
	}
	return rec.HasKeyword(int(idx))
}
