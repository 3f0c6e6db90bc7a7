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
	"sync"

	"golang.org/x/exp/maps"
)

// ExtID identifies an extension within one Engine's process-lifetime
// registry. It is stable for the life of the Engine but is not part
// of the on-disk format -- extensions are matched across processes by
// Name, not ExtID (spec section 4.3).
type ExtID int

// ExtDef is the default footprint an extension asks for when it is
// first introduced into an index that doesn't carry it yet.
type ExtDef struct {
	Name              string
	DefaultHeaderSize uint32
	DefaultRecordSize uint32
	DefaultAlign      uint32
}

// registry is the per-Engine table of registered extensions. Unlike
// the C original, this is never a package-level global: it is
// constructed once by whatever process embeds this module and passed
// around by reference (spec section 9, "global mutable state").
type registry struct {
	mu    sync.RWMutex
	defs  []ExtDef
	byName map[string]ExtID
}

func newRegistry() *registry {
	return &registry{byName: make(map[string]ExtID)}
}

// Register adds a new extension definition and returns its stable
// ExtID. Registering the same name twice returns the existing ExtID
// without modifying the stored definition.
func (r *registry) Register(def ExtDef) ExtID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[def.Name]; ok {
		return id
	}
	id := ExtID(len(r.defs))
	r.defs = append(r.defs, def)
	r.byName[def.Name] = id
	return id
}

func (r *registry) def(id ExtID) (ExtDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(r.defs) {
		return ExtDef{}, false
	}
	return r.defs[id], true
}

func (r *registry) lookupByName(name string) (ExtID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// names returns a snapshot of all registered extension names, sorted
// is not guaranteed; callers that need determinism should sort.
func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Keys(r.byName)
}

// slotFor resolves an ExtID to its slot within a specific Map's
// extension table by matching names (spec section 4.3: "missing
// extensions produce a 'not mapped in this map' indication rather
// than an error").
func (m *Map) slotFor(reg *registry, id ExtID) (ExtTableEntry, bool) {
	def, ok := reg.def(id)
	if !ok {
		return ExtTableEntry{}, false
	}
	for _, e := range m.header.Extensions {
		if e.Name == def.Name {
			return e, true
		}
	}
	return ExtTableEntry{}, false
}

// ErrExtNotMapped is returned by View.LookupExt when the requested
// extension has not been introduced (via an ext-intro log record)
// into the Map the View is currently looking at.
var ErrExtNotMapped = fmt.Errorf("mailidx: extension not mapped in this map")
