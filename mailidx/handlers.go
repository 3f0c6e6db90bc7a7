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

import "sync"

// SyncKind distinguishes the three moments an extension can be told
// "the index moved" (spec section 4.3): once per physical file as it
// is replayed (SyncFile), once per View as it catches up (SyncView),
// and once for the Engine's shared head Map as it advances
// (SyncHead). No code path in this engine invokes SyncFile handlers.
type SyncKind int

const (
	SyncFile SyncKind = iota
	SyncView
	SyncHead
)

// ChangeKind classifies one entry in the []Change slice a View.Sync
// call returns to its caller.
type ChangeKind int

const (
	ChangeAppend ChangeKind = iota
	ChangeExpunge
	ChangeFlagUpdate
	ChangeKeywordUpdate
	ChangeHeaderUpdate
	ChangeExtUpdate
)

// Change describes one unit of forward progress a View observed while
// syncing, scoped to the UID range it affected.
type Change struct {
	Kind  ChangeKind
	Range UIDRange
	Ext   string // set only for ChangeExtUpdate
}

// ExtHandlers are the callbacks an extension owner registers so it can
// react to log traffic concerning its own data, without the core
// engine needing to know anything about the extension's semantics.
type ExtHandlers struct {
	// OnExpunge is called once per expunged UID, before the record is
	// actually removed from the Map being synced.
	OnExpunge func(v *View, uid uint32)
	// OnSync is called after a sync pass completes, keyed by which
	// scope just advanced.
	OnSync map[SyncKind]func(v *View)
	// OnSyncLost is called when a View's position could not be
	// resolved against the log chain (file rotated out from under it,
	// or the IndexID changed). After a failed rotation hop the View
	// has been reset to Head; after an IndexID change it holds the
	// records replayed up to that point.
	OnSyncLost func(v *View)
}

// handlerRegistry maps registered extensions to the callbacks their
// owner installed, guarded by its own mutex since handlers can be
// registered from a different goroutine than the one driving syncs.
type handlerRegistry struct {
	mu sync.RWMutex
	m  map[ExtID]ExtHandlers
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{m: make(map[ExtID]ExtHandlers)}
}

func (hr *handlerRegistry) set(id ExtID, h ExtHandlers) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.m[id] = h
}

func (hr *handlerRegistry) snapshot() map[ExtID]ExtHandlers {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	out := make(map[ExtID]ExtHandlers, len(hr.m))
	for k, v := range hr.m {
		out[k] = v
	}
	return out
}
