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
	"testing"
	"time"
)

func testConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.LockTimeout = 200 * time.Millisecond
	return cfg
}

// Scenario 1 (spec section 8): empty-mailbox append.
func TestEmptyMailboxAppend(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "box", testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	tx := e.NewTransaction()
	u1 := tx.Append(0)
	u2 := tx.Append(0)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if u1 != 1 || u2 != 2 {
		t.Fatalf("got uids %d,%d want 1,2", u1, u2)
	}

	e.Close()
	e2, err := Open(dir, "box", testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	v := e2.NewView()
	defer v.Close()
	if n := v.MessagesCount(); n != 2 {
		t.Fatalf("messages_count = %d, want 2", n)
	}
	r1, _, ok := v.LookupUID(1)
	if !ok || r1.UID != 1 {
		t.Fatalf("lookup uid 1: %+v, %v", r1, ok)
	}
	r2, _, ok := v.LookupUID(2)
	if !ok || r2.UID != 2 {
		t.Fatalf("lookup uid 2: %+v, %v", r2, ok)
	}
	if got := v.Header().NextUID; got != 3 {
		t.Fatalf("next_uid = %d, want 3", got)
	}
}

// Scenario 2 (spec section 8): flag update crossing rotation.
func TestFlagUpdateCrossingRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.RotateLogAtBytes = 512 // force several rotations over 1000 updates
	e, err := Open(dir, "box", cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	tx := e.NewTransaction()
	for i := 0; i < 5; i++ {
		tx.Append(0)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("append commit: %v", err)
	}

	var lastWasSeen bool
	for i := 0; i < 1000; i++ {
		seen := i%2 == 0
		tx := e.NewTransaction()
		if seen {
			tx.UpdateFlags(UIDRange{First: 3, Last: 3}, FlagSeen, 0)
		} else {
			tx.UpdateFlags(UIDRange{First: 3, Last: 3}, 0, FlagSeen)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("flag commit %d: %v", i, err)
		}
		lastWasSeen = seen
	}

	e.Close()
	e2, err := Open(dir, "box", cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	v := e2.NewView()
	defer v.Close()
	rec, _, ok := v.LookupUID(3)
	if !ok {
		t.Fatalf("uid 3 missing after reopen")
	}
	if rec.HasFlag(FlagSeen) != lastWasSeen {
		t.Fatalf("uid 3 seen=%v, want %v", rec.HasFlag(FlagSeen), lastWasSeen)
	}
}

// Scenario 3 (spec section 8): expunge and resync.
func TestExpungeAndResync(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "box", testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	tx := e.NewTransaction()
	for i := 0; i < 10; i++ {
		tx.Append(0)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("append commit: %v", err)
	}

	r := e.NewView()
	defer r.Close()
	if n := r.MessagesCount(); n != 10 {
		t.Fatalf("messages_count = %d, want 10", n)
	}

	tx2 := e.NewTransaction()
	tx2.Expunge(UIDRange{First: 3, Last: 3})
	tx2.Expunge(UIDRange{First: 7, Last: 7})
	if err := tx2.Commit(); err != nil {
		t.Fatalf("expunge commit: %v", err)
	}

	changes, err := r.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	var expungeRanges []UIDRange
	for _, c := range changes {
		if c.Kind == ChangeExpunge {
			expungeRanges = append(expungeRanges, c.Range)
		}
	}
	if len(expungeRanges) == 0 {
		t.Fatalf("expected at least one expunge notification, got %d changes total", len(changes))
	}
	seen3, seen7 := false, false
	for _, rg := range expungeRanges {
		if rg.Contains(3) {
			seen3 = true
		}
		if rg.Contains(7) {
			seen7 = true
		}
	}
	if !seen3 || !seen7 {
		t.Fatalf("expunge ranges %+v did not cover both uid 3 and uid 7", expungeRanges)
	}

	if n := r.MessagesCount(); n != 8 {
		t.Fatalf("messages_count after sync = %d, want 8", n)
	}
	rec, ok := r.Lookup(3)
	if !ok || rec.UID != 4 {
		t.Fatalf("seq 3 after expunge = %+v, want uid 4", rec)
	}
}

// Scenario 4 (spec section 8): indexid change. A mailbox recreation
// shows up to an in-progress reader as a header-update record that
// rewrites IndexID; View.Sync must discard everything gathered in
// that pass and mark itself inconsistent rather than return a partial
// notification list (see the "Open Question resolved" note on
// View.Sync).
func TestIndexIDChangeMidSync(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "box", testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	v := e.NewView()
	defer v.Close()

	tx := e.NewTransaction()
	tx.Append(0)
	if err := tx.Commit(); err != nil {
		t.Fatalf("append commit: %v", err)
	}

	newID := make([]byte, 4)
	binary.LittleEndian.PutUint32(newID, 999999)
	payload := encodeHeaderUpdate(headerUpdate{Offset: 16, Data: newID})
	if err := e.locker.AcquireExclusive(time.Second); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := e.translog.Append(RecHeaderUpdate, payload); err != nil {
		t.Fatalf("append header-update: %v", err)
	}
	e.locker.Release()

	changes, err := v.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if changes != nil {
		t.Fatalf("expected nil changes on indexid change, got %v", changes)
	}
	if !v.Inconsistent() {
		t.Fatalf("view should be marked inconsistent after indexid change")
	}
}

// LookupFirst's lowwater skip-ahead (spec section 4.2) must return the
// same answer a plain linear scan would, both before and after the
// hint has advanced past several flag updates.
func TestLookupFirstLowwaterHint(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "box", testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	tx := e.NewTransaction()
	for i := 0; i < 20; i++ {
		tx.Append(0)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("append commit: %v", err)
	}

	v := e.NewView()
	defer v.Close()

	seq, ok := v.LookupFirst(FlagSeen, 0)
	if !ok || seq != 1 {
		t.Fatalf("first unseen = %d,%v want 1,true", seq, ok)
	}

	tx2 := e.NewTransaction()
	tx2.UpdateFlags(UIDRange{First: 1, Last: 15}, FlagSeen, 0)
	if err := tx2.Commit(); err != nil {
		t.Fatalf("flag commit: %v", err)
	}
	if _, err := v.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if got := v.Header().SeenLowwater; got != 16 {
		t.Fatalf("SeenLowwater = %d, want 16", got)
	}
	seq, ok = v.LookupFirst(FlagSeen, 0)
	if !ok || seq != 16 {
		t.Fatalf("first unseen after update = %d,%v want 16,true", seq, ok)
	}

	tx3 := e.NewTransaction()
	tx3.UpdateFlags(UIDRange{First: 16, Last: 20}, FlagSeen, 0)
	if err := tx3.Commit(); err != nil {
		t.Fatalf("flag commit: %v", err)
	}
	if _, err := v.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := v.LookupFirst(FlagSeen, 0); ok {
		t.Fatalf("expected no unseen messages left")
	}
}

// ReadOnly engines must refuse to commit (spec section 6,
// MAIL_INDEX_FLAGS "readonly") and must be able to open an index a
// read-write engine has already created.
func TestReadOnlyRejectsCommit(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "box", testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tx := e.NewTransaction()
	tx.Append(0)
	if err := tx.Commit(); err != nil {
		t.Fatalf("append commit: %v", err)
	}
	e.Close()

	cfg := testConfig()
	cfg.ReadOnly = true
	ro, err := Open(dir, "box", cfg)
	if err != nil {
		t.Fatalf("readonly Open: %v", err)
	}
	defer ro.Close()

	v := ro.NewView()
	defer v.Close()
	if n := v.MessagesCount(); n != 1 {
		t.Fatalf("messages_count = %d, want 1", n)
	}

	tx2 := ro.NewTransaction()
	tx2.Append(0)
	if err := tx2.Commit(); err == nil {
		t.Fatalf("expected commit to fail on a read-only engine")
	}
}

// UpdateExtHeader writes into an extension's own header-sized storage
// region (spec section 4.4), independent of any per-message record
// slot, and LookupExtHeader reads the latest value back.
func TestExtHeaderUpdateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "box", testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	id := e.RegisterExtension(ExtDef{Name: "stats", DefaultHeaderSize: 8})

	tx := e.NewTransaction()
	if err := tx.IntroduceExtension(id, 1); err != nil {
		t.Fatalf("IntroduceExtension: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("introduce commit: %v", err)
	}

	v := e.NewView()
	defer v.Close()
	if raw, err := v.LookupExtHeader(id); err != nil || raw != nil {
		t.Fatalf("LookupExtHeader before any write = %v,%v want nil,nil", raw, err)
	}

	tx2 := e.NewTransaction()
	tx2.UpdateExtHeader("stats", 0, []byte{1, 2, 3, 4})
	if err := tx2.Commit(); err != nil {
		t.Fatalf("ext-hdr-update commit: %v", err)
	}
	if _, err := v.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	raw, err := v.LookupExtHeader(id)
	if err != nil {
		t.Fatalf("LookupExtHeader: %v", err)
	}
	if string(raw) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("LookupExtHeader = %v, want [1 2 3 4]", raw)
	}

	tx3 := e.NewTransaction()
	tx3.UpdateExtHeader("stats", 4, []byte{5, 6})
	if err := tx3.Commit(); err != nil {
		t.Fatalf("second ext-hdr-update commit: %v", err)
	}
	if _, err := v.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	raw, err = v.LookupExtHeader(id)
	if err != nil {
		t.Fatalf("LookupExtHeader: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5, 6}
	if string(raw) != string(want) {
		t.Fatalf("LookupExtHeader after partial write = %v, want %v", raw, want)
	}
}
