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

package msgcache

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/coremailbox/mailidx/mailidx"
	"github.com/coremailbox/mailidx/mailidx/mcache"
)

const fieldBody = 1

func testEngineConfig() mailidx.EngineConfig {
	cfg := mailidx.DefaultEngineConfig()
	cfg.LockTimeout = 200 * time.Millisecond
	return cfg
}

// Scenario 5 (spec section 8): cache compaction / reset_id discipline.
// A reader that holds the old cache generation's badge reads a cache
// field for a surviving mail and gets "absent" once compaction bumps
// the generation. Re-syncing the index past the extension's reset
// zeroes every badge, so the field still reads "absent": the
// surviving mail's old value is not readable again. Only after the
// field is Put under the new generation does Get return it.
func TestCacheCompactionResetIDDiscipline(t *testing.T) {
	dir := t.TempDir()
	e, err := mailidx.Open(dir, "box", testEngineConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	cache, err := mcache.Open(filepath.Join(dir, "box.mcache"), 1, 3) // compact eagerly
	if err != nil {
		t.Fatalf("mcache.Open: %v", err)
	}
	defer cache.Close()

	x := Register(e, cache)

	const n = 1000
	tx := e.NewTransaction()
	if err := x.Introduce(tx); err != nil {
		t.Fatalf("Introduce: %v", err)
	}
	uids := make([]uint32, n)
	for i := 0; i < n; i++ {
		uids[i] = tx.Append(0)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("append commit: %v", err)
	}

	for i, uid := range uids {
		tx := e.NewTransaction()
		body := []byte(fmt.Sprintf("message body #%d, some bytes: %s", i, string(make([]byte, 32))))
		if err := x.Put(tx, uid, fieldBody, body); err != nil {
			t.Fatalf("Put uid %d: %v", uid, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("put commit uid %d: %v", uid, err)
		}
	}

	v := e.NewView()
	defer v.Close()
	if _, err := v.Sync(); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}

	// A reader resolves every surviving mail's body correctly before
	// compaction.
	for seq := 1; seq <= n; seq++ {
		rec, ok := v.Lookup(seq)
		if !ok {
			t.Fatalf("seq %d missing", seq)
		}
		if _, ok, err := x.Get(v, seq, rec.UID, fieldBody); err != nil || !ok {
			t.Fatalf("Get uid %d before compaction: ok=%v err=%v", rec.UID, ok, err)
		}
	}

	// Expunge every second mail, then compact the cache. Compaction
	// only rewrites the cache file and bumps its reset_id; it does not
	// by itself touch the index, so readers still on the pre-compact
	// generation must see their badges go stale until they resync past
	// the ResetExtension record.
	tx2 := e.NewTransaction()
	for i := 0; i < n; i += 2 {
		tx2.Expunge(mailidx.UIDRange{First: uids[i], Last: uids[i]})
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("expunge commit: %v", err)
	}

	if err := cache.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	// The reader hasn't resynced yet: its mapped badges still carry the
	// pre-compaction generation, so every cache lookup now reports
	// absent rather than stale/wrong data.
	survivingSeq := 2 // uid index 1 (uids[1]) was not expunged
	rec, ok := v.Lookup(survivingSeq)
	if !ok {
		t.Fatalf("seq %d missing before resync", survivingSeq)
	}
	if _, ok, err := x.Get(v, survivingSeq, rec.UID, fieldBody); err != nil || ok {
		t.Fatalf("Get after compaction but before resync: ok=%v err=%v, want ok=false", ok, err)
	}

	// Record the compaction's reset_id bump in the index, the way
	// Extension.MaybeCompact or the admin CLI's compact command would.
	// ResetExtension also zeroes every record's extension slot, so the
	// old per-record badges are gone along with the generation they
	// referred to -- a record only becomes readable again once
	// something Puts a fresh value for it under the new generation.
	tx3 := e.NewTransaction()
	tx3.ResetExtension(ExtName, cache.ResetID())
	if err := tx3.Commit(); err != nil {
		t.Fatalf("ResetExtension commit: %v", err)
	}

	if _, err := v.Sync(); err != nil {
		t.Fatalf("resync: %v", err)
	}

	if got := v.MessagesCount(); got != n/2 {
		t.Fatalf("messages_count after expunge+resync = %d, want %d", got, n/2)
	}
	rec, ok = v.Lookup(survivingSeq)
	if !ok {
		t.Fatalf("seq %d missing after resync", survivingSeq)
	}
	if _, ok, err := x.Get(v, survivingSeq, rec.UID, fieldBody); err != nil || ok {
		t.Fatalf("Get right after reset: ok=%v err=%v, want ok=false (badge zeroed by reset)", ok, err)
	}

	// Re-populating a surviving mail's field stamps a fresh badge under
	// the new generation, and Get resolves it again -- the cache data
	// itself survived Compact (it was in the keepList), only the
	// index-side badge needed rewriting.
	newBody := []byte("rewritten after compaction")
	tx4 := e.NewTransaction()
	if err := x.Put(tx4, rec.UID, fieldBody, newBody); err != nil {
		t.Fatalf("Put after reset: %v", err)
	}
	if err := tx4.Commit(); err != nil {
		t.Fatalf("put commit after reset: %v", err)
	}
	if _, err := v.Sync(); err != nil {
		t.Fatalf("resync after re-put: %v", err)
	}
	got, ok, err := x.Get(v, survivingSeq, rec.UID, fieldBody)
	if err != nil || !ok {
		t.Fatalf("Get after re-put: ok=%v err=%v", ok, err)
	}
	if string(got) != string(newBody) {
		t.Fatalf("Get after re-put = %q, want %q", got, newBody)
	}
}
