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

// Package mailbox is the storage-backend-facing facade that stitches
// the index engine, the message cache, and the two built-in
// extensions together into the single "common API" spec section 1
// says every mbox/Maildir/dbox/cydir/virtual backend consumes. A
// backend that wants its own extensions can still reach the
// underlying *mailidx.Engine directly; Mailbox only bundles the parts
// every backend needs regardless of its on-disk message layout.
package mailbox

import (
	"fmt"
	"path/filepath"

	"github.com/coremailbox/mailidx/mailidx"
	"github.com/coremailbox/mailidx/mailidx/engineconfig"
	"github.com/coremailbox/mailidx/mailidx/ext/keywords"
	"github.com/coremailbox/mailidx/mailidx/ext/msgcache"
	"github.com/coremailbox/mailidx/mailidx/mcache"
)

// maxKeywords bounds how many distinct keyword names one mailbox can
// carry; the keyword-bitmap extension's record slot is sized to this
// many bits up front since the core engine only ever grows record
// layouts forward (spec section 4.3), never shrinks them.
const maxKeywords = 64

// Mailbox is one opened mailbox: its index engine, its message cache,
// and the msgcache/keywords extensions bound to both.
type Mailbox struct {
	Engine   *mailidx.Engine
	Cache    *mcache.Cache
	MsgCache *msgcache.Extension
	Keywords *keywords.Table

	keywordsID mailidx.ExtID
}

// Open opens (creating if necessary) the index, transaction log,
// lock, and cache files for one mailbox named name within dir, and
// registers the msgcache and keywords extensions against it.
func Open(dir, name string, cfg engineconfig.Resolved) (*Mailbox, error) {
	e, err := mailidx.Open(dir, name, cfg.Engine)
	if err != nil {
		return nil, err
	}

	cachePath := filepath.Join(dir, name+".cache")
	cache, err := mcache.Open(cachePath, cfg.CompactAtBytes, cfg.Engine.StaleRetry)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("mailbox: open cache: %w", err)
	}

	mc := msgcache.Register(e, cache)
	kw, kwID := keywords.Register(e, maxKeywords)

	mb := &Mailbox{Engine: e, Cache: cache, MsgCache: mc, Keywords: kw, keywordsID: kwID}

	tx := e.NewTransaction()
	if err := mc.Introduce(tx); err != nil {
		tx.Rollback()
		mb.Close()
		return nil, err
	}
	if err := keywords.Introduce(tx, kwID); err != nil {
		tx.Rollback()
		mb.Close()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		mb.Close()
		return nil, err
	}

	return mb, nil
}

// NewView returns a fresh View pinned to the mailbox's current head.
func (m *Mailbox) NewView() *mailidx.View {
	return m.Engine.NewView()
}

// NewTransaction starts a new batch of edits against the mailbox's
// current head, with both built-in extensions already introduced.
func (m *Mailbox) NewTransaction() *mailidx.Transaction {
	return m.Engine.NewTransaction()
}

// Close releases the mailbox's engine and cache file handles.
func (m *Mailbox) Close() error {
	var firstErr error
	if m.Cache != nil {
		if err := m.Cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.Engine != nil {
		if err := m.Engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
