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

package main

import (
	"fmt"

	"github.com/coremailbox/mailidx/mailidx/engineconfig"
	"github.com/coremailbox/mailidx/mailidx/mailbox"
)

// compact forces a message-cache compaction regardless of whether the
// dead-space threshold has been crossed, and records the resulting
// reset_id bump in the index so every reader's cached offsets go
// stale at once (spec section 4.7).
func compact(dir, name string, cfg engineconfig.Resolved) {
	mb, err := mailbox.Open(dir, name, cfg)
	if err != nil {
		exitf("open %s/%s: %s", dir, name, err)
	}
	defer mb.Close()

	if err := mb.Cache.Compact(); err != nil {
		exitf("compact %s/%s: %s", dir, name, err)
	}

	tx := mb.NewTransaction()
	tx.ResetExtension("msgcache", mb.Cache.ResetID())
	if err := tx.Commit(); err != nil {
		exitf("record compaction %s/%s: %s", dir, name, err)
	}

	fmt.Printf("%s/%s: compacted, reset_id=%d\n", dir, name, mb.Cache.ResetID())
}
