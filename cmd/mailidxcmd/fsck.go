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

	"github.com/coremailbox/mailidx/mailidx"
	"github.com/coremailbox/mailidx/mailidx/engineconfig"
	"github.com/coremailbox/mailidx/mailidx/mailbox"
)

// fsck opens the mailbox exactly the way a storage backend would.
// mailidx.Open already performs every structural check spec section
// 4.2 requires (version, compat_sizeof_uoff_t, header/file-size
// ordering, record alignment); a corrupted file never gets this far
// silently (spec section 7: corruption is unlinked, not papered over).
// This command exists so an operator can trigger that check without
// starting a protocol server.
func fsck(dir, name string, cfg engineconfig.Resolved) {
	mb, err := mailbox.Open(dir, name, cfg)
	if err != nil {
		if mailidx.IsKind(err, mailidx.KindCorrupted) {
			exitf("%s/%s: corrupted: %s", dir, name, err)
		}
		exitf("%s/%s: %s", dir, name, err)
	}
	defer mb.Close()

	v := mb.NewView()
	defer v.Close()

	n := v.MessagesCount()
	var lastUID uint32
	for seq := 1; seq <= n; seq++ {
		rec, ok := v.Lookup(seq)
		if !ok {
			exitf("%s/%s: sequence %d missing from its own message count", dir, name, seq)
		}
		if seq > 1 && rec.UID <= lastUID {
			exitf("%s/%s: uid monotonicity violated at seq %d (uid %d <= %d)", dir, name, seq, rec.UID, lastUID)
		}
		lastUID = rec.UID
	}
	hdr := v.Header()
	if lastUID >= hdr.NextUID {
		exitf("%s/%s: next_uid %d <= max observed uid %d", dir, name, hdr.NextUID, lastUID)
	}
	fmt.Printf("%s/%s: ok (%d messages)\n", dir, name, n)
}
