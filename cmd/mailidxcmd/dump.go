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

func dump(dir, name string, cfg engineconfig.Resolved) {
	mb, err := mailbox.Open(dir, name, cfg)
	if err != nil {
		exitf("open %s/%s: %s", dir, name, err)
	}
	defer mb.Close()

	v := mb.NewView()
	defer v.Close()

	hdr := v.Header()
	fmt.Printf("indexid=%d uid_validity=%d next_uid=%d messages=%d\n",
		hdr.IndexID, hdr.UIDValidity, hdr.NextUID, hdr.MessagesCount)

	n := v.MessagesCount()
	for seq := 1; seq <= n; seq++ {
		rec, ok := v.Lookup(seq)
		if !ok {
			continue
		}
		fmt.Printf("seq=%d uid=%d flags=%#02x\n", seq, rec.UID, rec.Flags)
	}
}
