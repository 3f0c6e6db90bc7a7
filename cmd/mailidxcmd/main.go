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

// Command mailidxcmd is a small administrative tool for inspecting and
// maintaining mailidx indexes directly, without going through an
// IMAP/POP3 server -- the same role cmd/sdb plays for the teacher's
// table format.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coremailbox/mailidx/mailidx/engineconfig"
)

var dashConfig string

func init() {
	flag.StringVar(&dashConfig, "config", "", "path to an engineconfig YAML file")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "mailidxcmd: "+f+"\n", args...)
	os.Exit(1)
}

func loadConfig() engineconfig.Resolved {
	cfg, err := engineconfig.Load(dashConfig)
	if err != nil {
		exitf("%s", err)
	}
	return cfg
}

func splitPrefix(path string) (dir, name string) {
	dir, name = filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	return dir, name
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s dump <mailbox-prefix>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        list every message's uid/flags\n")
		fmt.Fprintf(os.Stderr, "    %s fsck <mailbox-prefix>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        verify index/log/cache structural invariants\n")
		fmt.Fprintf(os.Stderr, "    %s compact <mailbox-prefix>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        force a message-cache compaction\n")
		flag.Usage()
		os.Exit(1)
	}

	cmd, prefix := args[0], args[1]
	dir, name := splitPrefix(prefix)
	cfg := loadConfig()

	switch cmd {
	case "dump":
		dump(dir, name, cfg)
	case "fsck":
		fsck(dir, name, cfg)
	case "compact":
		compact(dir, name, cfg)
	default:
		exitf("unknown command %q (want dump, fsck, compact)", cmd)
	}
}
