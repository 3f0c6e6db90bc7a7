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

// Package engineconfig loads the operational knobs a mailidx.Engine
// needs beyond what the on-disk format dictates -- lock method, fsync
// policy, log rotation size, stale-lock thresholds -- from an optional
// YAML file, and applies the MAIL_INDEX_FLAGS / INDEX environment
// hooks spec section 6 names on top of it.
package engineconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/coremailbox/mailidx/mailidx"
	"github.com/coremailbox/mailidx/mailidx/lock"
)

// File is the YAML-decodable shape of an engine config file. Durations
// are plain strings ("10s", "5m") so the file reads naturally; Load
// parses them with time.ParseDuration.
type File struct {
	LockMethod        string `json:"lockMethod,omitempty"`
	StaleAge          string `json:"staleAge,omitempty"`
	ImmediateStaleAge string `json:"immediateStaleAge,omitempty"`
	FsyncLog          *bool  `json:"fsyncLog,omitempty"`
	RotateLogAtBytes  int64  `json:"rotateLogAtBytes,omitempty"`
	LockTimeout       string `json:"lockTimeout,omitempty"`

	// Cache controls mailidx/mcache.
	Cache struct {
		CompactAtBytes int64 `json:"compactAtBytes,omitempty"`
	} `json:"cache,omitempty"`

	// StaleRetry bounds how many times an operation that hits ESTALE
	// re-opens the file it was reading before giving up (spec section
	// 9, "NFS workarounds" redesigned as explicit configuration).
	StaleRetry int `json:"staleRetry,omitempty"`

	// IndexDir overrides the directory mailboxes are stored under;
	// the INDEX environment variable, when set, overrides this value
	// (the environment hook spec section 6 names).
	IndexDir string `json:"indexDir,omitempty"`
}

// Resolved is the decoded, ready-to-use form of File, with every
// duration parsed and every default filled in.
type Resolved struct {
	Engine     mailidx.EngineConfig
	CompactAtBytes int64
	StaleRetry int
	IndexDir   string
}

// Load reads and parses a YAML config file at path, applying
// DefaultEngineConfig for anything the file leaves unset, then
// environment-hook overrides on top (spec section 6: INDEX,
// MAIL_INDEX_FLAGS).
func Load(path string) (Resolved, error) {
	var f File
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Resolved{}, fmt.Errorf("engineconfig: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return Resolved{}, fmt.Errorf("engineconfig: parse %s: %w", path, err)
		}
	}
	return resolve(f)
}

func resolve(f File) (Resolved, error) {
	r := Resolved{Engine: mailidx.DefaultEngineConfig()}

	if f.LockMethod != "" {
		m, err := parseLockMethod(f.LockMethod)
		if err != nil {
			return r, err
		}
		r.Engine.LockMethod = m
	}
	if f.StaleAge != "" {
		d, err := time.ParseDuration(f.StaleAge)
		if err != nil {
			return r, fmt.Errorf("engineconfig: staleAge: %w", err)
		}
		r.Engine.StaleAge = d
	}
	if f.ImmediateStaleAge != "" {
		d, err := time.ParseDuration(f.ImmediateStaleAge)
		if err != nil {
			return r, fmt.Errorf("engineconfig: immediateStaleAge: %w", err)
		}
		r.Engine.ImmediateStaleAge = d
	}
	if f.FsyncLog != nil {
		r.Engine.FsyncLog = *f.FsyncLog
	}
	if f.RotateLogAtBytes > 0 {
		r.Engine.RotateLogAtBytes = f.RotateLogAtBytes
	}
	if f.LockTimeout != "" {
		d, err := time.ParseDuration(f.LockTimeout)
		if err != nil {
			return r, fmt.Errorf("engineconfig: lockTimeout: %w", err)
		}
		r.Engine.LockTimeout = d
	}
	r.CompactAtBytes = f.Cache.CompactAtBytes
	r.StaleRetry = f.StaleRetry
	if r.StaleRetry == 0 {
		r.StaleRetry = 3
	}
	r.Engine.StaleRetry = r.StaleRetry
	r.IndexDir = f.IndexDir

	applyEnv(&r)
	return r, nil
}

func parseLockMethod(s string) (lock.Method, error) {
	switch strings.ToLower(s) {
	case "fcntl":
		return lock.MethodFcntl, nil
	case "flock":
		return lock.MethodFlock, nil
	case "dotlock":
		return lock.MethodDotlock, nil
	default:
		return 0, fmt.Errorf("engineconfig: unknown lockMethod %q", s)
	}
}

// MAIL_INDEX_FLAGS bit positions (spec section 6). Only the bits this
// implementation acts on are named; unknown bits are ignored rather
// than rejected, since a newer deployment's flags file may set bits
// this build doesn't know about yet.
const (
	flagDisableMmap = 1 << iota
	flagNFSFlush
	flagDotlockUseExcl
	flagFsyncDisable
	flagReadonly
	flagNeverInMemory
	flagKeepBackups
)

// applyEnv layers the INDEX and MAIL_INDEX_FLAGS environment hooks on
// top of whatever the YAML file already resolved to.
func applyEnv(r *Resolved) {
	if dir := os.Getenv("INDEX"); dir != "" {
		r.IndexDir = dir
	}
	flags := parseFlags(os.Getenv("MAIL_INDEX_FLAGS"))
	if flags&flagDisableMmap != 0 {
		r.Engine.DisableMmap = true
	}
	if flags&flagNFSFlush != 0 {
		r.Engine.NFSFlush = true
	}
	if flags&flagDotlockUseExcl != 0 {
		r.Engine.DotlockUseExcl = true
	}
	if flags&flagFsyncDisable != 0 {
		r.Engine.FsyncLog = false
	}
	if flags&flagReadonly != 0 {
		r.Engine.ReadOnly = true
	}
	if flags&flagNeverInMemory != 0 {
		r.Engine.NeverInMemory = true
	}
	if flags&flagKeepBackups != 0 {
		r.Engine.KeepBackups = true
	}
}

func parseFlags(s string) int {
	if s == "" {
		return 0
	}
	var v int
	fmt.Sscanf(s, "%d", &v)
	return v
}
