// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tpm holds code to control a station of processing nodes:
// multi-node register and memory access over UDP.
//
// The station package is the main entry point. Node selection lives in
// node, register maps in regs, the wire format in proto and the per-node
// transport in transport. The nodesim package emulates a node.
package tpm // import "github.com/go-lpc/tpm"

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version of tpm and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-lpc/tpm"
	if b.Main.Path == root {
		return b.Main.Version, b.Main.Sum
	}
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if r := m.Replace; r != nil {
			switch {
			case r.Path != "" && r.Version != "":
				return r.Path + " " + r.Version, r.Sum
			case r.Version != "":
				return r.Version, r.Sum
			case r.Path != "":
				return r.Path, r.Sum
			}
			return fmt.Sprintf("%s*", m.Version), ""
		}
		return m.Version, m.Sum
	}
	return "", ""
}
