// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/regs"
)

const stationCfg = `
timeout = "250ms"
workers = 4
byte-order = "big"

[[nodes]]
id = 0
type = "F"
addr = "127.0.0.1:10000"

[[nodes]]
id = 1
type = "B"
addr = "127.0.0.1:10001"

[[registers]]
node = "all"
name = "board.ctrl"
address = 0x100
size = 1

[[registers]]
node = "back"
name = "daq.fifo"
address = 0x4000
size = 16
kind = "fifo"
perm = "r"

[mail]
server = "smtp.example.org"
from = "tpm@example.org"
to = ["shifter@example.org"]

[sim]
pps = "100ms"
flash-size = 131072
`

func TestLoad(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "station.toml")
	err := os.WriteFile(fname, []byte(stationCfg), 0644)
	if err != nil {
		t.Fatalf("could not write config: %+v", err)
	}

	cfg, err := Load(fname)
	if err != nil {
		t.Fatalf("could not load config: %+v", err)
	}

	if got, want := cfg.Timeout, 250*time.Millisecond; got != want {
		t.Fatalf("invalid timeout: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Workers, 4; got != want {
		t.Fatalf("invalid workers: got=%d, want=%d", got, want)
	}
	if got, want := cfg.Order, binary.ByteOrder(binary.BigEndian); got != want {
		t.Fatalf("invalid byte order: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Nodes, []node.Entry{{ID: 0, Type: node.Front}, {ID: 1, Type: node.Back}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid nodes: got=%v, want=%v", got, want)
	}
	if got, want := cfg.NodeIDs(), []node.ID{0, 1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid node ids: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Addrs[1], "127.0.0.1:10001"; got != want {
		t.Fatalf("invalid address: got=%q, want=%q", got, want)
	}
	if got, want := cfg.Registers[1], (regs.Entry{
		Scope: "back", Name: "daq.fifo", Address: 0x4000, Size: 16, Kind: regs.Fifo, Perm: regs.Read,
	}); got != want {
		t.Fatalf("invalid register:\ngot= %+v\nwant=%+v", got, want)
	}
	if !cfg.Mail.Enabled() || cfg.Mail.Port != 587 {
		t.Fatalf("invalid mail config: %+v", cfg.Mail)
	}
	if cfg.DB.Enabled() {
		t.Fatalf("configuration db should be disabled")
	}
	if got, want := cfg.Sim.PPS, 100*time.Millisecond; got != want {
		t.Fatalf("invalid PPS period: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Sim.FlashSize, 131072; got != want {
		t.Fatalf("invalid flash size: got=%v, want=%v", got, want)
	}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("could not create registry: %+v", err)
	}
	tbl, err := cfg.Table(reg)
	if err != nil {
		t.Fatalf("could not create table: %+v", err)
	}
	if got, want := len(tbl.Fifos(1)), 1; got != want {
		t.Fatalf("invalid number of FIFOs: got=%d, want=%d", got, want)
	}

	// no database: Resolve is a no-op.
	err = cfg.Resolve(context.Background())
	if err != nil {
		t.Fatalf("could not resolve: %+v", err)
	}

	if got, want := len(cfg.Options()), 3; got != want {
		t.Fatalf("invalid number of options: got=%d, want=%d", got, want)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(`
[[nodes]]
id = 3
type = "F"
addr = "10.0.10.5:10000"
`)
	if err != nil {
		t.Fatalf("could not parse config: %+v", err)
	}
	def := Default()
	if cfg.Timeout != def.Timeout || cfg.Workers != def.Workers || cfg.Order != def.Order {
		t.Fatalf("invalid defaults: %+v", cfg)
	}
	if cfg.Mail.Enabled() {
		t.Fatalf("mail should be disabled")
	}
}

func TestParseErrors(t *testing.T) {
	const node0 = `
[[nodes]]
id = 0
type = "F"
addr = "127.0.0.1:10000"
`
	for _, tc := range []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "empty",
			doc:  ``,
			want: "no node and no configuration database",
		},
		{
			name: "unknown-key",
			doc:  `verbose = true` + node0,
			want: "unknown keys verbose",
		},
		{
			name: "timeout",
			doc:  `timeout = "1 parsec"` + node0,
			want: "could not parse timeout",
		},
		{
			name: "byte-order",
			doc:  `byte-order = "middle"` + node0,
			want: `invalid byte order "middle"`,
		},
		{
			name: "dup-node",
			doc:  node0 + node0,
			want: "duplicate id 0",
		},
		{
			name: "node-type",
			doc: `
[[nodes]]
id = 0
type = "X"
addr = "127.0.0.1:10000"
`,
			want: `invalid type tag "X"`,
		},
		{
			name: "node-addr",
			doc: `
[[nodes]]
id = 0
type = "F"
`,
			want: "missing address",
		},
		{
			name: "register-kind",
			doc: node0 + `
[[registers]]
name = "r"
address = 0
size = 1
kind = "stack"
`,
			want: `invalid register kind "stack"`,
		},
		{
			name: "register-perm",
			doc: node0 + `
[[registers]]
name = "r"
address = 0
size = 1
perm = "x"
`,
			want: `invalid register permission "x"`,
		},
		{
			name: "register-size",
			doc: node0 + `
[[registers]]
name = "r"
address = 0
`,
			want: "invalid size 0",
		},
		{
			name: "register-scope",
			doc: node0 + `
[[registers]]
node = "fpga9"
name = "r"
address = 0
size = 1
`,
			want: "could not resolve scope",
		},
		{
			name: "sim-pps",
			doc: node0 + `
[sim]
pps = "fast"
`,
			want: "could not parse sim PPS period",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.doc)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("invalid error:\ngot= %v\nwant=%v", err, tc.want)
			}
		})
	}
}

func TestParseByteOrder(t *testing.T) {
	for _, tc := range []struct {
		name string
		want binary.ByteOrder
	}{
		{"little", binary.LittleEndian},
		{"LE", binary.LittleEndian},
		{"big", binary.BigEndian},
		{"big-endian", binary.BigEndian},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseByteOrder(tc.name)
			if err != nil {
				t.Fatalf("could not parse: %+v", err)
			}
			if got != tc.want {
				t.Fatalf("invalid byte order: got=%v, want=%v", got, tc.want)
			}
		})
	}
}
