// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const simCfg = `
[[nodes]]
id = 0
type = "F"
addr = "127.0.0.1:0"

[[nodes]]
id = 1
type = "B"
addr = "127.0.0.1:0"

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

[sim]
mem-size = 65536
flash-size = 65536
pps = "50ms"
flash-dir = "%FLASH%"
`

func TestRun(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "station.toml")
	err := os.WriteFile(fname, []byte(strings.Replace(simCfg, "%FLASH%", dir, 1)), 0644)
	if err != nil {
		t.Fatalf("could not write config: %+v", err)
	}

	for _, tc := range []struct {
		name   string
		nodes  string
		flashs []string
	}{
		{"all", "all", []string{"fpga1.flash", "fpga2.flash"}},
		{"back", "back", []string{"fpga2.flash"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for _, name := range tc.flashs {
				_ = os.Remove(filepath.Join(dir, name))
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- run(ctx, fname, tc.nodes, false)
			}()

			time.Sleep(200 * time.Millisecond)
			cancel()

			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("could not run simulator: %+v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("simulator did not shut down")
			}

			for _, name := range tc.flashs {
				_, err := os.Stat(filepath.Join(dir, name))
				if err != nil {
					t.Fatalf("missing flash image %q: %+v", name, err)
				}
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		name  string
		cfg   string
		nodes string
		want  string
	}{
		{
			name:  "no-config",
			nodes: "all",
			want:  "could not load configuration",
		},
		{
			name:  "node-selection",
			cfg:   strings.Replace(simCfg, "%FLASH%", "", 1),
			nodes: "fpga42",
			want:  "invalid node selection",
		},
		{
			name: "memory-too-small",
			cfg: strings.Replace(
				strings.Replace(simCfg, "%FLASH%", "", 1),
				"mem-size = 65536", "mem-size = 1024", 1,
			),
			nodes: "back",
			want:  "needs",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(dir, tc.name+".toml")
			if tc.cfg != "" {
				err := os.WriteFile(fname, []byte(tc.cfg), 0644)
				if err != nil {
					t.Fatalf("could not write config: %+v", err)
				}
			}
			err := run(context.Background(), fname, tc.nodes, false)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("invalid error: got=%q, want=%q", err, tc.want)
			}
		})
	}
}
