// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cmdline interprets textual station commands.
package cmdline // import "github.com/go-lpc/tpm/internal/cmdline"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
	"github.com/go-lpc/tpm/station"
)

// Interp executes commands against a station.
type Interp struct {
	cli *station.Client
	w   io.Writer
}

// New creates an interpreter writing its output to w.
func New(cli *station.Client, w io.Writer) *Interp {
	return &Interp{cli: cli, w: w}
}

type command struct {
	name  string
	args  string
	help  string
	nargs int // minimum number of arguments
	run   func(in *Interp, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"read", "<nodes> <reg> [offset] [count]", "read words from a register", 2, (*Interp).read},
		{"write", "<nodes> <reg> <offset> <value>...", "write words into a register", 4, (*Interp).write},
		{"and", "<nodes> <reg> <offset> <mask>...", "AND words of a register, print previous values", 4, modify(proto.ModifyAnd)},
		{"or", "<nodes> <reg> <offset> <mask>...", "OR words of a register, print previous values", 4, modify(proto.ModifyOr)},
		{"xor", "<nodes> <reg> <offset> <mask>...", "XOR words of a register, print previous values", 4, modify(proto.ModifyXor)},
		{"peek", "<nodes> <addr> [count]", "read words at a byte address", 2, (*Interp).peek},
		{"poke", "<nodes> <addr> <value>...", "write words at a byte address", 3, (*Interp).poke},
		{"flash-read", "<nodes> <addr> [file]", "read a flash page", 2, (*Interp).flashRead},
		{"flash-write", "<nodes> <addr> <file>", "program a flash page", 3, (*Interp).flashWrite},
		{"erase", "<nodes> <addr>", "erase the flash sector holding addr", 2, (*Interp).erase},
		{"pps", "<nodes>", "wait for the next PPS edge", 1, (*Interp).pps},
		{"regs", "[node]", "list the registers of a node", 0, (*Interp).regs},
		{"nodes", "", "list the station nodes", 0, (*Interp).nodes},
		{"help", "", "print this help", 0, (*Interp).help},
	}
}

func lookup(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

// Exec executes the command held in args.
func (in *Interp) Exec(args []string) error {
	if len(args) == 0 {
		return nil
	}
	cmd, ok := lookup(strings.ToLower(args[0]))
	if !ok {
		return fmt.Errorf("cmdline: unknown command %q", args[0])
	}
	if len(args)-1 < cmd.nargs {
		return fmt.Errorf("cmdline: usage: %s %s", cmd.name, cmd.args)
	}
	return cmd.run(in, args[1:])
}

// Complete returns the completion candidates of a partial command line.
func (in *Interp) Complete(line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(line, " ")) {
		pre := ""
		if len(fields) == 1 {
			pre = fields[0]
		}
		var out []string
		for _, cmd := range commands {
			if strings.HasPrefix(cmd.name, pre) {
				out = append(out, cmd.name+" ")
			}
		}
		return out
	}

	head := line[:strings.LastIndex(line, " ")+1]
	last := ""
	if !strings.HasSuffix(line, " ") {
		last = fields[len(fields)-1]
	}

	idx := len(fields) - 1
	if last == "" {
		idx = len(fields)
	}

	var cands []string
	switch idx {
	case 1:
		cands = append(cands, "all", "front", "back", "-")
		for _, id := range in.cli.Registry().Nodes() {
			cands = append(cands, in.cli.Registry().Alias(id))
		}
	case 2:
		cands = in.names()
	}

	var out []string
	for _, c := range cands {
		if strings.HasPrefix(c, last) {
			out = append(out, head+c)
		}
	}
	return out
}

func (in *Interp) names() []string {
	set := make(map[string]struct{})
	for _, id := range in.cli.Registry().Nodes() {
		for _, name := range in.cli.Table().Names(id) {
			set[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// spec parses a node specification. "-" defers to the register name prefix.
func spec(s string) (node.Spec, error) {
	if s == "-" {
		return nil, nil
	}
	return node.ParseSpec(s)
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("cmdline: invalid value %q: %w", s, err)
	}
	return uint32(v), nil
}

func parseU32s(args []string) ([]uint32, error) {
	vs := make([]uint32, len(args))
	for i, s := range args {
		v, err := parseU32(s)
		if err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}

func optU32(args []string, i int, def uint32) (uint32, error) {
	if len(args) <= i {
		return def, nil
	}
	return parseU32(args[i])
}

// print writes the aggregate result and returns its error, if any.
func (in *Interp) print(agg station.AggregateResult, err error) error {
	var aerr *station.AggregateError
	if err != nil && !errors.As(err, &aerr) {
		return err
	}
	reg := in.cli.Registry()
	for _, res := range agg {
		fmt.Fprintf(in.w, "%-8s ", reg.Alias(res.Node))
		if res.Status != proto.Success {
			fmt.Fprintf(in.w, "%v [%v]\n", res.Status, res.Code)
			continue
		}
		if len(res.Values) == 0 {
			fmt.Fprintf(in.w, "ok\n")
			continue
		}
		for i, v := range res.Values {
			if i > 0 {
				fmt.Fprintf(in.w, " ")
			}
			fmt.Fprintf(in.w, "0x%08x", v)
		}
		fmt.Fprintf(in.w, "\n")
	}
	return err
}

func (in *Interp) read(args []string) error {
	nodes, err := spec(args[0])
	if err != nil {
		return err
	}
	offset, err := optU32(args, 2, 0)
	if err != nil {
		return err
	}
	count, err := optU32(args, 3, 1)
	if err != nil {
		return err
	}
	return in.print(in.cli.Read(nodes, args[1], offset, int(count)))
}

func (in *Interp) write(args []string) error {
	nodes, err := spec(args[0])
	if err != nil {
		return err
	}
	offset, err := parseU32(args[2])
	if err != nil {
		return err
	}
	vs, err := parseU32s(args[3:])
	if err != nil {
		return err
	}
	return in.print(in.cli.Write(nodes, args[1], offset, vs...))
}

func modify(op proto.Opcode) func(in *Interp, args []string) error {
	return func(in *Interp, args []string) error {
		nodes, err := spec(args[0])
		if err != nil {
			return err
		}
		offset, err := parseU32(args[2])
		if err != nil {
			return err
		}
		vs, err := parseU32s(args[3:])
		if err != nil {
			return err
		}
		return in.print(in.cli.Modify(nodes, args[1], op, offset, vs...))
	}
}

func (in *Interp) peek(args []string) error {
	nodes, err := node.ParseSpec(args[0])
	if err != nil {
		return err
	}
	addr, err := parseU32(args[1])
	if err != nil {
		return err
	}
	count, err := optU32(args, 2, 1)
	if err != nil {
		return err
	}
	return in.print(in.cli.ReadAddress(nodes, addr, int(count)))
}

func (in *Interp) poke(args []string) error {
	nodes, err := node.ParseSpec(args[0])
	if err != nil {
		return err
	}
	addr, err := parseU32(args[1])
	if err != nil {
		return err
	}
	vs, err := parseU32s(args[2:])
	if err != nil {
		return err
	}
	return in.print(in.cli.WriteAddress(nodes, addr, vs...))
}

func (in *Interp) flashRead(args []string) error {
	nodes, err := node.ParseSpec(args[0])
	if err != nil {
		return err
	}
	addr, err := parseU32(args[1])
	if err != nil {
		return err
	}
	agg, err := in.cli.FlashRead(nodes, addr)
	if len(args) < 3 || agg == nil {
		return in.print(agg, err)
	}

	for _, res := range agg {
		if res.Status != proto.Success {
			continue
		}
		fname := args[2]
		if len(agg) > 1 {
			fname += "." + in.cli.Registry().Alias(res.Node)
		}
		e := os.WriteFile(fname, in.cli.Bytes(res.Values), 0644)
		if e != nil {
			return fmt.Errorf("cmdline: could not write flash page of %v: %w", res.Node, e)
		}
		fmt.Fprintf(in.w, "%-8s %s\n", in.cli.Registry().Alias(res.Node), fname)
	}
	return err
}

func (in *Interp) flashWrite(args []string) error {
	nodes, err := node.ParseSpec(args[0])
	if err != nil {
		return err
	}
	addr, err := parseU32(args[1])
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(args[2])
	if err != nil {
		return fmt.Errorf("cmdline: could not read flash page: %w", err)
	}
	if len(raw) > proto.PageSize {
		return fmt.Errorf("cmdline: flash page file too big (%d > %d bytes)", len(raw), proto.PageSize)
	}
	page := bytes.Repeat([]byte{0xff}, proto.PageSize)
	copy(page, raw)
	return in.print(in.cli.FlashWrite(nodes, addr, page))
}

func (in *Interp) erase(args []string) error {
	nodes, err := node.ParseSpec(args[0])
	if err != nil {
		return err
	}
	addr, err := parseU32(args[1])
	if err != nil {
		return err
	}
	return in.print(in.cli.FlashErase(nodes, addr))
}

func (in *Interp) pps(args []string) error {
	nodes, err := node.ParseSpec(args[0])
	if err != nil {
		return err
	}
	return in.print(in.cli.WaitPPS(nodes))
}

func (in *Interp) regs(args []string) error {
	reg := in.cli.Registry()
	ids := reg.Nodes()
	if len(args) > 0 {
		v, err := reg.ResolveString(args[0])
		if err != nil {
			return err
		}
		ids = v
	}
	if len(ids) == 0 {
		return nil
	}
	id := ids[0]
	tbl := in.cli.Table()
	for _, name := range tbl.Names(id) {
		desc, err := tbl.Lookup(name, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(in.w, "%-24s 0x%08x %6d %-6v %v\n", desc.Name, desc.Address, desc.Size, desc.Kind, desc.Perm)
	}
	return nil
}

func (in *Interp) nodes(args []string) error {
	reg := in.cli.Registry()
	for _, id := range reg.Nodes() {
		typ, _ := reg.Type(id)
		fmt.Fprintf(in.w, "%-8s %-6v %v\n", reg.Alias(id), id, typ)
	}
	return nil
}

func (in *Interp) help(args []string) error {
	for _, cmd := range commands {
		fmt.Fprintf(in.w, "%-12s %-36s %s\n", cmd.name, cmd.args, cmd.help)
	}
	return nil
}
