// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-lpc/tpm/node"
)

// Entry is one row of a register map as provided by firmware loading.
// Scope is a node specification (e.g. "all", "front", "fpga2").
type Entry struct {
	Scope   string
	Name    string
	Address uint32
	Size    uint32
	Kind    Kind
	Perm    Permission
}

// Table maps each node to its register descriptors.
// A Table is read-only once built.
type Table struct {
	regs map[node.ID]map[string]Descriptor
}

// NewTable expands entries over the nodes of reg.
func NewTable(reg *node.Registry, entries []Entry) (*Table, error) {
	tbl := &Table{
		regs: make(map[node.ID]map[string]Descriptor, reg.Len()),
	}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("regs: register with empty name (addr=0x%x)", e.Address)
		}
		if e.Size == 0 {
			return nil, fmt.Errorf("regs: register %q with zero size", e.Name)
		}
		if e.Perm == 0 {
			e.Perm = ReadWrite
		}
		scope := e.Scope
		if scope == "" {
			scope = node.All.String()
		}
		ids, err := reg.ResolveString(scope)
		if err != nil {
			return nil, fmt.Errorf("regs: could not resolve scope of register %q: %w", e.Name, err)
		}
		key := strings.ToLower(e.Name)
		for _, id := range ids {
			m, ok := tbl.regs[id]
			if !ok {
				m = make(map[string]Descriptor)
				tbl.regs[id] = m
			}
			if _, dup := m[key]; dup {
				return nil, fmt.Errorf("regs: duplicate register %q for %v", e.Name, id)
			}
			m[key] = Descriptor{
				Name:    e.Name,
				Node:    id,
				Address: e.Address,
				Size:    e.Size,
				Kind:    e.Kind,
				Perm:    e.Perm,
			}
		}
	}
	return tbl, nil
}

// Lookup returns the descriptor of register name on node id.
// Names are matched case-insensitively.
func (tbl *Table) Lookup(name string, id node.ID) (Descriptor, error) {
	if tbl != nil {
		if desc, ok := tbl.regs[id][strings.ToLower(name)]; ok {
			return desc, nil
		}
	}
	return Descriptor{}, &UnknownRegisterError{Name: name, Node: id}
}

// Names returns the sorted register names defined for node id.
func (tbl *Table) Names(id node.ID) []string {
	if tbl == nil {
		return nil
	}
	m := tbl.regs[id]
	names := make([]string, 0, len(m))
	for _, desc := range m {
		names = append(names, desc.Name)
	}
	sort.Strings(names)
	return names
}

// Fifos returns the FIFO registers of node id, sorted by address.
func (tbl *Table) Fifos(id node.ID) []Descriptor {
	if tbl == nil {
		return nil
	}
	var fifos []Descriptor
	for _, desc := range tbl.regs[id] {
		if desc.Kind == Fifo {
			fifos = append(fifos, desc)
		}
	}
	sort.Slice(fifos, func(i, j int) bool {
		return fifos[i].Address < fifos[j].Address
	})
	return fifos
}

// Extent returns the highest byte address (exclusive) used by the
// registers of node id.
func (tbl *Table) Extent(id node.ID) uint32 {
	if tbl == nil {
		return 0
	}
	var max uint32
	for _, desc := range tbl.regs[id] {
		end := desc.Address + 4*desc.Size
		if end > max {
			max = end
		}
	}
	return max
}
