// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"fmt"
	"sort"
)

// Registry resolves node specifications against a static topology.
// A Registry is immutable once created and safe for concurrent use.
type Registry struct {
	ids   []ID        // all nodes, ascending
	types map[ID]Type // node -> type tag
}

// NewRegistry creates a registry from the provided topology.
func NewRegistry(topo []Entry) (*Registry, error) {
	reg := &Registry{
		ids:   make([]ID, 0, len(topo)),
		types: make(map[ID]Type, len(topo)),
	}
	for _, e := range topo {
		if !e.Type.Valid() {
			return nil, fmt.Errorf("node: invalid type tag %q for %v", byte(e.Type), e.ID)
		}
		if _, dup := reg.types[e.ID]; dup {
			return nil, fmt.Errorf("node: duplicate topology entry for %v", e.ID)
		}
		reg.types[e.ID] = e.Type
		reg.ids = append(reg.ids, e.ID)
	}
	sort.Slice(reg.ids, func(i, j int) bool {
		return reg.ids[i] < reg.ids[j]
	})
	return reg, nil
}

// Len returns the number of nodes in the topology.
func (reg *Registry) Len() int { return len(reg.ids) }

// Nodes returns all nodes, in ascending order.
func (reg *Registry) Nodes() []ID {
	return append([]ID(nil), reg.ids...)
}

// Has reports whether id is part of the topology.
func (reg *Registry) Has(id ID) bool {
	_, ok := reg.types[id]
	return ok
}

// Type returns the type tag of node id.
func (reg *Registry) Type(id ID) (Type, bool) {
	t, ok := reg.types[id]
	return t, ok
}

// Alias returns the canonical, 1-based, alias of node id.
func (reg *Registry) Alias(id ID) string {
	return fmt.Sprintf("fpga%d", int(id)+1)
}

// Group returns the nodes of group g, in ascending order.
func (reg *Registry) Group(g Group) []ID {
	var ids []ID
	for _, id := range reg.ids {
		if g.match(reg.types[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Resolve resolves spec into an ordered, deduplicated, list of nodes.
// No partial resolution is returned on error.
func (reg *Registry) Resolve(spec Spec) ([]ID, error) {
	var (
		ids  []ID
		seen = make(map[ID]struct{})
	)
	err := reg.resolve(spec, func(id ID) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ResolveString parses and resolves a node specification.
func (reg *Registry) ResolveString(s string) ([]ID, error) {
	spec, err := ParseSpec(s)
	if err != nil {
		return nil, err
	}
	return reg.Resolve(spec)
}

func (reg *Registry) resolve(spec Spec, add func(id ID)) error {
	switch spec := spec.(type) {
	case Single:
		id := ID(spec)
		if !reg.Has(id) {
			return &UnknownNodeError{Token: fmt.Sprintf("%d", uint8(id))}
		}
		add(id)
	case alias:
		if !reg.Has(spec.id) {
			return &UnknownNodeError{Token: spec.tok}
		}
		add(spec.id)
	case Group:
		if int(spec) >= len(groupNames) {
			return &UnknownNodeError{Token: spec.String()}
		}
		for _, id := range reg.Group(spec) {
			add(id)
		}
	case List:
		for _, v := range spec {
			err := reg.resolve(v, add)
			if err != nil {
				return err
			}
		}
	case nil:
		return &UnknownNodeError{Token: "<nil>"}
	default:
		return &UnknownNodeError{Token: spec.String()}
	}
	return nil
}
