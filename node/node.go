// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package node resolves logical node specifications (indices, aliases,
// named groups and lists thereof) into ordered lists of physical nodes.
package node // import "github.com/go-lpc/tpm/node"

import (
	"fmt"
	"strings"
)

// ID identifies one physical node, 0-based.
type ID uint8

func (id ID) String() string { return fmt.Sprintf("node%d", uint8(id)) }

// Type is the type tag of a node in the static topology.
type Type byte

const (
	Front Type = 'F'
	Back  Type = 'B'
)

func (t Type) Valid() bool { return t == Front || t == Back }

func (t Type) String() string { return string(rune(t)) }

// Entry associates a node with its type tag.
type Entry struct {
	ID   ID
	Type Type
}

// Group is a named subset of nodes derived from the topology.
type Group uint8

const (
	All Group = iota
	FrontNodes
	BackNodes
)

var groupNames = [...]string{
	All:        "all",
	FrontNodes: "front",
	BackNodes:  "back",
}

func (g Group) String() string {
	if int(g) < len(groupNames) {
		return groupNames[g]
	}
	return fmt.Sprintf("Group(%d)", uint8(g))
}

// GroupFrom returns the group named name (case-insensitive).
func GroupFrom(name string) (Group, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, v := range groupNames {
		if v == name {
			return Group(i), true
		}
	}
	return 0, false
}

func (g Group) match(t Type) bool {
	switch g {
	case All:
		return true
	case FrontNodes:
		return t == Front
	case BackNodes:
		return t == Back
	}
	return false
}

// UnknownNodeError is returned when a node token can not be resolved.
type UnknownNodeError struct {
	Token string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("node: unknown node %q", e.Token)
}
