// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs resolves symbolic register names into physical
// register descriptors and validates accesses against them.
package regs // import "github.com/go-lpc/tpm/regs"

import (
	"fmt"
	"strings"

	"github.com/go-lpc/tpm/node"
)

// Kind is the kind of a register.
type Kind uint8

const (
	Memory Kind = iota
	Fifo
)

func (k Kind) String() string {
	switch k {
	case Memory:
		return "memory"
	case Fifo:
		return "fifo"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind parses a register kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memory", "mem", "":
		return Memory, nil
	case "fifo":
		return Fifo, nil
	}
	return 0, fmt.Errorf("regs: invalid register kind %q", s)
}

// Permission describes the allowed accesses to a register.
type Permission uint8

const (
	Read Permission = 1 << iota
	Write

	ReadWrite = Read | Write
)

func (p Permission) String() string {
	switch p {
	case Read:
		return "r"
	case Write:
		return "w"
	case ReadWrite:
		return "rw"
	}
	return fmt.Sprintf("Permission(%d)", uint8(p))
}

// ParsePermission parses a permission string (r, w, rw).
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "r", "ro":
		return Read, nil
	case "w", "wo":
		return Write, nil
	case "rw", "":
		return ReadWrite, nil
	}
	return 0, fmt.Errorf("regs: invalid register permission %q", s)
}

// Descriptor describes one register of one node.
type Descriptor struct {
	Name    string
	Node    node.ID
	Address uint32 // byte address
	Size    uint32 // size in 32b words
	Kind    Kind
	Perm    Permission
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s@%v[0x%x, %d words, %v, %v]",
		d.Name, d.Node, d.Address, d.Size, d.Kind, d.Perm,
	)
}

// UnknownRegisterError is returned when a register is not defined for a node.
type UnknownRegisterError struct {
	Name string
	Node node.ID
}

func (e *UnknownRegisterError) Error() string {
	return fmt.Sprintf("regs: unknown register %q for %v", e.Name, e.Node)
}

// BoundsError is returned when an access exceeds the register extent.
type BoundsError struct {
	Name   string
	Offset uint32 // byte offset
	Count  int    // number of words
	Size   uint32 // register size in words
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf(
		"regs: access out of bounds for %q (offset=%d bytes, count=%d words, size=%d words)",
		e.Name, e.Offset, e.Count, e.Size,
	)
}

// PermissionError is returned when an access is not allowed by the
// register permission.
type PermissionError struct {
	Name  string
	Write bool
	Perm  Permission
}

func (e *PermissionError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("regs: %s access denied for %q (perm=%v)", op, e.Name, e.Perm)
}

// Validate checks that count words starting at byte offset fit
// into the register described by desc.
func Validate(desc Descriptor, offset uint32, count int) error {
	if count < 0 || uint64(count)*4+uint64(offset) > uint64(desc.Size)*4 {
		return &BoundsError{
			Name:   desc.Name,
			Offset: offset,
			Count:  count,
			Size:   desc.Size,
		}
	}
	return nil
}

// CheckPermission checks desc allows a read (write=false) or a write access.
func CheckPermission(desc Descriptor, write bool) error {
	want := Read
	if write {
		want = Write
	}
	if desc.Perm&want == 0 {
		return &PermissionError{Name: desc.Name, Write: write, Perm: desc.Perm}
	}
	return nil
}

// SplitName splits a register name into an optional leading node
// specification and the register path.
// "fpga3.block.reg" yields ("fpga3", "block.reg").
// A name whose first component is not a node specification is
// returned unchanged with an empty prefix.
func SplitName(name string) (prefix, reg string) {
	i := strings.Index(name, ".")
	if i <= 0 {
		return "", name
	}
	head := name[:i]
	if _, err := node.ParseSpec(head); err != nil {
		return "", name
	}
	return head, name[i+1:]
}
