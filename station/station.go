// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package station controls an array of processing nodes.
//
// A Client resolves node specifications and register names, validates
// requests before any I/O, and hands them to a Dispatcher which fans
// them out to the nodes and aggregates the per-node results.
package station // import "github.com/go-lpc/tpm/station"

import (
	"fmt"
	"strings"

	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
)

// OpKind is the kind of an operation.
type OpKind uint8

const (
	OpRead OpKind = iota
	OpWrite
	OpModify
	OpFlashRead
	OpFlashWrite
	OpFlashErase
	OpWaitPPS
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpModify:
		return "modify"
	case OpFlashRead:
		return "flash-read"
	case OpFlashWrite:
		return "flash-write"
	case OpFlashErase:
		return "flash-erase"
	case OpWaitPPS:
		return "wait-pps"
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

// Op describes one operation to execute on a set of nodes.
//
// Register-based operations use Register (and Offset, a byte offset
// into the register). Address-based operations leave Register empty
// and use Address.
type Op struct {
	Kind     OpKind
	Register string
	Address  uint32
	Offset   uint32
	Count    int          // number of words to read
	Values   []uint32     // words to write, or modify operands
	Modify   proto.Opcode // ModifyAnd, ModifyOr or ModifyXor
}

// Result is the outcome of an operation on one node.
type Result struct {
	Node   node.ID
	Status proto.Status
	Code   proto.Code
	Err    error
	Values []uint32
}

func (res Result) String() string {
	if res.Status == proto.Success {
		return fmt.Sprintf("%v: %v %#x", res.Node, res.Status, res.Values)
	}
	return fmt.Sprintf("%v: %v [%v] %v", res.Node, res.Status, res.Code, res.Err)
}

// AggregateResult holds one Result per requested node, in the order
// of the resolved node list.
type AggregateResult []Result

// Nodes returns the nodes of the aggregate, in order.
func (agg AggregateResult) Nodes() []node.ID {
	ids := make([]node.ID, len(agg))
	for i, res := range agg {
		ids[i] = res.Node
	}
	return ids
}

// Values returns the values read on each node, in order.
func (agg AggregateResult) Values() [][]uint32 {
	vs := make([][]uint32, len(agg))
	for i, res := range agg {
		vs[i] = res.Values
	}
	return vs
}

// Failing returns the nodes whose status is not Success.
func (agg AggregateResult) Failing() []node.ID {
	var ids []node.ID
	for _, res := range agg {
		if res.Status != proto.Success {
			ids = append(ids, res.Node)
		}
	}
	return ids
}

// Err returns an *AggregateError if any node failed, nil otherwise.
func (agg AggregateResult) Err() error {
	failing := agg.Failing()
	if len(failing) == 0 {
		return nil
	}
	return &AggregateError{Nodes: failing, Results: agg}
}

// AggregateError reports the nodes that did not complete an operation
// successfully. It is only produced once all nodes have completed.
type AggregateError struct {
	Nodes   []node.ID
	Results AggregateResult
}

func (e *AggregateError) Error() string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "station: operation failed on %d/%d node(s)", len(e.Nodes), len(e.Results))
	for _, res := range e.Results {
		if res.Status == proto.Success {
			continue
		}
		fmt.Fprintf(o, "\n\t%v: %v [%v]", res.Node, res.Status, res.Code)
		if res.Err != nil {
			fmt.Fprintf(o, ": %v", res.Err)
		}
	}
	return o.String()
}

// Errors returns the per-node errors, in node order.
func (e *AggregateError) Errors() []error {
	var errs []error
	for _, res := range e.Results {
		if res.Status != proto.Success && res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errs
}
