// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"fmt"
	"strconv"
	"strings"
)

// Spec is a node specification: Single, List or a Group.
type Spec interface {
	isSpec()
	String() string
}

// Single selects exactly one node.
type Single ID

// List selects the union of its elements, in first-seen order.
type List []Spec

// alias is a Single parsed from a textual token, kept for error reporting.
type alias struct {
	id  ID
	tok string
}

func (Single) isSpec() {}
func (List) isSpec()   {}
func (Group) isSpec()  {}
func (alias) isSpec()  {}

func (a alias) String() string { return a.tok }

func (s Single) String() string { return ID(s).String() }

func (l List) String() string {
	strs := make([]string, len(l))
	for i, v := range l {
		strs[i] = v.String()
	}
	return "[" + strings.Join(strs, ", ") + "]"
}

// ParseSpec parses a node specification.
// Comma-separated tokens form a List. Each token is, in order of
// precedence, a group keyword (all, front, back), a bare 0-based
// integer, a 1-based "fpgaN" alias or a 0-based "nodeN" alias.
// Matching is case-insensitive.
func ParseSpec(s string) (Spec, error) {
	if !strings.Contains(s, ",") {
		return parseToken(s)
	}
	toks := strings.Split(s, ",")
	lst := make(List, 0, len(toks))
	for _, tok := range toks {
		spec, err := parseToken(tok)
		if err != nil {
			return nil, err
		}
		lst = append(lst, spec)
	}
	return lst, nil
}

func parseToken(tok string) (Spec, error) {
	s := strings.ToLower(strings.TrimSpace(tok))
	if s == "" {
		return nil, &UnknownNodeError{Token: tok}
	}

	if grp, ok := GroupFrom(s); ok {
		return grp, nil
	}

	tok = strings.TrimSpace(tok)
	if id, ok := parseIndex(s, 0); ok {
		return alias{id: id, tok: tok}, nil
	}

	switch {
	case strings.HasPrefix(s, "fpga"):
		v, ok := parseIndex(s[len("fpga"):], 1)
		if ok {
			return alias{id: v, tok: tok}, nil
		}
	case strings.HasPrefix(s, "node"):
		v, ok := parseIndex(s[len("node"):], 0)
		if ok {
			return alias{id: v, tok: tok}, nil
		}
	}

	return nil, &UnknownNodeError{Token: tok}
}

// parseIndex parses s as a decimal index and removes base from it.
func parseIndex(s string, base uint64) (ID, bool) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || v < base {
		return 0, false
	}
	return ID(v - base), true
}

// SpecOf converts a loosely typed value into a Spec.
// Supported values are Spec implementations, ID, integers, strings
// and slices thereof.
func SpecOf(v interface{}) (Spec, error) {
	switch v := v.(type) {
	case Spec:
		return v, nil
	case ID:
		return Single(v), nil
	case int:
		return single(int64(v))
	case int64:
		return single(v)
	case uint:
		return single(int64(v))
	case uint32:
		return single(int64(v))
	case string:
		return ParseSpec(v)
	case []ID:
		lst := make(List, len(v))
		for i, id := range v {
			lst[i] = Single(id)
		}
		return lst, nil
	case []int:
		lst := make(List, 0, len(v))
		for _, i := range v {
			s, err := single(int64(i))
			if err != nil {
				return nil, err
			}
			lst = append(lst, s)
		}
		return lst, nil
	case []string:
		lst := make(List, 0, len(v))
		for _, str := range v {
			s, err := ParseSpec(str)
			if err != nil {
				return nil, err
			}
			lst = append(lst, s)
		}
		return lst, nil
	case []interface{}:
		lst := make(List, 0, len(v))
		for _, e := range v {
			s, err := SpecOf(e)
			if err != nil {
				return nil, err
			}
			lst = append(lst, s)
		}
		return lst, nil
	}
	return nil, &UnknownNodeError{Token: fmt.Sprintf("%v", v)}
}

func single(v int64) (Spec, error) {
	if v < 0 || v > 0xff {
		return nil, &UnknownNodeError{Token: strconv.FormatInt(v, 10)}
	}
	return Single(ID(v)), nil
}
