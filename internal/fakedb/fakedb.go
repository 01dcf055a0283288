// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb provides an in-memory SQL driver serving canned rows.
package fakedb // import "github.com/go-lpc/tpm/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

// Query is a statement executed against the fake database.
type Query struct {
	SQL  string
	Args []driver.Value
}

var state struct {
	mu   sync.Mutex
	rows []Rows
	err  error
	log  []Query
}

// Run runs f with the fake database answering queries with rows, in
// order. Queries issued once rows is exhausted return no row.
func Run(ctx context.Context, f func(ctx context.Context) error, rows ...Rows) ([]Query, error) {
	return run(ctx, rows, nil, f)
}

// Fail runs f with the fake database failing every query with err.
func Fail(ctx context.Context, err error, f func(ctx context.Context) error) ([]Query, error) {
	return run(ctx, nil, err, f)
}

func run(ctx context.Context, rows []Rows, err error, f func(ctx context.Context) error) ([]Query, error) {
	state.mu.Lock()
	defer state.mu.Unlock()

	state.rows = rows
	state.err = err
	state.log = nil

	err = f(ctx)
	return state.log, err
}

func init() {
	sql.Register("fakedb", &Driver{})
}

// Driver is the fake database driver. The data source name is ignored.
type Driver struct{}

func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &conn{}, nil
}

type conn struct{}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{query: query}, nil
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	panic("not implemented")
}

type stmt struct {
	query string
}

func (stmt *stmt) Close() error  { return nil }
func (stmt *stmt) NumInput() int { return -1 }

func (stmt *stmt) Exec(args []driver.Value) (driver.Result, error) {
	panic("not implemented")
}

func (stmt *stmt) Query(args []driver.Value) (driver.Rows, error) {
	state.log = append(state.log, Query{SQL: stmt.query, Args: args})
	if state.err != nil {
		return nil, state.err
	}
	if len(state.rows) == 0 {
		return &Rows{}, nil
	}
	rows := state.rows[0]
	state.rows = state.rows[1:]
	return &rows, nil
}

// Rows is a canned query result.
type Rows struct {
	Names  []string
	Values [][]driver.Value
}

func (rows *Rows) Columns() []string { return rows.Names }
func (rows *Rows) Close() error      { return nil }

func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*conn)(nil)
	_ driver.Stmt   = (*stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
