// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regdb retrieves node topologies and register maps from the
// station configuration database.
package regdb // import "github.com/go-lpc/tpm/regdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/regs"
	"github.com/go-sql-driver/mysql"
)

var (
	drvName = "mysql"
	timeout = 5 * time.Second
)

// Source describes how to reach the configuration database.
type Source struct {
	User     string
	Password string
	Addr     string // host:port of the MySQL server
	Name     string // name of the database
}

// DSN returns the MySQL data source name of src.
func (src Source) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = src.User
	cfg.Passwd = src.Password
	cfg.Net = "tcp"
	cfg.Addr = src.Addr
	cfg.DBName = src.Name
	return cfg.FormatDSN()
}

// DB exposes convenience methods to retrieve the station configuration.
type DB struct {
	db   *sql.DB
	name string
}

// Open opens a connection to the configuration database described by src.
func Open(src Source) (*DB, error) {
	db, err := sql.Open(drvName, src.DSN())
	if err != nil {
		return nil, fmt.Errorf("regdb: could not open %q db: %w", src.Name, err)
	}

	err = ping(db, src.Name)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: src.Name}, nil
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("regdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// LastFirmware returns the name of the most recently loaded firmware.
func (db *DB) LastFirmware(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fw := ""
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT name FROM firmwares ORDER BY datetime DESC LIMIT 1",
	)
	if err != nil {
		return fw, fmt.Errorf("regdb: could not query last firmware: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&fw)
		if err != nil {
			return fw, fmt.Errorf("regdb: could not get firmware name: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return fw, fmt.Errorf("regdb: could not scan db for last firmware: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return fw, fmt.Errorf("regdb: context error while retrieving last firmware: %w", err)
	}

	if fw == "" {
		return fw, fmt.Errorf("regdb: no firmware in %q db", db.name)
	}

	return fw, nil
}

// Topology returns the station nodes and their UDP endpoints.
func (db *DB) Topology(ctx context.Context) ([]node.Entry, map[node.ID]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT id, type, addr FROM nodes ORDER BY id",
	)
	if err != nil {
		return nil, nil, fmt.Errorf("regdb: could not query topology: %w", err)
	}
	defer rows.Close()

	var (
		topo  []node.Entry
		addrs = make(map[node.ID]string)
	)
	for i := 0; rows.Next(); i++ {
		var (
			id   uint8
			typ  string
			addr string
		)
		err = rows.Scan(&id, &typ, &addr)
		if err != nil {
			return nil, nil, fmt.Errorf("regdb: could not scan row %d for topology: %w", i, err)
		}
		if len(typ) != 1 {
			return nil, nil, fmt.Errorf("regdb: invalid type tag %q for node %d", typ, id)
		}
		topo = append(topo, node.Entry{ID: node.ID(id), Type: node.Type(typ[0])})
		addrs[node.ID(id)] = addr
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("regdb: could not scan db for topology: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("regdb: context error while retrieving topology: %w", err)
	}

	return topo, addrs, nil
}

// Entries returns the register map of firmware.
func (db *DB) Entries(ctx context.Context, firmware string) ([]regs.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT registers.scope, registers.name, registers.address,
       registers.size, registers.kind, registers.perm
FROM registers
JOIN firmwares ON firmwares.identifier=registers.firmware
WHERE firmwares.name=?
ORDER BY registers.address
`,
		firmware,
	)
	if err != nil {
		return nil, fmt.Errorf("regdb: could not query registers of %q: %w", firmware, err)
	}
	defer rows.Close()

	var entries []regs.Entry
	for i := 0; rows.Next(); i++ {
		var (
			e    regs.Entry
			kind string
			perm string
		)
		err = rows.Scan(&e.Scope, &e.Name, &e.Address, &e.Size, &kind, &perm)
		if err != nil {
			return nil, fmt.Errorf("regdb: could not scan row %d for registers of %q: %w", i, firmware, err)
		}
		e.Kind, err = regs.ParseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("regdb: register %q: %w", e.Name, err)
		}
		e.Perm, err = regs.ParsePermission(perm)
		if err != nil {
			return nil, fmt.Errorf("regdb: register %q: %w", e.Name, err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("regdb: could not scan db for registers of %q: %w", firmware, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("regdb: context error while retrieving registers of %q: %w", firmware, err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("regdb: no register for firmware %q", firmware)
	}

	return entries, nil
}

// Table builds the register descriptor table of firmware for the nodes
// of reg. An empty firmware name selects the last loaded firmware.
func (db *DB) Table(ctx context.Context, reg *node.Registry, firmware string) (*regs.Table, error) {
	if firmware == "" {
		fw, err := db.LastFirmware(ctx)
		if err != nil {
			return nil, err
		}
		firmware = fw
	}

	entries, err := db.Entries(ctx, firmware)
	if err != nil {
		return nil, err
	}

	tbl, err := regs.NewTable(reg, entries)
	if err != nil {
		return nil, fmt.Errorf("regdb: could not build register table of %q: %w", firmware, err)
	}
	return tbl, nil
}
