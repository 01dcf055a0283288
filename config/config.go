// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the deployment configuration of a station from
// a TOML file.
package config // import "github.com/go-lpc/tpm/config"

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/nodesim"
	"github.com/go-lpc/tpm/proto"
	"github.com/go-lpc/tpm/regdb"
	"github.com/go-lpc/tpm/regs"
	"github.com/go-lpc/tpm/station"
	"github.com/go-lpc/tpm/transport"
)

// Config is a station deployment configuration.
type Config struct {
	Timeout time.Duration
	Workers int
	Order   binary.ByteOrder

	Nodes     []node.Entry
	Addrs     map[node.ID]string
	Registers []regs.Entry

	DB   DB
	Mail Mail
	Sim  Sim
}

// DB configures the retrieval of the topology and register map from
// the configuration database.
type DB struct {
	regdb.Source
	Firmware string // empty selects the last loaded firmware
}

// Enabled reports whether a configuration database is configured.
func (db DB) Enabled() bool { return db.Name != "" }

// Mail configures alert mails.
type Mail struct {
	Server   string
	Port     int
	User     string
	Password string
	From     string
	To       []string
}

// Enabled reports whether alert mails are configured.
func (m Mail) Enabled() bool { return m.Server != "" && len(m.To) > 0 }

// Sim configures simulated nodes.
type Sim struct {
	MemSize   int
	FlashSize int
	PPS       time.Duration
	FlashDir  string // directory holding per-node flash images
}

type fileConfig struct {
	Timeout   string         `toml:"timeout"`
	Workers   int            `toml:"workers"`
	ByteOrder string         `toml:"byte-order"`
	Nodes     []fileNode     `toml:"nodes"`
	Registers []fileRegister `toml:"registers"`
	DB        fileDB         `toml:"db"`
	Mail      fileMail       `toml:"mail"`
	Sim       fileSim        `toml:"sim"`
}

type fileNode struct {
	ID   int    `toml:"id"`
	Type string `toml:"type"`
	Addr string `toml:"addr"`
}

type fileRegister struct {
	Node    string `toml:"node"`
	Name    string `toml:"name"`
	Address int64  `toml:"address"`
	Size    int64  `toml:"size"`
	Kind    string `toml:"kind"`
	Perm    string `toml:"perm"`
}

type fileDB struct {
	User     string `toml:"user"`
	Password string `toml:"password"`
	Addr     string `toml:"addr"`
	Name     string `toml:"name"`
	Firmware string `toml:"firmware"`
}

type fileMail struct {
	Server   string   `toml:"server"`
	Port     int      `toml:"port"`
	User     string   `toml:"user"`
	Password string   `toml:"password"`
	From     string   `toml:"from"`
	To       []string `toml:"to"`
}

type fileSim struct {
	MemSize   int    `toml:"mem-size"`
	FlashSize int    `toml:"flash-size"`
	PPS       string `toml:"pps"`
	FlashDir  string `toml:"flash-dir"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Timeout: transport.DefaultTimeout,
		Workers: station.DefaultWorkers,
		Order:   proto.DefaultOrder,
		Addrs:   make(map[node.ID]string),
		Mail:    Mail{Port: 587},
		Sim: Sim{
			MemSize:   nodesim.DefaultMemSize,
			FlashSize: nodesim.DefaultFlashSize,
			PPS:       nodesim.DefaultPPS,
		},
	}
}

// Load loads the configuration file at path.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: could not decode %q: %w", path, err)
	}
	cfg, err := build(raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid %q: %w", path, err)
	}
	return cfg, nil
}

// Parse parses a TOML configuration document.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: could not decode: %w", err)
	}
	cfg, err := build(raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func build(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if keys := meta.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown keys %s", strings.Join(names, ", "))
	}

	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return cfg, fmt.Errorf("could not parse timeout: %w", err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("invalid timeout %v", d)
		}
		cfg.Timeout = d
	}

	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}

	if meta.IsDefined("byte-order") {
		order, err := ParseByteOrder(raw.ByteOrder)
		if err != nil {
			return cfg, err
		}
		cfg.Order = order
	}

	seen := make(map[node.ID]bool, len(raw.Nodes))
	for i, n := range raw.Nodes {
		if n.ID < 0 || n.ID > 0xff {
			return cfg, fmt.Errorf("node #%d: invalid id %d", i, n.ID)
		}
		id := node.ID(n.ID)
		if seen[id] {
			return cfg, fmt.Errorf("node #%d: duplicate id %d", i, n.ID)
		}
		seen[id] = true
		if len(n.Type) != 1 || !node.Type(n.Type[0]).Valid() {
			return cfg, fmt.Errorf("node #%d: invalid type tag %q", i, n.Type)
		}
		addr := strings.TrimSpace(n.Addr)
		if addr == "" {
			return cfg, fmt.Errorf("node #%d: missing address", i)
		}
		cfg.Nodes = append(cfg.Nodes, node.Entry{ID: id, Type: node.Type(n.Type[0])})
		cfg.Addrs[id] = addr
	}

	for i, r := range raw.Registers {
		kind, err := regs.ParseKind(r.Kind)
		if err != nil {
			return cfg, fmt.Errorf("register #%d: %w", i, err)
		}
		perm, err := regs.ParsePermission(r.Perm)
		if err != nil {
			return cfg, fmt.Errorf("register #%d: %w", i, err)
		}
		if r.Address < 0 || r.Address > 0xffffffff {
			return cfg, fmt.Errorf("register #%d: invalid address 0x%x", i, r.Address)
		}
		if r.Size <= 0 || r.Size > 0xffffffff {
			return cfg, fmt.Errorf("register #%d: invalid size %d", i, r.Size)
		}
		cfg.Registers = append(cfg.Registers, regs.Entry{
			Scope:   r.Node,
			Name:    r.Name,
			Address: uint32(r.Address),
			Size:    uint32(r.Size),
			Kind:    kind,
			Perm:    perm,
		})
	}

	if len(cfg.Nodes) > 0 && len(cfg.Registers) > 0 {
		reg, err := cfg.Registry()
		if err != nil {
			return cfg, err
		}
		_, err = regs.NewTable(reg, cfg.Registers)
		if err != nil {
			return cfg, err
		}
	}

	cfg.DB = DB{
		Source: regdb.Source{
			User:     raw.DB.User,
			Password: raw.DB.Password,
			Addr:     raw.DB.Addr,
			Name:     raw.DB.Name,
		},
		Firmware: raw.DB.Firmware,
	}
	if cfg.DB.Addr == "" {
		cfg.DB.Addr = "localhost:3306"
	}
	if len(cfg.Nodes) == 0 && !cfg.DB.Enabled() {
		return cfg, fmt.Errorf("no node and no configuration database")
	}

	cfg.Mail.Server = raw.Mail.Server
	if meta.IsDefined("mail", "port") {
		cfg.Mail.Port = raw.Mail.Port
	}
	cfg.Mail.User = raw.Mail.User
	cfg.Mail.Password = raw.Mail.Password
	cfg.Mail.From = raw.Mail.From
	cfg.Mail.To = raw.Mail.To

	if meta.IsDefined("sim", "mem-size") {
		cfg.Sim.MemSize = raw.Sim.MemSize
	}
	if meta.IsDefined("sim", "flash-size") {
		cfg.Sim.FlashSize = raw.Sim.FlashSize
	}
	if meta.IsDefined("sim", "pps") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Sim.PPS))
		if err != nil {
			return cfg, fmt.Errorf("could not parse sim PPS period: %w", err)
		}
		cfg.Sim.PPS = d
	}
	cfg.Sim.FlashDir = raw.Sim.FlashDir

	return cfg, nil
}

// ParseByteOrder parses a wire byte order name.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "little", "le", "little-endian":
		return binary.LittleEndian, nil
	case "big", "be", "big-endian":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("invalid byte order %q", s)
}

// Registry returns the node registry of the configured topology.
func (cfg *Config) Registry() (*node.Registry, error) {
	return node.NewRegistry(cfg.Nodes)
}

// Table returns the register table of the configured register map.
func (cfg *Config) Table(reg *node.Registry) (*regs.Table, error) {
	return regs.NewTable(reg, cfg.Registers)
}

// NodeIDs returns the configured node identifiers, in ascending order.
func (cfg *Config) NodeIDs() []node.ID {
	ids := make([]node.ID, 0, len(cfg.Addrs))
	for id := range cfg.Addrs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Options returns the station options of the configuration.
func (cfg *Config) Options(opts ...station.Option) []station.Option {
	return append([]station.Option{
		station.WithTimeout(cfg.Timeout),
		station.WithMaxWorkers(cfg.Workers),
		station.WithByteOrder(cfg.Order),
	}, opts...)
}

// Resolve completes the configuration with the topology and register
// map of the configuration database, when one is configured.
// Nodes and registers declared in the file take precedence.
func (cfg *Config) Resolve(ctx context.Context) error {
	if !cfg.DB.Enabled() {
		return nil
	}
	if len(cfg.Nodes) > 0 && len(cfg.Registers) > 0 {
		return nil
	}

	db, err := regdb.Open(cfg.DB.Source)
	if err != nil {
		return fmt.Errorf("config: could not open configuration db: %w", err)
	}
	defer db.Close()

	if len(cfg.Nodes) == 0 {
		topo, addrs, err := db.Topology(ctx)
		if err != nil {
			return fmt.Errorf("config: could not load topology: %w", err)
		}
		cfg.Nodes = topo
		cfg.Addrs = addrs
	}

	if len(cfg.Registers) == 0 {
		fw := cfg.DB.Firmware
		if fw == "" {
			fw, err = db.LastFirmware(ctx)
			if err != nil {
				return fmt.Errorf("config: could not load register map: %w", err)
			}
		}
		entries, err := db.Entries(ctx, fw)
		if err != nil {
			return fmt.Errorf("config: could not load register map: %w", err)
		}
		cfg.Registers = entries
	}
	return nil
}

// Dial resolves the configuration and connects to all nodes.
func (cfg *Config) Dial(ctx context.Context, opts ...station.Option) (*station.Client, error) {
	err := cfg.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("config: invalid topology: %w", err)
	}
	tbl, err := cfg.Table(reg)
	if err != nil {
		return nil, fmt.Errorf("config: invalid register map: %w", err)
	}

	cli, err := station.Dial(reg, tbl, cfg.Addrs, cfg.Options(opts...)...)
	if err != nil {
		return nil, fmt.Errorf("config: could not dial station: %w", err)
	}
	return cli, nil
}
