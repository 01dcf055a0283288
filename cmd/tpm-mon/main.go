// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tpm-mon periodically reads a register on the nodes of a
// station and sends alert mails when nodes stop answering.
package main // import "github.com/go-lpc/tpm/cmd/tpm-mon"

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tpm/config"
	"github.com/go-lpc/tpm/node"
	"github.com/go-lpc/tpm/proto"
	"github.com/go-lpc/tpm/station"
	mail "gopkg.in/gomail.v2"
)

func main() {
	log.SetPrefix("tpm-mon: ")
	log.SetFlags(0)

	var (
		fname = flag.String("cfg", "station.toml", "path to the station configuration file")
		nodes = flag.String("nodes", "all", "nodes to monitor")
		reg   = flag.String("reg", "board.ctrl", "register to poll")
		freq  = flag.Duration("freq", 30*time.Second, "probing interval")
	)

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, *fname, *nodes, *reg, *freq)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, fname, nodes, reg string, freq time.Duration) error {
	cfg, err := config.Load(fname)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	spec, err := node.ParseSpec(nodes)
	if err != nil {
		return fmt.Errorf("invalid node selection: %w", err)
	}

	cli, err := cfg.Dial(ctx, station.WithMsgStream(tlog.NewMsgStream("tpm-mon", tlog.LvlError, os.Stderr)))
	if err != nil {
		return fmt.Errorf("could not connect to station: %w", err)
	}
	defer cli.Close()

	mon := newMonitor(cli, spec, reg, freq)
	if cfg.Mail.Enabled() {
		mon.send = mailer(cfg.Mail)
	}

	log.Printf("monitoring %q on %q every %v...", reg, nodes, freq)
	mon.run(ctx)
	return nil
}

const maxAlerts = 5

type monitor struct {
	cli  *station.Client
	spec node.Spec
	reg  string
	freq time.Duration

	alerts map[node.ID]int // number of alerts sent per node
	send   func(subject, body string) error
}

func newMonitor(cli *station.Client, spec node.Spec, reg string, freq time.Duration) *monitor {
	return &monitor{
		cli:    cli,
		spec:   spec,
		reg:    reg,
		freq:   freq,
		alerts: make(map[node.ID]int),
		send: func(subject, body string) error {
			return fmt.Errorf("no mail server configured")
		},
	}
}

func (mon *monitor) run(ctx context.Context) {
	tick := time.NewTicker(mon.freq)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			mon.probe()
		}
	}
}

// probe reads the monitored register once and raises alerts for the
// failing nodes.
func (mon *monitor) probe() {
	agg, err := mon.cli.Read(mon.spec, mon.reg, 0, 1)
	var aerr *station.AggregateError
	switch {
	case err == nil:
	case errors.As(err, &aerr):
	default:
		log.Printf("could not probe %q: %+v", mon.reg, err)
		return
	}

	var failing []station.Result
	for _, res := range agg {
		if res.Status == proto.Success {
			if n := mon.alerts[res.Node]; n > 0 {
				log.Printf("%v recovered after %d alert(s)", res.Node, n)
				delete(mon.alerts, res.Node)
			}
			continue
		}
		mon.alerts[res.Node]++
		if mon.alerts[res.Node] <= maxAlerts {
			failing = append(failing, res)
		}
	}

	if len(failing) == 0 {
		return
	}
	mon.alert(failing)
}

func (mon *monitor) alert(failing []station.Result) {
	var (
		reg  = mon.cli.Registry()
		ids  = make([]string, len(failing))
		body = new(strings.Builder)
	)
	fmt.Fprintf(body, "register: %q\nfreq: %v\n\n", mon.reg, mon.freq)
	for i, res := range failing {
		ids[i] = reg.Alias(res.Node)
		fmt.Fprintf(body, "%s (%v): %v [%v] %v (alert %d/%d)\n",
			ids[i], res.Node, res.Status, res.Code, res.Err,
			mon.alerts[res.Node], maxAlerts,
		)
	}
	log.Printf("node(s) %s failed to answer", strings.Join(ids, ", "))

	subject := fmt.Sprintf("[tpm-mon] node alert: %s", strings.Join(ids, ", "))
	err := mon.send(subject, body.String())
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func mailer(cfg config.Mail) func(subject, body string) error {
	return func(subject, body string) error {
		from := cfg.From
		if from == "" {
			from = cfg.User
		}

		msg := mail.NewMessage()
		msg.SetHeader("From", from)
		msg.SetHeader("Bcc", cfg.To...)
		msg.SetHeader("Subject", subject)
		msg.SetBody("text/plain", body)

		dial := mail.NewDialer(cfg.Server, cfg.Port, cfg.User, cfg.Password)
		dial.TLSConfig = &tls.Config{
			ServerName: cfg.Server,
		}
		return dial.DialAndSend(msg)
	}
}
