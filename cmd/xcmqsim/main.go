/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/hyperledger-labs/xcmq"
	"github.com/hyperledger-labs/xcmq/pkg/journal"
	"github.com/hyperledger-labs/xcmq/pkg/store"
)

const (
	cmdSimulate = "simulate"
	cmdJournal  = "journal"
	cmdStatus   = "status"
)

type arguments struct {
	command string

	// simulate
	scenario *os.File
	dataDir  string
	blocks   int
	verbose  bool
	logLevel zapcore.Level

	// journal
	walPath string
	from    uint64

	// status
	statusDir string
	asJSON    bool
}

func (a *arguments) execute(output io.Writer) error {
	switch a.command {
	case cmdSimulate:
		return a.simulate(output)
	case cmdJournal:
		return a.printJournal(output)
	case cmdStatus:
		return a.printStatus(output)
	default:
		return errors.Errorf("unknown command %q", a.command)
	}
}

func (a *arguments) logger() (*zap.Logger, error) {
	if !a.verbose {
		return zap.NewNop(), nil
	}
	c := zap.NewDevelopmentConfig()
	c.Level = zap.NewAtomicLevelAt(a.logLevel)
	c.OutputPaths = []string{"stderr"}
	return c.Build()
}

func (a *arguments) simulate(output io.Writer) error {
	defer a.scenario.Close()
	scenario, err := LoadScenario(a.scenario)
	if err != nil {
		return err
	}

	logger, err := a.logger()
	if err != nil {
		return errors.WithMessage(err, "could not build logger")
	}
	defer logger.Sync()

	sim, err := newSimulation(scenario, a.dataDir, logger)
	if err != nil {
		return err
	}
	defer sim.Close()

	blocks := a.blocks
	if blocks == 0 {
		blocks = scenario.Blocks
	}
	if err := sim.run(blocks, a.verbose, output); err != nil {
		return err
	}
	fmt.Fprint(output, "\n")
	return sim.summary(output)
}

func (a *arguments) printJournal(output io.Writer) error {
	j, err := journal.Open(a.walPath)
	if err != nil {
		return err
	}
	defer j.Close()

	return j.LoadAll(func(rec *journal.Record) {
		if rec.Block < a.from {
			return
		}
		fmt.Fprintf(output, "block %d relay %d: pages=%d events=%d\n",
			rec.Block, rec.RelayParent, len(rec.Messages), len(rec.Events))
		for _, m := range rec.Messages {
			fmt.Fprintf(output, "       page: -> %d %d bytes\n", m.Recipient, len(m.Data))
		}
		for _, h := range rec.OutboundHeads {
			fmt.Fprintf(output, "       head: -> %d %s\n", h.Recipient, h.Head)
		}
		for _, e := range rec.Events {
			fmt.Fprintf(output, "       event: %s\n", e)
		}
	})
}

func (a *arguments) printStatus(output io.Writer) error {
	st, err := store.Open(a.statusDir, zap.NewNop())
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return errors.Errorf("no state persisted in %s", a.statusDir)
	}

	status := xcmq.StatusOf(snap)
	if !a.asJSON {
		fmt.Fprint(output, status.Pretty())
		return nil
	}
	text, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "could not marshal status")
	}
	fmt.Fprintf(output, "%s\n", text)
	return nil
}

func parseArgs(args []string) (*arguments, error) {
	app := kingpin.New("xcmqsim", "Utility for simulating and inspecting cross-chain message queues.")

	simulate := app.Command(cmdSimulate, "Run a scenario against an in-process relay chain.")
	scenario := simulate.Flag("scenario", "The scenario file to run.").Required().File()
	dataDir := simulate.Flag("data", "Directory to persist every para's state and journal in (defaults to memory).").String()
	blocks := simulate.Flag("blocks", "Number of relay blocks to run (overrides the scenario).").Default("0").Int()
	verbose := simulate.Flag("verbose", "Print every event and log to stderr.").Default("false").Bool()
	logLevel := simulate.Flag("logLevel", "The log level when verbose.").Enum("debug", "info", "warn", "error")

	journalCmd := app.Command(cmdJournal, "Print the records of a block journal.")
	walPath := journalCmd.Flag("wal", "The journal directory.").Required().String()
	from := journalCmd.Flag("from", "Skip blocks below this one.").Default("0").Uint64()

	status := app.Command(cmdStatus, "Print the persisted state of a para.")
	statusDir := status.Flag("data", "The state directory of the para.").Required().String()
	asJSON := status.Flag("json", "Print the status as JSON.").Default("false").Bool()

	command, err := app.Parse(args)
	if err != nil {
		return nil, err
	}

	switch {
	case *blocks < 0:
		return nil, errors.Errorf("cannot run a negative number of blocks")
	case *logLevel != "" && !*verbose:
		return nil, errors.Errorf("cannot set logLevel without --verbose")
	}

	level := zapcore.InfoLevel
	switch *logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	return &arguments{
		command:   command,
		scenario:  *scenario,
		dataDir:   *dataDir,
		blocks:    *blocks,
		verbose:   *verbose,
		logLevel:  level,
		walPath:   *walPath,
		from:      *from,
		statusDir: *statusDir,
		asJSON:    *asJSON,
	}, nil
}

func main() {
	kingpin.Version("0.0.1")
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse arguments, %s, try --help", err)
	}
	err = args.execute(os.Stdout)
	if err != nil {
		fmt.Println("")
		kingpin.Fatalf("%s", err)
	}
}
