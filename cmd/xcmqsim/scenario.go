/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hyperledger-labs/xcmq"
	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/journal"
	"github.com/hyperledger-labs/xcmq/pkg/modules"
	"github.com/hyperledger-labs/xcmq/pkg/store"
	"github.com/hyperledger-labs/xcmq/pkg/testrelay"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// Scenario describes a set of chains connected through an in-process relay, and the traffic
// injected into them at given relay blocks.
type Scenario struct {
	Blocks   int             `yaml:"blocks"`
	PageSize int             `yaml:"pageSize"`
	Config   config.Document `yaml:"config"`
	Paras    []ParaSpec      `yaml:"paras"`
	Sends    []SendSpec      `yaml:"sends"`
	Downward []DownwardSpec  `yaml:"downward"`
}

type ParaSpec struct {
	ID     uint32     `yaml:"id"`
	Limits LimitsSpec `yaml:"limits"`
	App    AppSpec    `yaml:"app"`
}

type LimitsSpec struct {
	DownwardWeight uint64 `yaml:"downwardWeight"`
	InboundWeight  uint64 `yaml:"inboundWeight"`
	OutboundWeight uint64 `yaml:"outboundWeight"`
	OutboundSize   uint32 `yaml:"outboundSize"`
}

// AppSpec configures the fake application executing delivered messages.
type AppSpec struct {
	BaseWeight uint64 `yaml:"baseWeight"`
	PerByte    uint64 `yaml:"perByte"`
	Reject     []byte `yaml:"reject"`
}

// SendSpec queues Repeat copies of Payload from From to To at relay block At.
type SendSpec struct {
	At      int    `yaml:"at"`
	From    uint32 `yaml:"from"`
	To      uint32 `yaml:"to"`
	Format  string `yaml:"format"`
	Payload string `yaml:"payload"`
	Repeat  int    `yaml:"repeat"`
}

type DownwardSpec struct {
	At      int    `yaml:"at"`
	To      uint32 `yaml:"to"`
	Payload string `yaml:"payload"`
	Repeat  int    `yaml:"repeat"`
}

var formats = map[string]t.MessageFormat{
	"":     t.FormatConcatenatedEncodedBlob,
	"blob": t.FormatConcatenatedEncodedBlob,
	"xcm":  t.FormatConcatenatedVersionedXcm,
}

const defaultLimit = 1_000_000

// LoadScenario parses and checks a scenario.
func LoadScenario(r io.Reader) (*Scenario, error) {
	s := &Scenario{}
	if err := yaml.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.WithMessage(err, "could not parse scenario")
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scenario) validate() error {
	if len(s.Paras) == 0 {
		return errors.Errorf("scenario declares no paras")
	}
	if _, _, err := s.Config.Resolve(); err != nil {
		return err
	}

	known := map[uint32]struct{}{}
	for _, p := range s.Paras {
		if _, ok := known[p.ID]; ok {
			return errors.Errorf("para %d declared twice", p.ID)
		}
		known[p.ID] = struct{}{}
	}

	for i, send := range s.Sends {
		if _, ok := known[send.From]; !ok {
			return errors.Errorf("send %d: unknown sender %d", i, send.From)
		}
		if _, ok := formats[send.Format]; !ok {
			return errors.Errorf("send %d: unknown format %q", i, send.Format)
		}
		if send.At < 1 {
			return errors.Errorf("send %d: relay block must be at least 1", i)
		}
	}
	for i, d := range s.Downward {
		if _, ok := known[d.To]; !ok {
			return errors.Errorf("downward %d: unknown para %d", i, d.To)
		}
		if d.At < 1 {
			return errors.Errorf("downward %d: relay block must be at least 1", i)
		}
	}
	return nil
}

func (l LimitsSpec) limits() xcmq.Limits {
	orDefault := func(v uint64) t.Weight {
		if v == 0 {
			return defaultLimit
		}
		return t.Weight(v)
	}
	size := l.OutboundSize
	if size == 0 {
		size = defaultLimit
	}
	return xcmq.Limits{
		DownwardWeight: orDefault(l.DownwardWeight),
		InboundWeight:  orDefault(l.InboundWeight),
		OutboundWeight: orDefault(l.OutboundWeight),
		OutboundSize:   size,
	}
}

func repeat(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// simulation is a scenario wired to runtimes.
type simulation struct {
	scenario *Scenario
	relay    *testrelay.Relay
	apps     map[t.ParaID]*testrelay.FakeApp
	closers  []io.Closer
}

func paraDir(dataDir string, para uint32) string {
	return filepath.Join(dataDir, fmt.Sprintf("para-%d", para))
}

func newSimulation(s *Scenario, dataDir string, logger t.Logger) (*simulation, error) {
	queue, dmp, err := s.Config.Resolve()
	if err != nil {
		return nil, err
	}

	sim := &simulation{
		scenario: s,
		relay:    testrelay.New(logger),
		apps:     map[t.ParaID]*testrelay.FakeApp{},
	}

	for _, p := range s.Paras {
		app := &testrelay.FakeApp{
			BaseWeight: t.Weight(p.App.BaseWeight),
			PerByte:    t.Weight(p.App.PerByte),
			Reject:     p.App.Reject,
		}
		if app.BaseWeight == 0 && app.PerByte == 0 {
			app.BaseWeight = 1
		}

		c := &xcmq.Config{
			ID:     t.ParaID(p.ID),
			Logger: logger,
			Handlers: map[t.MessageFormat]modules.Handler{
				t.FormatConcatenatedEncodedBlob:  app,
				t.FormatConcatenatedVersionedXcm: app,
			},
			DownwardHandler:    app,
			PageSize:           s.PageSize,
			InitialQueueConfig: &queue,
			InitialDmpConfig:   &dmp,
		}

		if dataDir != "" {
			dir := paraDir(dataDir, p.ID)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				sim.Close()
				return nil, errors.WithMessagef(err, "could not create data dir for para %d", p.ID)
			}
			st, err := store.Open(filepath.Join(dir, "state"), logger)
			if err != nil {
				sim.Close()
				return nil, err
			}
			sim.closers = append(sim.closers, st)
			j, err := journal.Open(filepath.Join(dir, "journal"))
			if err != nil {
				sim.Close()
				return nil, err
			}
			sim.closers = append(sim.closers, j)
			c.Store = st
			c.Journal = j
		}

		runtime, err := xcmq.NewRuntime(c)
		if err != nil {
			sim.Close()
			return nil, errors.WithMessagef(err, "could not start para %d", p.ID)
		}
		sim.relay.Register(t.ParaID(p.ID), runtime, p.Limits.limits())
		sim.apps[t.ParaID(p.ID)] = app
	}

	return sim, nil
}

// inject queues the traffic of relay block at.
func (sim *simulation) inject(at int) error {
	for _, send := range sim.scenario.Sends {
		if send.At != at {
			continue
		}
		for i := 0; i < repeat(send.Repeat); i++ {
			err := sim.relay.Send(t.ParaID(send.From), t.ParaID(send.To), formats[send.Format], []byte(send.Payload))
			if err != nil {
				return err
			}
		}
	}
	for _, d := range sim.scenario.Downward {
		if d.At != at {
			continue
		}
		for i := 0; i < repeat(d.Repeat); i++ {
			if err := sim.relay.SendDownward(t.ParaID(d.To), []byte(d.Payload)); err != nil {
				return err
			}
		}
	}
	return nil
}

// run steps the relay blocks times, printing what every chain did.
func (sim *simulation) run(blocks int, verbose bool, output io.Writer) error {
	for at := 1; at <= blocks; at++ {
		if err := sim.inject(at); err != nil {
			return errors.WithMessagef(err, "could not inject traffic at relay block %d", at)
		}

		relayBlock := sim.relay.Number
		outputs, err := sim.relay.Step()
		if err != nil {
			fmt.Fprintf(output, "relay %d: %s\n", relayBlock, err)
		}

		paras := make([]t.ParaID, 0, len(outputs))
		for para := range outputs {
			paras = append(paras, para)
		}
		sort.Slice(paras, func(i, j int) bool { return paras[i] < paras[j] })

		for _, para := range paras {
			out := outputs[para]
			fmt.Fprintf(output, "relay %d para %d block %d: pages=%d downward=%d events=%d\n",
				relayBlock, para, out.Collation.Block, len(out.Collation.HorizontalMessages),
				out.Collation.ProcessedDownward, len(out.Events))
			for _, sr := range out.Sends {
				if sr.Err != nil {
					fmt.Fprintf(output, "       send refused: %s\n", sr.Err)
				}
			}
			if verbose {
				for _, e := range out.Events {
					fmt.Fprintf(output, "       event: %s\n", e)
				}
			}
		}
	}
	return nil
}

// summary prints the final status of every chain and its delivery count.
func (sim *simulation) summary(output io.Writer) error {
	for _, p := range sim.scenario.Paras {
		runtime, err := sim.relay.Runtime(t.ParaID(p.ID))
		if err != nil {
			return err
		}
		fmt.Fprint(output, runtime.Status().Pretty())
		fmt.Fprintf(output, "delivered: %d\n\n", sim.apps[t.ParaID(p.ID)].Count())
	}
	return nil
}

func (sim *simulation) Close() {
	for i := len(sim.closers) - 1; i >= 0; i-- {
		sim.closers[i].Close()
	}
	sim.closers = nil
}
