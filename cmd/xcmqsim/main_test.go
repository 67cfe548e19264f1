/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"
)

const scenarioText = `
blocks: 3
pageSize: 64
config:
  queue:
    suspendThreshold: 2
    dropThreshold: 5
    resumeThreshold: 1
    thresholdWeight: 10
    weightRestrictDecay: 2
    xcmpMaxIndividualWeight: 1000
paras:
  - id: 1000
  - id: 2000
    app:
      baseWeight: 5
sends:
  - at: 1
    from: 1000
    to: 2000
    payload: hello
    repeat: 3
downward:
  - at: 1
    to: 2000
    payload: ping
`

func writeScenario(dir, text string) string {
	path := filepath.Join(dir, "scenario.yaml")
	Expect(ioutil.WriteFile(path, []byte(text), 0o644)).To(Succeed())
	return path
}

func tempDir() string {
	dir, err := ioutil.TempDir("", "xcmqsim-test-*")
	Expect(err).NotTo(HaveOccurred())
	return dir
}

var _ = Describe("Parsing", func() {
	var (
		dir          string
		scenarioPath string
	)

	BeforeEach(func() {
		dir = tempDir()
		scenarioPath = writeScenario(dir, scenarioText)
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("parses a fully populated simulate command line", func() {
		args, err := parseArgs([]string{
			"simulate",
			"--scenario", scenarioPath,
			"--data", "/tmp/xcmq",
			"--blocks", "7",
			"--verbose",
			"--logLevel", "debug",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(args.command).To(Equal(cmdSimulate))
		Expect(args.scenario).NotTo(BeNil())
		Expect(args.scenario.Close()).NotTo(HaveOccurred())
		Expect(args.dataDir).To(Equal("/tmp/xcmq"))
		Expect(args.blocks).To(Equal(7))
		Expect(args.verbose).To(BeTrue())
		Expect(args.logLevel).To(Equal(zapcore.DebugLevel))
	})

	It("parses the journal and status commands", func() {
		args, err := parseArgs([]string{"journal", "--wal", "/tmp/j", "--from", "4"})
		Expect(err).NotTo(HaveOccurred())
		Expect(args.command).To(Equal(cmdJournal))
		Expect(args.walPath).To(Equal("/tmp/j"))
		Expect(args.from).To(Equal(uint64(4)))

		args, err = parseArgs([]string{"status", "--data", "/tmp/s", "--json"})
		Expect(err).NotTo(HaveOccurred())
		Expect(args.command).To(Equal(cmdStatus))
		Expect(args.statusDir).To(Equal("/tmp/s"))
		Expect(args.asJSON).To(BeTrue())
	})

	When("a log level is set without verbose output", func() {
		It("returns an error", func() {
			_, err := parseArgs([]string{
				"simulate",
				"--scenario", scenarioPath,
				"--logLevel", "warn",
			})
			Expect(err).To(MatchError("cannot set logLevel without --verbose"))
		})
	})

	When("the scenario flag is missing", func() {
		It("returns an error", func() {
			_, err := parseArgs([]string{"simulate"})
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Scenario", func() {
	It("rejects a send from an undeclared para", func() {
		_, err := LoadScenario(strings.NewReader(`
paras:
  - id: 1000
sends:
  - at: 1
    from: 3000
    to: 1000
    payload: x
`))
		Expect(err).To(MatchError("send 0: unknown sender 3000"))
	})

	It("rejects an unknown format", func() {
		_, err := LoadScenario(strings.NewReader(`
paras:
  - id: 1000
sends:
  - at: 1
    from: 1000
    to: 2000
    format: json
    payload: x
`))
		Expect(err).To(MatchError(`send 0: unknown format "json"`))
	})

	It("rejects invalid thresholds", func() {
		_, err := LoadScenario(strings.NewReader(`
config:
  queue:
    suspendThreshold: 5
    dropThreshold: 2
    resumeThreshold: 1
paras:
  - id: 1000
`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a scenario without paras", func() {
		_, err := LoadScenario(strings.NewReader("blocks: 2\n"))
		Expect(err).To(MatchError("scenario declares no paras"))
	})
})

var _ = Describe("Execution", func() {
	var (
		dir    string
		output *bytes.Buffer
	)

	BeforeEach(func() {
		dir = tempDir()
		output = &bytes.Buffer{}
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	simulate := func(dataDir string) {
		scenario, err := os.Open(writeScenario(dir, scenarioText))
		Expect(err).NotTo(HaveOccurred())
		args := &arguments{
			command:  cmdSimulate,
			scenario: scenario,
			dataDir:  dataDir,
		}
		Expect(args.execute(output)).To(Succeed())
	}

	It("runs the scenario in memory", func() {
		simulate("")
		Expect(output.String()).To(ContainSubstring("relay 1 para 1000 block 1"))
		Expect(output.String()).To(ContainSubstring("relay 3 para 2000 block 3"))
		Expect(output.String()).To(ContainSubstring("Para=2000, Block=3, RelayParent=3"))
		Expect(output.String()).To(ContainSubstring("delivered: 4"))
	})

	It("leaves state and journal behind that can be inspected", func() {
		dataDir := filepath.Join(dir, "data")
		simulate(dataDir)

		output.Reset()
		args := &arguments{
			command:   cmdStatus,
			statusDir: filepath.Join(paraDir(dataDir, 2000), "state"),
		}
		Expect(args.execute(output)).To(Succeed())
		Expect(output.String()).To(ContainSubstring("Para=2000, Block=3, RelayParent=3"))

		output.Reset()
		args.asJSON = true
		Expect(args.execute(output)).To(Succeed())
		Expect(output.String()).To(ContainSubstring(`"para": 2000`))

		output.Reset()
		args = &arguments{
			command: cmdJournal,
			walPath: filepath.Join(paraDir(dataDir, 1000), "journal"),
			from:    2,
		}
		Expect(args.execute(output)).To(Succeed())
		Expect(output.String()).NotTo(ContainSubstring("block 1 relay 1"))
		Expect(output.String()).To(ContainSubstring("block 2 relay 2"))
		Expect(output.String()).To(ContainSubstring("block 3 relay 3"))
	})

	It("refuses to report on a directory without state", func() {
		args := &arguments{
			command:   cmdStatus,
			statusDir: filepath.Join(dir, "empty"),
		}
		err := args.execute(output)
		Expect(err).To(MatchError(ContainSubstring("no state persisted")))
	})
})
