/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package journal_test

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/ChainSafe/gossamer/lib/common"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/xcmq/pkg/events"
	"github.com/hyperledger-labs/xcmq/pkg/journal"
	"github.com/hyperledger-labs/xcmq/pkg/outbound"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

var _ = Describe("Journal", func() {
	var (
		tmpDir string
		path   string
		j      *journal.Journal
	)

	record := func(block uint64) *journal.Record {
		return &journal.Record{
			Block:       block,
			RelayParent: t.RelayBlockNumber(block * 2),
			Events:      []events.Event{events.PagesSent(2000, 1)},
			Messages:    []outbound.OutboundHrmpMessage{{Recipient: 2000, Data: []byte{byte(block)}}},
			OutboundHeads: []outbound.ChannelHead{
				{Recipient: 2000, Head: common.Hash{byte(block)}},
			},
		}
	}

	blocks := func() []uint64 {
		var result []uint64
		Expect(j.LoadAll(func(rec *journal.Record) {
			result = append(result, rec.Block)
		})).To(Succeed())
		return result
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = ioutil.TempDir("", "journal-test-*")
		Expect(err).NotTo(HaveOccurred())
		path = filepath.Join(tmpDir, "journal")

		j, err = journal.Open(path)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		j.Close()
		os.RemoveAll(tmpDir)
	})

	It("starts empty", func() {
		empty, err := j.IsEmpty()
		Expect(err).NotTo(HaveOccurred())
		Expect(empty).To(BeTrue())
		Expect(blocks()).To(BeEmpty())
	})

	It("replays appended records after reopening", func() {
		for b := uint64(3); b <= 5; b++ {
			Expect(j.Append(record(b))).To(Succeed())
		}
		Expect(j.Sync()).To(Succeed())
		Expect(j.Close()).To(Succeed())

		var err error
		j, err = journal.Open(path)
		Expect(err).NotTo(HaveOccurred())

		var replayed []*journal.Record
		Expect(j.LoadAll(func(rec *journal.Record) {
			replayed = append(replayed, rec)
		})).To(Succeed())
		Expect(replayed).To(HaveLen(3))
		Expect(replayed[1]).To(Equal(record(4)))

		Expect(j.Append(record(6))).To(Succeed())
		Expect(blocks()).To(Equal([]uint64{3, 4, 5, 6}))
	})

	It("rejects a gap in the block sequence", func() {
		Expect(j.Append(record(1))).To(Succeed())
		err := j.Append(record(3))
		Expect(errors.Is(err, journal.ErrOutOfSequence)).To(BeTrue())
	})

	It("truncates older blocks but keeps the latest", func() {
		for b := uint64(1); b <= 5; b++ {
			Expect(j.Append(record(b))).To(Succeed())
		}

		Expect(j.Truncate(3)).To(Succeed())
		Expect(blocks()).To(Equal([]uint64{3, 4, 5}))

		Expect(j.Truncate(100)).To(Succeed())
		Expect(blocks()).To(Equal([]uint64{5}))

		Expect(j.Close()).To(Succeed())
		var err error
		j, err = journal.Open(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(j.Append(record(6))).To(Succeed())
		Expect(blocks()).To(Equal([]uint64{5, 6}))
	})
})
