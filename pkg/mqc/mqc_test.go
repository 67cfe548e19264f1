/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mqc_test

import (
	"github.com/ChainSafe/gossamer/lib/common"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/xcmq/pkg/mqc"
)

var _ = Describe("MessageQueueChain", func() {
	var (
		m1, m2, m3 mqc.Link
	)

	BeforeEach(func() {
		m1 = mqc.Link{SentAt: 7, Data: []byte("msg1")}
		m2 = mqc.Link{SentAt: 7, Data: []byte("msg2")}
		m3 = mqc.Link{SentAt: 9, Data: []byte("msg3")}
	})

	It("starts from the zero digest", func() {
		chain := mqc.MessageQueueChain{}
		Expect(chain.Head).To(Equal(common.Hash{}))
		Expect(chain.Extend(m1.Data, m1.SentAt)).To(Succeed())
		Expect(chain.Head).NotTo(Equal(common.Hash{}))
	})

	It("is deterministic", func() {
		a, err := mqc.Fold(common.Hash{}, []mqc.Link{m1, m2, m3})
		Expect(err).NotTo(HaveOccurred())
		b, err := mqc.Fold(common.Hash{}, []mqc.Link{m1, m2, m3})
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(Equal(b))
	})

	It("matches the stateful accumulator", func() {
		chain := mqc.MessageQueueChain{}
		for _, l := range []mqc.Link{m1, m2, m3} {
			Expect(chain.Extend(l.Data, l.SentAt)).To(Succeed())
		}
		folded, err := mqc.Fold(common.Hash{}, []mqc.Link{m1, m2, m3})
		Expect(err).NotTo(HaveOccurred())
		Expect(chain.Head).To(Equal(folded))
	})

	It("is sensitive to message order", func() {
		orderings := [][]mqc.Link{
			{m1, m2, m3},
			{m1, m3, m2},
			{m2, m1, m3},
			{m2, m3, m1},
			{m3, m1, m2},
			{m3, m2, m1},
		}
		seen := map[common.Hash]struct{}{}
		for _, ordering := range orderings {
			head, err := mqc.Fold(common.Hash{}, ordering)
			Expect(err).NotTo(HaveOccurred())
			seen[head] = struct{}{}
		}
		Expect(seen).To(HaveLen(len(orderings)))
	})

	It("binds the relay block number", func() {
		a, err := mqc.Extend(common.Hash{}, []byte("msg"), 1)
		Expect(err).NotTo(HaveOccurred())
		b, err := mqc.Extend(common.Hash{}, []byte("msg"), 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(a).NotTo(Equal(b))
	})

	Describe("Verify", func() {
		var stored common.Hash

		BeforeEach(func() {
			var err error
			stored, err = mqc.Extend(common.Hash{}, []byte("earlier"), 3)
			Expect(err).NotTo(HaveOccurred())
		})

		It("accepts the head folded over the stored head", func() {
			first, err := mqc.Extend(stored, m1.Data, m1.SentAt)
			Expect(err).NotTo(HaveOccurred())
			claimed, err := mqc.Extend(first, m2.Data, m2.SentAt)
			Expect(err).NotTo(HaveOccurred())

			Expect(mqc.Verify(claimed, stored, []mqc.Link{m1, m2})).To(Succeed())
		})

		It("rejects a head folded in a different order", func() {
			claimed, err := mqc.Fold(stored, []mqc.Link{m2, m1})
			Expect(err).NotTo(HaveOccurred())

			err = mqc.Verify(claimed, stored, []mqc.Link{m1, m2})
			Expect(errors.Is(err, mqc.ErrHeadMismatch)).To(BeTrue())
		})

		It("rejects a batch with a missing message", func() {
			claimed, err := mqc.Fold(stored, []mqc.Link{m1, m2})
			Expect(err).NotTo(HaveOccurred())

			err = mqc.Verify(claimed, stored, []mqc.Link{m1})
			Expect(errors.Is(err, mqc.ErrHeadMismatch)).To(BeTrue())
		})

		It("accepts an empty batch only when the head is unchanged", func() {
			Expect(mqc.Verify(stored, stored, nil)).To(Succeed())
			Expect(mqc.Verify(common.Hash{}, stored, nil)).NotTo(Succeed())
		})
	})
})
