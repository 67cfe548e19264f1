/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package overweight_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/xcmq/pkg/overweight"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

var _ = Describe("Set", func() {
	var (
		set   *overweight.Set
		first t.OverweightIndex
	)

	BeforeEach(func() {
		set = overweight.NewSet()
		first = set.Insert(overweight.Entry{
			Origin: t.HorizontalOrigin(2000),
			SentAt: 7,
			Data:   []byte("heavy"),
			Weight: 500,
		})
	})

	It("hands out increasing indices which are never reused", func() {
		second := set.Insert(overweight.Entry{Origin: t.DownwardOrigin(), Weight: 10})
		Expect(second).To(Equal(first + 1))

		Expect(set.Remove(second)).To(BeTrue())

		third := set.Insert(overweight.Entry{Origin: t.DownwardOrigin(), Weight: 10})
		Expect(third).To(Equal(second + 1))
	})

	It("rejects a weight limit below the entry's weight", func() {
		_, err := set.Lookup(first, 499)
		Expect(errors.Is(err, overweight.ErrWeightOverLimit)).To(BeTrue())
		Expect(set.Len()).To(Equal(1))
	})

	It("keeps an entry on lookup and forgets it once removed", func() {
		e, err := set.Lookup(first, 500)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Data).To(Equal([]byte("heavy")))
		Expect(set.Len()).To(Equal(1))

		Expect(set.Remove(first)).To(BeTrue())
		Expect(set.Remove(first)).To(BeFalse())
		_, err = set.Lookup(first, 500)
		Expect(errors.Is(err, overweight.ErrUnknownIndex)).To(BeTrue())
	})

	It("rejects an index that was never issued", func() {
		_, err := set.Lookup(42, 1<<40)
		Expect(errors.Is(err, overweight.ErrUnknownIndex)).To(BeTrue())
	})

	It("restores from its persisted form", func() {
		set.Insert(overweight.Entry{Origin: t.DownwardOrigin(), Weight: 3})
		restored := overweight.Restore(set.NextIndex(), set.Entries())
		Expect(restored.Entries()).To(Equal(set.Entries()))
		Expect(restored.Insert(overweight.Entry{})).To(Equal(set.NextIndex()))
	})

	It("clones independently", func() {
		clone := set.Clone()
		Expect(clone.Remove(first)).To(BeTrue())
		Expect(set.Len()).To(Equal(1))
		Expect(clone.Len()).To(Equal(0))
	})
})
