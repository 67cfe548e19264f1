/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package weight_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
	"github.com/hyperledger-labs/xcmq/pkg/weight"
)

var _ = Describe("Meter", func() {
	var meter *weight.Meter

	BeforeEach(func() {
		meter = weight.NewMeter(100)
	})

	It("consumes while within the limit", func() {
		Expect(meter.TryConsume(60)).To(BeTrue())
		Expect(meter.TryConsume(40)).To(BeTrue())
		Expect(meter.Consumed()).To(Equal(t.Weight(100)))
		Expect(meter.Remaining()).To(BeZero())
	})

	It("refuses weight that does not fit and consumes nothing", func() {
		Expect(meter.TryConsume(70)).To(BeTrue())
		Expect(meter.TryConsume(31)).To(BeFalse())
		Expect(meter.Remaining()).To(Equal(t.Weight(30)))
		Expect(meter.TryConsume(30)).To(BeTrue())
	})

	It("accepts zero weight even with nothing remaining", func() {
		Expect(meter.TryConsume(100)).To(BeTrue())
		Expect(meter.TryConsume(0)).To(BeTrue())
	})
})

var _ = Describe("Weight", func() {
	It("saturates at zero", func() {
		Expect(t.Weight(5).SaturatingSub(7)).To(Equal(t.Weight(0)))
		Expect(t.Weight(7).SaturatingSub(5)).To(Equal(t.Weight(2)))
	})
})
