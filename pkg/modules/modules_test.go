/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package modules_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/xcmq/pkg/modules"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

var _ = Describe("Registry", func() {
	It("refuses a handler for the signals format", func() {
		_, err := modules.NewRegistry(map[t.MessageFormat]modules.Handler{
			t.FormatSignals: &modules.SimpleHandler{},
		}, nil)
		Expect(errors.Is(err, modules.ErrReservedFormat)).To(BeTrue())
	})

	It("resolves handlers by origin and format", func() {
		blob := &modules.SimpleHandler{FixedWeight: 3}
		relay := &modules.SimpleHandler{FixedWeight: 5}
		r, err := modules.NewRegistry(map[t.MessageFormat]modules.Handler{
			t.FormatConcatenatedEncodedBlob: blob,
		}, relay)
		Expect(err).NotTo(HaveOccurred())

		h, ok := r.ForOrigin(t.HorizontalOrigin(2000), t.FormatConcatenatedEncodedBlob)
		Expect(ok).To(BeTrue())
		Expect(h).To(BeIdenticalTo(blob))

		_, ok = r.ForOrigin(t.HorizontalOrigin(2000), t.FormatConcatenatedVersionedXcm)
		Expect(ok).To(BeFalse())

		h, ok = r.ForOrigin(t.DownwardOrigin(), t.FormatConcatenatedVersionedXcm)
		Expect(ok).To(BeTrue())
		w, err := h.Weigh(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(w).To(Equal(t.Weight(5)))
	})
})

var _ = Describe("SimpleHandler", func() {
	It("delegates to its functions", func() {
		var seen []t.Origin
		h := &modules.SimpleHandler{
			WeighFunc: func(p []byte) (t.Weight, error) { return t.Weight(len(p)), nil },
			HandleFunc: func(o t.Origin, _ []byte) error {
				seen = append(seen, o)
				return errors.New("boom")
			},
		}
		w, err := h.Weigh([]byte("four"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w).To(Equal(t.Weight(4)))
		Expect(h.Handle(t.DownwardOrigin(), nil)).To(MatchError("boom"))
		Expect(seen).To(Equal([]t.Origin{t.DownwardOrigin()}))
	})
})
