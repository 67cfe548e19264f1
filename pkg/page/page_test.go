/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package page_test

import (
	"bytes"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/xcmq/pkg/page"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

var _ = Describe("Page", func() {
	It("encodes the format byte ahead of the fragments", func() {
		b, err := page.Page{
			Format:    t.FormatConcatenatedEncodedBlob,
			Fragments: []page.Fragment{{Final: true, Data: []byte{0xaa}}},
		}.Encode()
		Expect(err).NotTo(HaveOccurred())
		// format, one fragment, final, length 1, data
		Expect(b).To(Equal([]byte{1, 1 << 2, 1, 1 << 2, 0xaa}))
	})

	It("decodes exactly what it encoded", func() {
		p := page.Page{
			Format: t.FormatConcatenatedVersionedXcm,
			Fragments: []page.Fragment{
				{Final: true, Data: []byte("one")},
				{Final: false, Data: []byte("two")},
			},
		}
		b, err := p.Encode()
		Expect(err).NotTo(HaveOccurred())
		decoded, err := page.Decode(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(Equal(p))
		Expect(decoded.EndsOpen()).To(BeTrue())

		again, err := decoded.Encode()
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(b))
	})

	It("rejects signal pages and garbage", func() {
		_, err := page.Decode([]byte{byte(t.FormatSignals), 0})
		Expect(errors.Is(err, page.ErrMalformed)).To(BeTrue())

		_, err = page.Decode(nil)
		Expect(errors.Is(err, page.ErrMalformed)).To(BeTrue())
	})

	It("computes the largest single fragment of a page", func() {
		n := page.MaxChunk(t.FormatConcatenatedEncodedBlob, 32)
		Expect(n).To(Equal(28))
		size, err := page.Page{Fragments: []page.Fragment{{Final: true, Data: make([]byte, n)}}}.Size()
		Expect(err).NotTo(HaveOccurred())
		Expect(size).To(Equal(32))

		// Two-byte length prefixes start at 64 bytes of data.
		Expect(page.MaxChunk(t.FormatConcatenatedEncodedBlob, 100)).To(Equal(95))
		Expect(page.MaxChunk(t.FormatConcatenatedEncodedBlob, 4)).To(Equal(0))
	})
})

var _ = Describe("Split and Assembler", func() {
	It("reassembles a split payload in byte order", func() {
		payload := bytes.Repeat([]byte("0123456789"), 7)
		frags := page.Split(payload, 16)
		Expect(frags).To(HaveLen(5))
		for _, f := range frags[:4] {
			Expect(f.Final).To(BeFalse())
		}
		Expect(frags[4].Final).To(BeTrue())

		a := &page.Assembler{}
		var out [][]byte
		for _, f := range frags {
			if p, ok := a.Push(f); ok {
				out = append(out, p)
			}
		}
		Expect(out).To(HaveLen(1))
		Expect(out[0]).To(Equal(payload))
		Expect(a.Partial).To(BeEmpty())
	})

	It("yields one empty fragment for an empty payload", func() {
		frags := page.Split(nil, 8)
		Expect(frags).To(HaveLen(1))
		Expect(frags[0].Final).To(BeTrue())
	})
})
