/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package dmpqueue_test

import (
	"github.com/ChainSafe/gossamer/lib/common"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/dmpqueue"
	"github.com/hyperledger-labs/xcmq/pkg/events"
	"github.com/hyperledger-labs/xcmq/pkg/modules"
	"github.com/hyperledger-labs/xcmq/pkg/mqc"
	"github.com/hyperledger-labs/xcmq/pkg/overweight"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
	"github.com/hyperledger-labs/xcmq/pkg/weight"
)

// msgs builds downward messages whose weight is their single byte.
func msgs(weights ...byte) []dmpqueue.InboundDownwardMessage {
	result := make([]dmpqueue.InboundDownwardMessage, len(weights))
	for i, w := range weights {
		result[i] = dmpqueue.InboundDownwardMessage{SentAt: t.RelayBlockNumber(i), Msg: []byte{w}}
	}
	return result
}

var _ = Describe("Queue", func() {
	var (
		queue    *dmpqueue.Queue
		executed []byte
		registry *modules.Registry
		ow       *overweight.Set
		el       *events.EventList
		cfg      config.DmpConfigData
	)

	env := func(budget t.Weight) *dmpqueue.Env {
		return &dmpqueue.Env{
			Config:     cfg,
			Meter:      weight.NewMeter(budget),
			Registry:   registry,
			Overweight: ow,
			Events:     el,
		}
	}

	BeforeEach(func() {
		queue = dmpqueue.New(zap.NewNop())
		executed = nil
		ow = overweight.NewSet()
		el = &events.EventList{}
		cfg = config.DmpConfigData{MaxIndividual: 1000}

		var err error
		registry, err = modules.NewRegistry(nil, &modules.SimpleHandler{
			WeighFunc: func(p []byte) (t.Weight, error) { return t.Weight(p[0]), nil },
			HandleFunc: func(_ t.Origin, p []byte) error {
				executed = append(executed, p[0])
				return nil
			},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Drain", func() {
		It("drains the first messages fitting the budget and advances past drained pages only", func() {
			queue.EnqueuePage(msgs(40, 40))
			queue.EnqueuePage(msgs(40))

			r := queue.Drain(env(100))
			Expect(r.Executed).To(Equal(2))
			Expect(executed).To(Equal([]byte{40, 40}))
			Expect(queue.Index).To(Equal(dmpqueue.PageIndexData{BeginUsed: 1, EndUsed: 2}))

			r = queue.Drain(env(100))
			Expect(r.Executed).To(Equal(1))
			Expect(queue.IsEmpty()).To(BeTrue())
			Expect(queue.Index.BeginUsed).To(Equal(t.PageCounter(2)))
		})

		It("writes back the unprocessed suffix of a page", func() {
			queue.EnqueuePage(msgs(30, 30, 30, 30))

			queue.Drain(env(100))
			Expect(executed).To(Equal([]byte{30, 30, 30}))
			Expect(queue.Index.BeginUsed).To(BeZero())
			page, ok := queue.Pages.Get(0)
			Expect(ok).To(BeTrue())
			Expect(page).To(HaveLen(1))

			queue.Drain(env(100))
			Expect(executed).To(HaveLen(4))
			Expect(queue.IsEmpty()).To(BeTrue())
		})

		It("never skips ahead of a message which does not fit", func() {
			queue.EnqueuePage(msgs(10, 90, 5))
			queue.Drain(env(50))
			Expect(executed).To(Equal([]byte{10}))
			Expect(queue.Len()).To(Equal(2))
		})

		It("quarantines a message above the individual limit without blocking the rest", func() {
			cfg.MaxIndividual = 30
			queue.EnqueuePage(msgs(50, 10))

			r := queue.Drain(env(100))
			Expect(r.Quarantined).To(Equal(1))
			Expect(executed).To(Equal([]byte{10}))
			Expect(queue.Index.OverweightCount).To(Equal(uint64(1)))
			Expect(queue.IsEmpty()).To(BeTrue())

			Expect(ow.Len()).To(Equal(1))
			entry, err := ow.Lookup(0, 50)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Origin).To(Equal(t.DownwardOrigin()))
			Expect(el.OfKind(events.KindOverweightEnqueued)).To(ConsistOf(events.OverweightEnqueued(0, 0, 50)))
		})

		It("consumes a message whose handler fails", func() {
			r, err := modules.NewRegistry(nil, &modules.SimpleHandler{
				FixedWeight: 1,
				HandleFunc:  func(t.Origin, []byte) error { return errors.New("bad message") },
			})
			Expect(err).NotTo(HaveOccurred())
			registry = r
			queue.EnqueuePage(msgs(1, 1))

			res := queue.Drain(env(10))
			Expect(res.Failed).To(Equal(2))
			Expect(queue.IsEmpty()).To(BeTrue())
			Expect(el.OfKind(events.KindDownwardExecuted)).To(HaveLen(2))
		})
	})

	Describe("Handle", func() {
		It("executes new messages directly when nothing is queued", func() {
			r := queue.Handle(&dmpqueue.DownwardBatch{Messages: msgs(20, 20, 20)}, env(50))
			Expect(r.Executed).To(Equal(2))
			Expect(queue.Index).To(Equal(dmpqueue.PageIndexData{BeginUsed: 0, EndUsed: 1}))
			Expect(queue.Len()).To(Equal(1))
		})

		It("services the queue before new messages", func() {
			queue.EnqueuePage(msgs(7))
			queue.Handle(&dmpqueue.DownwardBatch{Messages: msgs(8)}, env(100))
			Expect(executed).To(Equal([]byte{7, 8}))
			Expect(queue.IsEmpty()).To(BeTrue())
		})

		It("queues the whole batch behind a backlog", func() {
			queue.EnqueuePage(msgs(60, 60))
			queue.Handle(&dmpqueue.DownwardBatch{Messages: msgs(1)}, env(100))
			Expect(executed).To(Equal([]byte{60}))
			Expect(queue.Index.EndUsed).To(Equal(t.PageCounter(2)))
			Expect(queue.Len()).To(Equal(2))
		})
	})

	Describe("Verify", func() {
		It("accepts a batch extending the stored head and rejects any other", func() {
			batch := &dmpqueue.DownwardBatch{Messages: msgs(1, 2)}
			head, err := mqc.Fold(common.Hash{}, []mqc.Link{{SentAt: 0, Data: []byte{1}}, {SentAt: 1, Data: []byte{2}}})
			Expect(err).NotTo(HaveOccurred())

			batch.Head = head
			Expect(queue.Verify(batch)).To(Succeed())

			batch.Messages = msgs(2, 1)
			Expect(errors.Is(queue.Verify(batch), mqc.ErrHeadMismatch)).To(BeTrue())
		})

		It("adopts the head of a handled batch", func() {
			batch := &dmpqueue.DownwardBatch{Messages: msgs(1), Head: common.Hash{1}}
			queue.Handle(batch, env(100))
			Expect(queue.Head).To(Equal(common.Hash{1}))
		})
	})

	It("clones independently", func() {
		queue.EnqueuePage(msgs(1, 2))
		clone := queue.Clone()
		clone.Drain(env(100))
		Expect(clone.IsEmpty()).To(BeTrue())
		Expect(queue.Len()).To(Equal(2))
	})
})
