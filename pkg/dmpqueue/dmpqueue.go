/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package dmpqueue implements the paged queue of messages sent down by the relay chain.
// Messages are executed in strict arrival order under the block's weight meter; whatever
// does not fit stays queued for later blocks.
package dmpqueue

import (
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/events"
	"github.com/hyperledger-labs/xcmq/pkg/modules"
	"github.com/hyperledger-labs/xcmq/pkg/mqc"
	"github.com/hyperledger-labs/xcmq/pkg/overweight"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
	"github.com/hyperledger-labs/xcmq/pkg/weight"
)

// InboundDownwardMessage is one message placed into this chain's downward queue on the
// relay chain.
type InboundDownwardMessage struct {
	SentAt t.RelayBlockNumber
	Msg    []byte
}

// DownwardBatch is the part of the relay proof carrying new downward messages and the
// relay chain's head of the downward accumulator after them.
type DownwardBatch struct {
	Messages []InboundDownwardMessage
	Head     common.Hash
}

// PageIndexData locates the used pages of the queue: [BeginUsed, EndUsed).
type PageIndexData struct {
	BeginUsed       t.PageCounter
	EndUsed         t.PageCounter
	OverweightCount uint64
}

// Queue is the downward message queue of one chain.
type Queue struct {
	Index PageIndexData
	Pages *btree.Map[t.PageCounter, []InboundDownwardMessage]
	Head  common.Hash

	logger t.Logger
}

func New(logger t.Logger) *Queue {
	return &Queue{
		Pages:  btree.NewMap[t.PageCounter, []InboundDownwardMessage](32),
		logger: logger,
	}
}

// Env is what a Handle or Drain call works against.
type Env struct {
	Config     config.DmpConfigData
	Meter      *weight.Meter
	Registry   *modules.Registry
	Overweight *overweight.Set
	Events     *events.EventList
}

// Result counts the outcome of a Handle or Drain call.
type Result struct {
	Executed    int
	Failed      int
	Quarantined int
}

func (r *Result) add(o Result) {
	r.Executed += o.Executed
	r.Failed += o.Failed
	r.Quarantined += o.Quarantined
}

// IsEmpty reports whether no page is queued.
func (q *Queue) IsEmpty() bool {
	return q.Index.BeginUsed == q.Index.EndUsed
}

// Len is the number of queued messages.
func (q *Queue) Len() int {
	n := 0
	q.Pages.Scan(func(_ t.PageCounter, msgs []InboundDownwardMessage) bool {
		n += len(msgs)
		return true
	})
	return n
}

// Verify checks that batch extends the stored downward head.
func (q *Queue) Verify(batch *DownwardBatch) error {
	if batch == nil {
		return nil
	}
	links := make([]mqc.Link, len(batch.Messages))
	for i, m := range batch.Messages {
		links[i] = mqc.Link{SentAt: m.SentAt, Data: m.Msg}
	}
	return mqc.Verify(batch.Head, q.Head, links)
}

// EnqueuePage appends msgs as a new page.
func (q *Queue) EnqueuePage(msgs []InboundDownwardMessage) {
	if len(msgs) == 0 {
		return
	}
	q.Pages.Set(q.Index.EndUsed, append([]InboundDownwardMessage(nil), msgs...))
	q.Index.EndUsed++
}

// Handle is the entry point for the downward part of a verified relay proof.  The queue
// is serviced first; new messages are executed right away only when nothing older is
// waiting, and whatever is left of them is queued as one new page.
func (q *Queue) Handle(batch *DownwardBatch, env *Env) Result {
	result := q.Drain(env)
	if batch == nil || len(batch.Messages) == 0 {
		return result
	}
	q.Head = batch.Head

	if !q.IsEmpty() {
		q.EnqueuePage(batch.Messages)
		return result
	}

	executed, r := q.execute(batch.Messages, env)
	result.add(r)
	if executed < len(batch.Messages) {
		q.EnqueuePage(batch.Messages[executed:])
		q.logger.Debug("queued downward messages", zap.Int("messages", len(batch.Messages)-executed),
			zap.Uint32(t.PageLog, uint32(q.Index.EndUsed-1)))
	}
	return result
}

// Drain executes queued messages from BeginUsed in arrival order until one does not fit
// the meter.  A page is released only once every message in it was consumed; the
// unprocessed suffix of a partially drained page is written back.
func (q *Queue) Drain(env *Env) Result {
	var result Result
	for !q.IsEmpty() {
		msgs, _ := q.Pages.Get(q.Index.BeginUsed)
		executed, r := q.execute(msgs, env)
		result.add(r)
		if executed < len(msgs) {
			q.Pages.Set(q.Index.BeginUsed, msgs[executed:])
			break
		}
		q.Pages.Delete(q.Index.BeginUsed)
		q.Index.BeginUsed++
	}
	return result
}

// execute runs msgs in order and returns how many were consumed before one did not fit
// the meter.  Overweight messages are consumed into the overweight set.
func (q *Queue) execute(msgs []InboundDownwardMessage, env *Env) (int, Result) {
	var result Result
	handler, ok := env.Registry.Downward()
	for i, m := range msgs {
		if !ok {
			env.Events.PushBack(events.DownwardExecuted(0, events.ReasonUnknownFormat))
			result.Failed++
			continue
		}

		w, err := handler.Weigh(m.Msg)
		if err != nil {
			q.logger.Warn("could not weigh downward message", zap.Uint32(t.RelayBlockLog, uint32(m.SentAt)), zap.Error(err))
			env.Events.PushBack(events.DownwardExecuted(0, events.ReasonWeighFailed))
			result.Failed++
			continue
		}

		if w > env.Config.MaxIndividual {
			index := env.Overweight.Insert(overweight.Entry{
				Origin: t.DownwardOrigin(),
				SentAt: m.SentAt,
				Data:   m.Msg,
				Weight: w,
			})
			q.Index.OverweightCount++
			q.logger.Warn("quarantined overweight downward message", zap.Uint64(t.OverweightLog, uint64(index)),
				zap.Uint64(t.WeightLog, uint64(w)))
			env.Events.PushBack(events.OverweightEnqueued(0, index, w))
			result.Quarantined++
			continue
		}

		if !env.Meter.TryConsume(w) {
			return i, result
		}

		if err := handler.Handle(t.DownwardOrigin(), m.Msg); err != nil {
			q.logger.Error("downward handler failed", zap.Uint32(t.RelayBlockLog, uint32(m.SentAt)), zap.Error(err))
			env.Events.PushBack(events.DownwardExecuted(w, events.ReasonHandlerFailed))
			result.Failed++
			continue
		}
		env.Events.PushBack(events.DownwardExecuted(w, events.ReasonNone))
		result.Executed++
	}
	return len(msgs), result
}

// Clone returns an independent copy.  Pages are replaced, never mutated in place.
func (q *Queue) Clone() *Queue {
	return &Queue{
		Index:  q.Index,
		Pages:  q.Pages.Copy(),
		Head:   q.Head,
		logger: q.logger,
	}
}
