/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package inbound owns the receive side of the horizontal channels.  It verifies the
// relay proof against the accumulator heads, dispatches payload under the block's weight
// meter, defers what does not fit and pushes back on senders whose backlog grows.
package inbound

import (
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/events"
	"github.com/hyperledger-labs/xcmq/pkg/modules"
	"github.com/hyperledger-labs/xcmq/pkg/overweight"
	"github.com/hyperledger-labs/xcmq/pkg/page"
	"github.com/hyperledger-labs/xcmq/pkg/signal"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
	"github.com/hyperledger-labs/xcmq/pkg/weight"
)

// SignalSink is the part of the outbound side the receive path drives: it applies the
// signals senders emit and queues the ones this chain answers with.
type SignalSink interface {
	ApplyRemoteSignal(sender t.ParaID, sig signal.ChannelSignal, el *events.EventList) bool
	QueueSignal(recipient t.ParaID, sig signal.ChannelSignal, el *events.EventList) error
}

// Position is how far the channel from one sender has been received.
type Position struct {
	Head       common.Hash
	LastSentAt t.RelayBlockNumber
}

// PageMetadata describes one deferred page.
type PageMetadata struct {
	SentAt t.RelayBlockNumber
	Format t.MessageFormat
}

// ChannelDetails is the receive-side state of the channel from one sender.
// State is Suspended while this chain owes the sender a Resume.  A held channel owes
// it regardless of the backlog.
type ChannelDetails struct {
	Sender          t.ParaID
	State           t.ChannelState
	MessageMetadata []PageMetadata
	Partial         []byte
	Held            bool
}

// State is the complete inbound table of one chain.
// Pages holds the deferred page bodies of each sender, parallel to its MessageMetadata.
type State struct {
	Self     t.ParaID
	Channels *btree.Map[t.ParaID, *ChannelDetails]
	Pages    map[t.ParaID][][]byte
	Heads    *btree.Map[t.ParaID, Position]
	Closed   *btree.Map[t.ParaID, struct{}]

	logger t.Logger
}

func NewState(self t.ParaID, logger t.Logger) *State {
	return &State{
		Self:     self,
		Channels: btree.NewMap[t.ParaID, *ChannelDetails](32),
		Pages:    map[t.ParaID][][]byte{},
		Heads:    btree.NewMap[t.ParaID, Position](32),
		Closed:   btree.NewMap[t.ParaID, struct{}](32),
		logger:   logger,
	}
}

// Env is what one Process call works against.
type Env struct {
	Config     config.QueueConfigData
	Meter      *weight.Meter
	Registry   *modules.Registry
	Overweight *overweight.Set
	Signals    SignalSink
	Events     *events.EventList
}

// Result counts the outcome of one Process call.
type Result struct {
	Dispatched  int
	Failed      int
	Quarantined int
	Deferred    int
}

func (s *State) details(sender t.ParaID) *ChannelDetails {
	d, ok := s.Channels.Get(sender)
	if !ok {
		d = &ChannelDetails{Sender: sender}
		s.Channels.Set(sender, d)
	}
	return d
}

// Channel returns a copy of the details of the channel from sender.
func (s *State) Channel(sender t.ParaID) (ChannelDetails, bool) {
	d, ok := s.Channels.Get(sender)
	if !ok {
		return ChannelDetails{}, false
	}
	return *d, true
}

// Deferred is the number of pages from sender waiting for a later block.
func (s *State) Deferred(sender t.ParaID) int {
	return len(s.Pages[sender])
}

func (s *State) IsClosed(sender t.ParaID) bool {
	_, ok := s.Closed.Get(sender)
	return ok
}

// MarkSuspended records that this chain owes sender a Resume, so that one is sent as
// soon as the backlog from sender allows.  It reports whether the state changed.
func (s *State) MarkSuspended(sender t.ParaID) bool {
	if s.IsClosed(sender) {
		return false
	}
	d := s.details(sender)
	if d.State != t.ChannelOk {
		return false
	}
	d.State = t.ChannelSuspended
	return true
}

// Hold is MarkSuspended, except that the Resume is kept back until MarkResumed.
func (s *State) Hold(sender t.ParaID) bool {
	if s.IsClosed(sender) {
		return false
	}
	d := s.details(sender)
	d.Held = true
	if d.State != t.ChannelOk {
		return false
	}
	d.State = t.ChannelSuspended
	return true
}

// MarkResumed clears a Resume owed to sender once it has been queued elsewhere, and
// releases a hold.
func (s *State) MarkResumed(sender t.ParaID) bool {
	d, ok := s.Channels.Get(sender)
	if !ok {
		return false
	}
	d.Held = false
	if d.State != t.ChannelSuspended {
		return false
	}
	d.State = t.ChannelOk
	return true
}

// Process verifies the proof batches, then services every sender's pending pages in
// ascending sender order.  Signals are applied as they arrive and never consume weight.
// Once a payload does not fit the meter, the rest of that sender's pages and every later
// sender are deferred to the next block.  An error means the batches were rejected and
// nothing was changed.
func (s *State) Process(batches []SenderBatch, env *Env) (Result, error) {
	if err := s.Verify(batches); err != nil {
		return Result{}, err
	}

	for _, b := range batches {
		s.ingest(b, env)
	}

	var (
		result Result
		halted bool
		err    error
	)
	s.Channels.Scan(func(sender t.ParaID, d *ChannelDetails) bool {
		if len(s.Pages[sender]) == 0 {
			return true
		}
		if !halted && env.Meter.Remaining() < env.Config.ThresholdWeight {
			s.logger.Debug("inbound weight below threshold, deferring remaining senders",
				zap.Uint64(t.WeightLog, uint64(env.Meter.Remaining())))
			halted = true
		}
		if !halted {
			halted, err = s.service(d, env, &result)
			if err != nil {
				return false
			}
		}
		if n := len(s.Pages[sender]); n > 0 {
			env.Events.PushBack(events.MessagesDeferred(sender, uint32(n)))
			result.Deferred += n
		}
		return true
	})
	if err != nil {
		return Result{}, err
	}

	s.applyBackpressure(env)
	return result, nil
}

func (s *State) ingest(b SenderBatch, env *Env) {
	pos, _ := s.Heads.Get(b.Sender)
	pos.Head = b.Head
	if n := len(b.Messages); n > 0 {
		pos.LastSentAt = b.Messages[n-1].SentAt
	}
	s.Heads.Set(b.Sender, pos)

	if s.IsClosed(b.Sender) {
		s.logger.Debug("discarding pages from closed channel", zap.Uint32(t.ParaLog, uint32(b.Sender)),
			zap.Int("pages", len(b.Messages)))
		return
	}

	d := s.details(b.Sender)
	for _, m := range b.Messages {
		format, ok := page.Format(m.Data)
		switch {
		case !ok:
			env.Events.PushBack(events.MessageFailed(b.Sender, 0, events.ReasonMalformedPage))
		case format == t.FormatSignals:
			s.applySignals(d, m.Data[1:], env)
		default:
			d.MessageMetadata = append(d.MessageMetadata, PageMetadata{SentAt: m.SentAt, Format: format})
			s.Pages[b.Sender] = append(s.Pages[b.Sender], append([]byte(nil), m.Data...))
		}
	}
}

func (s *State) applySignals(d *ChannelDetails, body []byte, env *Env) {
	sigs, err := signal.DecodePage(body)
	if err != nil {
		s.logger.Warn("discarding malformed signals page", zap.Uint32(t.ParaLog, uint32(d.Sender)), zap.Error(err))
		env.Events.PushBack(events.MessageFailed(d.Sender, 0, events.ReasonMalformedPage))
		return
	}
	for _, sig := range sigs {
		env.Signals.ApplyRemoteSignal(d.Sender, sig, env.Events)
		if sig == signal.Suspend && d.State == t.ChannelOk {
			d.State = t.ChannelSuspended
		}
	}
}

// service dispatches the pending pages of one sender and reports whether the meter
// ran out before all of them were consumed.
func (s *State) service(d *ChannelDetails, env *Env, result *Result) (bool, error) {
	pages := s.Pages[d.Sender]
	defer func() {
		if len(pages) == 0 {
			delete(s.Pages, d.Sender)
			d.MessageMetadata = nil
			return
		}
		s.Pages[d.Sender] = pages
	}()

	for len(pages) > 0 {
		meta := d.MessageMetadata[0]

		p, err := page.Decode(pages[0])
		if err != nil {
			s.logger.Warn("discarding malformed page", append(t.LogChannel(d.Sender, uint64(meta.SentAt), meta.Format), zap.Error(err))...)
			env.Events.PushBack(events.MessageFailed(d.Sender, 0, events.ReasonMalformedPage))
			result.Failed++
			d.Partial = nil
			pages, d.MessageMetadata = pages[1:], d.MessageMetadata[1:]
			continue
		}

		handler, ok := env.Registry.Horizontal(p.Format)
		if !ok {
			s.logger.Warn("no handler for page format", t.LogChannel(d.Sender, uint64(meta.SentAt), p.Format)...)
			env.Events.PushBack(events.MessageFailed(d.Sender, 0, events.ReasonUnknownFormat))
			result.Failed++
			d.Partial = nil
			pages, d.MessageMetadata = pages[1:], d.MessageMetadata[1:]
			continue
		}

		if at, halted := s.servicePage(d, meta, p, handler, env, result); halted {
			rest, err := page.Page{Format: p.Format, Fragments: p.Fragments[at:]}.Encode()
			if err != nil {
				return true, err
			}
			pages[0] = rest
			return true, nil
		}
		pages, d.MessageMetadata = pages[1:], d.MessageMetadata[1:]
	}
	return false, nil
}

// servicePage dispatches the fragments of p in order.  If a payload does not fit the
// meter it returns the index of its final fragment and true.
func (s *State) servicePage(d *ChannelDetails, meta PageMetadata, p page.Page, handler modules.Handler, env *Env, result *Result) (int, bool) {
	origin := t.HorizontalOrigin(d.Sender)
	asm := &page.Assembler{Partial: d.Partial}
	defer func() { d.Partial = asm.Partial }()

	for i, f := range p.Fragments {
		pending := asm.Partial
		payload, ok := asm.Push(f)
		if !ok {
			continue
		}

		w, err := handler.Weigh(payload)
		if err != nil {
			s.logger.Warn("could not weigh message", append(t.LogChannel(d.Sender, uint64(meta.SentAt), p.Format), zap.Error(err))...)
			env.Events.PushBack(events.MessageFailed(d.Sender, 0, events.ReasonWeighFailed))
			result.Failed++
			continue
		}

		if w > env.Config.XcmpMaxIndividualWeight {
			index := env.Overweight.Insert(overweight.Entry{
				Origin: origin,
				Format: p.Format,
				SentAt: meta.SentAt,
				Data:   payload,
				Weight: w,
			})
			s.logger.Warn("quarantined overweight message", zap.Uint32(t.ParaLog, uint32(d.Sender)),
				zap.Uint64(t.OverweightLog, uint64(index)), zap.Uint64(t.WeightLog, uint64(w)))
			env.Events.PushBack(events.OverweightEnqueued(d.Sender, index, w))
			result.Quarantined++
			continue
		}

		if !env.Meter.TryConsume(w) {
			asm.Partial = pending
			return i, true
		}

		if err := handler.Handle(origin, payload); err != nil {
			s.logger.Error("message handler failed", append(t.LogChannel(d.Sender, uint64(meta.SentAt), p.Format), zap.Error(err))...)
			env.Events.PushBack(events.MessageFailed(d.Sender, w, events.ReasonHandlerFailed))
			result.Failed++
			continue
		}
		s.logger.Debug("dispatched message", append(t.LogChannel(d.Sender, uint64(meta.SentAt), p.Format), zap.Uint64(t.WeightLog, uint64(w)))...)
		env.Events.PushBack(events.MessageDispatched(d.Sender, w))
		result.Dispatched++
	}
	return 0, false
}

// applyBackpressure asks senders with a large backlog to stop and releases the ones
// whose backlog has drained.
func (s *State) applyBackpressure(env *Env) {
	s.Channels.Scan(func(sender t.ParaID, d *ChannelDetails) bool {
		backlog := uint32(len(s.Pages[sender]))
		switch d.State {
		case t.ChannelOk:
			if backlog >= env.Config.SuspendThreshold && s.signal(sender, signal.Suspend, env) {
				d.State = t.ChannelSuspended
				env.Events.PushBack(events.ChannelSuspended(sender, events.ReasonReceiverBacklog))
			}
		case t.ChannelSuspended:
			if !d.Held && backlog <= env.Config.ResumeThreshold && s.signal(sender, signal.Resume, env) {
				d.State = t.ChannelOk
				env.Events.PushBack(events.ChannelResumed(sender, events.ReasonReceiverBacklog))
			}
		case t.ChannelClosed:
		}
		return true
	})
}

func (s *State) signal(sender t.ParaID, sig signal.ChannelSignal, env *Env) bool {
	if err := env.Signals.QueueSignal(sender, sig, env.Events); err != nil {
		s.logger.Warn("could not signal sender", zap.Uint32(t.ParaLog, uint32(sender)), zap.Stringer("signal", sig), zap.Error(err))
		return false
	}
	s.logger.Info("signalled sender", zap.Uint32(t.ParaLog, uint32(sender)), zap.Stringer("signal", sig),
		zap.Int("backlog", len(s.Pages[sender])))
	return true
}

// Close stops receiving from sender.  Deferred pages are discarded; the head is kept so
// that later batches from sender still verify, but their pages are dropped.
func (s *State) Close(sender t.ParaID) {
	s.Channels.Delete(sender)
	delete(s.Pages, sender)
	s.Closed.Set(sender, struct{}{})
	s.logger.Info("closed inbound channel", zap.Uint32(t.ParaLog, uint32(sender)))
}

// Clone returns a deep copy sharing nothing mutable with s.
func (s *State) Clone() *State {
	c := &State{
		Self:     s.Self,
		Channels: btree.NewMap[t.ParaID, *ChannelDetails](32),
		Pages:    make(map[t.ParaID][][]byte, len(s.Pages)),
		Heads:    s.Heads.Copy(),
		Closed:   s.Closed.Copy(),
		logger:   s.logger,
	}
	s.Channels.Scan(func(sender t.ParaID, d *ChannelDetails) bool {
		dc := *d
		dc.MessageMetadata = append([]PageMetadata(nil), d.MessageMetadata...)
		dc.Partial = append([]byte(nil), d.Partial...)
		c.Channels.Set(sender, &dc)
		return true
	})
	// Page bodies are replaced, never written to, so only the outer slices are copied.
	for sender, pages := range s.Pages {
		c.Pages[sender] = append([][]byte(nil), pages...)
	}
	return c
}
