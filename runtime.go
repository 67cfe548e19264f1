/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package xcmq is the message transport core of a parachain.  A Runtime owns the outbound
// and inbound channel tables, the downward message queue, the overweight set and the queue
// configuration of one chain, and advances all of them together, one block at a time.
//
// Every call into a Runtime works on a copy of the state which replaces the current one
// only once the call has fully succeeded, so a failed block or privileged call leaves no
// trace.
package xcmq

import (
	"sync"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/pkg/scale"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/dmpqueue"
	"github.com/hyperledger-labs/xcmq/pkg/events"
	"github.com/hyperledger-labs/xcmq/pkg/inbound"
	"github.com/hyperledger-labs/xcmq/pkg/journal"
	"github.com/hyperledger-labs/xcmq/pkg/modules"
	"github.com/hyperledger-labs/xcmq/pkg/outbound"
	"github.com/hyperledger-labs/xcmq/pkg/overweight"
	"github.com/hyperledger-labs/xcmq/pkg/signal"
	"github.com/hyperledger-labs/xcmq/pkg/store"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
	"github.com/hyperledger-labs/xcmq/pkg/weight"
)

var (
	// ErrIntegrity is matched by every error rejecting a relay proof.
	ErrIntegrity = errors.New("relay proof failed integrity checks")

	// ErrBlockOutOfSequence is returned for a block which does not follow the last one executed.
	ErrBlockOutOfSequence = errors.New("block out of sequence")

	// ErrNoHandler is returned when an overweight message has no handler to execute it.
	ErrNoHandler = errors.New("no handler for message")

	// ErrWrongChain is returned when the persisted state belongs to another chain.
	ErrWrongChain = errors.New("persisted state belongs to another chain")
)

// IntegrityError rejects a relay proof.  It matches ErrIntegrity and unwraps to the
// accumulator or ordering error found.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string {
	return ErrIntegrity.Error() + ": " + e.Err.Error()
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Limits are the budgets of one block.
type Limits struct {
	DownwardWeight t.Weight
	InboundWeight  t.Weight
	OutboundWeight t.Weight
	OutboundSize   uint32
}

// OutgoingMessage is a payload the chain's own execution sends to a sibling.
type OutgoingMessage struct {
	Recipient t.ParaID
	Format    t.MessageFormat
	Payload   []byte
}

// BlockInput is everything one block consumes.
type BlockInput struct {
	Number      uint64
	RelayParent t.RelayBlockNumber
	Proof       inbound.RelayProof
	Outgoing    []OutgoingMessage
	Limits      Limits
}

// SenderHead is the accumulator head of an inbound channel after this block.
type SenderHead struct {
	Sender t.ParaID
	Head   common.Hash
}

// CollationMetadata is what the block hands to the relay chain.
type CollationMetadata struct {
	Para               t.ParaID
	Block              uint64
	RelayParent        t.RelayBlockNumber
	HorizontalMessages []outbound.OutboundHrmpMessage
	OutboundHeads      []outbound.ChannelHead
	ProcessedDownward  uint32
	HrmpWatermark      t.RelayBlockNumber
	DownwardHead       common.Hash
	InboundHeads       []SenderHead
}

// Encode returns the SCALE encoding of the collation metadata.
func (c *CollationMetadata) Encode() ([]byte, error) {
	return scale.Marshal(*c)
}

// SendResult is the outcome of one outgoing message, in input order.
type SendResult struct {
	Receipt outbound.Receipt
	Err     error
}

// BlockOutput is everything one block produced.
type BlockOutput struct {
	Collation CollationMetadata
	Sends     []SendResult
	Events    []events.Event
}

// Runtime is the message transport state of one chain.
type Runtime struct {
	mutex    sync.Mutex
	config   *Config
	logger   Logger
	registry *modules.Registry
	weigher  outbound.PageWeigher
	state    *store.Snapshot
	oddities *oddities
}

// NewRuntime resumes the state persisted in c.Store, or starts a fresh chain if there is none.
func NewRuntime(c *Config) (*Runtime, error) {
	registry, err := modules.NewRegistry(c.Handlers, c.DownwardHandler)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid handlers")
	}

	weigher := c.PageWeigher
	if weigher == nil {
		weigher = outbound.LinearWeigher(0, 1)
	}

	r := &Runtime{
		config:   c,
		logger:   c.Logger,
		registry: registry,
		weigher:  weigher,
		oddities: newOddities(),
	}

	if c.Store != nil {
		snap, err := c.Store.Load()
		if err != nil {
			return nil, errors.WithMessage(err, "could not load persisted state")
		}
		if snap != nil {
			if snap.Outbound.Self != c.ID {
				return nil, errors.WithMessagef(ErrWrongChain, "expected para %d, found %d", c.ID, snap.Outbound.Self)
			}
			if c.PageSize != 0 && c.PageSize != snap.Outbound.PageSize {
				r.logger.Warn("ignoring configured page size, keeping the persisted one",
					zap.Int("configured", c.PageSize), zap.Int("persisted", snap.Outbound.PageSize))
			}
			r.state = snap
			r.logger.Info("resumed persisted state", zap.Uint64(t.BlockLog, snap.Block),
				zap.Uint32(t.RelayBlockLog, uint32(snap.RelayParent)))
			return r, nil
		}
	}

	r.state, err = initialState(c)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func initialState(c *Config) (*store.Snapshot, error) {
	queue := config.DefaultQueueConfig()
	if c.InitialQueueConfig != nil {
		queue = *c.InitialQueueConfig
	}
	dmp := config.DefaultDmpConfig()
	if c.InitialDmpConfig != nil {
		dmp = *c.InitialDmpConfig
	}
	cs, err := config.NewStore(queue, dmp)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid initial configuration")
	}

	pageSize := c.PageSize
	if pageSize == 0 {
		pageSize = outbound.DefaultPageSize
	}
	ob, err := outbound.NewState(c.ID, pageSize, c.Logger)
	if err != nil {
		return nil, err
	}

	return &store.Snapshot{
		Config:     cs,
		Outbound:   ob,
		Inbound:    inbound.NewState(c.ID, c.Logger),
		Downward:   dmpqueue.New(c.Logger),
		Overweight: overweight.NewSet(),
	}, nil
}

func cloneState(s *store.Snapshot) *store.Snapshot {
	return &store.Snapshot{
		Block:       s.Block,
		RelayParent: s.RelayParent,
		Config:      s.Config.Clone(),
		Outbound:    s.Outbound.Clone(),
		Inbound:     s.Inbound.Clone(),
		Downward:    s.Downward.Clone(),
		Overweight:  s.Overweight.Clone(),
	}
}

// commit persists working and makes it the current state.
func (r *Runtime) commit(working *store.Snapshot) error {
	if r.config.Store != nil {
		if err := r.config.Store.Save(working); err != nil {
			return err
		}
	}
	r.state = working
	return nil
}

// ExecuteBlock runs one block: pending configuration is activated, the relay proof is
// verified, downward and then horizontal messages are executed within their budgets, the
// outgoing messages are queued and the pages for the collation are selected.
// An error leaves the state as it was before the call.
func (r *Runtime) ExecuteBlock(in BlockInput) (*BlockOutput, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if expected := r.state.Block + 1; in.Number != expected {
		return nil, errors.WithMessagef(ErrBlockOutOfSequence, "expected block %d, got %d", expected, in.Number)
	}

	working := cloneState(r.state)
	el := &events.EventList{}

	if working.Config.Activate() {
		el.PushBack(events.ConfigActivated())
		r.logger.Info("activated pending configuration", zap.Uint64(t.BlockLog, in.Number))
	}
	cfg := working.Config.Active

	if err := working.Inbound.Verify(in.Proof.Horizontal); err != nil {
		r.oddities.rejectedProof(r.logger, in.Number, in.RelayParent, err)
		return nil, &IntegrityError{Err: err}
	}
	if err := working.Downward.Verify(in.Proof.Downward); err != nil {
		err = errors.WithMessage(err, "downward batch")
		r.oddities.rejectedProof(r.logger, in.Number, in.RelayParent, err)
		return nil, &IntegrityError{Err: err}
	}

	dmpResult := working.Downward.Handle(in.Proof.Downward, &dmpqueue.Env{
		Config:     working.Config.Dmp,
		Meter:      weight.NewMeter(in.Limits.DownwardWeight),
		Registry:   r.registry,
		Overweight: working.Overweight,
		Events:     el,
	})

	inResult, err := working.Inbound.Process(in.Proof.Horizontal, &inbound.Env{
		Config:     cfg,
		Meter:      weight.NewMeter(in.Limits.InboundWeight),
		Registry:   r.registry,
		Overweight: working.Overweight,
		Signals:    working.Outbound,
		Events:     el,
	})
	if err != nil {
		r.oddities.rejectedProof(r.logger, in.Number, in.RelayParent, err)
		return nil, &IntegrityError{Err: err}
	}

	sends := make([]SendResult, len(in.Outgoing))
	for i, m := range in.Outgoing {
		receipt, err := working.Outbound.Send(cfg, m.Recipient, m.Format, m.Payload, el)
		sends[i] = SendResult{Receipt: receipt, Err: err}
		if err != nil {
			r.logger.Debug("rejected outgoing message", zap.Uint32(t.ParaLog, uint32(m.Recipient)), zap.Error(err))
			continue
		}
		if receipt.Suspended {
			working.Inbound.MarkSuspended(m.Recipient)
		}
	}

	selection, err := working.Outbound.Select(cfg, in.RelayParent, outbound.Budget{
		Weight: in.Limits.OutboundWeight,
		Size:   in.Limits.OutboundSize,
	}, r.weigher, el)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not select outbound pages for block %d", in.Number)
	}
	for _, para := range selection.Suspended {
		working.Inbound.MarkSuspended(para)
	}

	working.Block = in.Number
	working.RelayParent = in.RelayParent

	out := &BlockOutput{
		Collation: CollationMetadata{
			Para:               r.config.ID,
			Block:              in.Number,
			RelayParent:        in.RelayParent,
			HorizontalMessages: selection.Messages,
			OutboundHeads:      selection.Heads,
			HrmpWatermark:      in.RelayParent,
			DownwardHead:       working.Downward.Head,
			InboundHeads:       []SenderHead{},
		},
		Sends:  sends,
		Events: el.Slice(),
	}
	if in.Proof.Downward != nil {
		out.Collation.ProcessedDownward = uint32(len(in.Proof.Downward.Messages))
	}
	working.Inbound.Heads.Scan(func(sender t.ParaID, pos inbound.Position) bool {
		out.Collation.InboundHeads = append(out.Collation.InboundHeads, SenderHead{Sender: sender, Head: pos.Head})
		return true
	})

	if err := r.commit(working); err != nil {
		return nil, errors.WithMessagef(err, "could not commit block %d", in.Number)
	}
	if err := r.record(out); err != nil {
		return nil, err
	}
	r.oddities.observe(r.logger, out.Events)

	r.logger.Debug("executed block", zap.Uint64(t.BlockLog, in.Number),
		zap.Uint32(t.RelayBlockLog, uint32(in.RelayParent)),
		zap.Int("downward", dmpResult.Executed),
		zap.Int("dispatched", inResult.Dispatched),
		zap.Int("deferred", inResult.Deferred),
		zap.Int("pages", len(selection.Messages)),
		headField("downwardHead", working.Downward.Head))

	return out, nil
}

// record appends the committed block to the journal.  The state is already committed, so a
// journal failure is reported but not undone.
func (r *Runtime) record(out *BlockOutput) error {
	j := r.config.Journal
	if j == nil {
		return nil
	}
	err := j.Append(&journal.Record{
		Block:         out.Collation.Block,
		RelayParent:   out.Collation.RelayParent,
		Events:        out.Events,
		Messages:      out.Collation.HorizontalMessages,
		OutboundHeads: out.Collation.OutboundHeads,
	})
	if err != nil {
		return errors.WithMessagef(err, "block %d committed but not journaled", out.Collation.Block)
	}
	if keep := r.config.JournalRetention; keep != 0 && out.Collation.Block > keep {
		if err := j.Truncate(out.Collation.Block - keep + 1); err != nil {
			return errors.WithMessage(err, "could not truncate journal")
		}
	}
	return nil
}

// privileged applies fn to a copy of the state and commits it if fn succeeds.
func (r *Runtime) privileged(fn func(working *store.Snapshot, el *events.EventList) error) ([]events.Event, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	working := cloneState(r.state)
	el := &events.EventList{}
	if err := fn(working, el); err != nil {
		return nil, err
	}
	if err := r.commit(working); err != nil {
		return nil, err
	}
	return el.Slice(), nil
}

// SetConfig validates c and schedules it for activation at the start of the next block.
func (r *Runtime) SetConfig(c config.QueueConfigData) ([]events.Event, error) {
	return r.privileged(func(working *store.Snapshot, el *events.EventList) error {
		if err := working.Config.Set(c); err != nil {
			return err
		}
		el.PushBack(events.ConfigUpdated())
		r.logger.Info("scheduled queue configuration update",
			zap.Uint32("suspend", c.SuspendThreshold), zap.Uint32("drop", c.DropThreshold),
			zap.Uint32("resume", c.ResumeThreshold))
		return nil
	})
}

// SetDmpConfig validates c and schedules it for activation at the start of the next block.
func (r *Runtime) SetDmpConfig(c config.DmpConfigData) ([]events.Event, error) {
	return r.privileged(func(working *store.Snapshot, el *events.EventList) error {
		if err := working.Config.SetDmp(c); err != nil {
			return err
		}
		el.PushBack(events.ConfigUpdated())
		r.logger.Info("scheduled downward configuration update",
			zap.Uint64("maxIndividual", uint64(c.MaxIndividual)))
		return nil
	})
}

// SuspendChannel asks para to stop sending and stops sending to para until ResumeChannel.
func (r *Runtime) SuspendChannel(para t.ParaID) ([]events.Event, error) {
	return r.privileged(func(working *store.Snapshot, el *events.EventList) error {
		if err := working.Outbound.Suspend(para, events.ReasonPrivileged, el); err != nil {
			return err
		}
		working.Inbound.Hold(para)
		return nil
	})
}

// ResumeChannel restarts sending to para and, if this chain asked para to stop, lets it
// continue as well.
func (r *Runtime) ResumeChannel(para t.ParaID) ([]events.Event, error) {
	return r.privileged(func(working *store.Snapshot, el *events.EventList) error {
		if err := working.Outbound.Resume(para, events.ReasonPrivileged, el); err != nil {
			return err
		}
		if d, ok := working.Inbound.Channel(para); ok && d.State == t.ChannelSuspended {
			if err := working.Outbound.QueueSignal(para, signal.Resume, el); err != nil {
				return err
			}
		}
		working.Inbound.MarkResumed(para)
		return nil
	})
}

// CloseChannel tears down both directions of the channel with para.
func (r *Runtime) CloseChannel(para t.ParaID) ([]events.Event, error) {
	return r.privileged(func(working *store.Snapshot, el *events.EventList) error {
		if err := working.Outbound.Close(para, el); err != nil {
			return err
		}
		working.Inbound.Close(para)
		return nil
	})
}

// ExecuteOverweight runs the quarantined message at index if weightLimit covers it.
// A handler error leaves the message in place.
func (r *Runtime) ExecuteOverweight(index t.OverweightIndex, weightLimit t.Weight) ([]events.Event, error) {
	return r.privileged(func(working *store.Snapshot, el *events.EventList) error {
		e, err := working.Overweight.Lookup(index, weightLimit)
		if err != nil {
			return err
		}
		handler, ok := r.registry.ForOrigin(e.Origin, e.Format)
		if !ok {
			return errors.WithMessagef(ErrNoHandler, "%s message of format %s", e.Origin, e.Format)
		}
		if err := handler.Handle(e.Origin, e.Data); err != nil {
			return errors.WithMessagef(err, "overweight message %d failed", index)
		}
		working.Overweight.Remove(index)
		el.PushBack(events.OverweightServiced(index, e.Weight))
		r.logger.Info("executed overweight message", zap.Uint64(t.OverweightLog, uint64(index)),
			zap.Uint64(t.WeightLog, uint64(e.Weight)))
		return nil
	})
}

// Block returns the number of the last executed block.
func (r *Runtime) Block() uint64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.Block
}

// OutboundChannel returns the send-side details of the channel to recipient.
func (r *Runtime) OutboundChannel(recipient t.ParaID) (outbound.ChannelDetails, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.Outbound.Channel(recipient)
}

// InboundChannel returns the receive-side details of the channel from sender.
func (r *Runtime) InboundChannel(sender t.ParaID) (inbound.ChannelDetails, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.Inbound.Channel(sender)
}

// DownwardHead is the head of the downward accumulator the next proof must extend.
func (r *Runtime) DownwardHead() common.Hash {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state.Downward.Head
}
