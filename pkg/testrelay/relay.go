/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package testrelay is an in-process relay chain for tests and simulations.  It executes one
// block of every registered chain per relay block, and routes the pages each collation emits
// into the proof its recipient receives at the next relay block.
package testrelay

import (
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/xcmq"
	"github.com/hyperledger-labs/xcmq/pkg/dmpqueue"
	"github.com/hyperledger-labs/xcmq/pkg/inbound"
	"github.com/hyperledger-labs/xcmq/pkg/mqc"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// ErrUnknownPara is returned for a chain that was never registered.
var ErrUnknownPara = errors.New("unknown para")

type chain struct {
	runtime *xcmq.Runtime
	limits  xcmq.Limits
	block   uint64

	// Pages waiting for this chain, by sender, and the sender's head after the last of them.
	inbox map[t.ParaID][]inbound.InboundHrmpMessage
	heads map[t.ParaID]common.Hash

	downward     []dmpqueue.InboundDownwardMessage
	downwardHead mqc.MessageQueueChain

	outgoing []xcmq.OutgoingMessage
}

// Relay drives a set of chains in lockstep.
type Relay struct {
	// Number is the relay block the chains build on in the next Step.
	Number t.RelayBlockNumber

	// Tamper, if set, may alter the proof of para before it is executed.
	Tamper func(para t.ParaID, proof *inbound.RelayProof)

	chains *btree.Map[t.ParaID, *chain]
	logger t.Logger
}

func New(logger t.Logger) *Relay {
	return &Relay{
		Number: 1,
		chains: btree.NewMap[t.ParaID, *chain](32),
		logger: logger,
	}
}

// Register adds a chain executing with the given per-block limits.
func (r *Relay) Register(para t.ParaID, runtime *xcmq.Runtime, limits xcmq.Limits) {
	r.chains.Set(para, &chain{
		runtime: runtime,
		limits:  limits,
		block:   runtime.Block(),
		inbox:   map[t.ParaID][]inbound.InboundHrmpMessage{},
		heads:   map[t.ParaID]common.Hash{},
		// A chain resuming persisted state already folded everything sent to it so far.
		downwardHead: mqc.MessageQueueChain{Head: runtime.DownwardHead()},
	})
}

func (r *Relay) chain(para t.ParaID) (*chain, error) {
	c, ok := r.chains.Get(para)
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownPara, "para %d", para)
	}
	return c, nil
}

// Runtime returns the runtime registered for para.
func (r *Relay) Runtime(para t.ParaID) (*xcmq.Runtime, error) {
	c, err := r.chain(para)
	if err != nil {
		return nil, err
	}
	return c.runtime, nil
}

// SetLimits replaces the per-block limits of para.
func (r *Relay) SetLimits(para t.ParaID, limits xcmq.Limits) error {
	c, err := r.chain(para)
	if err != nil {
		return err
	}
	c.limits = limits
	return nil
}

// Send makes the next block of sender emit payload towards recipient.
func (r *Relay) Send(sender, recipient t.ParaID, format t.MessageFormat, payload []byte) error {
	c, err := r.chain(sender)
	if err != nil {
		return err
	}
	c.outgoing = append(c.outgoing, xcmq.OutgoingMessage{
		Recipient: recipient,
		Format:    format,
		Payload:   payload,
	})
	return nil
}

// SendDownward places msg into the downward queue of para on the relay chain.
func (r *Relay) SendDownward(para t.ParaID, msg []byte) error {
	c, err := r.chain(para)
	if err != nil {
		return err
	}
	if err := c.downwardHead.Extend(msg, r.Number); err != nil {
		return err
	}
	c.downward = append(c.downward, dmpqueue.InboundDownwardMessage{SentAt: r.Number, Msg: msg})
	return nil
}

// Pending is the number of pages the relay holds for para.
func (r *Relay) Pending(para t.ParaID) int {
	c, ok := r.chains.Get(para)
	if !ok {
		return 0
	}
	n := 0
	for _, msgs := range c.inbox {
		n += len(msgs)
	}
	return n
}

func (c *chain) proof() inbound.RelayProof {
	var p inbound.RelayProof
	senders := btree.NewMap[t.ParaID, []inbound.InboundHrmpMessage](32)
	for sender, msgs := range c.inbox {
		senders.Set(sender, msgs)
	}
	senders.Scan(func(sender t.ParaID, msgs []inbound.InboundHrmpMessage) bool {
		p.Horizontal = append(p.Horizontal, inbound.SenderBatch{
			Sender:   sender,
			Messages: append([]inbound.InboundHrmpMessage(nil), msgs...),
			Head:     c.heads[sender],
		})
		return true
	})
	if len(c.downward) > 0 {
		p.Downward = &dmpqueue.DownwardBatch{
			Messages: append([]dmpqueue.InboundDownwardMessage(nil), c.downward...),
			Head:     c.downwardHead.Head,
		}
	}
	return p
}

// Step executes one block of every chain, in ascending para order, on top of the current
// relay block, then advances the relay block.  Pages emitted in a step are delivered in the
// next one.  A chain whose block fails keeps its pending input and the error is returned
// after the remaining chains ran.
func (r *Relay) Step() (map[t.ParaID]*xcmq.BlockOutput, error) {
	outputs := map[t.ParaID]*xcmq.BlockOutput{}
	var firstErr error

	r.chains.Scan(func(para t.ParaID, c *chain) bool {
		proof := c.proof()
		if r.Tamper != nil {
			r.Tamper(para, &proof)
		}

		out, err := c.runtime.ExecuteBlock(xcmq.BlockInput{
			Number:      c.block + 1,
			RelayParent: r.Number,
			Proof:       proof,
			Outgoing:    c.outgoing,
			Limits:      c.limits,
		})
		if err != nil {
			r.logger.Warn("block failed", zap.Uint32(t.ParaLog, uint32(para)),
				zap.Uint32(t.RelayBlockLog, uint32(r.Number)), zap.Error(err))
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "para %d", para)
			}
			return true
		}

		c.block++
		c.inbox = map[t.ParaID][]inbound.InboundHrmpMessage{}
		c.downward = nil
		c.outgoing = nil
		outputs[para] = out
		return true
	})

	for para, out := range outputs {
		for _, m := range out.Collation.HorizontalMessages {
			dest, ok := r.chains.Get(m.Recipient)
			if !ok {
				r.logger.Debug("dropping page for unregistered para", zap.Uint32(t.ParaLog, uint32(m.Recipient)))
				continue
			}
			dest.inbox[para] = append(dest.inbox[para], inbound.InboundHrmpMessage{
				SentAt: out.Collation.RelayParent,
				Data:   m.Data,
			})
		}
		for _, h := range out.Collation.OutboundHeads {
			if dest, ok := r.chains.Get(h.Recipient); ok {
				dest.heads[para] = h.Head
			}
		}
	}

	r.Number++
	return outputs, firstErr
}

// Run steps n times and stops at the first failure.
func (r *Relay) Run(n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.Step(); err != nil {
			return err
		}
	}
	return nil
}
