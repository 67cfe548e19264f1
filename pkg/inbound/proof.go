/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package inbound

import (
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/xcmq/pkg/dmpqueue"
	"github.com/hyperledger-labs/xcmq/pkg/mqc"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// ErrOutOfOrder is returned for a proof whose batches or messages are not in the order
// every node must observe them in.
var ErrOutOfOrder = errors.New("inbound messages out of order")

// InboundHrmpMessage is one page as it was placed into the relay chain by its sender.
type InboundHrmpMessage struct {
	SentAt t.RelayBlockNumber
	Data   []byte
}

// SenderBatch carries everything sender emitted towards this chain since the last block,
// and the head the sender's accumulator reached over it.
type SenderBatch struct {
	Sender   t.ParaID
	Messages []InboundHrmpMessage
	Head     common.Hash
}

// RelayProof is the relay-chain supplied view of the messages destined to this chain.
// Batches are ordered by strictly ascending sender.
type RelayProof struct {
	Horizontal []SenderBatch
	Downward   *dmpqueue.DownwardBatch
}

// Verify checks every batch against the stored accumulator heads without mutating
// anything.  Any error invalidates the whole block.
func (s *State) Verify(batches []SenderBatch) error {
	for i, b := range batches {
		if b.Sender == s.Self {
			return errors.WithMessagef(ErrOutOfOrder, "batch from self (para %d)", b.Sender)
		}
		if i > 0 && b.Sender <= batches[i-1].Sender {
			return errors.WithMessagef(ErrOutOfOrder, "batch from para %d follows para %d", b.Sender, batches[i-1].Sender)
		}

		pos, _ := s.Heads.Get(b.Sender)
		last := pos.LastSentAt
		links := make([]mqc.Link, len(b.Messages))
		for j, m := range b.Messages {
			if m.SentAt < last {
				return errors.WithMessagef(ErrOutOfOrder, "message %d from para %d sent at %d, after %d", j, b.Sender, m.SentAt, last)
			}
			last = m.SentAt
			links[j] = mqc.Link{SentAt: m.SentAt, Data: m.Data}
		}

		if err := mqc.Verify(b.Head, pos.Head, links); err != nil {
			return errors.WithMessagef(err, "channel from para %d", b.Sender)
		}
	}
	return nil
}
