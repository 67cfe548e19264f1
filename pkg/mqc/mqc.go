/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mqc implements the message queue chain, a running digest that binds an ordered
// sequence of messages and the relay block numbers they were sent at.
// Sender and receiver fold the same messages over the same starting head, so either side can
// check order and completeness of a delivered batch without replaying the channel history.
package mqc

import (
	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/pkg/scale"
	"github.com/pkg/errors"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// ErrHeadMismatch is returned when a recomputed head differs from the claimed one.
var ErrHeadMismatch = errors.New("message queue chain head mismatch")

// Link is a single element folded into the chain.
type Link struct {
	SentAt t.RelayBlockNumber
	Data   []byte
}

// preimage is the SCALE layout hashed for every link: head ‖ hash(message) ‖ sentAt (u32 LE).
type preimage struct {
	Head        common.Hash
	MessageHash common.Hash
	SentAt      uint32
}

// Extend returns the head obtained by appending message, sent at sentAt, to the chain ending in head.
func Extend(head common.Hash, message []byte, sentAt t.RelayBlockNumber) (common.Hash, error) {
	messageHash, err := common.Blake2bHash(message)
	if err != nil {
		return common.Hash{}, errors.WithMessage(err, "could not hash message")
	}

	encoded, err := scale.Marshal(preimage{
		Head:        head,
		MessageHash: messageHash,
		SentAt:      uint32(sentAt),
	})
	if err != nil {
		return common.Hash{}, errors.WithMessage(err, "could not encode chain link")
	}

	next, err := common.Blake2bHash(encoded)
	if err != nil {
		return common.Hash{}, errors.WithMessage(err, "could not hash chain link")
	}
	return next, nil
}

// Fold extends head with every link, left to right.
func Fold(head common.Hash, links []Link) (common.Hash, error) {
	var err error
	for i, link := range links {
		head, err = Extend(head, link.Data, link.SentAt)
		if err != nil {
			return common.Hash{}, errors.WithMessagef(err, "link %d", i)
		}
	}
	return head, nil
}

// Verify folds links over stored and compares the result with claimed.
// Any divergence is reported as ErrHeadMismatch.
func Verify(claimed, stored common.Hash, links []Link) error {
	computed, err := Fold(stored, links)
	if err != nil {
		return err
	}
	if computed != claimed {
		return errors.WithMessagef(ErrHeadMismatch, "claimed %s, computed %s over %d links", claimed, computed, len(links))
	}
	return nil
}

// MessageQueueChain is a stateful accumulator.  The zero value is the empty chain.
type MessageQueueChain struct {
	Head common.Hash
}

// Extend appends a message to the chain.
func (m *MessageQueueChain) Extend(message []byte, sentAt t.RelayBlockNumber) error {
	head, err := Extend(m.Head, message, sentAt)
	if err != nil {
		return err
	}
	m.Head = head
	return nil
}
