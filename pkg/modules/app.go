/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package modules

import (
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// Handler executes the messages of one format on behalf of the embedding chain.
// The queues make sure that every message is weighed before it is handled and that it is
// handled only if its weight fits the block's remaining budget, so Handle must not do more
// work than Weigh announced.
type Handler interface {
	// Weigh returns the weight Handle will consume for payload.  It must be deterministic:
	// every node weighing the same payload must obtain the same value.
	Weigh(payload []byte) (t.Weight, error)

	// Handle executes payload.  An error marks the message as failed; the message is
	// consumed and its weight charged either way.
	Handle(origin t.Origin, payload []byte) error
}

// SimpleHandler adapts a pair of functions to the Handler interface.
// A nil WeighFunc weighs every message at FixedWeight, a nil HandleFunc accepts every message.
type SimpleHandler struct {
	FixedWeight t.Weight
	WeighFunc   func(payload []byte) (t.Weight, error)
	HandleFunc  func(origin t.Origin, payload []byte) error
}

func (h *SimpleHandler) Weigh(payload []byte) (t.Weight, error) {
	if h.WeighFunc == nil {
		return h.FixedWeight, nil
	}
	return h.WeighFunc(payload)
}

func (h *SimpleHandler) Handle(origin t.Origin, payload []byte) error {
	if h.HandleFunc == nil {
		return nil
	}
	return h.HandleFunc(origin, payload)
}
