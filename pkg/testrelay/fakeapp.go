/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package testrelay

import (
	"sync"

	"github.com/pkg/errors"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// ErrRejected is what FakeApp returns for a payload listed in Reject.
var ErrRejected = errors.New("payload rejected by application")

// Delivery is one message FakeApp executed.
type Delivery struct {
	Origin  t.Origin
	Payload []byte
}

// FakeApp is a handler charging BaseWeight plus PerByte for every payload byte.
// The first byte of a payload, if equal to one of Reject, makes Handle fail.
type FakeApp struct {
	BaseWeight t.Weight
	PerByte    t.Weight
	Reject     []byte

	mutex      sync.Mutex
	Deliveries []Delivery
}

func (fa *FakeApp) Weigh(payload []byte) (t.Weight, error) {
	return fa.BaseWeight + fa.PerByte*t.Weight(len(payload)), nil
}

func (fa *FakeApp) Handle(origin t.Origin, payload []byte) error {
	if len(payload) > 0 {
		for _, b := range fa.Reject {
			if payload[0] == b {
				return errors.WithMessagef(ErrRejected, "payload from %s", origin)
			}
		}
	}

	fa.mutex.Lock()
	defer fa.mutex.Unlock()
	fa.Deliveries = append(fa.Deliveries, Delivery{
		Origin:  origin,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// From returns the payloads delivered from origin, in delivery order.
func (fa *FakeApp) From(origin t.Origin) [][]byte {
	fa.mutex.Lock()
	defer fa.mutex.Unlock()
	var result [][]byte
	for _, d := range fa.Deliveries {
		if d.Origin == origin {
			result = append(result, d.Payload)
		}
	}
	return result
}

func (fa *FakeApp) Count() int {
	fa.mutex.Lock()
	defer fa.mutex.Unlock()
	return len(fa.Deliveries)
}
