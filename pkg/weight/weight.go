/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package weight implements the cooperative budget that bounds per-block work.
// The meter never aborts anything; callers check it between discrete message dispatches and
// stop voluntarily once the next message does not fit.
package weight

import (
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// Meter tracks weight consumed against a fixed limit.
type Meter struct {
	limit    t.Weight
	consumed t.Weight
}

// NewMeter returns a meter with the given limit and nothing consumed.
func NewMeter(limit t.Weight) *Meter {
	return &Meter{limit: limit}
}

// Limit returns the budget the meter was created with.
func (m *Meter) Limit() t.Weight {
	return m.limit
}

// Consumed returns the weight consumed so far.
func (m *Meter) Consumed() t.Weight {
	return m.consumed
}

// Remaining returns the weight still available.
func (m *Meter) Remaining() t.Weight {
	return m.limit.SaturatingSub(m.consumed)
}

// CanConsume reports whether w fits in the remaining budget.
func (m *Meter) CanConsume(w t.Weight) bool {
	return w <= m.Remaining()
}

// TryConsume consumes w if it fits and reports whether it did.
func (m *Meter) TryConsume(w t.Weight) bool {
	if !m.CanConsume(w) {
		return false
	}
	m.consumed += w
	return true
}
