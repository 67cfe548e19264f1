/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package signal defines the in-band control messages of a channel and the state machine
// they drive.  Signals travel in their own page, ahead of any payload page of the same
// channel, so a receiver always observes a signal before the payload that follows it.
package signal

import (
	"fmt"

	"github.com/ChainSafe/gossamer/pkg/scale"
	"github.com/pkg/errors"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// ErrUnknownSignal is returned when decoding an unassigned signal discriminant.
var ErrUnknownSignal = errors.New("unknown channel signal")

// ChannelSignal is a control message carried on a channel.
type ChannelSignal uint8

const (
	// Suspend asks the receiver to stop scheduling payload towards the sender.
	Suspend ChannelSignal = iota

	// Resume lifts a previous Suspend.
	Resume
)

func (s ChannelSignal) String() string {
	switch s {
	case Suspend:
		return "Suspend"
	case Resume:
		return "Resume"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// Transition applies sig to state and reports whether the state changed.
// Suspend while Suspended and Resume while Ok are no-ops.  Closed is absorbing.
func Transition(state t.ChannelState, sig ChannelSignal) (t.ChannelState, bool) {
	switch state {
	case t.ChannelClosed:
		return state, false
	case t.ChannelOk:
		switch sig {
		case Suspend:
			return t.ChannelSuspended, true
		case Resume:
			return state, false
		default:
			panic(fmt.Sprintf("unexpected channel signal %d", sig))
		}
	case t.ChannelSuspended:
		switch sig {
		case Suspend:
			return state, false
		case Resume:
			return t.ChannelOk, true
		default:
			panic(fmt.Sprintf("unexpected channel signal %d", sig))
		}
	default:
		panic(fmt.Sprintf("unexpected channel state %d", state))
	}
}

// EncodePage returns a signals page: the Signals format byte followed by the
// length-prefixed sequence of signals.
func EncodePage(signals []ChannelSignal) ([]byte, error) {
	raw := make([]byte, len(signals))
	for i, s := range signals {
		raw[i] = byte(s)
	}

	body, err := scale.Marshal(raw)
	if err != nil {
		return nil, errors.WithMessage(err, "could not encode signals")
	}

	return append([]byte{byte(t.FormatSignals)}, body...), nil
}

// DecodePage decodes the body of a signals page, i.e. everything after the format byte.
func DecodePage(body []byte) ([]ChannelSignal, error) {
	var raw []byte
	if err := scale.Unmarshal(body, &raw); err != nil {
		return nil, errors.WithMessage(err, "could not decode signals")
	}

	signals := make([]ChannelSignal, len(raw))
	for i, b := range raw {
		switch ChannelSignal(b) {
		case Suspend, Resume:
			signals[i] = ChannelSignal(b)
		default:
			return nil, errors.WithMessagef(ErrUnknownSignal, "discriminant %d at position %d", b, i)
		}
	}
	return signals, nil
}
