/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package events defines the observable outcomes deposited while a block executes.
// An event is a flat record so that it encodes canonically and can be journaled as-is.
package events

import (
	"fmt"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// Kind discriminates events.
type Kind uint8

const (
	KindCapacityExceeded Kind = iota
	KindChannelSuspended
	KindChannelResumed
	KindSignalQueued
	KindMessageDispatched
	KindMessageFailed
	KindMessagesDeferred
	KindOverweightEnqueued
	KindOverweightServiced
	KindConfigUpdated
	KindConfigActivated
	KindChannelClosed
	KindDownwardExecuted
	KindPagesSent
)

var kindNames = [...]string{
	KindCapacityExceeded:   "CapacityExceeded",
	KindChannelSuspended:   "ChannelSuspended",
	KindChannelResumed:     "ChannelResumed",
	KindSignalQueued:       "SignalQueued",
	KindMessageDispatched:  "MessageDispatched",
	KindMessageFailed:      "MessageFailed",
	KindMessagesDeferred:   "MessagesDeferred",
	KindOverweightEnqueued: "OverweightEnqueued",
	KindOverweightServiced: "OverweightServiced",
	KindConfigUpdated:      "ConfigUpdated",
	KindConfigActivated:    "ConfigActivated",
	KindChannelClosed:      "ChannelClosed",
	KindDownwardExecuted:   "DownwardExecuted",
	KindPagesSent:          "PagesSent",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// Reason qualifies suspensions and failures.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonBacklog
	ReasonRemoteSignal
	ReasonReceiverBacklog
	ReasonPrivileged
	ReasonUnknownFormat
	ReasonMalformedPage
	ReasonWeighFailed
	ReasonHandlerFailed
)

var reasonNames = [...]string{
	ReasonNone:            "None",
	ReasonBacklog:         "Backlog",
	ReasonRemoteSignal:    "RemoteSignal",
	ReasonReceiverBacklog: "ReceiverBacklog",
	ReasonPrivileged:      "Privileged",
	ReasonUnknownFormat:   "UnknownFormat",
	ReasonMalformedPage:   "MalformedPage",
	ReasonWeighFailed:     "WeighFailed",
	ReasonHandlerFailed:   "HandlerFailed",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(r))
}

// Event is one deposited outcome.  Which of Para, Index, Weight and Count are
// meaningful depends on Kind, see the constructors.
type Event struct {
	Kind   Kind
	Para   t.ParaID
	Index  uint64
	Weight t.Weight
	Count  uint32
	Reason Reason
}

func (e Event) String() string {
	return fmt.Sprintf("%s{para=%d index=%d weight=%d count=%d reason=%s}",
		e.Kind, e.Para, e.Index, e.Weight, e.Count, e.Reason)
}

// ============================================================
// Event Constructors
// ============================================================

// CapacityExceeded reports that dropped pages were evicted from the channel to recipient.
func CapacityExceeded(recipient t.ParaID, dropped uint32) Event {
	return Event{Kind: KindCapacityExceeded, Para: recipient, Count: dropped}
}

// ChannelSuspended reports a direction of the channel with para entering Suspended.
func ChannelSuspended(para t.ParaID, reason Reason) Event {
	return Event{Kind: KindChannelSuspended, Para: para, Reason: reason}
}

func ChannelResumed(para t.ParaID, reason Reason) Event {
	return Event{Kind: KindChannelResumed, Para: para, Reason: reason}
}

// SignalQueued reports a control signal queued for para.  Index holds the signal discriminant.
func SignalQueued(para t.ParaID, sig uint8) Event {
	return Event{Kind: KindSignalQueued, Para: para, Index: uint64(sig)}
}

// MessageDispatched reports a message from sender executed with the given weight.
// A sender of zero with DownwardExecuted is used for relay messages instead.
func MessageDispatched(sender t.ParaID, weight t.Weight) Event {
	return Event{Kind: KindMessageDispatched, Para: sender, Weight: weight}
}

// MessageFailed reports a message which was consumed without successful execution.
func MessageFailed(sender t.ParaID, weight t.Weight, reason Reason) Event {
	return Event{Kind: KindMessageFailed, Para: sender, Weight: weight, Reason: reason}
}

// MessagesDeferred reports pages pending pages of sender left for a later block.
func MessagesDeferred(sender t.ParaID, pending uint32) Event {
	return Event{Kind: KindMessagesDeferred, Para: sender, Count: pending}
}

// OverweightEnqueued reports a message quarantined under index.
func OverweightEnqueued(origin t.ParaID, index t.OverweightIndex, weight t.Weight) Event {
	return Event{Kind: KindOverweightEnqueued, Para: origin, Index: uint64(index), Weight: weight}
}

// OverweightServiced reports a quarantined message executed by a privileged call.
func OverweightServiced(index t.OverweightIndex, weight t.Weight) Event {
	return Event{Kind: KindOverweightServiced, Index: uint64(index), Weight: weight}
}

func ConfigUpdated() Event {
	return Event{Kind: KindConfigUpdated}
}

func ConfigActivated() Event {
	return Event{Kind: KindConfigActivated}
}

func ChannelClosed(para t.ParaID) Event {
	return Event{Kind: KindChannelClosed, Para: para}
}

// DownwardExecuted reports a relay message executed with the given weight,
// or, with a non-success reason, consumed without effect.
func DownwardExecuted(weight t.Weight, reason Reason) Event {
	return Event{Kind: KindDownwardExecuted, Weight: weight, Reason: reason}
}

// PagesSent reports count pages emitted to recipient in the collation.
func PagesSent(recipient t.ParaID, count uint32) Event {
	return Event{Kind: KindPagesSent, Para: recipient, Count: count}
}
