/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package types

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrInvalidChannel is returned for a channel whose sender and recipient coincide.
var ErrInvalidChannel = errors.New("channel sender and recipient must differ")

// Logger is the subset of the *zap.Logger which the queue components utilize.
// It is declared here so that every package can accept it without importing the root package.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Panic(msg string, fields ...zap.Field)
}

// ================================================================================

// ParaID represents the numeric ID of a parachain.
type ParaID uint32

// ================================================================================

// RelayBlockNumber is the number of a relay-chain block.
// Every message is stamped with the relay block number at which it was sent.
type RelayBlockNumber uint32

// ================================================================================

// Weight is the abstract cost unit bounding how much work a block may perform.
type Weight uint64

// SaturatingSub returns w - o, or zero if o exceeds w.
func (w Weight) SaturatingSub(o Weight) Weight {
	if o > w {
		return 0
	}
	return w - o
}

// ================================================================================

// PageIndex addresses an outbound page within a channel's ring of pages.
type PageIndex uint16

// PageCounter addresses a page of the downward message queue.
type PageCounter uint32

// OverweightIndex is the stable key of a quarantined overweight message.
type OverweightIndex uint64

// ================================================================================

// ChannelID is the ordered pair of chains a channel connects.
type ChannelID struct {
	Sender    ParaID
	Recipient ParaID
}

// Validate checks the only invariant of a channel identifier.
func (c ChannelID) Validate() error {
	if c.Sender == c.Recipient {
		return errors.WithMessagef(ErrInvalidChannel, "channel %d->%d", c.Sender, c.Recipient)
	}
	return nil
}

func (c ChannelID) String() string {
	return fmt.Sprintf("%d->%d", c.Sender, c.Recipient)
}

// ================================================================================

// MessageFormat is the leading discriminant of every page sent over a channel.
type MessageFormat uint8

const (
	// FormatConcatenatedVersionedXcm pages carry concatenated encoded XCM programs.
	FormatConcatenatedVersionedXcm MessageFormat = iota

	// FormatConcatenatedEncodedBlob pages carry concatenated opaque blobs.
	FormatConcatenatedEncodedBlob

	// FormatSignals pages carry channel control signals and are processed before payload.
	FormatSignals
)

func (f MessageFormat) String() string {
	switch f {
	case FormatConcatenatedVersionedXcm:
		return "ConcatenatedVersionedXcm"
	case FormatConcatenatedEncodedBlob:
		return "ConcatenatedEncodedBlob"
	case FormatSignals:
		return "Signals"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(f))
}

// ================================================================================

// ChannelState is the flow-control state of one direction of a channel.
type ChannelState uint8

const (
	// ChannelOk is the initial state: payload may be scheduled.
	ChannelOk ChannelState = iota

	// ChannelSuspended halts scheduling of new payload; signals still flow.
	ChannelSuspended

	// ChannelClosed is terminal.
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOk:
		return "Ok"
	case ChannelSuspended:
		return "Suspended"
	case ChannelClosed:
		return "Closed"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// ================================================================================

// Structured log field keys shared by all components.
const (
	ParaLog       = "Para"
	PageLog       = "Page"
	WeightLog     = "Weight"
	RelayBlockLog = "RelayBlock"
	OverweightLog = "Overweight"
	BlockLog      = "Block"
	FormatLog     = "Format"
)

// LogChannel returns the fields identifying a page of the channel with para.
func LogChannel(para ParaID, page uint64, format MessageFormat) []zap.Field {
	return []zap.Field{
		zap.Uint32(ParaLog, uint32(para)),
		zap.Uint64(PageLog, page),
		zap.Stringer(FormatLog, format),
	}
}

// ================================================================================

// OriginKind distinguishes sibling-chain messages from relay-chain messages.
type OriginKind uint8

const (
	OriginHorizontal OriginKind = iota
	OriginDownward
)

// Origin is where a message came from.  Para is meaningful only for horizontal messages.
type Origin struct {
	Kind OriginKind
	Para ParaID
}

// HorizontalOrigin is the origin of a message sent by the sibling chain sender.
func HorizontalOrigin(sender ParaID) Origin {
	return Origin{Kind: OriginHorizontal, Para: sender}
}

// DownwardOrigin is the origin of a relay-chain message.
func DownwardOrigin() Origin {
	return Origin{Kind: OriginDownward}
}

func (o Origin) String() string {
	if o.Kind == OriginDownward {
		return "relay"
	}
	return fmt.Sprintf("para %d", o.Para)
}
