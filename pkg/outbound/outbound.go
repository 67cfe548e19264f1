/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package outbound owns the send side of the horizontal channels: the per-recipient
// rings of queued pages, the backlog thresholds and the selection of the pages which
// enter the next collation.
package outbound

import (
	"math"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/events"
	"github.com/hyperledger-labs/xcmq/pkg/page"
	"github.com/hyperledger-labs/xcmq/pkg/signal"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

var (
	ErrSelfChannel    = errors.New("a chain cannot open a channel to itself")
	ErrChannelClosed  = errors.New("channel is closed")
	ErrReservedFormat = errors.New("the signals format is reserved for control pages")
	ErrRingFull       = errors.New("channel page ring is full")
	ErrPageSize       = errors.New("page size too small")
)

const (
	// MaxPenalty caps the decay applied to a chronically backlogged channel.
	MaxPenalty = 16

	// MinPageSize is the smallest page able to carry a one byte fragment.
	MinPageSize = 8

	DefaultPageSize = 4096
)

// ChannelDetails is the send-side state of the channel to one recipient.
// Queued payload pages occupy the ring positions [FirstIndex, LastIndex).
type ChannelDetails struct {
	Recipient    t.ParaID
	State        t.ChannelState
	SignalsExist bool
	FirstIndex   t.PageIndex
	LastIndex    t.PageIndex
	Penalty      uint32

	// Held is set by a privileged suspension and only a privileged resume clears it.
	Held bool

	// OpenPayload is set while the recipient holds the leading fragments of a payload
	// whose remaining pages start at FirstIndex.
	OpenPayload bool
}

// Backlog is the number of queued payload pages.
func (d *ChannelDetails) Backlog() uint32 {
	return uint32(d.LastIndex - d.FirstIndex)
}

// PageKey addresses one queued page.
type PageKey struct {
	Recipient t.ParaID
	Index     t.PageIndex
}

// State is the complete outbound table of one chain.
type State struct {
	Self     t.ParaID
	PageSize int
	Channels *btree.Map[t.ParaID, *ChannelDetails]
	Pages    map[PageKey]page.Page
	Signals  map[t.ParaID][]signal.ChannelSignal
	Heads    *btree.Map[t.ParaID, common.Hash]
	Closed   *btree.Map[t.ParaID, struct{}]
	Rotation uint32

	logger t.Logger
}

// NewState returns an empty outbound table for the chain self.
func NewState(self t.ParaID, pageSize int, logger t.Logger) (*State, error) {
	if pageSize < MinPageSize {
		return nil, errors.WithMessagef(ErrPageSize, "%d bytes, need at least %d", pageSize, MinPageSize)
	}
	return &State{
		Self:     self,
		PageSize: pageSize,
		Channels: btree.NewMap[t.ParaID, *ChannelDetails](32),
		Pages:    map[PageKey]page.Page{},
		Signals:  map[t.ParaID][]signal.ChannelSignal{},
		Heads:    btree.NewMap[t.ParaID, common.Hash](32),
		Closed:   btree.NewMap[t.ParaID, struct{}](32),
		logger:   logger,
	}, nil
}

func (s *State) checkRecipient(recipient t.ParaID) error {
	if recipient == s.Self {
		return errors.WithMessagef(ErrSelfChannel, "para %d", recipient)
	}
	if _, ok := s.Closed.Get(recipient); ok {
		return errors.WithMessagef(ErrChannelClosed, "channel to para %d", recipient)
	}
	return nil
}

func (s *State) details(recipient t.ParaID) *ChannelDetails {
	d, ok := s.Channels.Get(recipient)
	if !ok {
		d = &ChannelDetails{Recipient: recipient}
		s.Channels.Set(recipient, d)
	}
	return d
}

// Channel returns a copy of the details of the channel to recipient.
func (s *State) Channel(recipient t.ParaID) (ChannelDetails, bool) {
	d, ok := s.Channels.Get(recipient)
	if !ok {
		return ChannelDetails{}, false
	}
	return *d, true
}

// Backlog is the number of payload pages queued for recipient.
func (s *State) Backlog(recipient t.ParaID) uint32 {
	d, ok := s.Channels.Get(recipient)
	if !ok {
		return 0
	}
	return d.Backlog()
}

func (s *State) IsClosed(recipient t.ParaID) bool {
	_, ok := s.Closed.Get(recipient)
	return ok
}

// Receipt summarizes the effect of one Send.
type Receipt struct {
	// Pages is the number of pages opened for the payload; zero when it was
	// concatenated onto the last queued page.
	Pages int

	// Dropped is the number of pages evicted to stay below the drop threshold.
	Dropped uint32

	// Suspended is set when the send pushed the backlog to the suspend threshold.
	Suspended bool
}

// Send queues payload for recipient.  A payload which fits into the room left in the
// last queued page of the same format is concatenated onto it, otherwise it is split
// over as many fresh pages as needed.
func (s *State) Send(cfg config.QueueConfigData, recipient t.ParaID, format t.MessageFormat, payload []byte, el *events.EventList) (Receipt, error) {
	if err := s.checkRecipient(recipient); err != nil {
		return Receipt{}, err
	}
	if format == t.FormatSignals {
		return Receipt{}, ErrReservedFormat
	}

	payload = append([]byte{}, payload...)
	d := s.details(recipient)
	before := d.Backlog()

	appended, err := s.appendToLast(d, format, payload)
	if err != nil {
		return Receipt{}, err
	}

	var receipt Receipt
	if !appended {
		frags := page.Split(payload, page.MaxChunk(format, s.PageSize))
		if uint64(before)+uint64(len(frags)) > math.MaxUint16 {
			return Receipt{}, errors.WithMessagef(ErrRingFull, "channel to para %d holds %d pages", recipient, before)
		}
		for _, f := range frags {
			s.Pages[PageKey{Recipient: recipient, Index: d.LastIndex}] = page.Page{
				Format:    format,
				Fragments: []page.Fragment{f},
			}
			d.LastIndex++
		}
		receipt.Pages = len(frags)
	}

	s.logger.Debug("queued outbound payload", append(t.LogChannel(recipient, uint64(d.LastIndex-1), format),
		zap.Int("bytes", len(payload)), zap.Uint32("backlog", d.Backlog()))...)

	peak := d.Backlog()
	if d.State == t.ChannelOk && before < cfg.SuspendThreshold && peak >= cfg.SuspendThreshold {
		s.suspend(d, events.ReasonBacklog, el)
		receipt.Suspended = true
	}

	if peak >= cfg.DropThreshold {
		for d.Backlog() >= cfg.DropThreshold {
			n := s.evictOldest(d)
			if n == 0 {
				break
			}
			receipt.Dropped += n
		}
		el.PushBack(events.CapacityExceeded(recipient, receipt.Dropped))
		s.logger.Warn("channel backlog reached the drop threshold, evicted oldest pages",
			zap.Uint32(t.ParaLog, uint32(recipient)), zap.Uint32("dropped", receipt.Dropped))
	}

	return receipt, nil
}

func (s *State) appendToLast(d *ChannelDetails, format t.MessageFormat, payload []byte) (bool, error) {
	if d.Backlog() == 0 {
		return false, nil
	}
	key := PageKey{Recipient: d.Recipient, Index: d.LastIndex - 1}
	last := s.Pages[key]
	if last.Format != format || last.EndsOpen() {
		return false, nil
	}

	frags := make([]page.Fragment, len(last.Fragments), len(last.Fragments)+1)
	copy(frags, last.Fragments)
	candidate := page.Page{
		Format:    format,
		Fragments: append(frags, page.Fragment{Final: true, Data: payload}),
	}
	size, err := candidate.Size()
	if err != nil {
		return false, err
	}
	if size > s.PageSize {
		return false, nil
	}
	s.Pages[key] = candidate
	return true, nil
}

// evictOldest removes the oldest payload which has not started going out, that is its
// first page and the pages continuing it, and returns how many pages went.  The pages
// completing a partly sent payload stay at the head of the ring.
func (s *State) evictOldest(d *ChannelDetails) uint32 {
	var keep t.PageIndex
	if d.OpenPayload {
		keep = s.runLength(d, d.FirstIndex)
	}
	from := d.FirstIndex + keep
	n := s.runLength(d, from)
	if n == 0 {
		return 0
	}
	for i := t.PageIndex(0); i < n; i++ {
		delete(s.Pages, PageKey{Recipient: d.Recipient, Index: from + i})
	}
	for i := keep; i > 0; i-- {
		src := PageKey{Recipient: d.Recipient, Index: d.FirstIndex + i - 1}
		s.Pages[PageKey{Recipient: d.Recipient, Index: src.Index + n}] = s.Pages[src]
		delete(s.Pages, src)
	}
	d.FirstIndex += n
	return uint32(n)
}

// runLength counts the pages from index up to and including the first one which does
// not end in an open fragment.
func (s *State) runLength(d *ChannelDetails, index t.PageIndex) t.PageIndex {
	var n t.PageIndex
	for i := index; i != d.LastIndex; i++ {
		n++
		if !s.Pages[PageKey{Recipient: d.Recipient, Index: i}].EndsOpen() {
			break
		}
	}
	return n
}

func (s *State) suspend(d *ChannelDetails, reason events.Reason, el *events.EventList) {
	d.State = t.ChannelSuspended
	s.enqueueSignal(d, signal.Suspend, el)
	el.PushBack(events.ChannelSuspended(d.Recipient, reason))
	s.logger.Info("suspended outbound channel", zap.Uint32(t.ParaLog, uint32(d.Recipient)), zap.Stringer("reason", reason))
}

func (s *State) enqueueSignal(d *ChannelDetails, sig signal.ChannelSignal, el *events.EventList) {
	queued := s.Signals[d.Recipient]
	if len(queued) > 0 && queued[len(queued)-1] == sig {
		return
	}
	s.Signals[d.Recipient] = append(queued, sig)
	d.SignalsExist = true
	el.PushBack(events.SignalQueued(d.Recipient, uint8(sig)))
}

// QueueSignal queues sig ahead of any payload for recipient.  A signal identical to the
// last one still queued is not repeated.
func (s *State) QueueSignal(recipient t.ParaID, sig signal.ChannelSignal, el *events.EventList) error {
	if err := s.checkRecipient(recipient); err != nil {
		return err
	}
	s.enqueueSignal(s.details(recipient), sig, el)
	return nil
}

// Suspend halts payload scheduling towards recipient and notifies it.  A privileged
// suspension holds until Resume, whatever recipient signals in the meantime.
// Suspending an already suspended channel sends nothing.
func (s *State) Suspend(recipient t.ParaID, reason events.Reason, el *events.EventList) error {
	if err := s.checkRecipient(recipient); err != nil {
		return err
	}
	d := s.details(recipient)
	if reason == events.ReasonPrivileged {
		d.Held = true
	}
	if d.State == t.ChannelSuspended {
		return nil
	}
	s.suspend(d, reason, el)
	return nil
}

// ApplyRemoteSignal updates the channel to sender after sender signalled its
// willingness to receive, and reports whether the state changed.  A Resume does not
// lift a held channel.
func (s *State) ApplyRemoteSignal(sender t.ParaID, sig signal.ChannelSignal, el *events.EventList) bool {
	if s.checkRecipient(sender) != nil {
		return false
	}
	d := s.details(sender)
	if d.Held && sig == signal.Resume {
		s.logger.Debug("ignoring resume on held channel", zap.Uint32(t.ParaLog, uint32(sender)))
		return false
	}
	return s.transition(d, sig, events.ReasonRemoteSignal, el)
}

// Resume lets payload towards recipient be scheduled again and releases a hold.
func (s *State) Resume(recipient t.ParaID, reason events.Reason, el *events.EventList) error {
	if err := s.checkRecipient(recipient); err != nil {
		return err
	}
	d := s.details(recipient)
	d.Held = false
	s.transition(d, signal.Resume, reason, el)
	return nil
}

func (s *State) transition(d *ChannelDetails, sig signal.ChannelSignal, reason events.Reason, el *events.EventList) bool {
	next, changed := signal.Transition(d.State, sig)
	if !changed {
		return false
	}
	d.State = next
	switch next {
	case t.ChannelSuspended:
		el.PushBack(events.ChannelSuspended(d.Recipient, reason))
	case t.ChannelOk:
		el.PushBack(events.ChannelResumed(d.Recipient, reason))
	}
	s.logger.Info("outbound channel changed state", zap.Uint32(t.ParaLog, uint32(d.Recipient)),
		zap.Stringer("signal", sig), zap.Stringer("state", next))
	return true
}

// Close tears down the channel to recipient.  Queued pages and signals are discarded and
// every later Send to recipient fails.
func (s *State) Close(recipient t.ParaID, el *events.EventList) error {
	if recipient == s.Self {
		return errors.WithMessagef(ErrSelfChannel, "para %d", recipient)
	}
	if s.IsClosed(recipient) {
		return nil
	}
	if d, ok := s.Channels.Get(recipient); ok {
		for i := d.FirstIndex; i != d.LastIndex; i++ {
			delete(s.Pages, PageKey{Recipient: recipient, Index: i})
		}
		s.Channels.Delete(recipient)
	}
	delete(s.Signals, recipient)
	s.Heads.Delete(recipient)
	s.Closed.Set(recipient, struct{}{})
	el.PushBack(events.ChannelClosed(recipient))
	s.logger.Info("closed outbound channel", zap.Uint32(t.ParaLog, uint32(recipient)))
	return nil
}

// Clone returns a deep copy sharing nothing mutable with s.
func (s *State) Clone() *State {
	c := &State{
		Self:     s.Self,
		PageSize: s.PageSize,
		Channels: btree.NewMap[t.ParaID, *ChannelDetails](32),
		Pages:    make(map[PageKey]page.Page, len(s.Pages)),
		Signals:  make(map[t.ParaID][]signal.ChannelSignal, len(s.Signals)),
		Heads:    s.Heads.Copy(),
		Closed:   s.Closed.Copy(),
		Rotation: s.Rotation,
		logger:   s.logger,
	}
	s.Channels.Scan(func(para t.ParaID, d *ChannelDetails) bool {
		dc := *d
		c.Channels.Set(para, &dc)
		return true
	})
	// Pages are replaced, never mutated in place, so their fragments may be shared.
	for k, p := range s.Pages {
		c.Pages[k] = p
	}
	for para, sigs := range s.Signals {
		c.Signals[para] = append([]signal.ChannelSignal(nil), sigs...)
	}
	return c
}
