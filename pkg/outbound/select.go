/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package outbound

import (
	"math"

	"github.com/ChainSafe/gossamer/lib/common"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/events"
	"github.com/hyperledger-labs/xcmq/pkg/mqc"
	"github.com/hyperledger-labs/xcmq/pkg/page"
	"github.com/hyperledger-labs/xcmq/pkg/signal"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// PageWeigher returns the weight charged against the outbound budget for an encoded page.
type PageWeigher func(encoded []byte) t.Weight

// LinearWeigher charges a fixed base plus perByte for every encoded byte.
func LinearWeigher(base, perByte t.Weight) PageWeigher {
	return func(encoded []byte) t.Weight {
		return base + perByte*t.Weight(len(encoded))
	}
}

// Budget bounds what one collation may carry.
type Budget struct {
	Weight t.Weight
	Size   uint32
}

// OutboundHrmpMessage is one page placed into the collation.
type OutboundHrmpMessage struct {
	Recipient t.ParaID
	Data      []byte
}

// ChannelHead is the accumulator head of a channel after this block's pages.
type ChannelHead struct {
	Recipient t.ParaID
	Head      common.Hash
}

// Selection is the outbound part of a collation.  Messages are ordered by recipient and,
// per recipient, in emission order.
type Selection struct {
	Messages []OutboundHrmpMessage
	Heads    []ChannelHead
	Weight   t.Weight
	Size     uint32

	// Suspended lists the channels suspended because their backlog stayed at the
	// suspend threshold after selection.
	Suspended []t.ParaID
}

type cursor struct {
	d            *ChannelDetails
	next         t.PageIndex
	taken        [][]byte
	signalsTaken bool
	open         bool
}

func (c *cursor) pending() bool {
	return c.next != c.d.LastIndex
}

// payloadAllowed is false while queued signals are still waiting to go out.
func (c *cursor) payloadAllowed() bool {
	return c.d.State == t.ChannelOk && (!c.d.SignalsExist || c.signalsTaken)
}

func (s *State) nextPage(c *cursor) (page.Page, []byte, error) {
	p := s.Pages[PageKey{Recipient: c.d.Recipient, Index: c.next}]
	enc, err := p.Encode()
	return p, enc, err
}

// Select picks the pages entering the collation anchored at relayParent.
//
// Channels are visited in ascending recipient order, starting at an offset which rotates
// every block.  Queued signals go first and are eligible even on suspended channels; no
// payload of a channel goes out while its signals do not fit.  Payload is then shared out in two passes: each channel gets an equal share of the
// remaining weight, shrunk by its penalty, and whatever is left is handed out one page
// per channel per round.  A channel left with backlog has its penalty raised, a drained
// one has it cleared.  A channel still holding suspend_threshold pages afterwards is
// suspended again.
func (s *State) Select(cfg config.QueueConfigData, relayParent t.RelayBlockNumber, budget Budget, weigher PageWeigher, el *events.EventList) (*Selection, error) {
	var order []*cursor
	s.Channels.Scan(func(_ t.ParaID, d *ChannelDetails) bool {
		if d.SignalsExist || (d.State == t.ChannelOk && d.Backlog() > 0) {
			order = append(order, &cursor{d: d, next: d.FirstIndex})
		}
		return true
	})

	rotation := s.Rotation
	s.Rotation++

	sel := &Selection{}
	if len(order) == 0 {
		return sel, nil
	}

	start := int(rotation % uint32(len(order)))
	rotated := make([]*cursor, 0, len(order))
	rotated = append(rotated, order[start:]...)
	rotated = append(rotated, order[:start]...)

	remWeight, remSize := budget.Weight, budget.Size
	fits := func(enc []byte) (t.Weight, bool) {
		w := weigher(enc)
		return w, w <= remWeight && uint64(len(enc)) <= uint64(remSize)
	}
	take := func(c *cursor, enc []byte, w t.Weight) {
		c.taken = append(c.taken, enc)
		remWeight -= w
		remSize -= uint32(len(enc))
	}

	for _, c := range rotated {
		if !c.d.SignalsExist {
			continue
		}
		enc, err := signal.EncodePage(s.Signals[c.d.Recipient])
		if err != nil {
			return nil, err
		}
		if w, ok := fits(enc); ok {
			take(c, enc, w)
			c.signalsTaken = true
		}
	}

	var eligible []*cursor
	for _, c := range rotated {
		if c.payloadAllowed() && c.pending() {
			eligible = append(eligible, c)
		}
	}

	if len(eligible) > 0 {
		share := remWeight / t.Weight(len(eligible))
		for _, c := range eligible {
			quota := decayed(share, cfg.WeightRestrictDecay, c.d.Penalty)
			var used t.Weight
			for first := true; c.pending(); first = false {
				p, enc, err := s.nextPage(c)
				if err != nil {
					return nil, err
				}
				w, ok := fits(enc)
				if !ok || (!first && used+w > quota) {
					break
				}
				take(c, enc, w)
				used += w
				c.open = p.EndsOpen()
				c.next++
			}
		}

		for progress := true; progress; {
			progress = false
			for _, c := range eligible {
				if !c.pending() {
					continue
				}
				p, enc, err := s.nextPage(c)
				if err != nil {
					return nil, err
				}
				if w, ok := fits(enc); ok {
					take(c, enc, w)
					c.open = p.EndsOpen()
					c.next++
					progress = true
				}
			}
		}

		for _, c := range eligible {
			switch {
			case !c.pending():
				c.d.Penalty = 0
			case c.d.Penalty < MaxPenalty:
				c.d.Penalty++
			}
		}
	}

	byRecipient := make(map[t.ParaID]*cursor, len(order))
	for _, c := range order {
		byRecipient[c.d.Recipient] = c
	}

	var err error
	s.Channels.Scan(func(recipient t.ParaID, d *ChannelDetails) bool {
		c, ok := byRecipient[recipient]
		if !ok || len(c.taken) == 0 {
			return true
		}

		head, _ := s.Heads.Get(recipient)
		chain := mqc.MessageQueueChain{Head: head}
		for _, enc := range c.taken {
			if err = chain.Extend(enc, relayParent); err != nil {
				return false
			}
			sel.Messages = append(sel.Messages, OutboundHrmpMessage{Recipient: recipient, Data: enc})
			sel.Size += uint32(len(enc))
			sel.Weight += weigher(enc)
		}
		s.Heads.Set(recipient, chain.Head)
		sel.Heads = append(sel.Heads, ChannelHead{Recipient: recipient, Head: chain.Head})

		if c.signalsTaken {
			delete(s.Signals, recipient)
			d.SignalsExist = false
		}
		if c.next != d.FirstIndex {
			d.OpenPayload = c.open
		}
		for i := d.FirstIndex; i != c.next; i++ {
			delete(s.Pages, PageKey{Recipient: recipient, Index: i})
		}
		d.FirstIndex = c.next

		el.PushBack(events.PagesSent(recipient, uint32(len(c.taken))))
		s.logger.Debug("selected outbound pages", zap.Uint32(t.ParaLog, uint32(recipient)),
			zap.Int("pages", len(c.taken)), zap.Uint32("backlog", d.Backlog()), zap.Uint32("penalty", d.Penalty))
		return true
	})
	if err != nil {
		return nil, err
	}

	s.Channels.Scan(func(recipient t.ParaID, d *ChannelDetails) bool {
		if d.State == t.ChannelOk && d.Backlog() >= cfg.SuspendThreshold {
			s.suspend(d, events.ReasonBacklog, el)
			sel.Suspended = append(sel.Suspended, recipient)
		}
		return true
	})

	return sel, nil
}

// decayed divides share by 1 + decay*penalty, saturating to zero on overflow.
func decayed(share, decay t.Weight, penalty uint32) t.Weight {
	if decay == 0 || penalty == 0 {
		return share
	}
	if decay > (math.MaxUint64-1)/t.Weight(penalty) {
		return 0
	}
	return share / (1 + decay*t.Weight(penalty))
}
