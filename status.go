/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package xcmq

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ChainSafe/gossamer/lib/common"

	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/inbound"
	"github.com/hyperledger-labs/xcmq/pkg/outbound"
	"github.com/hyperledger-labs/xcmq/pkg/store"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

type Status struct {
	Para          uint32                  `json:"para"`
	Block         uint64                  `json:"block"`
	RelayParent   uint32                  `json:"relay_parent"`
	Config        *config.QueueConfigData `json:"config"`
	PendingConfig bool                    `json:"pending_config"`
	Outbound      []*OutboundStatus       `json:"outbound"`
	Inbound       []*InboundStatus        `json:"inbound"`
	Downward      *DownwardStatus         `json:"downward"`
	Overweight    []*OverweightStatus     `json:"overweight"`
	Oddities      *OdditiesStatus         `json:"oddities,omitempty"`
}

type OutboundStatus struct {
	Recipient    uint32 `json:"recipient"`
	State        string `json:"state"`
	Backlog      uint32 `json:"backlog"`
	FirstIndex   uint16 `json:"first_index"`
	LastIndex    uint16 `json:"last_index"`
	Penalty      uint32 `json:"penalty"`
	SignalsExist bool   `json:"signals_exist"`
	Held         bool   `json:"held,omitempty"`
	Head         string `json:"head,omitempty"`
}

type InboundStatus struct {
	Sender     uint32 `json:"sender"`
	State      string `json:"state"`
	Deferred   int    `json:"deferred"`
	Partial    int    `json:"partial_bytes"`
	LastSentAt uint32 `json:"last_sent_at"`
	Held       bool   `json:"held,omitempty"`
	Head       string `json:"head,omitempty"`
}

type DownwardStatus struct {
	BeginUsed       uint32 `json:"begin_used"`
	EndUsed         uint32 `json:"end_used"`
	Messages        int    `json:"messages"`
	OverweightCount uint64 `json:"overweight_count"`
	Head            string `json:"head"`
}

type OverweightStatus struct {
	Index  uint64 `json:"index"`
	Origin string `json:"origin"`
	Format string `json:"format"`
	SentAt uint32 `json:"sent_at"`
	Weight uint64 `json:"weight"`
	Size   int    `json:"size"`
}

type OdditiesStatus struct {
	RejectedProofs uint64                `json:"rejected_proofs"`
	Paras          []*ParaOdditiesStatus `json:"paras"`
}

type ParaOdditiesStatus struct {
	Para          uint32 `json:"para"`
	UnknownFormat uint64 `json:"unknown_format"`
	Malformed     uint64 `json:"malformed"`
	DroppedPages  uint64 `json:"dropped_pages"`
	Overweight    uint64 `json:"overweight"`
}

func hexHead(h common.Hash, ok bool) string {
	if !ok {
		return ""
	}
	return h.String()
}

// StatusOf describes a persisted state.
func StatusOf(snap *store.Snapshot) *Status {
	active := snap.Config.Active
	s := &Status{
		Para:          uint32(snap.Outbound.Self),
		Block:         snap.Block,
		RelayParent:   uint32(snap.RelayParent),
		Config:        &active,
		PendingConfig: snap.Config.Pending != nil || snap.Config.PendingDmp != nil,
		Outbound:      []*OutboundStatus{},
		Inbound:       []*InboundStatus{},
		Overweight:    []*OverweightStatus{},
	}

	snap.Outbound.Channels.Scan(func(recipient t.ParaID, d *outbound.ChannelDetails) bool {
		head, ok := snap.Outbound.Heads.Get(recipient)
		s.Outbound = append(s.Outbound, &OutboundStatus{
			Recipient:    uint32(recipient),
			State:        d.State.String(),
			Backlog:      d.Backlog(),
			FirstIndex:   uint16(d.FirstIndex),
			LastIndex:    uint16(d.LastIndex),
			Penalty:      d.Penalty,
			SignalsExist: d.SignalsExist,
			Held:         d.Held,
			Head:         hexHead(head, ok),
		})
		return true
	})
	snap.Outbound.Closed.Scan(func(recipient t.ParaID, _ struct{}) bool {
		s.Outbound = append(s.Outbound, &OutboundStatus{
			Recipient: uint32(recipient),
			State:     t.ChannelClosed.String(),
		})
		return true
	})

	snap.Inbound.Channels.Scan(func(sender t.ParaID, d *inbound.ChannelDetails) bool {
		pos, ok := snap.Inbound.Heads.Get(sender)
		s.Inbound = append(s.Inbound, &InboundStatus{
			Sender:     uint32(sender),
			State:      d.State.String(),
			Deferred:   snap.Inbound.Deferred(sender),
			Partial:    len(d.Partial),
			LastSentAt: uint32(pos.LastSentAt),
			Held:       d.Held,
			Head:       hexHead(pos.Head, ok),
		})
		return true
	})
	snap.Inbound.Closed.Scan(func(sender t.ParaID, _ struct{}) bool {
		s.Inbound = append(s.Inbound, &InboundStatus{
			Sender: uint32(sender),
			State:  t.ChannelClosed.String(),
		})
		return true
	})

	dq := snap.Downward
	s.Downward = &DownwardStatus{
		BeginUsed:       uint32(dq.Index.BeginUsed),
		EndUsed:         uint32(dq.Index.EndUsed),
		Messages:        dq.Len(),
		OverweightCount: dq.Index.OverweightCount,
		Head:            dq.Head.String(),
	}

	for _, ie := range snap.Overweight.Entries() {
		s.Overweight = append(s.Overweight, &OverweightStatus{
			Index:  uint64(ie.Index),
			Origin: ie.Entry.Origin.String(),
			Format: ie.Entry.Format.String(),
			SentAt: uint32(ie.Entry.SentAt),
			Weight: uint64(ie.Entry.Weight),
			Size:   len(ie.Entry.Data),
		})
	}

	return s
}

// Status returns a description of the current state, including the oddities observed
// since the runtime was created.
func (r *Runtime) Status() *Status {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	s := StatusOf(r.state)
	s.Oddities = &OdditiesStatus{
		RejectedProofs: r.oddities.rejectedProofs,
		Paras:          []*ParaOdditiesStatus{},
	}
	for para, od := range r.oddities.paras {
		s.Oddities.Paras = append(s.Oddities.Paras, &ParaOdditiesStatus{
			Para:          uint32(para),
			UnknownFormat: od.unknownFormat,
			Malformed:     od.malformed,
			DroppedPages:  od.droppedPages,
			Overweight:    od.overweight,
		})
	}
	sort.Slice(s.Oddities.Paras, func(i, j int) bool {
		return s.Oddities.Paras[i].Para < s.Oddities.Paras[j].Para
	})
	return s
}

func (s *Status) Pretty() string {
	var buffer bytes.Buffer
	buffer.WriteString("===========================================\n")
	buffer.WriteString(fmt.Sprintf("Para=%d, Block=%d, RelayParent=%d\n", s.Para, s.Block, s.RelayParent))
	buffer.WriteString("===========================================\n\n")

	if s.Config != nil {
		buffer.WriteString("=== Config ===\n")
		buffer.WriteString(fmt.Sprintf("suspend=%d drop=%d resume=%d thresholdWeight=%d decay=%d maxIndividual=%d pending=%t\n\n",
			s.Config.SuspendThreshold, s.Config.DropThreshold, s.Config.ResumeThreshold,
			s.Config.ThresholdWeight, s.Config.WeightRestrictDecay, s.Config.XcmpMaxIndividualWeight,
			s.PendingConfig))
	}

	buffer.WriteString("=== Outbound ===\n")
	for _, o := range s.Outbound {
		buffer.WriteString(fmt.Sprintf("-> %d %-9s backlog=%d [%d,%d) penalty=%d signals=%t\n",
			o.Recipient, o.State, o.Backlog, o.FirstIndex, o.LastIndex, o.Penalty, o.SignalsExist))
	}
	buffer.WriteString("\n=== Inbound ===\n")
	for _, i := range s.Inbound {
		buffer.WriteString(fmt.Sprintf("<- %d %-9s deferred=%d partial=%d lastSentAt=%d\n",
			i.Sender, i.State, i.Deferred, i.Partial, i.LastSentAt))
	}

	if s.Downward != nil {
		buffer.WriteString("\n=== Downward ===\n")
		buffer.WriteString(fmt.Sprintf("pages [%d,%d) messages=%d overweight=%d\n",
			s.Downward.BeginUsed, s.Downward.EndUsed, s.Downward.Messages, s.Downward.OverweightCount))
	}

	buffer.WriteString("\n=== Overweight ===\n")
	for _, o := range s.Overweight {
		buffer.WriteString(fmt.Sprintf("#%d from %s format=%s sentAt=%d weight=%d size=%d\n",
			o.Index, o.Origin, o.Format, o.SentAt, o.Weight, o.Size))
	}

	if s.Oddities != nil && (s.Oddities.RejectedProofs > 0 || len(s.Oddities.Paras) > 0) {
		buffer.WriteString("\n=== Oddities ===\n")
		buffer.WriteString(fmt.Sprintf("rejected proofs: %d\n", s.Oddities.RejectedProofs))
		for _, p := range s.Oddities.Paras {
			buffer.WriteString(fmt.Sprintf("para %d: unknownFormat=%d malformed=%d dropped=%d overweight=%d\n",
				p.Para, p.UnknownFormat, p.Malformed, p.DroppedPages, p.Overweight))
		}
	}

	return buffer.String()
}
