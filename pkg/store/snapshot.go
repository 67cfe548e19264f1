/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"fmt"

	"github.com/ChainSafe/gossamer/lib/common"
	"github.com/ChainSafe/gossamer/pkg/scale"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/xcmq/pkg/config"
	"github.com/hyperledger-labs/xcmq/pkg/dmpqueue"
	"github.com/hyperledger-labs/xcmq/pkg/inbound"
	"github.com/hyperledger-labs/xcmq/pkg/outbound"
	"github.com/hyperledger-labs/xcmq/pkg/overweight"
	"github.com/hyperledger-labs/xcmq/pkg/page"
	"github.com/hyperledger-labs/xcmq/pkg/signal"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

const (
	metaKey              = "meta"
	configKey            = "config"
	outboundPrefix       = "ob-"
	outboundHeadPrefix   = "obh-"
	outboundClosedPrefix = "obc-"
	inboundPrefix        = "ib-"
	inboundHeadPrefix    = "ibh-"
	inboundClosedPrefix  = "ibc-"
	dmpPagePrefix        = "dmpp-"
	overweightPrefix     = "ow-"
)

func paraKey(prefix string, para t.ParaID) string {
	return fmt.Sprintf("%s%010d", prefix, para)
}

// Snapshot is the complete persisted state of one chain after a block.
type Snapshot struct {
	Block       uint64
	RelayParent t.RelayBlockNumber
	Config      *config.Store
	Outbound    *outbound.State
	Inbound     *inbound.State
	Downward    *dmpqueue.Queue
	Overweight  *overweight.Set
}

type metaRecord struct {
	Self           t.ParaID
	PageSize       uint32
	Block          uint64
	RelayParent    t.RelayBlockNumber
	Rotation       uint32
	NextOverweight t.OverweightIndex
	DmpIndex       dmpqueue.PageIndexData
	DmpHead        common.Hash
}

type configRecord struct {
	Active        config.QueueConfigData
	HasPending    bool
	Pending       config.QueueConfigData
	Dmp           config.DmpConfigData
	HasPendingDmp bool
	PendingDmp    config.DmpConfigData
}

type outboundRecord struct {
	Details outbound.ChannelDetails
	Pages   [][]byte
	Signals []byte
}

type outboundHeadRecord struct {
	Recipient t.ParaID
	Head      common.Hash
}

type inboundRecord struct {
	Details inbound.ChannelDetails
	Pages   [][]byte
}

type inboundHeadRecord struct {
	Sender   t.ParaID
	Position inbound.Position
}

type dmpPageRecord struct {
	Counter  t.PageCounter
	Messages []dmpqueue.InboundDownwardMessage
}

// Save replaces the stored state with snap in a single transaction.
func (s *Store) Save(snap *Snapshot) error {
	entries, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.replaceAll(entries); err != nil {
		return errors.WithMessagef(err, "could not persist block %d", snap.Block)
	}
	return nil
}

func encodeSnapshot(snap *Snapshot) (map[string][]byte, error) {
	entries := map[string][]byte{}
	put := func(key string, value interface{}) error {
		b, err := scale.Marshal(value)
		if err != nil {
			return errors.WithMessagef(err, "could not encode %s", key)
		}
		entries[key] = b
		return nil
	}

	err := put(metaKey, metaRecord{
		Self:           snap.Outbound.Self,
		PageSize:       uint32(snap.Outbound.PageSize),
		Block:          snap.Block,
		RelayParent:    snap.RelayParent,
		Rotation:       snap.Outbound.Rotation,
		NextOverweight: snap.Overweight.NextIndex(),
		DmpIndex:       snap.Downward.Index,
		DmpHead:        snap.Downward.Head,
	})
	if err != nil {
		return nil, err
	}

	cr := configRecord{Active: snap.Config.Active, Dmp: snap.Config.Dmp}
	if snap.Config.Pending != nil {
		cr.HasPending, cr.Pending = true, *snap.Config.Pending
	}
	if snap.Config.PendingDmp != nil {
		cr.HasPendingDmp, cr.PendingDmp = true, *snap.Config.PendingDmp
	}
	if err := put(configKey, cr); err != nil {
		return nil, err
	}

	ob := snap.Outbound
	ob.Channels.Scan(func(recipient t.ParaID, d *outbound.ChannelDetails) bool {
		rec := outboundRecord{Details: *d, Pages: [][]byte{}, Signals: []byte{}}
		for i := d.FirstIndex; i != d.LastIndex; i++ {
			var enc []byte
			enc, err = ob.Pages[outbound.PageKey{Recipient: recipient, Index: i}].Encode()
			if err != nil {
				return false
			}
			rec.Pages = append(rec.Pages, enc)
		}
		for _, sig := range ob.Signals[recipient] {
			rec.Signals = append(rec.Signals, byte(sig))
		}
		err = put(paraKey(outboundPrefix, recipient), rec)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	ob.Heads.Scan(func(recipient t.ParaID, head common.Hash) bool {
		err = put(paraKey(outboundHeadPrefix, recipient), outboundHeadRecord{Recipient: recipient, Head: head})
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	ob.Closed.Scan(func(recipient t.ParaID, _ struct{}) bool {
		err = put(paraKey(outboundClosedPrefix, recipient), recipient)
		return err == nil
	})
	if err != nil {
		return nil, err
	}

	ib := snap.Inbound
	ib.Channels.Scan(func(sender t.ParaID, d *inbound.ChannelDetails) bool {
		rec := inboundRecord{Details: *d, Pages: ib.Pages[sender]}
		if rec.Pages == nil {
			rec.Pages = [][]byte{}
		}
		err = put(paraKey(inboundPrefix, sender), rec)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	ib.Heads.Scan(func(sender t.ParaID, pos inbound.Position) bool {
		err = put(paraKey(inboundHeadPrefix, sender), inboundHeadRecord{Sender: sender, Position: pos})
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	ib.Closed.Scan(func(sender t.ParaID, _ struct{}) bool {
		err = put(paraKey(inboundClosedPrefix, sender), sender)
		return err == nil
	})
	if err != nil {
		return nil, err
	}

	snap.Downward.Pages.Scan(func(counter t.PageCounter, msgs []dmpqueue.InboundDownwardMessage) bool {
		err = put(fmt.Sprintf("%s%010d", dmpPagePrefix, counter), dmpPageRecord{Counter: counter, Messages: msgs})
		return err == nil
	})
	if err != nil {
		return nil, err
	}

	for _, ie := range snap.Overweight.Entries() {
		if err := put(fmt.Sprintf("%s%020d", overweightPrefix, ie.Index), ie); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// Load returns the stored state, or nil if nothing was ever saved.
func (s *Store) Load() (*Snapshot, error) {
	raw, err := s.get(metaKey)
	if err != nil {
		return nil, errors.WithMessage(err, "could not read metadata")
	}
	if raw == nil {
		return nil, nil
	}
	var meta metaRecord
	if err := scale.Unmarshal(raw, &meta); err != nil {
		return nil, errors.WithMessage(err, "could not decode metadata")
	}

	snap := &Snapshot{Block: meta.Block, RelayParent: meta.RelayParent}

	if snap.Config, err = s.loadConfig(); err != nil {
		return nil, err
	}
	if snap.Outbound, err = s.loadOutbound(meta); err != nil {
		return nil, err
	}
	if snap.Inbound, err = s.loadInbound(meta); err != nil {
		return nil, err
	}

	snap.Downward = dmpqueue.New(s.logger)
	snap.Downward.Index = meta.DmpIndex
	snap.Downward.Head = meta.DmpHead
	err = s.scan(dmpPagePrefix, func(value []byte) error {
		var rec dmpPageRecord
		if err := scale.Unmarshal(value, &rec); err != nil {
			return err
		}
		snap.Downward.Pages.Set(rec.Counter, rec.Messages)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not load downward pages")
	}

	var entries []overweight.IndexedEntry
	err = s.scan(overweightPrefix, func(value []byte) error {
		var ie overweight.IndexedEntry
		if err := scale.Unmarshal(value, &ie); err != nil {
			return err
		}
		entries = append(entries, ie)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not load overweight entries")
	}
	snap.Overweight = overweight.Restore(meta.NextOverweight, entries)

	return snap, nil
}

func (s *Store) loadConfig() (*config.Store, error) {
	raw, err := s.get(configKey)
	if err != nil {
		return nil, errors.WithMessage(err, "could not read configuration")
	}
	var cr configRecord
	if err := scale.Unmarshal(raw, &cr); err != nil {
		return nil, errors.WithMessage(err, "could not decode configuration")
	}
	c := &config.Store{Active: cr.Active, Dmp: cr.Dmp}
	if cr.HasPending {
		c.Pending = &cr.Pending
	}
	if cr.HasPendingDmp {
		c.PendingDmp = &cr.PendingDmp
	}
	return c, nil
}

func (s *Store) loadOutbound(meta metaRecord) (*outbound.State, error) {
	ob, err := outbound.NewState(meta.Self, int(meta.PageSize), s.logger)
	if err != nil {
		return nil, err
	}
	ob.Rotation = meta.Rotation

	err = s.scan(outboundPrefix, func(value []byte) error {
		var rec outboundRecord
		if err := scale.Unmarshal(value, &rec); err != nil {
			return err
		}
		d := rec.Details
		ob.Channels.Set(d.Recipient, &d)
		index := d.FirstIndex
		for _, enc := range rec.Pages {
			p, err := page.Decode(enc)
			if err != nil {
				return err
			}
			ob.Pages[outbound.PageKey{Recipient: d.Recipient, Index: index}] = p
			index++
		}
		if index != d.LastIndex {
			return errors.Errorf("channel to para %d holds %d pages, cursors span %d", d.Recipient, len(rec.Pages), d.Backlog())
		}
		if len(rec.Signals) > 0 {
			sigs := make([]signal.ChannelSignal, len(rec.Signals))
			for i, b := range rec.Signals {
				sigs[i] = signal.ChannelSignal(b)
			}
			ob.Signals[d.Recipient] = sigs
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not load outbound channels")
	}

	err = s.scan(outboundHeadPrefix, func(value []byte) error {
		var rec outboundHeadRecord
		if err := scale.Unmarshal(value, &rec); err != nil {
			return err
		}
		ob.Heads.Set(rec.Recipient, rec.Head)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not load outbound heads")
	}

	err = s.scan(outboundClosedPrefix, func(value []byte) error {
		var para t.ParaID
		if err := scale.Unmarshal(value, &para); err != nil {
			return err
		}
		ob.Closed.Set(para, struct{}{})
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not load closed outbound channels")
	}
	return ob, nil
}

func (s *Store) loadInbound(meta metaRecord) (*inbound.State, error) {
	ib := inbound.NewState(meta.Self, s.logger)

	err := s.scan(inboundPrefix, func(value []byte) error {
		var rec inboundRecord
		if err := scale.Unmarshal(value, &rec); err != nil {
			return err
		}
		d := rec.Details
		if len(d.MessageMetadata) != len(rec.Pages) {
			return errors.Errorf("channel from para %d holds %d pages and %d metadata entries",
				d.Sender, len(rec.Pages), len(d.MessageMetadata))
		}
		if len(d.Partial) == 0 {
			d.Partial = nil
		}
		ib.Channels.Set(d.Sender, &d)
		if len(rec.Pages) > 0 {
			ib.Pages[d.Sender] = rec.Pages
		} else {
			d.MessageMetadata = nil
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not load inbound channels")
	}

	err = s.scan(inboundHeadPrefix, func(value []byte) error {
		var rec inboundHeadRecord
		if err := scale.Unmarshal(value, &rec); err != nil {
			return err
		}
		ib.Heads.Set(rec.Sender, rec.Position)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not load inbound heads")
	}

	err = s.scan(inboundClosedPrefix, func(value []byte) error {
		var para t.ParaID
		if err := scale.Unmarshal(value, &para); err != nil {
			return err
		}
		ib.Closed.Set(para, struct{}{})
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not load closed inbound channels")
	}
	return ib, nil
}
