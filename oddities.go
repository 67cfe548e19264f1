/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package xcmq

import (
	"github.com/ChainSafe/gossamer/lib/common"
	"go.uber.org/zap"

	"github.com/hyperledger-labs/xcmq/pkg/events"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// oddities are events which are not necessarily damaging
// to the queues, but which may represent misbehaving counterparties,
// misconfiguration, or bugs.  They are counted per chain and never persisted.
type oddities struct {
	rejectedProofs uint64
	paras          map[t.ParaID]*oddity
}

type oddity struct {
	unknownFormat uint64
	malformed     uint64
	droppedPages  uint64
	overweight    uint64
}

func newOddities() *oddities {
	return &oddities{paras: map[t.ParaID]*oddity{}}
}

func (o *oddities) getPara(para t.ParaID) *oddity {
	od, ok := o.paras[para]
	if !ok {
		od = &oddity{}
		o.paras[para] = od
	}
	return od
}

func (o *oddities) rejectedProof(logger Logger, block uint64, relayParent t.RelayBlockNumber, err error) {
	logger.Error("rejected relay proof", zap.Uint64(t.BlockLog, block),
		zap.Uint32(t.RelayBlockLog, uint32(relayParent)), zap.Error(err))
	o.rejectedProofs++
}

func (o *oddities) unknownFormat(logger Logger, sender t.ParaID) {
	logger.Warn("received page of unknown format", zap.Uint32(t.ParaLog, uint32(sender)))
	o.getPara(sender).unknownFormat++
}

func (o *oddities) malformedPage(logger Logger, sender t.ParaID) {
	logger.Warn("received malformed page", zap.Uint32(t.ParaLog, uint32(sender)))
	o.getPara(sender).malformed++
}

func (o *oddities) droppedPages(logger Logger, recipient t.ParaID, count uint32) {
	logger.Warn("dropped outbound pages over capacity", zap.Uint32(t.ParaLog, uint32(recipient)),
		zap.Uint32("pages", count))
	o.getPara(recipient).droppedPages += uint64(count)
}

func (o *oddities) quarantined(logger Logger, origin t.ParaID, index uint64, w t.Weight) {
	logger.Warn("quarantined overweight message", zap.Uint32(t.ParaLog, uint32(origin)),
		zap.Uint64(t.OverweightLog, index), zap.Uint64(t.WeightLog, uint64(w)))
	o.getPara(origin).overweight++
}

// observe counts the oddities among the events of a committed block.
func (o *oddities) observe(logger Logger, evs []events.Event) {
	for _, e := range evs {
		switch e.Kind {
		case events.KindCapacityExceeded:
			o.droppedPages(logger, e.Para, e.Count)
		case events.KindOverweightEnqueued:
			o.quarantined(logger, e.Para, e.Index, e.Weight)
		case events.KindMessageFailed:
			switch e.Reason {
			case events.ReasonUnknownFormat:
				o.unknownFormat(logger, e.Para)
			case events.ReasonMalformedPage:
				o.malformedPage(logger, e.Para)
			}
		}
	}
}

// headField renders a digest for the log.
func headField(key string, h common.Hash) zap.Field {
	return zap.String(key, h.String())
}
