/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package journal keeps an append-only record of what every executed block emitted.
// Entries are consecutive by block number, so the position of a block in the log follows
// from the block number of the first retained entry.
package journal

import (
	"sync"

	"github.com/ChainSafe/gossamer/pkg/scale"
	"github.com/pkg/errors"
	"github.com/tidwall/wal"

	"github.com/hyperledger-labs/xcmq/pkg/events"
	"github.com/hyperledger-labs/xcmq/pkg/outbound"
	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// ErrOutOfSequence is returned when a record does not follow the last appended block.
var ErrOutOfSequence = errors.New("journal record out of sequence")

// Record is what one block left behind.
type Record struct {
	Block         uint64
	RelayParent   t.RelayBlockNumber
	Events        []events.Event
	Messages      []outbound.OutboundHrmpMessage
	OutboundHeads []outbound.ChannelHead
}

type Journal struct {
	mutex sync.Mutex
	log   *wal.Log

	// Block number log index 1 stands for.  Valid once started is set.
	base    uint64
	started bool

	// Log index the next record is written to.
	next uint64
}

func Open(path string) (*Journal, error) {
	log, err := wal.Open(path, &wal.Options{
		NoSync: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open journal")
	}

	j := &Journal{log: log}

	first, err := log.FirstIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read first index")
	}
	last, err := log.LastIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read last index")
	}
	j.next = last + 1

	if first != 0 {
		rec, err := j.read(first)
		if err != nil {
			return nil, err
		}
		j.base = rec.Block - (first - 1)
		j.started = true
	}

	return j, nil
}

func (j *Journal) read(index uint64) (*Record, error) {
	data, err := j.log.Read(index)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read index %d", index)
	}
	rec := &Record{}
	if err := scale.Unmarshal(data, rec); err != nil {
		return nil, errors.WithMessagef(err, "could not decode index %d, is the journal corrupt?", index)
	}
	return rec, nil
}

func (j *Journal) IsEmpty() (bool, error) {
	firstIndex, err := j.log.FirstIndex()
	if err != nil {
		return false, errors.WithMessage(err, "could not read first index")
	}
	return firstIndex == 0, nil
}

// Append writes rec, which must be the block right after the last one appended.
func (j *Journal) Append(rec *Record) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if !j.started {
		j.base = rec.Block - (j.next - 1)
		j.started = true
	} else if expected := j.base + j.next - 1; rec.Block != expected {
		return errors.WithMessagef(ErrOutOfSequence, "expected block %d, got %d", expected, rec.Block)
	}

	if rec.Events == nil {
		rec.Events = []events.Event{}
	}
	if rec.Messages == nil {
		rec.Messages = []outbound.OutboundHrmpMessage{}
	}
	if rec.OutboundHeads == nil {
		rec.OutboundHeads = []outbound.ChannelHead{}
	}
	data, err := scale.Marshal(*rec)
	if err != nil {
		return errors.WithMessagef(err, "could not encode block %d", rec.Block)
	}

	if err := j.log.Write(j.next, data); err != nil {
		return errors.WithMessagef(err, "could not write block %d", rec.Block)
	}
	j.next++
	return nil
}

// LoadAll calls forEach with every retained record in block order.
func (j *Journal) LoadAll(forEach func(rec *Record)) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	firstIndex, err := j.log.FirstIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read first index")
	}
	if firstIndex == 0 {
		return nil
	}

	lastIndex, err := j.log.LastIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read last index")
	}

	for i := firstIndex; i <= lastIndex; i++ {
		rec, err := j.read(i)
		if err != nil {
			return err
		}
		forEach(rec)
	}
	return nil
}

// Truncate discards every record of a block below block.  The last record is always kept.
func (j *Journal) Truncate(block uint64) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if !j.started || block <= j.base {
		return nil
	}
	index := block - j.base + 1
	if last := j.next - 1; index > last {
		index = last
	}
	first, err := j.log.FirstIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read first index")
	}
	if index <= first {
		return nil
	}
	return j.log.TruncateFront(index)
}

func (j *Journal) Sync() error {
	return j.log.Sync()
}

func (j *Journal) Close() error {
	return j.log.Close()
}
