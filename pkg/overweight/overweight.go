/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package overweight quarantines messages too heavy to be executed automatically.
// Entries are keyed by a monotonically increasing index which is never reused, so an index
// handed out in an event stays valid until the entry is executed by a privileged call.
package overweight

import (
	"github.com/pkg/errors"
	"github.com/tidwall/btree"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

var (
	// ErrUnknownIndex is returned for an index which was never issued or was already executed.
	ErrUnknownIndex = errors.New("unknown overweight index")

	// ErrWeightOverLimit is returned when the caller's weight limit is below the entry's weight.
	ErrWeightOverLimit = errors.New("overweight message exceeds the weight limit")
)

// Entry is one quarantined message.
type Entry struct {
	Origin t.Origin
	Format t.MessageFormat
	SentAt t.RelayBlockNumber
	Data   []byte
	Weight t.Weight
}

// IndexedEntry pairs an entry with its index, the persisted form of the set.
type IndexedEntry struct {
	Index t.OverweightIndex
	Entry Entry
}

// Set is the ordered overweight table.
type Set struct {
	next    t.OverweightIndex
	entries *btree.Map[t.OverweightIndex, Entry]
}

func NewSet() *Set {
	return &Set{entries: btree.NewMap[t.OverweightIndex, Entry](32)}
}

// Restore rebuilds a set from its persisted form.
func Restore(next t.OverweightIndex, entries []IndexedEntry) *Set {
	s := NewSet()
	s.next = next
	for _, ie := range entries {
		s.entries.Set(ie.Index, ie.Entry)
	}
	return s
}

// Insert records e and returns its index.
func (s *Set) Insert(e Entry) t.OverweightIndex {
	index := s.next
	s.next++
	s.entries.Set(index, e)
	return index
}

// Lookup returns the entry at index if the caller's weightLimit covers it.
// The entry stays in place until Remove.
func (s *Set) Lookup(index t.OverweightIndex, weightLimit t.Weight) (Entry, error) {
	e, ok := s.entries.Get(index)
	if !ok {
		return Entry{}, errors.WithMessagef(ErrUnknownIndex, "index %d", index)
	}
	if e.Weight > weightLimit {
		return Entry{}, errors.WithMessagef(ErrWeightOverLimit, "index %d requires %d, limit %d", index, e.Weight, weightLimit)
	}
	return e, nil
}

// Remove drops the entry at index, reporting whether it was present.
func (s *Set) Remove(index t.OverweightIndex) bool {
	_, ok := s.entries.Delete(index)
	return ok
}

func (s *Set) Len() int {
	return s.entries.Len()
}

// NextIndex is the index the next insertion will receive.
func (s *Set) NextIndex() t.OverweightIndex {
	return s.next
}

// Entries returns the set in ascending index order.
func (s *Set) Entries() []IndexedEntry {
	result := make([]IndexedEntry, 0, s.entries.Len())
	s.entries.Scan(func(index t.OverweightIndex, e Entry) bool {
		result = append(result, IndexedEntry{Index: index, Entry: e})
		return true
	})
	return result
}

// Clone returns an independent copy.  Entry data is never mutated in place, so it is shared.
func (s *Set) Clone() *Set {
	return &Set{next: s.next, entries: s.entries.Copy()}
}
