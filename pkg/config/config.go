/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package config holds the operator-tunable queue parameters.
// Updates are validated when they are submitted and take effect at the start of the next
// block, so a block always runs against the snapshot it read when it started.
package config

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// ErrInvalidThresholds is returned for a configuration violating resume <= suspend <= drop.
var ErrInvalidThresholds = errors.New("invalid queue thresholds")

// ErrInvalidDmpConfig is returned for a downward queue configuration with a zero bound.
var ErrInvalidDmpConfig = errors.New("invalid downward queue configuration")

const (
	// WeightPerMillis is the weight of one millisecond of execution.
	WeightPerMillis t.Weight = 1_000_000_000

	DefaultSuspendThreshold        = 2
	DefaultDropThreshold           = 5
	DefaultResumeThreshold         = 1
	DefaultThresholdWeight         = t.Weight(100_000)
	DefaultWeightRestrictDecay     = t.Weight(2)
	DefaultXcmpMaxIndividualWeight = 20 * WeightPerMillis
	DefaultDmpMaxIndividual        = 10 * WeightPerMillis
)

// QueueConfigData are the thresholds of the horizontal channels.
// Field order is the persisted encoding order.
type QueueConfigData struct {
	// SuspendThreshold is the backlog, in pages, at which a channel is suspended.
	SuspendThreshold uint32 `yaml:"suspendThreshold"`

	// DropThreshold is the backlog, in pages, at which the oldest queued pages are evicted.
	DropThreshold uint32 `yaml:"dropThreshold"`

	// ResumeThreshold is the backlog, in pages, at or below which a suspended sender is resumed.
	ResumeThreshold uint32 `yaml:"resumeThreshold"`

	// ThresholdWeight is the remaining inbound weight under which no further sender is serviced.
	ThresholdWeight t.Weight `yaml:"thresholdWeight"`

	// WeightRestrictDecay is the rate at which the outbound share of a chronically
	// backlogged channel decays.  Zero disables the decay.
	WeightRestrictDecay t.Weight `yaml:"weightRestrictDecay"`

	// XcmpMaxIndividualWeight is the largest weight a single inbound message may have
	// before it is quarantined as overweight.
	XcmpMaxIndividualWeight t.Weight `yaml:"xcmpMaxIndividualWeight"`
}

// DefaultQueueConfig returns the default thresholds of a horizontal channel.
func DefaultQueueConfig() QueueConfigData {
	return QueueConfigData{
		SuspendThreshold:        DefaultSuspendThreshold,
		DropThreshold:           DefaultDropThreshold,
		ResumeThreshold:         DefaultResumeThreshold,
		ThresholdWeight:         DefaultThresholdWeight,
		WeightRestrictDecay:     DefaultWeightRestrictDecay,
		XcmpMaxIndividualWeight: DefaultXcmpMaxIndividualWeight,
	}
}

// Validate checks resume <= suspend <= drop, all non-zero.
func (c QueueConfigData) Validate() error {
	switch {
	case c.ResumeThreshold == 0 || c.SuspendThreshold == 0 || c.DropThreshold == 0:
		return errors.WithMessagef(ErrInvalidThresholds, "thresholds must be positive (resume=%d suspend=%d drop=%d)",
			c.ResumeThreshold, c.SuspendThreshold, c.DropThreshold)
	case c.ResumeThreshold > c.SuspendThreshold:
		return errors.WithMessagef(ErrInvalidThresholds, "resume threshold %d exceeds suspend threshold %d",
			c.ResumeThreshold, c.SuspendThreshold)
	case c.SuspendThreshold > c.DropThreshold:
		return errors.WithMessagef(ErrInvalidThresholds, "suspend threshold %d exceeds drop threshold %d",
			c.SuspendThreshold, c.DropThreshold)
	}
	return nil
}

// DmpConfigData bounds the downward queue.
type DmpConfigData struct {
	// MaxIndividual is the largest weight a single downward message may have before it is
	// quarantined as overweight.
	MaxIndividual t.Weight `yaml:"maxIndividual"`
}

// DefaultDmpConfig returns the default downward queue bounds.
func DefaultDmpConfig() DmpConfigData {
	return DmpConfigData{MaxIndividual: DefaultDmpMaxIndividual}
}

func (c DmpConfigData) Validate() error {
	if c.MaxIndividual == 0 {
		return errors.WithMessage(ErrInvalidDmpConfig, "max individual weight must be positive")
	}
	return nil
}

// Store keeps the active configuration and any update waiting for the next block.
type Store struct {
	Active     QueueConfigData
	Pending    *QueueConfigData
	Dmp        DmpConfigData
	PendingDmp *DmpConfigData
}

// NewStore validates the initial configuration and returns a store holding it as active.
func NewStore(queue QueueConfigData, dmp DmpConfigData) (*Store, error) {
	if err := queue.Validate(); err != nil {
		return nil, err
	}
	if err := dmp.Validate(); err != nil {
		return nil, err
	}
	return &Store{Active: queue, Dmp: dmp}, nil
}

// Set validates c and records it for activation at the next block.
// On error the store is left untouched.
func (s *Store) Set(c QueueConfigData) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.Pending = &c
	return nil
}

// SetDmp validates c and records it for activation at the next block.
func (s *Store) SetDmp(c DmpConfigData) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.PendingDmp = &c
	return nil
}

// Activate promotes pending updates.  It is invoked once, at the start of a block,
// and reports whether anything changed.
func (s *Store) Activate() bool {
	changed := false
	if s.Pending != nil {
		s.Active = *s.Pending
		s.Pending = nil
		changed = true
	}
	if s.PendingDmp != nil {
		s.Dmp = *s.PendingDmp
		s.PendingDmp = nil
		changed = true
	}
	return changed
}

// Clone returns a deep copy.
func (s *Store) Clone() *Store {
	c := &Store{Active: s.Active, Dmp: s.Dmp}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	if s.PendingDmp != nil {
		p := *s.PendingDmp
		c.PendingDmp = &p
	}
	return c
}

// Document is the YAML form of the tunable parameters.  Omitted sections keep their defaults.
type Document struct {
	Queue *QueueConfigData `yaml:"queue"`
	Dmp   *DmpConfigData   `yaml:"dmp"`
}

// Resolve overlays the document on the defaults and validates the result.
func (d Document) Resolve() (QueueConfigData, DmpConfigData, error) {
	queue := DefaultQueueConfig()
	if d.Queue != nil {
		queue = *d.Queue
	}
	dmp := DefaultDmpConfig()
	if d.Dmp != nil {
		dmp = *d.Dmp
	}

	if err := queue.Validate(); err != nil {
		return QueueConfigData{}, DmpConfigData{}, err
	}
	if err := dmp.Validate(); err != nil {
		return QueueConfigData{}, DmpConfigData{}, err
	}
	return queue, dmp, nil
}

// LoadYAML reads a Document from r and resolves it.
func LoadYAML(r io.Reader) (QueueConfigData, DmpConfigData, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return QueueConfigData{}, DmpConfigData{}, errors.WithMessage(err, "could not parse configuration")
	}
	return doc.Resolve()
}
