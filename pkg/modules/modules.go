/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package modules defines the capabilities the queues delegate to the embedding chain
// and the registry resolving them.
package modules

import (
	"github.com/pkg/errors"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// ErrReservedFormat is returned when a handler is registered for the signals format,
// which the channels consume themselves.
var ErrReservedFormat = errors.New("no handler may be registered for the signals format")

// Registry maps every payload format to its handler.  It is resolved once, when the
// runtime is constructed, and never changes afterwards.
type Registry struct {
	horizontal map[t.MessageFormat]Handler
	downward   Handler
}

// NewRegistry copies the handler table.  A nil downward handler leaves relay messages
// to be consumed as failures.
func NewRegistry(horizontal map[t.MessageFormat]Handler, downward Handler) (*Registry, error) {
	r := &Registry{
		horizontal: make(map[t.MessageFormat]Handler, len(horizontal)),
		downward:   downward,
	}
	for format, h := range horizontal {
		if format == t.FormatSignals {
			return nil, ErrReservedFormat
		}
		if h == nil {
			return nil, errors.Errorf("nil handler for format %s", format)
		}
		r.horizontal[format] = h
	}
	return r, nil
}

// Horizontal returns the handler of a sibling-chain payload format.
func (r *Registry) Horizontal(format t.MessageFormat) (Handler, bool) {
	h, ok := r.horizontal[format]
	return h, ok
}

// Downward returns the handler of relay-chain messages.
func (r *Registry) Downward() (Handler, bool) {
	return r.downward, r.downward != nil
}

// ForOrigin resolves the handler for a message of the given origin and format.
func (r *Registry) ForOrigin(origin t.Origin, format t.MessageFormat) (Handler, bool) {
	if origin.Kind == t.OriginDownward {
		return r.Downward()
	}
	return r.Horizontal(format)
}
