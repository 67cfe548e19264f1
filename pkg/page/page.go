/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package page implements the wire form of a horizontal payload page: a leading format
// byte followed by the encoded sequence of fragments.  A payload which does not fit a
// single page is carried by consecutive fragments, all but the last with Final unset.
package page

import (
	"github.com/ChainSafe/gossamer/pkg/scale"
	"github.com/pkg/errors"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

// ErrMalformed is returned for bytes which do not decode to a payload page.
var ErrMalformed = errors.New("malformed page")

// Fragment is a contiguous piece of one payload.
type Fragment struct {
	Final bool
	Data  []byte
}

// Page is the decoded form of a payload page.
type Page struct {
	Format    t.MessageFormat
	Fragments []Fragment
}

// Encode returns the wire bytes of p.
func (p Page) Encode() ([]byte, error) {
	frags := p.Fragments
	if frags == nil {
		frags = []Fragment{}
	}
	body, err := scale.Marshal(frags)
	if err != nil {
		return nil, errors.WithMessage(err, "could not encode fragments")
	}
	return append([]byte{byte(p.Format)}, body...), nil
}

// Size is the length of the encoded page.
func (p Page) Size() (int, error) {
	b, err := p.Encode()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// EndsOpen reports whether the last fragment continues on the next page.
func (p Page) EndsOpen() bool {
	return len(p.Fragments) > 0 && !p.Fragments[len(p.Fragments)-1].Final
}

// Decode parses wire bytes into a Page.  Signal pages are not payload pages and are rejected.
func Decode(b []byte) (Page, error) {
	if len(b) == 0 {
		return Page{}, errors.WithMessage(ErrMalformed, "empty page")
	}
	format := t.MessageFormat(b[0])
	if format == t.FormatSignals {
		return Page{}, errors.WithMessage(ErrMalformed, "signals page is not a payload page")
	}
	var frags []Fragment
	if err := scale.Unmarshal(b[1:], &frags); err != nil {
		return Page{}, errors.Wrap(ErrMalformed, err.Error())
	}
	return Page{Format: format, Fragments: frags}, nil
}

// Format returns the discriminant of an encoded page without decoding it.
func Format(b []byte) (t.MessageFormat, bool) {
	if len(b) == 0 {
		return 0, false
	}
	return t.MessageFormat(b[0]), true
}

// MaxChunk returns the largest fragment data length which fits, as the single fragment,
// into a fresh page of pageSize bytes.  It returns zero when not even one byte fits.
func MaxChunk(format t.MessageFormat, pageSize int) int {
	// One byte each for the format, the fragment count and the final flag, at least one
	// for the data length prefix.
	n := pageSize - 4
	for ; n > 0; n-- {
		size, err := Page{Format: format, Fragments: []Fragment{{Final: true, Data: make([]byte, n)}}}.Size()
		if err == nil && size <= pageSize {
			return n
		}
	}
	return 0
}

// Split cuts payload into chunks of at most chunk bytes, preserving byte order.
// An empty payload yields a single empty fragment.
func Split(payload []byte, chunk int) []Fragment {
	if len(payload) == 0 {
		return []Fragment{{Final: true, Data: []byte{}}}
	}
	var frags []Fragment
	for len(payload) > 0 {
		n := chunk
		if n > len(payload) {
			n = len(payload)
		}
		frags = append(frags, Fragment{Data: payload[:n:n]})
		payload = payload[n:]
	}
	frags[len(frags)-1].Final = true
	return frags
}

// Assembler reassembles payloads from a stream of fragments.  Partial carries the bytes of
// an unfinished payload across pages and blocks.
type Assembler struct {
	Partial []byte
}

// Push consumes one fragment and returns the completed payload, if any.  A completed
// payload never shares memory with Partial.
func (a *Assembler) Push(f Fragment) ([]byte, bool) {
	if !f.Final {
		a.Partial = append(a.Partial, f.Data...)
		return nil, false
	}
	if len(a.Partial) == 0 {
		a.Partial = nil
		return f.Data, true
	}
	payload := append(append(make([]byte, 0, len(a.Partial)+len(f.Data)), a.Partial...), f.Data...)
	a.Partial = nil
	return payload, true
}
