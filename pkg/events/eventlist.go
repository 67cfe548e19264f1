/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package events

// EventList accumulates the events deposited by a component during one block.
// The zero value is an empty list.
type EventList struct {
	events []Event
}

// PushBack appends an event to the end of the list.
// Returns the EventList itself, for the convenience of chaining multiple calls to PushBack.
func (el *EventList) PushBack(event Event) *EventList {
	el.events = append(el.events, event)
	return el
}

// PushBackList appends all events in newEvents to the end of the current EventList.
func (el *EventList) PushBackList(newEvents *EventList) *EventList {
	if newEvents != nil {
		el.events = append(el.events, newEvents.events...)
	}
	return el
}

// Len returns the number of events in the EventList.
func (el *EventList) Len() int {
	return len(el.events)
}

// Slice returns the events in deposit order.  It is never nil.
func (el *EventList) Slice() []Event {
	result := make([]Event, len(el.events))
	copy(result, el.events)
	return result
}

// OfKind returns the events of the given kind, in deposit order.
func (el *EventList) OfKind(kind Kind) []Event {
	var result []Event
	for _, e := range el.events {
		if e.Kind == kind {
			result = append(result, e)
		}
	}
	return result
}
