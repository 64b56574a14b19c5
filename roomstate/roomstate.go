// Package roomstate holds the State snapshot type shared by the state
// resolver and the auth checker. It is split out from stateres so that
// eventauth can depend on the snapshot shape without importing the
// resolver itself, and the resolver can in turn call the auth checker
// without an import cycle.
//
// Grounded on original_source/src/state/mod.rs's State struct.
package roomstate

import "github.com/matrix-org/dendrite-core/roomevents"

// StateKeyTuple identifies one entry of a state snapshot.
type StateKeyTuple struct {
	Type     string
	StateKey string
}

// State is an immutable (event_type, state_key) -> PDU mapping for one room.
// spec.md §3: "States are immutable; updates produce new states."
type State struct {
	RoomID string
	events map[StateKeyTuple]roomevents.PDU
}

// New builds a State from a map of tuples to PDUs. The caller's map is
// copied so the returned State is safe to share.
func New(roomID string, events map[StateKeyTuple]roomevents.PDU) *State {
	cp := make(map[StateKeyTuple]roomevents.PDU, len(events))
	for k, v := range events {
		cp[k] = v
	}
	return &State{RoomID: roomID, events: cp}
}

// Get returns the PDU for (eventType, stateKey), or nil if absent.
func (s *State) Get(eventType, stateKey string) *roomevents.PDU {
	if s == nil {
		return nil
	}
	ev, ok := s.events[StateKeyTuple{Type: eventType, StateKey: stateKey}]
	if !ok {
		return nil
	}
	return &ev
}

// All returns every (tuple, PDU) pair in the snapshot.
func (s *State) All() map[StateKeyTuple]roomevents.PDU {
	if s == nil {
		return nil
	}
	cp := make(map[StateKeyTuple]roomevents.PDU, len(s.events))
	for k, v := range s.events {
		cp[k] = v
	}
	return cp
}

// EventIDs returns the set of event IDs referenced by this snapshot.
func (s *State) EventIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		ids = append(ids, ev.EventID())
	}
	return ids
}

// Len reports the number of entries in the snapshot.
func (s *State) Len() int {
	if s == nil {
		return 0
	}
	return len(s.events)
}

// Builder accumulates state entries before freezing them into a State.
type Builder struct {
	roomID string
	events map[StateKeyTuple]roomevents.PDU
}

func NewBuilder(roomID string) *Builder {
	return &Builder{roomID: roomID, events: map[StateKeyTuple]roomevents.PDU{}}
}

// Insert overlays pdu into the builder at (type, state_key). Non-state
// events (StateKey == nil) are ignored, matching
// original_source/src/state/mod.rs's State::insert_event.
func (b *Builder) Insert(pdu roomevents.PDU) {
	if pdu.StateKey == nil {
		return
	}
	b.events[StateKeyTuple{Type: pdu.Type, StateKey: *pdu.StateKey}] = pdu
}

// Overlay copies every entry of other atop the builder, overwriting
// existing entries.
func (b *Builder) Overlay(other map[StateKeyTuple]roomevents.PDU) {
	for k, v := range other {
		b.events[k] = v
	}
}

func (b *Builder) Build() *State {
	return New(b.roomID, b.events)
}

func (b *Builder) Clone() *Builder {
	cp := map[StateKeyTuple]roomevents.PDU{}
	for k, v := range b.events {
		cp[k] = v
	}
	return &Builder{roomID: b.roomID, events: cp}
}

func (b *Builder) Snapshot() map[StateKeyTuple]roomevents.PDU {
	cp := make(map[StateKeyTuple]roomevents.PDU, len(b.events))
	for k, v := range b.events {
		cp[k] = v
	}
	return cp
}
