package roomevents

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matrix-org/dendrite-core/canonicaljson"
)

// EventHash carries the content hash of a PDU.
type EventHash struct {
	SHA256 string `json:"sha256"`
}

// UnhashedPDU is a draft PDU prior to hashing; it is never persisted.
// It embeds the same fields that hashes.sha256 covers: everything except
// hashes, signatures and unsigned. Grounded on
// original_source/src/events/room_version/v4.rs's UnhashedPdu.
type UnhashedPDU struct {
	RoomID         string       `json:"room_id"`
	Sender         string       `json:"sender"`
	Origin         string       `json:"origin"`
	OriginServerTS int64        `json:"origin_server_ts"`
	Type           string       `json:"type"`
	Content        json.RawMessage `json:"content"`
	StateKey       *string      `json:"state_key,omitempty"`
	PrevEvents     []string     `json:"prev_events"`
	AuthEvents     []string     `json:"auth_events"`
	Depth          int64        `json:"depth"`
	Redacts        string       `json:"redacts,omitempty"`
}

// PDU is a finalized, hashed room version 4 Persistent Data Unit. EventID is
// derived (hashes.sha256) and deliberately not serialized as its own field:
// per spec.md open question (ii), the raw hash is the internal key and the
// "$" prefix is applied only at the HTTP boundary.
type PDU struct {
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Origin         string          `json:"origin"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	StateKey       *string         `json:"state_key,omitempty"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Depth          int64           `json:"depth"`
	Redacts        string          `json:"redacts,omitempty"`
	Hashes         EventHash       `json:"hashes"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// Finalize computes the content hash over u and produces a PDU. The hash
// covers exactly the UnhashedPDU fields (hashes/signatures/unsigned are
// never part of it), satisfying invariant P1.
func (u UnhashedPDU) Finalize() (PDU, error) {
	hash, err := canonicaljson.SHA256(u)
	if err != nil {
		return PDU{}, fmt.Errorf("roomevents: finalize: %w", err)
	}
	return PDU{
		RoomID:         u.RoomID,
		Sender:         u.Sender,
		Origin:         u.Origin,
		OriginServerTS: u.OriginServerTS,
		Type:           u.Type,
		Content:        u.Content,
		StateKey:       u.StateKey,
		PrevEvents:     append([]string(nil), u.PrevEvents...),
		AuthEvents:     append([]string(nil), u.AuthEvents...),
		Depth:          u.Depth,
		Redacts:        u.Redacts,
		Hashes:         EventHash{SHA256: hash},
		Signatures:     map[string]map[string]string{},
	}, nil
}

// EventID is the raw, unprefixed content hash (spec.md open question ii).
func (p PDU) EventID() string {
	return p.Hashes.SHA256
}

// ClientEventID prefixes EventID with "$" for the HTTP boundary only.
func (p PDU) ClientEventID() string {
	return "$" + p.Hashes.SHA256
}

// IsState reports whether p is a state event.
func (p PDU) IsState() bool {
	return p.StateKey != nil
}

// EventContent parses p.Content into the tagged-union model.
func (p PDU) EventContent() (EventContent, error) {
	return NewEventContent(p.Type, p.Content)
}

// HashableForSigning returns the value whose canonical encoding is used for
// both content hashing and signing: the PDU with hashes, signatures and
// unsigned stripped.
func (p PDU) HashableForSigning() (UnhashedPDU, error) {
	return UnhashedPDU{
		RoomID:         p.RoomID,
		Sender:         p.Sender,
		Origin:         p.Origin,
		OriginServerTS: p.OriginServerTS,
		Type:           p.Type,
		Content:        p.Content,
		StateKey:       p.StateKey,
		PrevEvents:     p.PrevEvents,
		AuthEvents:     p.AuthEvents,
		Depth:          p.Depth,
		Redacts:        p.Redacts,
	}, nil
}

// AuthStatus records whether a stored PDU passed the auth checker at
// ingestion time. Events that fail auth are still persisted but MUST NOT
// contribute to state (spec.md §3 StoredPdu).
type AuthStatus int

const (
	AuthPass AuthStatus = iota
	AuthFail
)

func (s AuthStatus) String() string {
	if s == AuthPass {
		return "pass"
	}
	return "fail"
}

// StoredPDU pairs a finalized PDU with its auth outcome.
type StoredPDU struct {
	PDU        PDU
	AuthStatus AuthStatus
}

// ClientEvent is the wire representation returned to HTTP clients: a flat
// object with "event_id" (the $-prefixed form) and "type"/"content" etc.
// promoted to top level, grounded on original_source/src/events/mod.rs's
// client-format Event struct.
type ClientEvent struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	StateKey       *string         `json:"state_key,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`
}

// ToClientEvent strips internal hashing/signing fields for the HTTP
// boundary.
func (p PDU) ToClientEvent() ClientEvent {
	content := p.Content
	if content == nil {
		content = json.RawMessage("{}")
	}
	return ClientEvent{
		EventID:        p.ClientEventID(),
		RoomID:         p.RoomID,
		Sender:         p.Sender,
		OriginServerTS: p.OriginServerTS,
		Type:           p.Type,
		Content:        content,
		StateKey:       p.StateKey,
		Unsigned:       p.Unsigned,
		Redacts:        p.Redacts,
	}
}

// SortEventIDs sorts event IDs lexicographically, in place.
func SortEventIDs(ids []string) {
	sort.Strings(ids)
}
