// Package roomevents implements the room version 4 PDU envelope and its
// tagged-union event content model.
//
// Grounded on original_source/src/events/mod.rs (the define_event_content!
// macro and its EventContent enum) and original_source/src/events/room.rs
// (PowerLevels/Member field shapes).
package roomevents

import (
	"encoding/json"
)

// Content type strings recognised by the engine. Anything else round-trips
// through Unknown.
const (
	TypeCreate            = "m.room.create"
	TypeJoinRules         = "m.room.join_rules"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeGuestAccess       = "m.room.guest_access"
	TypeName              = "m.room.name"
	TypeTopic             = "m.room.topic"
	TypePowerLevels       = "m.room.power_levels"
	TypeMember            = "m.room.member"
	TypeRedaction         = "m.room.redaction"
)

// Membership values for m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// EventContent is a tagged union over the known room event content types.
// Exactly one of the typed fields is non-nil, unless Type is not one of the
// known constants above, in which case only Unknown is populated.
type EventContent struct {
	Type string `json:"-"`

	Create            *CreateContent            `json:"-"`
	JoinRules         *JoinRulesContent         `json:"-"`
	HistoryVisibility *HistoryVisibilityContent `json:"-"`
	GuestAccess       *GuestAccessContent       `json:"-"`
	Name              *NameContent              `json:"-"`
	Topic             *TopicContent             `json:"-"`
	PowerLevels       *PowerLevelsContent       `json:"-"`
	Member            *MemberContent            `json:"-"`
	Redaction         *RedactionContent         `json:"-"`
	Unknown           json.RawMessage           `json:"-"`
}

type CreateContent struct {
	Creator     string `json:"creator"`
	RoomVersion string `json:"room_version,omitempty"`
}

type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

const (
	JoinRuleInvite = "invite"
	JoinRulePublic = "public"
	JoinRuleKnock  = "knock"
)

type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

const (
	HistoryVisibilityShared       = "shared"
	HistoryVisibilityInvited      = "invited"
	HistoryVisibilityJoined       = "joined"
	HistoryVisibilityWorldReadable = "world_readable"
)

type GuestAccessContent struct {
	GuestAccess string `json:"guest_access"`
}

const (
	GuestAccessCanJoin   = "can_join"
	GuestAccessForbidden = "forbidden"
)

type NameContent struct {
	Name string `json:"name"`
}

type TopicContent struct {
	Topic string `json:"topic"`
}

type NotificationsContent struct {
	Room int `json:"room"`
}

type PowerLevelsContent struct {
	Ban           *int           `json:"ban,omitempty"`
	Invite        *int           `json:"invite,omitempty"`
	Kick          *int           `json:"kick,omitempty"`
	Redact        *int           `json:"redact,omitempty"`
	StateDefault  *int           `json:"state_default,omitempty"`
	EventsDefault *int           `json:"events_default,omitempty"`
	UsersDefault  *int           `json:"users_default,omitempty"`
	Events        map[string]int `json:"events,omitempty"`
	Users         map[string]int `json:"users,omitempty"`
	Notifications *NotificationsContent `json:"notifications,omitempty"`
}

type MemberContent struct {
	Membership string `json:"membership"`
	Reason     string `json:"reason,omitempty"`
}

type RedactionContent struct {
	Reason string `json:"reason,omitempty"`
}

// NewEventContent dispatches (type, raw json) -> EventContent, falling back
// to Unknown for unrecognised types so that opaque events still round-trip.
func NewEventContent(eventType string, raw json.RawMessage) (EventContent, error) {
	ec := EventContent{Type: eventType}
	switch eventType {
	case TypeCreate:
		ec.Create = &CreateContent{}
		return ec, unmarshalInto(raw, ec.Create)
	case TypeJoinRules:
		ec.JoinRules = &JoinRulesContent{}
		return ec, unmarshalInto(raw, ec.JoinRules)
	case TypeHistoryVisibility:
		ec.HistoryVisibility = &HistoryVisibilityContent{}
		return ec, unmarshalInto(raw, ec.HistoryVisibility)
	case TypeGuestAccess:
		ec.GuestAccess = &GuestAccessContent{}
		return ec, unmarshalInto(raw, ec.GuestAccess)
	case TypeName:
		ec.Name = &NameContent{}
		return ec, unmarshalInto(raw, ec.Name)
	case TypeTopic:
		ec.Topic = &TopicContent{}
		return ec, unmarshalInto(raw, ec.Topic)
	case TypePowerLevels:
		ec.PowerLevels = &PowerLevelsContent{}
		return ec, unmarshalInto(raw, ec.PowerLevels)
	case TypeMember:
		ec.Member = &MemberContent{}
		return ec, unmarshalInto(raw, ec.Member)
	case TypeRedaction:
		ec.Redaction = &RedactionContent{}
		return ec, unmarshalInto(raw, ec.Redaction)
	default:
		ec.Unknown = append(json.RawMessage(nil), raw...)
		return ec, nil
	}
}

func unmarshalInto(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// ContentAsJSON is the inverse of NewEventContent: it serializes whichever
// variant is populated back to raw content JSON.
func (ec EventContent) ContentAsJSON() (json.RawMessage, error) {
	switch {
	case ec.Create != nil:
		return json.Marshal(ec.Create)
	case ec.JoinRules != nil:
		return json.Marshal(ec.JoinRules)
	case ec.HistoryVisibility != nil:
		return json.Marshal(ec.HistoryVisibility)
	case ec.GuestAccess != nil:
		return json.Marshal(ec.GuestAccess)
	case ec.Name != nil:
		return json.Marshal(ec.Name)
	case ec.Topic != nil:
		return json.Marshal(ec.Topic)
	case ec.PowerLevels != nil:
		return json.Marshal(ec.PowerLevels)
	case ec.Member != nil:
		return json.Marshal(ec.Member)
	case ec.Redaction != nil:
		return json.Marshal(ec.Redaction)
	default:
		if ec.Unknown == nil {
			return json.RawMessage("{}"), nil
		}
		return ec.Unknown, nil
	}
}

// MarshalJSON implements {"type":..., "content":...} wire shape.
func (ec EventContent) MarshalJSON() ([]byte, error) {
	content, err := ec.ContentAsJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}{ec.Type, content})
}

func (ec *EventContent) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parsed, err := NewEventContent(wire.Type, wire.Content)
	if err != nil {
		return err
	}
	*ec = parsed
	return nil
}
