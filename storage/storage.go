// Package storage defines the pluggable persistence contract of spec.md
// §4.3: PDU storage and filtered queries, membership/derived views, room
// heads, and the CRUD surface for users, tokens, profiles, account data,
// ephemeral state and batches.
//
// Grounded on original_source/src/storage/mod.rs (the Storage trait,
// EventQuery/QueryType shapes, Batch) — modelled in Go as an interface
// rather than a trait object per spec.md §9 "Trait objects for storage":
// "Model as a polymorphic capability set... The resolver accepts a handle
// by reference; do not bake a concrete backend into the core."
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matrix-org/dendrite-core/roomevents"
)

// QueryShape discriminates the two EventQuery modes of spec.md §4.3.
type QueryShape int

const (
	QueryTimeline QueryShape = iota
	QueryState
)

// EventQuery filters a scan over a room's PDUs. Exclusion always takes
// priority over inclusion; empty include-lists mean "all" (spec.md §4.3).
type EventQuery struct {
	Shape  QueryShape
	RoomID string

	// Timeline shape.
	From *int64
	To   *int64

	// State shape.
	At           *int64
	StateKeys    []string
	NotStateKeys []string

	Senders     []string
	NotSenders  []string
	Types       []string
	NotTypes    []string
	ContainsJSON json.RawMessage
}

// Matches reports whether pdu satisfies every filter on q. Grounded on
// original_source/src/storage/mod.rs's EventQuery::matches.
func (q EventQuery) Matches(pdu roomevents.PDU) bool {
	if !matchIncludeExclude(pdu.Sender, q.Senders, q.NotSenders) {
		return false
	}
	if !matchIncludeExclude(pdu.Type, q.Types, q.NotTypes) {
		return false
	}
	if q.Shape == QueryState {
		sk := ""
		if pdu.StateKey != nil {
			sk = *pdu.StateKey
		}
		if !matchIncludeExclude(sk, q.StateKeys, q.NotStateKeys) {
			return false
		}
	}
	if len(q.ContainsJSON) > 0 {
		if !containsJSON(pdu.Content, q.ContainsJSON) {
			return false
		}
	}
	return true
}

func matchIncludeExclude(value string, include, exclude []string) bool {
	for _, v := range exclude {
		if v == value {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, v := range include {
		if v == value {
			return true
		}
	}
	return false
}

// containsJSON reports whether every key/value in want is present and
// equal in content (shallow match over the decoded top-level object).
func containsJSON(content, want json.RawMessage) bool {
	var haveMap, wantMap map[string]interface{}
	if err := json.Unmarshal(content, &haveMap); err != nil {
		return false
	}
	if err := json.Unmarshal(want, &wantMap); err != nil {
		return false
	}
	for k, wv := range wantMap {
		hv, ok := haveMap[k]
		if !ok {
			return false
		}
		hvJSON, _ := json.Marshal(hv)
		wvJSON, _ := json.Marshal(wv)
		if string(hvJSON) != string(wvJSON) {
			return false
		}
	}
	return true
}

// UserProfile is the display profile attached to a local account.
type UserProfile struct {
	AvatarURL   string
	DisplayName string
}

// Account is a local user's credential and profile row.
type Account struct {
	Localpart    string
	ServerName   string
	PasswordHash string
	Profile      UserProfile
}

// Device is an independently-revocable login session, promoted to a
// first-class record per SPEC_FULL.md §3.
type Device struct {
	UserID      string
	ID          string
	AccessToken string
	DisplayName string
}

// Batch is an opaque per-room sync cursor (spec.md §3 "Batches").
type Batch struct {
	Rooms   map[string]int64
	Invites map[string]bool
}

// RoomHeads is the set of forward extremities plus the maximum depth seen
// in the room, updated atomically on every successful AddPDUs.
type RoomHeads struct {
	EventIDs []string
	MaxDepth int64
}

// MemberCounts is the derived view used by sync room summaries.
type MemberCounts struct {
	Joined  int
	Invited int
}

// Database is the full storage contract of spec.md §4.3.
type Database interface {
	// PDUs.
	AddPDUs(ctx context.Context, roomID string, pdus []roomevents.StoredPDU) error
	// GetStoredPDU satisfies stateres.EventSource directly so any Database
	// implementation can back the state resolver without an adapter.
	GetStoredPDU(ctx context.Context, roomID, eventID string) (*roomevents.StoredPDU, bool, error)
	QueryPDUs(ctx context.Context, q EventQuery, wait bool, timeout time.Duration) ([]roomevents.PDU, int64, error)
	GetPrevEvents(ctx context.Context, roomID string) ([]string, int64, error)
	GetRoomHeads(ctx context.Context, roomID string) (RoomHeads, error)

	// Derived views.
	GetMembership(ctx context.Context, roomID, userID string) (string, bool, error)
	GetMembershipsByUser(ctx context.Context, userID string) (map[string]string, error)
	GetRoomMemberCounts(ctx context.Context, roomID string) (MemberCounts, error)
	GetFullState(ctx context.Context, roomID string) ([]roomevents.PDU, error)
	GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*roomevents.PDU, bool, error)

	// Accounts.
	CreateUser(ctx context.Context, localpart, serverName, passwordHash string) (Account, error)
	GetAccount(ctx context.Context, localpart, serverName string) (Account, bool, error)
	SetProfile(ctx context.Context, localpart, serverName string, profile UserProfile) error

	// Devices / access tokens.
	CreateDevice(ctx context.Context, userID, accessToken, displayName string) (Device, error)
	GetDeviceByToken(ctx context.Context, accessToken string) (Device, bool, error)
	DeleteDevice(ctx context.Context, accessToken string) error
	DeleteAllDevices(ctx context.Context, userID string) error

	// Account data.
	GetAccountData(ctx context.Context, userID, dataType string) (json.RawMessage, bool, error)
	SetAccountData(ctx context.Context, userID, dataType string, content json.RawMessage) error

	// Ephemeral (typing).
	SetTyping(ctx context.Context, roomID, userID string, typing bool, timeout time.Duration) error
	GetTypingUsers(ctx context.Context, roomID string) ([]string, error)

	// Batches.
	GetBatch(ctx context.Context, token string) (Batch, bool, error)
	SetBatch(ctx context.Context, token string, batch Batch) error

	// Close releases any underlying resources (connection pools, etc).
	Close() error
}
