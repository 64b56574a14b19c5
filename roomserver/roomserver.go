// Package roomserver implements the event ingestion pipeline of spec.md
// §4.6 (C6): assembling, authorizing, hashing and persisting new PDUs with
// correct auth_events, prev_events and depth, plus the create_room path
// that mints a new room's bootstrap state.
//
// Grounded on original_source/src/state/mod.rs's add_event/calc_auth_events
// functions and the roomserver/internal package layout of the teacher
// (an Engine wrapping storage + the resolver, called by clientapi
// handlers rather than over an internal API boundary — that indirection
// exists in dendrite to support federation, which is out of scope here).
package roomserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matrix-org/dendrite-core/eventauth"
	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/dendrite-core/roomevents"
	"github.com/matrix-org/dendrite-core/roomserver/roomlocks"
	"github.com/matrix-org/dendrite-core/roomstate"
	"github.com/matrix-org/dendrite-core/stateres"
	"github.com/matrix-org/dendrite-core/storage"
)

// Draft is the caller-supplied shape of a new event, prior to
// auth_events/prev_events/depth/hash assignment.
type Draft struct {
	Sender   string
	Type     string
	StateKey *string
	Content  json.RawMessage
	Redacts  string
}

// Engine drives the ingestion pipeline against a storage backend and a
// state resolver, serializing writes per room (spec.md §5).
type Engine struct {
	store    storage.Database
	resolver *stateres.Resolver
	locks    *roomlocks.Table
}

// New constructs an Engine. resolver must read through the same store
// (it implements stateres.EventSource via GetStoredPDU).
func New(store storage.Database, resolver *stateres.Resolver) *Engine {
	return &Engine{store: store, resolver: resolver, locks: roomlocks.NewTable()}
}

// AddEvent implements spec.md §4.6 steps 1-9. It rejects Create drafts
// (B2) since new rooms are minted via CreateRoom.
func (e *Engine) AddEvent(ctx context.Context, roomID string, draft Draft) (roomevents.PDU, error) {
	if draft.Type == roomevents.TypeCreate {
		return roomevents.PDU{}, mxerrors.New(mxerrors.AddEventError, "m.room.create must be created via create_room")
	}

	unlock := e.locks.Lock(roomID)
	defer unlock()

	prevEvents, maxDepth, err := e.store.GetPrevEvents(ctx, roomID)
	if err != nil {
		return roomevents.PDU{}, mxerrors.Wrap(mxerrors.DBError, err, "failed to read room heads")
	}

	state, err := e.resolver.Resolve(ctx, roomID, prevEvents)
	if err != nil {
		return roomevents.PDU{}, mxerrors.Wrap(mxerrors.AddEventError, err, "failed to resolve room state")
	}

	pdu, authStatus, err := e.finalizeAndCheck(state, roomID, draft, prevEvents, maxDepth)
	if err != nil {
		return roomevents.PDU{}, err
	}

	if err := e.store.AddPDUs(ctx, roomID, []roomevents.StoredPDU{{PDU: pdu, AuthStatus: authStatus}}); err != nil {
		return roomevents.PDU{}, mxerrors.Wrap(mxerrors.DBError, err, "failed to persist event")
	}
	if authStatus == roomevents.AuthFail {
		return pdu, mxerrors.New(mxerrors.Forbidden, "event was persisted but rejected by the auth checker")
	}
	return pdu, nil
}

// finalizeAndCheck performs steps 4-7 of spec.md §4.6: compute
// auth_events, build and hash the PDU, then run the auth checker.
func (e *Engine) finalizeAndCheck(state *roomstate.State, roomID string, draft Draft, prevEvents []string, maxDepth int64) (roomevents.PDU, roomevents.AuthStatus, error) {
	membership := ""
	if draft.Type == roomevents.TypeMember {
		var mc roomevents.MemberContent
		if err := json.Unmarshal(draft.Content, &mc); err == nil {
			membership = mc.Membership
		}
	}
	authEventIDs := CalcAuthEvents(state, draft.Sender, draft.Type, draft.StateKey, membership)

	unhashed := roomevents.UnhashedPDU{
		RoomID:         roomID,
		Sender:         draft.Sender,
		Origin:         domainOf(draft.Sender),
		OriginServerTS: nowMillis(),
		Type:           draft.Type,
		Content:        draft.Content,
		StateKey:       draft.StateKey,
		PrevEvents:     prevEvents,
		AuthEvents:     authEventIDs,
		Depth:          maxDepth + 1,
		Redacts:        draft.Redacts,
	}
	pdu, err := unhashed.Finalize()
	if err != nil {
		return roomevents.PDU{}, 0, mxerrors.Wrap(mxerrors.AddEventError, err, "failed to hash event")
	}

	if eventauth.Check(pdu, state) {
		return pdu, roomevents.AuthPass, nil
	}
	return pdu, roomevents.AuthFail, nil
}

// CalcAuthEvents implements spec.md §4.6 step 4: always include the
// current Create id; include PowerLevels if present; include the
// sender's current Member entry if present; for member drafts,
// additionally include the target's member entry (if any) and, for
// join/invite, the current JoinRules (if any).
func CalcAuthEvents(state *roomstate.State, sender, eventType string, stateKey *string, membership string) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(ev *roomevents.PDU) {
		if ev == nil || seen[ev.EventID()] {
			return
		}
		seen[ev.EventID()] = true
		ids = append(ids, ev.EventID())
	}

	add(state.Get(roomevents.TypeCreate, ""))
	add(state.Get(roomevents.TypePowerLevels, ""))
	add(state.Get(roomevents.TypeMember, sender))

	if eventType == roomevents.TypeMember && stateKey != nil {
		add(state.Get(roomevents.TypeMember, *stateKey))
		if membership == roomevents.MembershipJoin || membership == roomevents.MembershipInvite {
			add(state.Get(roomevents.TypeJoinRules, ""))
		}
	}
	return ids
}

func domainOf(mxid string) string {
	idx := strings.LastIndex(mxid, ":")
	if idx < 0 {
		return ""
	}
	return mxid[idx+1:]
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreateRoomOptions configures the bootstrap state minted by CreateRoom,
// covering the subset of POST /r0/createRoom that SPEC_FULL.md §6
// requires the core to drive.
type CreateRoomOptions struct {
	Preset string // "public_chat" or "private_chat"
	Name   string
	Topic  string
	Invite []string
}

// CreateRoom implements the create_room path referenced by spec.md §4.6
// step 1 and exercised end-to-end by scenario 1 of spec.md §8: Create,
// Member(join, creator), PowerLevels (default), JoinRules,
// HistoryVisibility(shared), GuestAccess(forbidden), and optionally Name,
// Topic and invites, all chained by prev_events/auth_events as add_event
// would produce them.
func (e *Engine) CreateRoom(ctx context.Context, roomID, creator string, opts CreateRoomOptions) ([]roomevents.PDU, error) {
	unlock := e.locks.Lock(roomID)
	defer unlock()

	createContent, err := json.Marshal(roomevents.CreateContent{Creator: creator, RoomVersion: "4"})
	if err != nil {
		return nil, mxerrors.Wrap(mxerrors.AddEventError, err, "failed to encode m.room.create content")
	}
	emptyKey := ""
	createUnhashed := roomevents.UnhashedPDU{
		RoomID:         roomID,
		Sender:         creator,
		Origin:         domainOf(creator),
		OriginServerTS: nowMillis(),
		Type:           roomevents.TypeCreate,
		Content:        createContent,
		StateKey:       &emptyKey,
		PrevEvents:     nil,
		AuthEvents:     nil,
		Depth:          0,
	}
	createPDU, err := createUnhashed.Finalize()
	if err != nil {
		return nil, mxerrors.Wrap(mxerrors.AddEventError, err, "failed to hash m.room.create")
	}
	if !eventauth.Check(createPDU, nil) {
		return nil, mxerrors.New(mxerrors.AddEventError, "m.room.create failed its own auth check")
	}
	if err := e.store.AddPDUs(ctx, roomID, []roomevents.StoredPDU{{PDU: createPDU, AuthStatus: roomevents.AuthPass}}); err != nil {
		return nil, mxerrors.Wrap(mxerrors.DBError, err, "failed to persist m.room.create")
	}

	builder := roomstate.NewBuilder(roomID)
	builder.Insert(createPDU)
	head := createPDU.EventID()
	depth := int64(0)
	pdus := []roomevents.PDU{createPDU}

	joinRule := roomevents.JoinRuleInvite
	if opts.Preset == "public_chat" {
		joinRule = roomevents.JoinRulePublic
	}

	mint := func(draft Draft) error {
		state := builder.Build()
		authEventIDs := CalcAuthEvents(state, draft.Sender, draft.Type, draft.StateKey, memberFrom(draft))
		unhashed := roomevents.UnhashedPDU{
			RoomID:         roomID,
			Sender:         draft.Sender,
			Origin:         domainOf(draft.Sender),
			OriginServerTS: nowMillis(),
			Type:           draft.Type,
			Content:        draft.Content,
			StateKey:       draft.StateKey,
			PrevEvents:     []string{head},
			AuthEvents:     authEventIDs,
			Depth:          depth + 1,
			Redacts:        draft.Redacts,
		}
		pdu, err := unhashed.Finalize()
		if err != nil {
			return mxerrors.Wrap(mxerrors.AddEventError, err, "failed to hash event")
		}
		status := roomevents.AuthFail
		if eventauth.Check(pdu, state) {
			status = roomevents.AuthPass
		}
		if err := e.store.AddPDUs(ctx, roomID, []roomevents.StoredPDU{{PDU: pdu, AuthStatus: status}}); err != nil {
			return mxerrors.Wrap(mxerrors.DBError, err, "failed to persist event")
		}
		if status == roomevents.AuthFail {
			return mxerrors.New(mxerrors.AddEventError, fmt.Sprintf("bootstrap event %s failed auth", draft.Type))
		}
		if pdu.IsState() {
			builder.Insert(pdu)
		}
		head = pdu.EventID()
		depth++
		pdus = append(pdus, pdu)
		return nil
	}

	stateKeyFor := func(s string) *string { return &s }

	drafts := []Draft{
		{Sender: creator, Type: roomevents.TypeMember, StateKey: stateKeyFor(creator),
			Content: mustMarshal(roomevents.MemberContent{Membership: roomevents.MembershipJoin})},
		{Sender: creator, Type: roomevents.TypePowerLevels, StateKey: stateKeyFor(""),
			Content: mustMarshal(defaultPowerLevelsContent(creator))},
		{Sender: creator, Type: roomevents.TypeJoinRules, StateKey: stateKeyFor(""),
			Content: mustMarshal(roomevents.JoinRulesContent{JoinRule: joinRule})},
		{Sender: creator, Type: roomevents.TypeHistoryVisibility, StateKey: stateKeyFor(""),
			Content: mustMarshal(roomevents.HistoryVisibilityContent{HistoryVisibility: roomevents.HistoryVisibilityShared})},
		{Sender: creator, Type: roomevents.TypeGuestAccess, StateKey: stateKeyFor(""),
			Content: mustMarshal(roomevents.GuestAccessContent{GuestAccess: roomevents.GuestAccessForbidden})},
	}
	if opts.Name != "" {
		drafts = append(drafts, Draft{Sender: creator, Type: roomevents.TypeName, StateKey: stateKeyFor(""),
			Content: mustMarshal(roomevents.NameContent{Name: opts.Name})})
	}
	if opts.Topic != "" {
		drafts = append(drafts, Draft{Sender: creator, Type: roomevents.TypeTopic, StateKey: stateKeyFor(""),
			Content: mustMarshal(roomevents.TopicContent{Topic: opts.Topic})})
	}
	for _, invitee := range opts.Invite {
		drafts = append(drafts, Draft{Sender: creator, Type: roomevents.TypeMember, StateKey: stateKeyFor(invitee),
			Content: mustMarshal(roomevents.MemberContent{Membership: roomevents.MembershipInvite})})
	}

	for _, d := range drafts {
		if err := mint(d); err != nil {
			return pdus, err
		}
	}
	return pdus, nil
}

func memberFrom(draft Draft) string {
	if draft.Type != roomevents.TypeMember {
		return ""
	}
	var mc roomevents.MemberContent
	if err := json.Unmarshal(draft.Content, &mc); err != nil {
		return ""
	}
	return mc.Membership
}

func defaultPowerLevelsContent(creator string) roomevents.PowerLevelsContent {
	ban, invite, kick, redact := 50, 50, 50, 50
	eventsDefault, stateDefault, usersDefault := 0, 50, 0
	return roomevents.PowerLevelsContent{
		Ban: &ban, Invite: &invite, Kick: &kick, Redact: &redact,
		EventsDefault: &eventsDefault, StateDefault: &stateDefault, UsersDefault: &usersDefault,
		Users:         map[string]int{creator: 100},
		Events:        map[string]int{},
		Notifications: &roomevents.NotificationsContent{Room: 50},
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("roomserver: failed to marshal bootstrap content: %v", err))
	}
	return raw
}
