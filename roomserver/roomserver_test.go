package roomserver

import (
	"context"
	"testing"

	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/dendrite-core/roomevents"
	"github.com/matrix-org/dendrite-core/stateres"
	"github.com/matrix-org/dendrite-core/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "@alice:example.org"
	bob   = "@bob:example.org"
	carol = "@carol:example.org"
)

func newEngine() (*Engine, *memory.Database) {
	db := memory.New()
	resolver := stateres.NewResolver(db)
	return New(db, resolver), db
}

func stateKey(s string) *string { return &s }

// Scenario 1: create a public room.
func TestCreateRoomPublicChat(t *testing.T) {
	eng, db := newEngine()
	ctx := context.Background()
	roomID := "!pub:example.org"

	pdus, err := eng.CreateRoom(ctx, roomID, alice, CreateRoomOptions{Preset: "public_chat"})
	require.NoError(t, err)
	require.Len(t, pdus, 6)

	state, err := eng.resolver.Resolve(ctx, roomID, []string{pdus[len(pdus)-1].EventID()})
	require.NoError(t, err)
	assert.Equal(t, 6, state.Len())

	joinRules := state.Get(roomevents.TypeJoinRules, "")
	require.NotNil(t, joinRules)
	content, err := joinRules.EventContent()
	require.NoError(t, err)
	assert.Equal(t, roomevents.JoinRulePublic, content.JoinRules.JoinRule)

	counts, err := db.GetRoomMemberCounts(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Joined)
}

// Scenario 2: a stranger joins a public room.
func TestStrangerJoinsPublicRoom(t *testing.T) {
	eng, _ := newEngine()
	ctx := context.Background()
	roomID := "!pub:example.org"
	_, err := eng.CreateRoom(ctx, roomID, alice, CreateRoomOptions{Preset: "public_chat"})
	require.NoError(t, err)

	pdu, err := eng.AddEvent(ctx, roomID, Draft{
		Sender: bob, Type: roomevents.TypeMember, StateKey: stateKey(bob),
		Content: mustMarshal(roomevents.MemberContent{Membership: roomevents.MembershipJoin}),
	})
	require.NoError(t, err)

	state, err := eng.resolver.Resolve(ctx, roomID, []string{pdu.EventID()})
	require.NoError(t, err)
	member := state.Get(roomevents.TypeMember, bob)
	require.NotNil(t, member)
	content, _ := member.EventContent()
	assert.Equal(t, roomevents.MembershipJoin, content.Member.Membership)
}

// Scenario 3: a stranger joins a private room and is rejected.
func TestStrangerJoinsPrivateRoomRejected(t *testing.T) {
	eng, db := newEngine()
	ctx := context.Background()
	roomID := "!priv:example.org"
	_, err := eng.CreateRoom(ctx, roomID, alice, CreateRoomOptions{Preset: "private_chat"})
	require.NoError(t, err)

	_, err = eng.AddEvent(ctx, roomID, Draft{
		Sender: bob, Type: roomevents.TypeMember, StateKey: stateKey(bob),
		Content: mustMarshal(roomevents.MemberContent{Membership: roomevents.MembershipJoin}),
	})
	require.Error(t, err)
	var merr *mxerrors.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, mxerrors.Forbidden, merr.Kind)

	membership, ok, err := db.GetMembership(ctx, roomID, bob)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, membership)
}

// Scenario 4: invite then join in a private room.
func TestInviteThenJoin(t *testing.T) {
	eng, _ := newEngine()
	ctx := context.Background()
	roomID := "!priv:example.org"
	_, err := eng.CreateRoom(ctx, roomID, alice, CreateRoomOptions{Preset: "private_chat"})
	require.NoError(t, err)

	_, err = eng.AddEvent(ctx, roomID, Draft{
		Sender: alice, Type: roomevents.TypeMember, StateKey: stateKey(bob),
		Content: mustMarshal(roomevents.MemberContent{Membership: roomevents.MembershipInvite}),
	})
	require.NoError(t, err)

	pdu, err := eng.AddEvent(ctx, roomID, Draft{
		Sender: bob, Type: roomevents.TypeMember, StateKey: stateKey(bob),
		Content: mustMarshal(roomevents.MemberContent{Membership: roomevents.MembershipJoin}),
	})
	require.NoError(t, err)

	state, err := eng.resolver.Resolve(ctx, roomID, []string{pdu.EventID()})
	require.NoError(t, err)
	member := state.Get(roomevents.TypeMember, bob)
	require.NotNil(t, member)
	content, _ := member.EventContent()
	assert.Equal(t, roomevents.MembershipJoin, content.Member.Membership)
}

// Scenario 5: kick requires sufficient power level.
func TestKickRequiresPowerLevel(t *testing.T) {
	eng, _ := newEngine()
	ctx := context.Background()
	roomID := "!pub:example.org"
	_, err := eng.CreateRoom(ctx, roomID, alice, CreateRoomOptions{Preset: "public_chat"})
	require.NoError(t, err)

	for _, user := range []string{bob, carol} {
		_, err := eng.AddEvent(ctx, roomID, Draft{
			Sender: user, Type: roomevents.TypeMember, StateKey: stateKey(user),
			Content: mustMarshal(roomevents.MemberContent{Membership: roomevents.MembershipJoin}),
		})
		require.NoError(t, err)
	}

	_, err = eng.AddEvent(ctx, roomID, Draft{
		Sender: carol, Type: roomevents.TypeMember, StateKey: stateKey(bob),
		Content: mustMarshal(roomevents.MemberContent{Membership: roomevents.MembershipLeave}),
	})
	require.Error(t, err)

	pdu, err := eng.AddEvent(ctx, roomID, Draft{
		Sender: alice, Type: roomevents.TypeMember, StateKey: stateKey(bob),
		Content: mustMarshal(roomevents.MemberContent{Membership: roomevents.MembershipLeave}),
	})
	require.NoError(t, err)

	state, err := eng.resolver.Resolve(ctx, roomID, []string{pdu.EventID()})
	require.NoError(t, err)
	member := state.Get(roomevents.TypeMember, bob)
	require.NotNil(t, member)
	content, _ := member.EventContent()
	assert.Equal(t, roomevents.MembershipLeave, content.Member.Membership)
}

// B2: add_event with Create content is rejected by the pipeline.
func TestAddEventRejectsCreateContent(t *testing.T) {
	eng, _ := newEngine()
	ctx := context.Background()
	_, err := eng.AddEvent(ctx, "!room:example.org", Draft{
		Sender: alice, Type: roomevents.TypeCreate, StateKey: stateKey(""),
		Content: mustMarshal(roomevents.CreateContent{Creator: alice}),
	})
	require.Error(t, err)
	var merr *mxerrors.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, mxerrors.AddEventError, merr.Kind)
}

func TestCalcAuthEventsIncludesJoinRulesForJoin(t *testing.T) {
	eng, _ := newEngine()
	ctx := context.Background()
	roomID := "!pub:example.org"
	_, err := eng.CreateRoom(ctx, roomID, alice, CreateRoomOptions{Preset: "public_chat"})
	require.NoError(t, err)

	prevEvents, _, err := eng.store.GetPrevEvents(ctx, roomID)
	require.NoError(t, err)
	state, err := eng.resolver.Resolve(ctx, roomID, prevEvents)
	require.NoError(t, err)

	ids := CalcAuthEvents(state, bob, roomevents.TypeMember, stateKey(bob), roomevents.MembershipJoin)
	joinRules := state.Get(roomevents.TypeJoinRules, "")
	require.NotNil(t, joinRules)

	found := false
	for _, id := range ids {
		if id == joinRules.EventID() {
			found = true
		}
	}
	assert.True(t, found)
}
