package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/matrix-org/dendrite-core/roomevents"
	"github.com/matrix-org/dendrite-core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const roomID = "!room:example.org"

func stateKey(s string) *string { return &s }

func mint(t *testing.T, sender, typ string, sk *string, content interface{}, prev []string, depth int64) roomevents.PDU {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	u := roomevents.UnhashedPDU{
		RoomID: roomID, Sender: sender, Origin: "example.org", OriginServerTS: 1000 + depth,
		Type: typ, Content: raw, StateKey: sk, PrevEvents: prev, AuthEvents: prev, Depth: depth,
	}
	pdu, err := u.Finalize()
	require.NoError(t, err)
	return pdu
}

// P4: heads/depth coherence.
func TestHeadsDepthCoherence(t *testing.T) {
	db := New()
	ctx := context.Background()
	create := mint(t, "@alice:example.org", roomevents.TypeCreate, stateKey(""), roomevents.CreateContent{Creator: "@alice:example.org"}, nil, 0)
	require.NoError(t, db.AddPDUs(ctx, roomID, []roomevents.StoredPDU{{PDU: create, AuthStatus: roomevents.AuthPass}}))

	child := mint(t, "@alice:example.org", roomevents.TypeName, nil, roomevents.NameContent{Name: "x"}, []string{create.EventID()}, 1)
	require.NoError(t, db.AddPDUs(ctx, roomID, []roomevents.StoredPDU{{PDU: child, AuthStatus: roomevents.AuthPass}}))

	heads, maxDepth, err := db.GetPrevEvents(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{child.EventID()}, heads)
	assert.Equal(t, int64(1), maxDepth)
}

// Scenario 3 / P4: a rejected event must not become a forward extremity or
// bump max_depth, so a later legitimate event's prev_events/depth never
// descend from an AuthFail event.
func TestRejectedEventDoesNotUpdateHeadsOrDepth(t *testing.T) {
	db := New()
	ctx := context.Background()
	create := mint(t, "@alice:example.org", roomevents.TypeCreate, stateKey(""), roomevents.CreateContent{Creator: "@alice:example.org"}, nil, 0)
	require.NoError(t, db.AddPDUs(ctx, roomID, []roomevents.StoredPDU{{PDU: create, AuthStatus: roomevents.AuthPass}}))

	rejectedJoin := mint(t, "@bob:example.org", roomevents.TypeMember, stateKey("@bob:example.org"), roomevents.MemberContent{Membership: roomevents.MembershipJoin}, []string{create.EventID()}, 5)
	require.NoError(t, db.AddPDUs(ctx, roomID, []roomevents.StoredPDU{{PDU: rejectedJoin, AuthStatus: roomevents.AuthFail}}))

	heads, maxDepth, err := db.GetPrevEvents(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{create.EventID()}, heads)
	assert.Equal(t, int64(0), maxDepth)
}

// P5: member-count derivation agrees with a full-state scan.
func TestMemberCountsAgreeWithFullStateScan(t *testing.T) {
	db := New()
	ctx := context.Background()
	create := mint(t, "@alice:example.org", roomevents.TypeCreate, stateKey(""), roomevents.CreateContent{Creator: "@alice:example.org"}, nil, 0)
	aliceJoin := mint(t, "@alice:example.org", roomevents.TypeMember, stateKey("@alice:example.org"), roomevents.MemberContent{Membership: roomevents.MembershipJoin}, []string{create.EventID()}, 1)
	bobInvite := mint(t, "@alice:example.org", roomevents.TypeMember, stateKey("@bob:example.org"), roomevents.MemberContent{Membership: roomevents.MembershipInvite}, []string{aliceJoin.EventID()}, 2)
	require.NoError(t, db.AddPDUs(ctx, roomID, []roomevents.StoredPDU{
		{PDU: create, AuthStatus: roomevents.AuthPass},
		{PDU: aliceJoin, AuthStatus: roomevents.AuthPass},
		{PDU: bobInvite, AuthStatus: roomevents.AuthPass},
	}))

	counts, err := db.GetRoomMemberCounts(ctx, roomID)
	require.NoError(t, err)

	full, err := db.GetFullState(ctx, roomID)
	require.NoError(t, err)
	joined, invited := 0, 0
	for _, ev := range full {
		if ev.Type != roomevents.TypeMember {
			continue
		}
		content, _ := ev.EventContent()
		switch content.Member.Membership {
		case roomevents.MembershipJoin:
			joined++
		case roomevents.MembershipInvite:
			invited++
		}
	}
	assert.Equal(t, joined, counts.Joined)
	assert.Equal(t, invited, counts.Invited)
}

// B3: query_pdus(wait=true) returns within timeout even with no new events.
func TestQueryPDUsWaitReturnsOnTimeout(t *testing.T) {
	db := New()
	ctx := context.Background()
	start := time.Now()
	events, _, err := db.QueryPDUs(ctx, storage.EventQuery{Shape: storage.QueryTimeline, RoomID: roomID}, true, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAddPDUsIsIdempotent(t *testing.T) {
	db := New()
	ctx := context.Background()
	create := mint(t, "@alice:example.org", roomevents.TypeCreate, stateKey(""), roomevents.CreateContent{Creator: "@alice:example.org"}, nil, 0)
	require.NoError(t, db.AddPDUs(ctx, roomID, []roomevents.StoredPDU{{PDU: create, AuthStatus: roomevents.AuthPass}}))
	require.NoError(t, db.AddPDUs(ctx, roomID, []roomevents.StoredPDU{{PDU: create, AuthStatus: roomevents.AuthPass}}))

	_, maxDepth, err := db.GetPrevEvents(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxDepth)
}

func TestTypingExpiresLazily(t *testing.T) {
	db := New()
	ctx := context.Background()
	require.NoError(t, db.SetTyping(ctx, roomID, "@alice:example.org", true, 10*time.Millisecond))
	users, err := db.GetTypingUsers(ctx, roomID)
	require.NoError(t, err)
	assert.Contains(t, users, "@alice:example.org")

	time.Sleep(20 * time.Millisecond)
	users, err = db.GetTypingUsers(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestCreateUserRejectsDuplicate(t *testing.T) {
	db := New()
	ctx := context.Background()
	_, err := db.CreateUser(ctx, "alice", "example.org", "hash")
	require.NoError(t, err)
	_, err = db.CreateUser(ctx, "alice", "example.org", "hash2")
	assert.Error(t, err)
}
