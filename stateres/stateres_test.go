package stateres

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/matrix-org/dendrite-core/roomevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice  = "@alice:example.org"
	bob    = "@bob:example.org"
	roomID = "!room:example.org"
)

// memorySource is a trivial in-memory EventSource for resolver tests.
type memorySource struct {
	mu    sync.Mutex
	store map[string]roomevents.StoredPDU
}

func newMemorySource() *memorySource {
	return &memorySource{store: map[string]roomevents.StoredPDU{}}
}

func (m *memorySource) GetStoredPDU(ctx context.Context, roomID, eventID string) (*roomevents.StoredPDU, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store[eventID]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *memorySource) put(pdu roomevents.PDU, status roomevents.AuthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[pdu.EventID()] = roomevents.StoredPDU{PDU: pdu, AuthStatus: status}
}

func stateKey(s string) *string { return &s }

func mustContent(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func mint(t *testing.T, sender, typ string, sk *string, content interface{}, prev, auth []string, depth, ts int64) roomevents.PDU {
	t.Helper()
	u := roomevents.UnhashedPDU{
		RoomID:         roomID,
		Sender:         sender,
		Origin:         "example.org",
		OriginServerTS: ts,
		Type:           typ,
		Content:        mustContent(t, content),
		StateKey:       sk,
		PrevEvents:     prev,
		AuthEvents:     auth,
		Depth:          depth,
	}
	pdu, err := u.Finalize()
	require.NoError(t, err)
	return pdu
}

func TestStateAfterPureAndDeterministic(t *testing.T) {
	src := newMemorySource()
	create := mint(t, alice, roomevents.TypeCreate, stateKey(""), roomevents.CreateContent{Creator: alice}, nil, nil, 0, 1000)
	src.put(create, roomevents.AuthPass)
	member := mint(t, alice, roomevents.TypeMember, stateKey(alice), roomevents.MemberContent{Membership: roomevents.MembershipJoin}, []string{create.EventID()}, []string{create.EventID()}, 1, 1001)
	src.put(member, roomevents.AuthPass)

	r1 := NewResolver(src)
	st1, err := r1.Resolve(context.Background(), roomID, []string{member.EventID()})
	require.NoError(t, err)

	r2 := NewResolver(src)
	st2, err := r2.Resolve(context.Background(), roomID, []string{member.EventID()})
	require.NoError(t, err)

	assert.Equal(t, st1.Get(roomevents.TypeCreate, "").EventID(), st2.Get(roomevents.TypeCreate, "").EventID())
	assert.Equal(t, st1.Get(roomevents.TypeMember, alice).EventID(), st2.Get(roomevents.TypeMember, alice).EventID())
	assert.Equal(t, 2, st1.Len())
}

// Scenario 6: two concurrent PowerLevels updates with identical
// origin_server_ts but different event_ids resolve deterministically to
// the lexicographically greater event_id.
func TestStateResolutionTiebreakPicksGreaterEventID(t *testing.T) {
	src := newMemorySource()
	create := mint(t, alice, roomevents.TypeCreate, stateKey(""), roomevents.CreateContent{Creator: alice}, nil, nil, 0, 1000)
	src.put(create, roomevents.AuthPass)
	member := mint(t, alice, roomevents.TypeMember, stateKey(alice), roomevents.MemberContent{Membership: roomevents.MembershipJoin}, []string{create.EventID()}, []string{create.EventID()}, 1, 1001)
	src.put(member, roomevents.AuthPass)
	basePL := mint(t, alice, roomevents.TypePowerLevels, stateKey(""), roomevents.PowerLevelsContent{Users: map[string]int{alice: 100}}, []string{member.EventID()}, []string{create.EventID(), member.EventID()}, 2, 1002)
	src.put(basePL, roomevents.AuthPass)

	ts := int64(2000)
	pl1 := mint(t, alice, roomevents.TypePowerLevels, stateKey(""), roomevents.PowerLevelsContent{Invite: intPtr(40)}, []string{basePL.EventID()}, []string{create.EventID(), basePL.EventID(), member.EventID()}, 3, ts)
	pl2 := mint(t, alice, roomevents.TypePowerLevels, stateKey(""), roomevents.PowerLevelsContent{Invite: intPtr(60)}, []string{basePL.EventID()}, []string{create.EventID(), basePL.EventID(), member.EventID()}, 3, ts)
	src.put(pl1, roomevents.AuthPass)
	src.put(pl2, roomevents.AuthPass)

	winner := pl1.EventID()
	if pl2.EventID() > winner {
		winner = pl2.EventID()
	}

	r := NewResolver(src)
	st, err := r.Resolve(context.Background(), roomID, []string{pl1.EventID(), pl2.EventID()})
	require.NoError(t, err)
	got := st.Get(roomevents.TypePowerLevels, "")
	require.NotNil(t, got)
	assert.Equal(t, winner, got.EventID())
}

func intPtr(v int) *int { return &v }
