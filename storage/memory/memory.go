// Package memory implements storage.Database in process memory. It is the
// authoritative default backend (SPEC_FULL.md §2 D5) and owns the room
// ordering index (spec.md C7): an append-only per-room slice of stored PDUs
// used for timeline scans and forward-extremity ("heads") tracking.
//
// Grounded on original_source/src/storage/mem.rs's in-memory Storage impl
// and dendrite's roomserver "heads" bookkeeping idiom.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matrix-org/dendrite-core/mxerrors"
	"github.com/matrix-org/dendrite-core/roomevents"
	"github.com/matrix-org/dendrite-core/roomstate"
	"github.com/matrix-org/dendrite-core/storage"
)

type room struct {
	mu        sync.RWMutex
	timeline  []roomevents.StoredPDU // append-only ordering index
	byID      map[string]int         // event ID -> index into timeline
	heads     map[string]bool        // forward extremities
	maxDepth  int64
	members   map[string]string // userID -> membership
	typing    map[string]time.Time
	waiters   []chan struct{}
}

func newRoom() *room {
	return &room{
		byID:    map[string]int{},
		heads:   map[string]bool{},
		members: map[string]string{},
		typing:  map[string]time.Time{},
	}
}

func (r *room) notifyLocked() {
	for _, ch := range r.waiters {
		close(ch)
	}
	r.waiters = nil
}

// Database is the in-memory storage.Database implementation.
type Database struct {
	mu    sync.RWMutex
	rooms map[string]*room

	accounts map[string]*storage.Account // key: localpart@serverName
	devices  map[string]storage.Device   // key: access token
	userDevices map[string][]string       // userID -> access tokens

	accountData map[string]json.RawMessage // key: userID|type

	batches map[string]storage.Batch
}

// New constructs an empty in-memory database.
func New() *Database {
	return &Database{
		rooms:       map[string]*room{},
		accounts:    map[string]*storage.Account{},
		devices:     map[string]storage.Device{},
		userDevices: map[string][]string{},
		accountData: map[string]json.RawMessage{},
		batches:     map[string]storage.Batch{},
	}
}

func (d *Database) room(roomID string) *room {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[roomID]
	if !ok {
		r = newRoom()
		d.rooms[roomID] = r
	}
	return r
}

func (d *Database) Close() error { return nil }

// AddPDUs implements spec.md §4.3: idempotent by event_id per room, and
// atomically updates the ordering index, heads/max_depth, and the
// membership index.
func (d *Database) AddPDUs(ctx context.Context, roomID string, pdus []roomevents.StoredPDU) error {
	r := d.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sp := range pdus {
		id := sp.PDU.EventID()
		if _, exists := r.byID[id]; exists {
			continue // idempotent
		}
		r.timeline = append(r.timeline, sp)
		r.byID[id] = len(r.timeline) - 1

		if sp.AuthStatus == roomevents.AuthPass {
			for _, prev := range sp.PDU.PrevEvents {
				delete(r.heads, prev)
			}
			r.heads[id] = true
			if sp.PDU.Depth > r.maxDepth {
				r.maxDepth = sp.PDU.Depth
			}
		}

		if sp.AuthStatus == roomevents.AuthPass && sp.PDU.Type == roomevents.TypeMember && sp.PDU.StateKey != nil {
			content, err := sp.PDU.EventContent()
			if err == nil && content.Member != nil {
				switch content.Member.Membership {
				case roomevents.MembershipJoin, roomevents.MembershipInvite, roomevents.MembershipBan, roomevents.MembershipKnock:
					r.members[*sp.PDU.StateKey] = content.Member.Membership
				case roomevents.MembershipLeave:
					delete(r.members, *sp.PDU.StateKey)
				}
			}
		}
	}
	r.notifyLocked()
	return nil
}

func (d *Database) GetStoredPDU(ctx context.Context, roomID, eventID string) (*roomevents.StoredPDU, bool, error) {
	r := d.room(roomID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[eventID]
	if !ok {
		return nil, false, nil
	}
	sp := r.timeline[idx]
	return &sp, true, nil
}

// QueryPDUs implements both the Timeline and State scan shapes of spec.md
// §4.3, including the wait=true long-poll: if the timeline result is
// empty, block until the room receives a new event (or timeout elapses),
// then retry once.
func (d *Database) QueryPDUs(ctx context.Context, q storage.EventQuery, wait bool, timeout time.Duration) ([]roomevents.PDU, int64, error) {
	r := d.room(q.RoomID)

	events, tip := d.scan(r, q)
	if !wait || len(events) > 0 || q.Shape == storage.QueryState {
		return events, tip, nil
	}

	r.mu.Lock()
	ch := make(chan struct{})
	r.waiters = append(r.waiters, ch)
	r.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
		return events, tip, nil
	case <-ctx.Done():
		return events, tip, nil
	}

	from := tip + 1
	q.From = &from
	events, tip = d.scan(r, q)
	return events, tip, nil
}

func (d *Database) scan(r *room, q storage.EventQuery) ([]roomevents.PDU, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tip := int64(len(r.timeline) - 1)

	switch q.Shape {
	case storage.QueryState:
		at := tip
		if q.At != nil {
			at = *q.At
		}
		if at > tip {
			at = tip
		}
		latest := map[roomstate.StateKeyTuple]roomevents.PDU{}
		for i := int64(0); i <= at && i >= 0; i++ {
			sp := r.timeline[i]
			if sp.AuthStatus != roomevents.AuthPass || !sp.PDU.IsState() {
				continue
			}
			latest[roomstate.StateKeyTuple{Type: sp.PDU.Type, StateKey: *sp.PDU.StateKey}] = sp.PDU
		}
		var out []roomevents.PDU
		for _, pdu := range latest {
			if q.Matches(pdu) {
				out = append(out, pdu)
			}
		}
		sortByDepthThenID(out)
		return out, tip

	default: // QueryTimeline
		from := int64(0)
		if q.From != nil {
			from = *q.From
		}
		to := tip
		if q.To != nil {
			to = *q.To
		}
		if to > tip {
			to = tip
		}
		var out []roomevents.PDU
		for i := from; i <= to && i >= 0 && i < int64(len(r.timeline)); i++ {
			sp := r.timeline[i]
			if q.Matches(sp.PDU) {
				out = append(out, sp.PDU)
			}
		}
		return out, tip
	}
}

func sortByDepthThenID(pdus []roomevents.PDU) {
	sort.Slice(pdus, func(i, j int) bool {
		if pdus[i].Depth != pdus[j].Depth {
			return pdus[i].Depth < pdus[j].Depth
		}
		return pdus[i].EventID() < pdus[j].EventID()
	})
}

func (d *Database) GetPrevEvents(ctx context.Context, roomID string) ([]string, int64, error) {
	r := d.room(roomID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	heads := make([]string, 0, len(r.heads))
	for id := range r.heads {
		heads = append(heads, id)
	}
	sort.Strings(heads)
	return heads, r.maxDepth, nil
}

func (d *Database) GetRoomHeads(ctx context.Context, roomID string) (storage.RoomHeads, error) {
	ids, depth, err := d.GetPrevEvents(ctx, roomID)
	return storage.RoomHeads{EventIDs: ids, MaxDepth: depth}, err
}

func (d *Database) GetMembership(ctx context.Context, roomID, userID string) (string, bool, error) {
	r := d.room(roomID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[userID]
	return m, ok, nil
}

func (d *Database) GetMembershipsByUser(ctx context.Context, userID string) (map[string]string, error) {
	d.mu.RLock()
	roomIDs := make([]string, 0, len(d.rooms))
	for id := range d.rooms {
		roomIDs = append(roomIDs, id)
	}
	d.mu.RUnlock()

	out := map[string]string{}
	for _, roomID := range roomIDs {
		if m, ok, _ := d.GetMembership(ctx, roomID, userID); ok {
			out[roomID] = m
		}
	}
	return out, nil
}

func (d *Database) GetRoomMemberCounts(ctx context.Context, roomID string) (storage.MemberCounts, error) {
	r := d.room(roomID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var counts storage.MemberCounts
	for _, m := range r.members {
		switch m {
		case roomevents.MembershipJoin:
			counts.Joined++
		case roomevents.MembershipInvite:
			counts.Invited++
		}
	}
	return counts, nil
}

func (d *Database) GetFullState(ctx context.Context, roomID string) ([]roomevents.PDU, error) {
	events, _, err := d.QueryPDUs(ctx, storage.EventQuery{Shape: storage.QueryState, RoomID: roomID}, false, 0)
	return events, err
}

func (d *Database) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*roomevents.PDU, bool, error) {
	events, err := d.GetFullState(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	for _, ev := range events {
		if ev.Type == eventType && ev.StateKey != nil && *ev.StateKey == stateKey {
			cp := ev
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func accountKey(localpart, serverName string) string {
	return localpart + "@" + serverName
}

func (d *Database) CreateUser(ctx context.Context, localpart, serverName, passwordHash string) (storage.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := accountKey(localpart, serverName)
	if _, exists := d.accounts[key]; exists {
		return storage.Account{}, mxerrors.New(mxerrors.UsernameTaken, "The desired user ID is already taken.")
	}
	acc := &storage.Account{Localpart: localpart, ServerName: serverName, PasswordHash: passwordHash}
	d.accounts[key] = acc
	return *acc, nil
}

func (d *Database) GetAccount(ctx context.Context, localpart, serverName string) (storage.Account, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[accountKey(localpart, serverName)]
	if !ok {
		return storage.Account{}, false, nil
	}
	return *acc, true, nil
}

func (d *Database) SetProfile(ctx context.Context, localpart, serverName string, profile storage.UserProfile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.accounts[accountKey(localpart, serverName)]
	if !ok {
		return mxerrors.New(mxerrors.UserNotFound, "The user does not exist.")
	}
	acc.Profile = profile
	return nil
}

func (d *Database) CreateDevice(ctx context.Context, userID, accessToken, displayName string) (storage.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := storage.Device{UserID: userID, ID: fmt.Sprintf("dev_%d", len(d.userDevices[userID])+1), AccessToken: accessToken, DisplayName: displayName}
	d.devices[accessToken] = dev
	d.userDevices[userID] = append(d.userDevices[userID], accessToken)
	return dev, nil
}

func (d *Database) GetDeviceByToken(ctx context.Context, accessToken string) (storage.Device, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[accessToken]
	return dev, ok, nil
}

func (d *Database) DeleteDevice(ctx context.Context, accessToken string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[accessToken]
	if !ok {
		return nil
	}
	delete(d.devices, accessToken)
	tokens := d.userDevices[dev.UserID]
	for i, tok := range tokens {
		if tok == accessToken {
			d.userDevices[dev.UserID] = append(tokens[:i], tokens[i+1:]...)
			break
		}
	}
	return nil
}

func (d *Database) DeleteAllDevices(ctx context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tok := range d.userDevices[userID] {
		delete(d.devices, tok)
	}
	delete(d.userDevices, userID)
	return nil
}

func accountDataKey(userID, dataType string) string {
	return userID + "|" + dataType
}

func (d *Database) GetAccountData(ctx context.Context, userID, dataType string) (json.RawMessage, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.accountData[accountDataKey(userID, dataType)]
	return v, ok, nil
}

func (d *Database) SetAccountData(ctx context.Context, userID, dataType string, content json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accountData[accountDataKey(userID, dataType)] = content
	return nil
}

// SetTyping records a typing deadline. Deadlines are lazily swept on read
// (spec.md §9 "Ephemeral timeouts"); no background timer is required.
func (d *Database) SetTyping(ctx context.Context, roomID, userID string, typing bool, timeout time.Duration) error {
	r := d.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !typing {
		delete(r.typing, userID)
		return nil
	}
	r.typing[userID] = time.Now().Add(timeout)
	return nil
}

func (d *Database) GetTypingUsers(ctx context.Context, roomID string) ([]string, error) {
	r := d.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []string
	for userID, deadline := range r.typing {
		if now.After(deadline) {
			delete(r.typing, userID)
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Database) GetBatch(ctx context.Context, token string) (storage.Batch, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.batches[token]
	return b, ok, nil
}

func (d *Database) SetBatch(ctx context.Context, token string, batch storage.Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches[token] = batch
	return nil
}

var _ storage.Database = (*Database)(nil)
