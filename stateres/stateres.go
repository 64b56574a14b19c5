// Package stateres implements the Matrix state resolution v2 algorithm of
// spec.md §4.5: given a room and a set of parent event IDs, compute a
// single authoritative state snapshot.
//
// Grounded on original_source/src/state/mod.rs (resolve_v2, auth_chains,
// auth_difference, reverse_topological_power_ordering, mainline_cmp) and
// _examples/other_examples/..._stateresolutionv2.go (the real Go shape of
// the same algorithm: conflict partition, Kahn's-algorithm power ordering,
// mainline walk via heap/sort).
package stateres

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/matrix-org/dendrite-core/eventauth"
	"github.com/matrix-org/dendrite-core/roomevents"
	"github.com/matrix-org/dendrite-core/roomstate"
)

// StateKeyTuple re-exported for callers that only need stateres.
type StateKeyTuple = roomstate.StateKeyTuple

// State re-exported for callers that only need stateres.
type State = roomstate.State

// EventSource is the minimal storage capability the resolver needs: point
// lookup of a previously ingested PDU by ID, including its recorded auth
// outcome (spec.md §3 StoredPdu — failed-auth events exist but must not
// contribute to state).
type EventSource interface {
	GetStoredPDU(ctx context.Context, roomID, eventID string) (*roomevents.StoredPDU, bool, error)
}

// Resolver memoizes state_after(event_id) in an in-memory cache keyed by
// event ID (spec.md §4.5: "The resolver MUST memoize..."), and collapses
// concurrent misses for the same key via singleflight (spec.md §5, D8).
type Resolver struct {
	source EventSource
	cache  *gocache.Cache
	group  singleflight.Group

	mu sync.Mutex // guards nothing but documents single-writer-per-key via singleflight
}

// NewResolver constructs a Resolver. Cache entries never expire on their
// own because the state_after cache is monotonic (spec.md §5); no cleanup
// janitor is started and the cache has no size bound, so entries are never
// evicted.
func NewResolver(source EventSource) *Resolver {
	return &Resolver{
		source: source,
		cache:  gocache.New(gocache.NoExpiration, gocache.NoExpiration),
	}
}

// StateAfter returns state_after(eventID): the state immediately following
// eventID, i.e. state_before(eventID) (resolved over eventID's own
// prev_events) overlaid with eventID itself if it is a state event that
// passed auth.
func (r *Resolver) StateAfter(ctx context.Context, roomID, eventID string) (*State, error) {
	if cached, ok := r.cache.Get(eventID); ok {
		return cached.(*State), nil
	}
	v, err, _ := r.group.Do(eventID, func() (interface{}, error) {
		if cached, ok := r.cache.Get(eventID); ok {
			return cached.(*State), nil
		}
		stored, ok, err := r.source.GetStoredPDU(ctx, roomID, eventID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("stateres: unknown event %s", eventID)
		}
		before, err := r.Resolve(ctx, roomID, stored.PDU.PrevEvents)
		if err != nil {
			return nil, err
		}
		after := before
		if stored.AuthStatus == roomevents.AuthPass && stored.PDU.IsState() {
			b := roomstate.NewBuilder(roomID)
			b.Overlay(before.All())
			b.Insert(stored.PDU)
			after = b.Build()
		}
		r.cache.Set(eventID, after, gocache.NoExpiration)
		return after, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*State), nil
}

// Resolve runs the full v2 algorithm over a set of parent event IDs.
func (r *Resolver) Resolve(ctx context.Context, roomID string, prevEventIDs []string) (*State, error) {
	switch len(prevEventIDs) {
	case 0:
		return roomstate.New(roomID, nil), nil
	case 1:
		return r.StateAfter(ctx, roomID, prevEventIDs[0])
	}

	parentStates := make([]*State, 0, len(prevEventIDs))
	for _, id := range prevEventIDs {
		st, err := r.StateAfter(ctx, roomID, id)
		if err != nil {
			return nil, err
		}
		parentStates = append(parentStates, st)
	}

	// Step 2: conflict partition.
	byTuple := map[StateKeyTuple]map[string]roomevents.PDU{}
	for _, st := range parentStates {
		for tuple, pdu := range st.All() {
			if byTuple[tuple] == nil {
				byTuple[tuple] = map[string]roomevents.PDU{}
			}
			byTuple[tuple][pdu.EventID()] = pdu
		}
	}
	unconflicted := map[StateKeyTuple]roomevents.PDU{}
	for tuple, m := range byTuple {
		if len(m) == 1 {
			for _, pdu := range m {
				unconflicted[tuple] = pdu
			}
		}
	}

	// Step 3-4: auth difference, merged into the full conflicted set.
	authDiff, err := r.authDifference(ctx, roomID, prevEventIDs)
	if err != nil {
		return nil, err
	}
	fullConflicted := map[string]roomevents.PDU{}
	for tuple, m := range byTuple {
		if len(m) > 1 {
			for id, pdu := range m {
				fullConflicted[id] = pdu
			}
		}
	}
	for _, id := range authDiff {
		stored, ok, err := r.source.GetStoredPDU(ctx, roomID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			fullConflicted[id] = stored.PDU
		}
	}

	// Step 5: split power events from the rest.
	powerEvents := map[string]roomevents.PDU{}
	others := make([]roomevents.PDU, 0, len(fullConflicted))
	for id, pdu := range fullConflicted {
		if isPowerEvent(pdu) {
			powerEvents[id] = pdu
		} else {
			others = append(others, pdu)
		}
	}

	// Step 6-7: reverse topological power ordering, then iterative auth
	// step A atop the unconflicted map.
	orderedPower, err := r.reverseTopologicalPowerOrdering(ctx, roomID, powerEvents)
	if err != nil {
		return nil, err
	}
	partial := roomstate.NewBuilder(roomID)
	partial.Overlay(unconflicted)
	for _, ev := range orderedPower {
		if err := r.tryMerge(ctx, roomID, partial, ev); err != nil {
			return nil, err
		}
	}

	// Step 8-9: mainline ordering of the remaining non-power conflicted events.
	mainline, err := r.buildMainline(ctx, roomID, partial.Build())
	if err != nil {
		return nil, err
	}
	ranks := make(map[string]int64, len(others))
	for _, ev := range others {
		idx, err := r.mainlinePosition(ctx, roomID, ev, mainline)
		if err != nil {
			return nil, err
		}
		ranks[ev.EventID()] = idx
	}
	sort.SliceStable(others, func(i, j int) bool {
		ri, rj := ranks[others[i].EventID()], ranks[others[j].EventID()]
		if ri != rj {
			return ri < rj
		}
		if others[i].OriginServerTS != others[j].OriginServerTS {
			return others[i].OriginServerTS < others[j].OriginServerTS
		}
		return others[i].EventID() < others[j].EventID()
	})

	// Step 10: iterative auth step B.
	for _, ev := range others {
		if err := r.tryMerge(ctx, roomID, partial, ev); err != nil {
			return nil, err
		}
	}

	// Step 11: unconflicted entries are authoritative.
	partial.Overlay(unconflicted)
	return partial.Build(), nil
}

// tryMerge synthesizes a transient state (current partial state overlaid
// with ev's own auth_events) and merges ev into partial iff it passes
// auth_check against that transient view.
func (r *Resolver) tryMerge(ctx context.Context, roomID string, partial *roomstate.Builder, ev roomevents.PDU) error {
	authEvents, err := r.fetchAuthEvents(ctx, roomID, ev)
	if err != nil {
		return err
	}
	transient := partial.Clone()
	for _, a := range authEvents {
		transient.Insert(a)
	}
	if eventauth.Check(ev, transient.Build()) {
		partial.Insert(ev)
	}
	return nil
}

func (r *Resolver) fetchAuthEvents(ctx context.Context, roomID string, ev roomevents.PDU) ([]roomevents.PDU, error) {
	out := make([]roomevents.PDU, 0, len(ev.AuthEvents))
	for _, id := range ev.AuthEvents {
		stored, ok, err := r.source.GetStoredPDU(ctx, roomID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, stored.PDU)
		}
	}
	return out, nil
}

// isPowerEvent implements spec.md §4.5 step 5.
func isPowerEvent(pdu roomevents.PDU) bool {
	switch pdu.Type {
	case roomevents.TypePowerLevels, roomevents.TypeJoinRules:
		return true
	case roomevents.TypeMember:
		if pdu.StateKey == nil || *pdu.StateKey == pdu.Sender {
			return false
		}
		content, err := pdu.EventContent()
		if err != nil || content.Member == nil {
			return false
		}
		return content.Member.Membership == roomevents.MembershipLeave || content.Member.Membership == roomevents.MembershipBan
	default:
		return false
	}
}

// authDifference computes the symmetric difference (union minus
// intersection) of the auth chains of every parent event.
func (r *Resolver) authDifference(ctx context.Context, roomID string, prevEventIDs []string) ([]string, error) {
	chains := make([]map[string]bool, len(prevEventIDs))
	for i, id := range prevEventIDs {
		chain := map[string]bool{}
		if err := r.authChain(ctx, roomID, id, chain); err != nil {
			return nil, err
		}
		chains[i] = chain
	}
	counts := map[string]int{}
	for _, chain := range chains {
		for id := range chain {
			counts[id]++
		}
	}
	var diff []string
	for id, n := range counts {
		if n != len(chains) {
			diff = append(diff, id)
		}
	}
	return diff, nil
}

func (r *Resolver) authChain(ctx context.Context, roomID, eventID string, out map[string]bool) error {
	if out[eventID] {
		return nil
	}
	out[eventID] = true
	stored, ok, err := r.source.GetStoredPDU(ctx, roomID, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for _, id := range stored.PDU.AuthEvents {
		if err := r.authChain(ctx, roomID, id, out); err != nil {
			return err
		}
	}
	return nil
}

// reverseTopologicalPowerOrdering implements spec.md §4.5 step 6: repeatedly
// peel nodes with no unvisited parents within the power-event subgraph,
// breaking ties among simultaneously peelable nodes by
// (sender_power_level, origin_server_ts, event_id) ascending.
func (r *Resolver) reverseTopologicalPowerOrdering(ctx context.Context, roomID string, powerEvents map[string]roomevents.PDU) ([]roomevents.PDU, error) {
	remaining := make(map[string]roomevents.PDU, len(powerEvents))
	for id, pdu := range powerEvents {
		remaining[id] = pdu
	}
	var order []roomevents.PDU
	for len(remaining) > 0 {
		var candidates []roomevents.PDU
		for _, pdu := range remaining {
			hasParent := false
			for _, a := range pdu.AuthEvents {
				if _, still := remaining[a]; still {
					hasParent = true
					break
				}
			}
			if !hasParent {
				candidates = append(candidates, pdu)
			}
		}
		if len(candidates) == 0 {
			// Defensive: a malformed or adversarial auth-event cycle. Break
			// it deterministically rather than looping forever.
			for _, pdu := range remaining {
				candidates = append(candidates, pdu)
			}
		}
		levels := make(map[string]int, len(candidates))
		for _, c := range candidates {
			lvl, err := r.senderLevelAtMint(ctx, roomID, c)
			if err != nil {
				return nil, err
			}
			levels[c.EventID()] = lvl
		}
		sort.Slice(candidates, func(i, j int) bool {
			li, lj := levels[candidates[i].EventID()], levels[candidates[j].EventID()]
			if li != lj {
				return li < lj
			}
			if candidates[i].OriginServerTS != candidates[j].OriginServerTS {
				return candidates[i].OriginServerTS < candidates[j].OriginServerTS
			}
			return candidates[i].EventID() < candidates[j].EventID()
		})
		for _, c := range candidates {
			order = append(order, c)
			delete(remaining, c.EventID())
		}
	}
	return order, nil
}

func (r *Resolver) senderLevelAtMint(ctx context.Context, roomID string, ev roomevents.PDU) (int, error) {
	authEvents, err := r.fetchAuthEvents(ctx, roomID, ev)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]roomevents.PDU, len(authEvents))
	for _, a := range authEvents {
		byID[a.EventID()] = a
	}
	return eventauth.LevelFromAuthEvents(ev.Sender, byID), nil
}

// infinity stands in for "no mainline ancestor found".
const infinity = math.MaxInt32

// buildMainline walks backward from the PowerLevels event in the
// post-step-7 partial state, following the single PowerLevels entry in each
// event's own auth_events, until none remains.
func (r *Resolver) buildMainline(ctx context.Context, roomID string, partial *State) ([]string, error) {
	var mainline []string
	cur := partial.Get(roomevents.TypePowerLevels, "")
	visited := map[string]bool{}
	for cur != nil {
		id := cur.EventID()
		if visited[id] {
			break
		}
		visited[id] = true
		mainline = append(mainline, id)
		next, err := r.powerLevelsAncestor(ctx, roomID, *cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return mainline, nil
}

func (r *Resolver) powerLevelsAncestor(ctx context.Context, roomID string, ev roomevents.PDU) (*roomevents.PDU, error) {
	authEvents, err := r.fetchAuthEvents(ctx, roomID, ev)
	if err != nil {
		return nil, err
	}
	for _, a := range authEvents {
		if a.Type == roomevents.TypePowerLevels {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

// mainlinePosition finds ev's closest ancestor (by the PowerLevels chain)
// that appears in mainline, returning the negated index (-infinity if none),
// so that an ascending sort puts events nearer the mainline tip last.
func (r *Resolver) mainlinePosition(ctx context.Context, roomID string, ev roomevents.PDU, mainline []string) (int64, error) {
	index := make(map[string]int, len(mainline))
	for i, id := range mainline {
		index[id] = i
	}
	cur := &ev
	visited := map[string]bool{}
	for cur != nil {
		if idx, ok := index[cur.EventID()]; ok {
			return -int64(idx), nil
		}
		if visited[cur.EventID()] {
			break
		}
		visited[cur.EventID()] = true
		next, err := r.powerLevelsAncestor(ctx, roomID, *cur)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	return -int64(infinity), nil
}
