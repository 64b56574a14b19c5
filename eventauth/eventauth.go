// Package eventauth implements the pure Matrix v1 auth-rules predicate of
// spec.md §4.4: auth_check(pdu, state) -> Pass|Fail. It depends only on its
// arguments, never on storage or the clock.
//
// Grounded on original_source/src/validate/auth.rs.
package eventauth

import (
	"strings"

	"github.com/matrix-org/dendrite-core/roomevents"
	"github.com/matrix-org/dendrite-core/roomstate"
)

// StateKeyTuple identifies a state snapshot entry.
type StateKeyTuple = roomstate.StateKeyTuple

// Check runs the full auth-rules predicate against the given PDU and
// resolved state. state may be nil for the create event.
func Check(pdu roomevents.PDU, state *roomstate.State) bool {
	content, err := pdu.EventContent()
	if err != nil {
		return false
	}

	// Rule 1: create event.
	if content.Create != nil {
		return len(pdu.PrevEvents) == 0 && senderDomain(pdu.Sender) == roomDomain(pdu.RoomID)
	}

	// Rule 2: m.room.aliases requires a state_key (rules 4-2/4-3 obsolete
	// in v4, deliberately not enforced — spec.md open question (i)); a
	// missing state_key fails outright, otherwise it falls through to the
	// general joined-sender/power-level checks below like any other event.
	if pdu.Type == "m.room.aliases" && pdu.StateKey == nil {
		return false
	}

	if state == nil {
		return false
	}

	// Rule 3: all non-create events must have m.room.create in auth_events.
	createEvent := state.Get(roomevents.TypeCreate, "")
	if createEvent == nil {
		return false
	}

	// Rule 4: effective power levels, defaulted from the creator if absent.
	creator := creatorOf(*createEvent)
	pl := EffectivePowerLevels(state, creator)

	// Rule 5: membership transitions.
	if content.Member != nil {
		return checkMembership(pdu, content.Member, state, pl, createEvent, creator)
	}

	senderLevel := pl.LevelOf(pdu.Sender)
	senderMembership := membershipOf(state, pdu.Sender)

	// Rules 6-7 apply to all remaining event types.
	if senderMembership != roomevents.MembershipJoin {
		return false
	}

	required := pl.EventsDefault
	if pdu.IsState() {
		required = pl.StateDefault
	}
	if lvl, ok := pl.Events[pdu.Type]; ok {
		required = lvl
	}
	if senderLevel < required {
		return false
	}

	if pdu.StateKey != nil && strings.HasPrefix(*pdu.StateKey, "@") && *pdu.StateKey != pdu.Sender {
		return false
	}

	// Rule 8: power levels transitions.
	if content.PowerLevels != nil {
		var oldPL *roomevents.PowerLevelsContent
		if existing := state.Get(roomevents.TypePowerLevels, ""); existing != nil {
			if ec, err := existing.EventContent(); err == nil {
				oldPL = ec.PowerLevels
			}
		}
		return checkPowerLevelsTransition(oldPL, content.PowerLevels, senderLevel, pdu.Sender)
	}

	// Rule 9: redactions.
	if content.Redaction != nil {
		return senderLevel >= pl.Redact
	}

	return true
}

func checkMembership(pdu roomevents.PDU, member *roomevents.MemberContent, state *roomstate.State, pl PowerLevels, createEvent *roomevents.PDU, creator string) bool {
	if pdu.StateKey == nil {
		return false
	}
	target := *pdu.StateKey
	targetMembership := membershipOf(state, target)
	senderMembership := membershipOf(state, pdu.Sender)
	targetLevel := pl.LevelOf(target)
	senderLevel := pl.LevelOf(pdu.Sender)

	switch member.Membership {
	case roomevents.MembershipJoin:
		if target != pdu.Sender {
			return false
		}
		if len(pdu.PrevEvents) == 1 && pdu.PrevEvents[0] == createEvent.EventID() && pdu.Sender == creator {
			return true
		}
		if targetMembership == roomevents.MembershipBan {
			return false
		}
		switch joinRuleOf(state) {
		case roomevents.JoinRulePublic:
			return true
		case roomevents.JoinRuleInvite:
			return targetMembership == roomevents.MembershipJoin || targetMembership == roomevents.MembershipInvite
		default:
			return false
		}

	case roomevents.MembershipInvite:
		if senderMembership != roomevents.MembershipJoin {
			return false
		}
		if targetMembership == roomevents.MembershipJoin || targetMembership == roomevents.MembershipBan {
			return false
		}
		return senderLevel >= pl.Invite

	case roomevents.MembershipLeave:
		if target == pdu.Sender {
			return senderMembership == roomevents.MembershipJoin || senderMembership == roomevents.MembershipInvite
		}
		if senderMembership != roomevents.MembershipJoin {
			return false
		}
		if senderLevel < pl.Kick || senderLevel <= targetLevel {
			return false
		}
		if targetMembership == roomevents.MembershipBan && senderLevel < pl.Ban {
			return false
		}
		return true

	case roomevents.MembershipBan:
		if senderMembership != roomevents.MembershipJoin {
			return false
		}
		return senderLevel >= pl.Ban && senderLevel > targetLevel

	case roomevents.MembershipKnock:
		return false

	default:
		return false
	}
}

func checkPowerLevelsTransition(old, new *roomevents.PowerLevelsContent, senderLevel int, sender string) bool {
	oldScalar := scalarsOf(old)
	newScalar := scalarsOf(new)
	for key, newVal := range newScalar {
		oldVal, had := oldScalar[key]
		if !had {
			oldVal = defaultScalar(key)
		}
		if newVal != oldVal {
			if oldVal > senderLevel || newVal > senderLevel {
				return false
			}
		}
	}

	if !checkSubmapTransition(mapOrNil(old, "events"), mapOrNil(new, "events"), senderLevel, false, sender) {
		return false
	}
	if !checkSubmapTransition(mapOrNil(old, "users"), mapOrNil(new, "users"), senderLevel, true, sender) {
		return false
	}
	return true
}

func scalarsOf(pl *roomevents.PowerLevelsContent) map[string]int {
	m := map[string]int{}
	if pl == nil {
		return m
	}
	assign := func(key string, v *int) {
		if v != nil {
			m[key] = *v
		}
	}
	assign("ban", pl.Ban)
	assign("invite", pl.Invite)
	assign("kick", pl.Kick)
	assign("redact", pl.Redact)
	assign("events_default", pl.EventsDefault)
	assign("state_default", pl.StateDefault)
	assign("users_default", pl.UsersDefault)
	return m
}

func defaultScalar(key string) int {
	switch key {
	case "ban", "invite", "kick", "redact", "state_default":
		return 50
	default:
		return 0
	}
}

func mapOrNil(pl *roomevents.PowerLevelsContent, which string) map[string]int {
	if pl == nil {
		return nil
	}
	if which == "events" {
		return pl.Events
	}
	return pl.Users
}

// checkSubmapTransition enforces: for every added/removed/changed entry in
// the events or users submap, the affected value(s) must be <= sender's
// level; for the users submap specifically, changing another user's entry
// whose value equals the sender's own level is additionally forbidden (but
// the sender may always change their own entry, e.g. self-demoting).
func checkSubmapTransition(old, new map[string]int, senderLevel int, isUsersMap bool, sender string) bool {
	seen := map[string]bool{}
	for key, newVal := range new {
		seen[key] = true
		oldVal, had := old[key]
		if !had {
			if newVal > senderLevel {
				return false
			}
			continue
		}
		if oldVal == newVal {
			continue
		}
		if oldVal > senderLevel || newVal > senderLevel {
			return false
		}
		if isUsersMap && oldVal == senderLevel && key != sender {
			return false
		}
	}
	for key, oldVal := range old {
		if seen[key] {
			continue
		}
		if oldVal > senderLevel {
			return false
		}
		if isUsersMap && oldVal == senderLevel && key != sender {
			return false
		}
	}
	return true
}

func membershipOf(state *roomstate.State, mxid string) string {
	ev := state.Get(roomevents.TypeMember, mxid)
	if ev == nil {
		return ""
	}
	content, err := ev.EventContent()
	if err != nil || content.Member == nil {
		return ""
	}
	return content.Member.Membership
}

func joinRuleOf(state *roomstate.State) string {
	ev := state.Get(roomevents.TypeJoinRules, "")
	if ev == nil {
		return roomevents.JoinRuleInvite
	}
	content, err := ev.EventContent()
	if err != nil || content.JoinRules == nil {
		return roomevents.JoinRuleInvite
	}
	return content.JoinRules.JoinRule
}

func creatorOf(createEvent roomevents.PDU) string {
	content, err := createEvent.EventContent()
	if err != nil || content.Create == nil {
		return createEvent.Sender
	}
	if content.Create.Creator != "" {
		return content.Create.Creator
	}
	return createEvent.Sender
}

func senderDomain(mxid string) string {
	idx := strings.LastIndex(mxid, ":")
	if idx < 0 {
		return ""
	}
	return mxid[idx+1:]
}

func roomDomain(roomID string) string {
	return senderDomain(roomID)
}
