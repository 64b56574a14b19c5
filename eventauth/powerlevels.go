package eventauth

import "github.com/matrix-org/dendrite-core/roomstate"
import "github.com/matrix-org/dendrite-core/roomevents"

// PowerLevels is the effective power-levels view used by the auth checker,
// with every field defaulted per spec.md §4.7.
type PowerLevels struct {
	Ban           int
	Invite        int
	Kick          int
	Redact        int
	StateDefault  int
	EventsDefault int
	UsersDefault  int
	Events        map[string]int
	Users         map[string]int
}

// LevelOf returns the effective power level of mxid.
func (pl PowerLevels) LevelOf(mxid string) int {
	if lvl, ok := pl.Users[mxid]; ok {
		return lvl
	}
	return pl.UsersDefault
}

// DefaultPowerLevels returns the no-event defaults of spec.md §4.7:
// ban=50, invite=50, kick=50, redact=50, state_default=50, events_default=0,
// users_default=0, users={creator:100}.
func DefaultPowerLevels(creator string) PowerLevels {
	return PowerLevels{
		Ban:           50,
		Invite:        50,
		Kick:          50,
		Redact:        50,
		StateDefault:  50,
		EventsDefault: 0,
		UsersDefault:  0,
		Events:        map[string]int{},
		Users:         map[string]int{creator: 100},
	}
}

// EffectivePowerLevels reads the m.room.power_levels event out of state if
// present, else falls back to DefaultPowerLevels(creator). When a
// power_levels event exists but omits users_default/state_default, those
// two fall back to 50 (not the no-event defaults of 0/50) per spec.md §4.7.
func EffectivePowerLevels(state *roomstate.State, creator string) PowerLevels {
	ev := state.Get(roomevents.TypePowerLevels, "")
	if ev == nil {
		return DefaultPowerLevels(creator)
	}
	content, err := ev.EventContent()
	if err != nil || content.PowerLevels == nil {
		return DefaultPowerLevels(creator)
	}
	return fromContent(*content.PowerLevels)
}

func fromContent(c roomevents.PowerLevelsContent) PowerLevels {
	pl := PowerLevels{
		StateDefault: 50,
		UsersDefault: 50,
		Events:       map[string]int{},
		Users:        map[string]int{},
	}
	if c.Ban != nil {
		pl.Ban = *c.Ban
	}
	if c.Invite != nil {
		pl.Invite = *c.Invite
	}
	if c.Kick != nil {
		pl.Kick = *c.Kick
	}
	if c.Redact != nil {
		pl.Redact = *c.Redact
	}
	if c.StateDefault != nil {
		pl.StateDefault = *c.StateDefault
	}
	if c.EventsDefault != nil {
		pl.EventsDefault = *c.EventsDefault
	}
	if c.UsersDefault != nil {
		pl.UsersDefault = *c.UsersDefault
	}
	if c.Events != nil {
		pl.Events = c.Events
	}
	if c.Users != nil {
		pl.Users = c.Users
	}
	return pl
}

// LevelFromAuthEvents reads the sender power level at the moment an event
// was minted, per spec.md §4.5: scan the event's own auth_events for a
// PowerLevels entry and take users[sender] (or users_default); if none is
// present and sender equals the room creator (per the Create entry in
// auth), level = 100, else 0.
func LevelFromAuthEvents(sender string, authEvents map[string]roomevents.PDU) int {
	var createEvent *roomevents.PDU
	var plEvent *roomevents.PDU
	for _, ev := range authEvents {
		ev := ev
		if ev.Type == roomevents.TypeCreate {
			createEvent = &ev
		}
		if ev.Type == roomevents.TypePowerLevels {
			plEvent = &ev
		}
	}
	if plEvent != nil {
		if content, err := plEvent.EventContent(); err == nil && content.PowerLevels != nil {
			pl := fromContent(*content.PowerLevels)
			return pl.LevelOf(sender)
		}
	}
	if createEvent != nil {
		if sender == creatorOf(*createEvent) {
			return 100
		}
	}
	return 0
}
