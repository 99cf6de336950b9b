package battle

import (
	"fmt"
	"time"
)

type ActionType string

const (
	ActionAttack       ActionType = "attack"
	ActionSwitch       ActionType = "switch"
	ActionForcedSwitch ActionType = "forced_switch"
	ActionSurrender    ActionType = "surrender"
)

// Action is one in-battle command. Attacker/Target index into the acting and
// opposing rosters; SwitchTo indexes into the acting roster.
type Action struct {
	Type     ActionType `json:"type"`
	Attacker int        `json:"attacker"`
	Target   int        `json:"target"`
	SwitchTo int        `json:"switch_to"`
}

type EventType string

const (
	EvtRosterSet EventType = "RosterSet"
	EvtReady     EventType = "Ready"
	EvtDamage    EventType = "Damage"
	EvtFaint     EventType = "Faint"
	EvtSwitch    EventType = "Switch"
	EvtTurn      EventType = "TurnChanged"
	EvtEnded     EventType = "Ended"
)

// Event is emitted by a successful transition. The session runtime keys timer
// re-arming off EvtTurn/EvtReady and termination bookkeeping off EvtEnded.
type Event struct {
	Type        EventType `json:"type"`
	Slot        SlotID    `json:"slot"`
	Creature    string    `json:"creature,omitempty"`
	Damage      int       `json:"damage,omitempty"`
	RemainingHP int       `json:"remaining_hp"`
	Forced      bool      `json:"forced,omitempty"`
	Winner      Outcome   `json:"winner,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// SubmitRoster commits a side's team. Resubmission on a non-empty roster is an
// idempotent no-op. When the second roster lands the session goes ACTIVE with
// slot1 owning the first turn.
func (s *Session) SubmitRoster(slot SlotID, creatures []Creature, now time.Time) ([]Event, error) {
	if s.Ended() {
		return nil, ErrAlreadyEnded
	}
	if !slot.Valid() {
		return nil, ErrNotParticipant
	}
	if !s.Sides[slot].Roster.Empty() {
		return nil, nil
	}
	if len(creatures) == 0 {
		return nil, fmt.Errorf("%w: empty team", ErrInvalidRoster)
	}

	roster := Roster{Creatures: make([]Creature, len(creatures))}
	for i, c := range creatures {
		if c.Name == "" || c.MaxHP <= 0 || c.Attack < 0 {
			return nil, fmt.Errorf("%w: creature %d", ErrInvalidRoster, i)
		}
		c.CurrentHP = c.MaxHP
		c.Fainted = false
		roster.Creatures[i] = c
	}
	s.Sides[slot].Roster = roster

	events := []Event{{Type: EvtRosterSet, Slot: slot}}
	if s.Sides[slot.Other()].Roster.Empty() {
		s.Phase = PhaseTeamSelect
		return events, nil
	}

	s.Phase = PhaseActive
	s.Turn = Slot1
	s.Sides[Slot1].LastAction = now
	events = append(events,
		Event{Type: EvtReady},
		Event{Type: EvtTurn, Slot: Slot1},
	)
	return events, nil
}

// Apply evaluates one action for the given slot. The absolute duration budget
// is checked first: past the cutoff the action is discarded and the session
// ends as a draw.
func (s *Session) Apply(slot SlotID, act Action, now time.Time) ([]Event, error) {
	if s.Ended() {
		return nil, ErrAlreadyEnded
	}
	if !slot.Valid() {
		return nil, ErrNotParticipant
	}
	if s.Phase != PhaseActive {
		return nil, ErrNotActive
	}
	if s.TimeLimit > 0 && now.Sub(s.CreatedAt) >= s.TimeLimit {
		return s.end(OutcomeDraw, "time limit exceeded", now), nil
	}

	switch act.Type {
	case ActionSurrender:
		s.Sides[slot].LastAction = now
		return s.end(OutcomeFor(slot.Other()), "surrender", now), nil

	case ActionForcedSwitch:
		// Replacement pick after a faint: does not flip the turn and does
		// not consume it.
		cur := s.active(slot)
		if cur != nil && !cur.Fainted {
			return nil, fmt.Errorf("%w: active creature is not fainted", ErrInvalidTarget)
		}
		if err := s.checkSwitch(slot, act.SwitchTo); err != nil {
			return nil, err
		}
		s.Sides[slot].Roster.Active = act.SwitchTo
		name := s.Sides[slot].Roster.Creatures[act.SwitchTo].Name
		return []Event{{Type: EvtSwitch, Slot: slot, Creature: name, Forced: true}}, nil

	case ActionSwitch:
		if s.Turn != slot {
			return nil, ErrWrongTurn
		}
		if err := s.checkSwitch(slot, act.SwitchTo); err != nil {
			return nil, err
		}
		s.Sides[slot].Roster.Active = act.SwitchTo
		s.Sides[slot].LastAction = now
		name := s.Sides[slot].Roster.Creatures[act.SwitchTo].Name
		events := []Event{{Type: EvtSwitch, Slot: slot, Creature: name}}
		return append(events, s.flipTurn(slot)...), nil

	case ActionAttack:
		if s.Turn != slot {
			return nil, ErrWrongTurn
		}
		return s.attack(slot, act, now)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, act.Type)
	}
}

func (s *Session) attack(slot SlotID, act Action, now time.Time) ([]Event, error) {
	own := &s.Sides[slot].Roster
	opp := &s.Sides[slot.Other()].Roster
	if act.Attacker < 0 || act.Attacker >= len(own.Creatures) {
		return nil, fmt.Errorf("%w: attacker %d", ErrInvalidIndex, act.Attacker)
	}
	if act.Target < 0 || act.Target >= len(opp.Creatures) {
		return nil, fmt.Errorf("%w: target %d", ErrInvalidIndex, act.Target)
	}
	attacker := &own.Creatures[act.Attacker]
	defender := &opp.Creatures[act.Target]
	if attacker.Fainted {
		return nil, fmt.Errorf("%w: %s has fainted", ErrInvalidTarget, attacker.Name)
	}
	if defender.Fainted {
		return nil, fmt.Errorf("%w: %s has fainted", ErrInvalidTarget, defender.Name)
	}

	defender.CurrentHP -= attacker.Attack
	if defender.CurrentHP <= 0 {
		defender.CurrentHP = 0
		defender.Fainted = true
	}
	s.Sides[slot].LastAction = now

	events := []Event{{
		Type:        EvtDamage,
		Slot:        slot,
		Creature:    defender.Name,
		Damage:      attacker.Attack,
		RemainingHP: defender.CurrentHP,
	}}
	if defender.Fainted {
		events = append(events, Event{Type: EvtFaint, Slot: slot.Other(), Creature: defender.Name})
	}

	if !opp.Alive() {
		return append(events, s.end(OutcomeFor(slot), fmt.Sprintf("%s fainted", defender.Name), now)...), nil
	}
	if !own.Alive() {
		return append(events, s.end(OutcomeFor(slot.Other()), "no remaining creatures", now)...), nil
	}
	return append(events, s.flipTurn(slot)...), nil
}

func (s *Session) checkSwitch(slot SlotID, idx int) error {
	r := s.Sides[slot].Roster
	if idx < 0 || idx >= len(r.Creatures) {
		return fmt.Errorf("%w: switch target %d", ErrInvalidIndex, idx)
	}
	if r.Creatures[idx].Fainted {
		return fmt.Errorf("%w: %s has fainted", ErrInvalidTarget, r.Creatures[idx].Name)
	}
	return nil
}

func (s *Session) flipTurn(from SlotID) []Event {
	s.Turn = from.Other()
	return []Event{{Type: EvtTurn, Slot: s.Turn}}
}

// ExpireTeamSelect is the 40s team-select timeout transition. A stale fire
// (session already ACTIVE or ended) is a no-op; the timeout never races a
// roster submission because both run under the serializer.
func (s *Session) ExpireTeamSelect(now time.Time) []Event {
	if s.Phase != PhaseCreated && s.Phase != PhaseTeamSelect {
		return nil
	}
	set1 := !s.Sides[Slot1].Roster.Empty()
	set2 := !s.Sides[Slot2].Roster.Empty()
	switch {
	case set1 && !set2:
		s.Sides[Slot2].Silent = true
		return s.end(OutcomeSlot1, "team selection timeout", now)
	case set2 && !set1:
		s.Sides[Slot1].Silent = true
		return s.end(OutcomeSlot2, "team selection timeout", now)
	default:
		s.Sides[Slot1].Silent = true
		s.Sides[Slot2].Silent = true
		return s.end(OutcomeDraw, "team selection timeout", now)
	}
}

// ExpireTurn is the 31s move timeout transition: the turn owner forfeits.
func (s *Session) ExpireTurn(now time.Time) []Event {
	if s.Phase != PhaseActive {
		return nil
	}
	return s.end(OutcomeFor(s.Turn.Other()), "opponent inactivity", now)
}

// Forfeit ends the session against the given slot, e.g. on disconnect.
func (s *Session) Forfeit(slot SlotID, now time.Time) ([]Event, error) {
	if s.Ended() {
		return nil, ErrAlreadyEnded
	}
	if !slot.Valid() {
		return nil, ErrNotParticipant
	}
	return s.end(OutcomeFor(slot.Other()), "opponent disconnected", now), nil
}

func (s *Session) end(winner Outcome, reason string, now time.Time) []Event {
	s.Phase = PhaseEnded
	s.Winner = winner
	s.Reason = reason
	s.EndedAt = now
	return []Event{{Type: EvtEnded, Winner: winner, Reason: reason}}
}
