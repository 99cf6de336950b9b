package battle

import (
	"errors"
	"time"
)

var ErrNotParticipant = errors.New("caller is not a session participant")
var ErrAlreadyEnded = errors.New("battle already ended")
var ErrNotActive = errors.New("battle is not active")
var ErrWrongTurn = errors.New("not this slot's turn")
var ErrInvalidTarget = errors.New("invalid target creature")
var ErrInvalidRoster = errors.New("invalid roster")
var ErrInvalidIndex = errors.New("creature index out of range")
var ErrUnsupportedAction = errors.New("unsupported action")

// CodeOf maps a state-machine error to the stable reason code carried on the
// wire. Human-readable text lives only in the error itself.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotParticipant):
		return "NOT_PARTICIPANT"
	case errors.Is(err, ErrAlreadyEnded):
		return "ALREADY_ENDED"
	case errors.Is(err, ErrNotActive):
		return "NOT_ACTIVE"
	case errors.Is(err, ErrWrongTurn):
		return "WRONG_TURN"
	case errors.Is(err, ErrInvalidTarget):
		return "INVALID_TARGET"
	case errors.Is(err, ErrInvalidRoster), errors.Is(err, ErrInvalidIndex):
		return "VALIDATION"
	case errors.Is(err, ErrUnsupportedAction):
		return "VALIDATION"
	default:
		return "INFRASTRUCTURE"
	}
}

type SlotID int

const (
	Slot1 SlotID = 0
	Slot2 SlotID = 1
)

func (s SlotID) Other() SlotID {
	if s == Slot1 {
		return Slot2
	}
	return Slot1
}

func (s SlotID) Valid() bool { return s == Slot1 || s == Slot2 }

func (s SlotID) String() string {
	if s == Slot1 {
		return "slot1"
	}
	return "slot2"
}

type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseTeamSelect Phase = "team_select"
	PhaseActive     Phase = "active"
	PhaseEnded      Phase = "ended"
)

// Outcome is the terminal winner marker. Unset until the session ends.
type Outcome string

const (
	OutcomeUnset Outcome = ""
	OutcomeSlot1 Outcome = "slot1"
	OutcomeSlot2 Outcome = "slot2"
	OutcomeDraw  Outcome = "draw"
)

func OutcomeFor(s SlotID) Outcome {
	if s == Slot1 {
		return OutcomeSlot1
	}
	return OutcomeSlot2
}

type Creature struct {
	Name      string `json:"name"`
	Element   string `json:"element"`
	Attack    int    `json:"attack"`
	MaxHP     int    `json:"max_hp"`
	CurrentHP int    `json:"current_hp"`
	Fainted   bool   `json:"fainted"`
}

type Roster struct {
	Creatures []Creature `json:"creatures"`
	Active    int        `json:"active"`
}

func (r Roster) Empty() bool { return len(r.Creatures) == 0 }

func (r Roster) Alive() bool {
	for _, c := range r.Creatures {
		if !c.Fainted {
			return true
		}
	}
	return false
}

// Side is one of the two symmetric slots. All slot logic is parameterized by
// SlotID so there are no mirrored first/second branches.
type Side struct {
	ParticipantID string    `json:"participant_id"`
	Roster        Roster    `json:"roster"`
	LastAction    time.Time `json:"last_action"`
	// Silent suppresses the win/lose presentation for this side on a
	// team-select timeout; the notification still carries the outcome.
	Silent bool `json:"silent"`
}

// Session is the battle state machine. It holds no locks and performs no I/O:
// the session runtime serializes every mutating call (one in flight per
// session id) and mirrors transitions to the store.
type Session struct {
	ID        string    `json:"id"`
	Sides     [2]Side   `json:"sides"`
	Turn      SlotID    `json:"turn"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at"`
	Winner    Outcome   `json:"winner"`
	Reason    string    `json:"reason"`

	// TimeLimit is the absolute duration budget, enforced lazily when an
	// action attempts to land.
	TimeLimit time.Duration `json:"-"`
}

// New builds a session in CREATED with both rosters empty. The pairing caller
// decides slot order: matchmaking uses arrival order, invites put the sender
// in slot1.
func New(id, participant1, participant2 string, limit time.Duration, now time.Time) *Session {
	return &Session{
		ID:        id,
		Sides:     [2]Side{{ParticipantID: participant1}, {ParticipantID: participant2}},
		Turn:      Slot1,
		Phase:     PhaseCreated,
		CreatedAt: now,
		TimeLimit: limit,
	}
}

// SlotOf resolves a participant id to its slot.
func (s *Session) SlotOf(participantID string) (SlotID, bool) {
	for i := range s.Sides {
		if s.Sides[i].ParticipantID == participantID {
			return SlotID(i), true
		}
	}
	return 0, false
}

func (s *Session) Ended() bool { return s.Winner != OutcomeUnset }

// Participants returns both participant ids in slot order.
func (s *Session) Participants() [2]string {
	return [2]string{s.Sides[Slot1].ParticipantID, s.Sides[Slot2].ParticipantID}
}

func (s *Session) active(slot SlotID) *Creature {
	r := &s.Sides[slot].Roster
	if r.Active < 0 || r.Active >= len(r.Creatures) {
		return nil
	}
	return &r.Creatures[r.Active]
}
