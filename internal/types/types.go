package types

import (
	"time"

	"github.com/creaturearena/battle-backend/internal/battle"
)

type ClientMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Roster    []battle.Creature `json:"roster,omitempty"`
	Action    *battle.Action    `json:"action,omitempty"`
	To        string            `json:"to,omitempty"`
	InviteID  string            `json:"invite_id,omitempty"`
	Accept    bool              `json:"accept,omitempty"`
}

type ServerMessage struct {
	Type      string         `json:"type"` // see pkg/types for the protocol
	SessionID string         `json:"session_id,omitempty"`
	Slot      string         `json:"slot,omitempty"`
	Opponent  string         `json:"opponent,omitempty"`
	About     string         `json:"about,omitempty"` // subject of an ObserverNotice
	Snapshot  *Snapshot      `json:"snapshot,omitempty"`
	Events    []battle.Event `json:"events,omitempty"`
	End       *BattleEnd     `json:"end,omitempty"`
	Invite    *InviteView    `json:"invite,omitempty"`
	Code      string         `json:"code,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Snapshot is the versioned state-update payload broadcast to participants
// and spectators after every applied mutation.
type Snapshot struct {
	SessionID string         `json:"session_id"`
	Version   int            `json:"version"`
	Phase     battle.Phase   `json:"phase"`
	Turn      string         `json:"turn"`
	Sides     [2]SideView    `json:"sides"`
	Winner    battle.Outcome `json:"winner,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

type SideView struct {
	ParticipantID string        `json:"participant_id"`
	Roster        battle.Roster `json:"roster"`
}

// BattleEnd is the per-recipient terminal notification. You is computed for
// the recipient; Silent tells the client to suppress the win/lose screen.
type BattleEnd struct {
	SessionID string         `json:"session_id"`
	Winner    battle.Outcome `json:"winner"`
	Reason    string         `json:"reason"`
	You       string         `json:"you,omitempty"` // "won" | "lost" | "draw"
	Silent    bool           `json:"silent,omitempty"`
}

type InviteView struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}
