package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ErrDuplicatePending is returned by CreateInvite when a pending invite for
// the same ordered (sender, receiver) pair already exists. The store enforces
// this, not the caller: a lookup-then-create in the service would race.
var ErrDuplicatePending = errors.New("pending invite already exists for pair")

// SessionRecord is the durable mirror of a battle session. Rosters are stored
// as JSON text; the in-memory state machine stays authoritative while the
// session is live.
type SessionRecord struct {
	ID           string `gorm:"primaryKey"`
	Participant1 string `gorm:"index"`
	Participant2 string `gorm:"index"`
	Roster1      string
	Roster2      string
	Winner       string // "", "slot1", "slot2", "draw"
	Reason       string
	CreatedAt    time.Time
	EndedAt      time.Time
}

type InviteRecord struct {
	ID         string `gorm:"primaryKey"`
	SenderID   string `gorm:"index"`
	ReceiverID string `gorm:"index"`
	Status     string // "pending", "accepted", "declined", "expired"
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type ParticipantStats struct {
	ParticipantID string `gorm:"primaryKey"`
	Wins          int
	Losses        int
	Draws         int
}

type HistoryEntry struct {
	ID            uint   `gorm:"primaryKey"`
	ParticipantID string `gorm:"index"`
	SessionID     string
	EndedAt       time.Time
}

// Store is the persistence collaborator. The conditional methods return false
// when the guard did not hold (compare-and-swap semantics); callers rely on
// that for race-free roster submission, termination, and invite transitions.
type Store interface {
	CreateSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	// SetRoster writes a slot's roster only if it is still empty.
	SetRoster(ctx context.Context, sessionID string, slot int, rosterJSON string) (bool, error)
	// FinishSession writes the terminal fields only if no winner is set yet.
	FinishSession(ctx context.Context, id, winner, reason string, endedAt time.Time) (bool, error)

	// CreateInvite fails with ErrDuplicatePending if a pending invite for
	// the same ordered (sender, receiver) pair exists.
	CreateInvite(ctx context.Context, rec *InviteRecord) error
	GetInvite(ctx context.Context, id string) (*InviteRecord, error)
	// PendingInvite returns the pending invite for the ordered (sender,
	// receiver) pair, or ErrNotFound.
	PendingInvite(ctx context.Context, senderID, receiverID string) (*InviteRecord, error)
	// TransitionInvite moves an invite from one status to another atomically.
	TransitionInvite(ctx context.Context, id, from, to string) (bool, error)
	// ExpirePendingBefore marks every pending invite whose expiry has passed
	// as expired and reports how many were swept.
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int64, error)

	RecordResult(ctx context.Context, participantID, outcome string) error
	AppendHistory(ctx context.Context, participantID, sessionID string, endedAt time.Time) error
	History(ctx context.Context, participantID string, limit int) ([]HistoryEntry, error)
}
