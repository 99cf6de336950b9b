package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements Store with the same conditional-write semantics as the
// postgres backing. It serves tests and DATABASE_URL-less development runs.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*SessionRecord
	invites  map[string]*InviteRecord
	stats    map[string]*ParticipantStats
	history  map[string][]HistoryEntry

	// FailCreates makes CreateSession fail, simulating an unavailable
	// persistence collaborator for pairing-rollback tests.
	FailCreates error
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*SessionRecord),
		invites:  make(map[string]*InviteRecord),
		stats:    make(map[string]*ParticipantStats),
		history:  make(map[string][]HistoryEntry),
	}
}

func (m *Memory) CreateSession(_ context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreates != nil {
		return m.FailCreates
	}
	cp := *rec
	m.sessions[rec.ID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) SetRoster(_ context.Context, sessionID string, slot int, rosterJSON string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if slot == 0 {
		if rec.Roster1 != "" {
			return false, nil
		}
		rec.Roster1 = rosterJSON
		return true, nil
	}
	if rec.Roster2 != "" {
		return false, nil
	}
	rec.Roster2 = rosterJSON
	return true, nil
}

func (m *Memory) FinishSession(_ context.Context, id, winner, reason string, endedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Winner != "" {
		return false, nil
	}
	rec.Winner = winner
	rec.Reason = reason
	rec.EndedAt = endedAt
	return true, nil
}

func (m *Memory) CreateInvite(_ context.Context, rec *InviteRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.invites {
		if cur.Status == "pending" && cur.SenderID == rec.SenderID && cur.ReceiverID == rec.ReceiverID {
			return ErrDuplicatePending
		}
	}
	cp := *rec
	m.invites[rec.ID] = &cp
	return nil
}

func (m *Memory) GetInvite(_ context.Context, id string) (*InviteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.invites[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) PendingInvite(_ context.Context, senderID, receiverID string) (*InviteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.invites {
		if rec.SenderID == senderID && rec.ReceiverID == receiverID && rec.Status == "pending" {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) TransitionInvite(_ context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.invites[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != from {
		return false, nil
	}
	rec.Status = to
	return true, nil
}

func (m *Memory) ExpirePendingBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.invites {
		if rec.Status == "pending" && !rec.ExpiresAt.After(cutoff) {
			rec.Status = "expired"
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecordResult(_ context.Context, participantID, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[participantID]
	if !ok {
		s = &ParticipantStats{ParticipantID: participantID}
		m.stats[participantID] = s
	}
	switch outcome {
	case "win":
		s.Wins++
	case "loss":
		s.Losses++
	case "draw":
		s.Draws++
	}
	return nil
}

// Stats returns a copy of a participant's counters, for tests.
func (m *Memory) Stats(participantID string) ParticipantStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[participantID]; ok {
		return *s
	}
	return ParticipantStats{ParticipantID: participantID}
}

func (m *Memory) AppendHistory(_ context.Context, participantID, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[participantID] = append(m.history[participantID], HistoryEntry{
		ParticipantID: participantID,
		SessionID:     sessionID,
		EndedAt:       endedAt,
	})
	return nil
}

func (m *Memory) History(_ context.Context, participantID string, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append([]HistoryEntry(nil), m.history[participantID]...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].EndedAt.After(entries[j].EndedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
