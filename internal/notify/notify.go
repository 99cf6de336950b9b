// Package notify publishes terminal and lifecycle notifications. Delivery is
// per participant, never a shared broadcast, so each recipient can get its own
// visibility flags.
package notify

import (
	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/battle"
	"github.com/creaturearena/battle-backend/internal/directory"
	"github.com/creaturearena/battle-backend/internal/types"
)

type Notifier struct {
	dir *directory.Registry
	log *zap.Logger
}

func New(dir *directory.Registry, log *zap.Logger) *Notifier {
	return &Notifier{dir: dir, log: log}
}

// SessionStarted tells each participant's observers a battle began.
// Best-effort: offline or slow observers are skipped, never retried.
func (n *Notifier) SessionStarted(s *battle.Session) {
	for _, pid := range s.Participants() {
		n.notifyObservers(pid, types.ServerMessage{
			Type:      "ObserverNotice",
			SessionID: s.ID,
			About:     pid,
		})
	}
}

// SessionEnded delivers one terminal notification per participant. A side
// flagged silent still receives the outcome, with the suppression bit set.
func (n *Notifier) SessionEnded(s *battle.Session) {
	for i := range s.Sides {
		slot := battle.SlotID(i)
		side := s.Sides[slot]
		end := &types.BattleEnd{
			SessionID: s.ID,
			Winner:    s.Winner,
			Reason:    s.Reason,
			You:       outcomeFor(slot, s.Winner),
			Silent:    side.Silent,
		}
		conn, ok := n.dir.Lookup(side.ParticipantID)
		if !ok {
			// Offline is not an error.
			continue
		}
		if err := conn.Send(types.ServerMessage{Type: "BattleEnded", SessionID: s.ID, End: end}); err != nil {
			n.log.Warn("battle end notification dropped",
				zap.String("session_id", s.ID),
				zap.String("participant_id", side.ParticipantID),
				zap.Error(err))
		}
	}
	for _, pid := range s.Participants() {
		n.notifyObservers(pid, types.ServerMessage{
			Type:      "ObserverNotice",
			SessionID: s.ID,
			About:     pid,
			End:       &types.BattleEnd{SessionID: s.ID, Winner: s.Winner, Reason: s.Reason},
		})
	}
}

func (n *Notifier) notifyObservers(participantID string, msg types.ServerMessage) {
	for _, observer := range n.dir.Observers(participantID) {
		conn, ok := n.dir.Lookup(observer)
		if !ok {
			continue
		}
		// Errors are deliberately dropped: observer delivery is fire and
		// forget.
		_ = conn.Send(msg)
	}
}

func outcomeFor(slot battle.SlotID, winner battle.Outcome) string {
	switch winner {
	case battle.OutcomeDraw:
		return "draw"
	case battle.OutcomeFor(slot):
		return "won"
	default:
		return "lost"
	}
}
