// Package matchmaking holds the FIFO pool of waiting participants. The pool
// is an actor, so pairing is single-concurrency by construction: rapid
// concurrent joins cannot double-pair anyone.
package matchmaking

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/battle"
	"github.com/creaturearena/battle-backend/internal/directory"
	"github.com/creaturearena/battle-backend/internal/hub"
	"github.com/creaturearena/battle-backend/internal/session"
	"github.com/creaturearena/battle-backend/internal/types"
)

// Creator produces a session for a matched pair. Satisfied by *hub.Hub.
type Creator interface {
	Create(participant1, participant2 string) (*session.Runtime, error)
}

// Entry is ephemeral: it exists only while its participant is queued.
type Entry struct {
	ParticipantID string
	Conn          directory.Conn
}

type Msg interface{ isPoolMsg() }

type Enqueue struct{ Entry Entry }

func (Enqueue) isPoolMsg() {}

// Dequeue removes a waiting participant, for explicit cancel or disconnect.
type Dequeue struct{ ParticipantID string }

func (Dequeue) isPoolMsg() {}

type GetQueue struct{ Reply chan []string }

func (GetQueue) isPoolMsg() {}

type Shutdown struct{}

func (Shutdown) isPoolMsg() {}

type Pool struct {
	inbox   chan Msg
	entries []Entry
	creator Creator
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewPool(parent context.Context, creator Creator, log *zap.Logger) *Pool {
	ctx, cancel := context.WithCancel(parent)
	p := &Pool{
		inbox:   make(chan Msg, 64),
		creator: creator,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go p.loop()
	return p
}

func (p *Pool) Inbox() chan<- Msg { return p.inbox }

// Remove takes a participant out of the queue, e.g. when an accepted invite
// pulls them into a session.
func (p *Pool) Remove(participantID string) {
	p.inbox <- Dequeue{ParticipantID: participantID}
}

func (p *Pool) loop() {
	for {
		select {
		case <-p.ctx.Done():
			return

		case m := <-p.inbox:
			switch msg := m.(type) {
			case Enqueue:
				p.enqueue(msg.Entry)
				p.pair()

			case Dequeue:
				p.remove(msg.ParticipantID)

			case GetQueue:
				ids := make([]string, len(p.entries))
				for i, e := range p.entries {
					ids[i] = e.ParticipantID
				}
				msg.Reply <- ids

			case Shutdown:
				p.cancel()
				return
			}
		}
	}
}

func (p *Pool) enqueue(e Entry) {
	for _, cur := range p.entries {
		if cur.ParticipantID == e.ParticipantID {
			return
		}
	}
	p.entries = append(p.entries, e)
}

func (p *Pool) remove(participantID string) {
	for i, e := range p.entries {
		if e.ParticipantID == participantID {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// pair matches the two longest-waiting entries until fewer than two remain.
// A busy entry (already in a session) is dropped so it cannot starve the
// queue behind it; the free entry keeps its place at the front. On an
// infrastructure failure both entries go back to the front, preserved in
// order, and the loop stops for this invocation so a dead collaborator does
// not cause a retry storm.
func (p *Pool) pair() {
	for len(p.entries) >= 2 {
		a, b := p.entries[0], p.entries[1]
		p.entries = p.entries[2:]

		rt, err := p.creator.Create(a.ParticipantID, b.ParticipantID)
		var busy *hub.BusyError
		if errors.As(err, &busy) {
			busyEntry, free := a, b
			if busy.ParticipantID == b.ParticipantID {
				busyEntry, free = b, a
			}
			p.entries = append([]Entry{free}, p.entries...)
			p.log.Warn("dropped busy participant from queue",
				zap.String("participant_id", busyEntry.ParticipantID))
			p.notify(busyEntry, types.ServerMessage{
				Type:  "MatchmakingFailed",
				Code:  "ALREADY_IN_SESSION",
				Error: err.Error(),
			})
			continue
		}
		if err != nil {
			p.entries = append([]Entry{a, b}, p.entries...)
			p.log.Warn("pairing failed, requeued both",
				zap.String("participant1", a.ParticipantID),
				zap.String("participant2", b.ParticipantID),
				zap.Error(err))
			p.notify(a, types.ServerMessage{Type: "MatchmakingFailed", Code: "INFRASTRUCTURE", Error: err.Error()})
			p.notify(b, types.ServerMessage{Type: "MatchmakingFailed", Code: "INFRASTRUCTURE", Error: err.Error()})
			return
		}

		p.adopt(rt, a)
		p.adopt(rt, b)
		p.notify(a, types.ServerMessage{
			Type:      "OpponentFound",
			SessionID: rt.ID(),
			Slot:      battle.Slot1.String(),
			Opponent:  b.ParticipantID,
		})
		p.notify(b, types.ServerMessage{
			Type:      "OpponentFound",
			SessionID: rt.ID(),
			Slot:      battle.Slot2.String(),
			Opponent:  a.ParticipantID,
		})
	}
}

func (p *Pool) adopt(rt *session.Runtime, e Entry) {
	if e.Conn == nil {
		return
	}
	rt.Inbox() <- session.Attach{ClientID: e.ParticipantID, Outbox: e.Conn.Outbox()}
}

func (p *Pool) notify(e Entry, msg types.ServerMessage) {
	if e.Conn == nil {
		return
	}
	if err := e.Conn.Send(msg); err != nil {
		p.log.Warn("matchmaking notification dropped",
			zap.String("participant_id", e.ParticipantID),
			zap.Error(err))
	}
}
