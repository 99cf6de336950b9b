// Package hub owns the active-session index and the participant -> current
// session back-references. It is an injectable registry with an explicit
// lifecycle; nothing here is package-level state.
package hub

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/battle"
	"github.com/creaturearena/battle-backend/internal/notify"
	"github.com/creaturearena/battle-backend/internal/session"
	"github.com/creaturearena/battle-backend/internal/store"
)

var ErrBusyParticipant = errors.New("participant already in an active session")

// BusyError reports which participant blocked a pairing. It matches
// ErrBusyParticipant under errors.Is.
type BusyError struct{ ParticipantID string }

func (e *BusyError) Error() string {
	return e.ParticipantID + ": " + ErrBusyParticipant.Error()
}

func (e *BusyError) Is(target error) bool { return target == ErrBusyParticipant }

type HubMsg interface{ isHubMsg() }

type CreateSession struct {
	Participant1 string // slot1
	Participant2 string // slot2
	Reply        chan CreateResult
}

type CreateResult struct {
	Runtime *session.Runtime
	Err     error
}

type GetSession struct {
	ID    string
	Reply chan *session.Runtime
}

// SessionFor resolves a participant's current session, if any.
type SessionFor struct {
	ParticipantID string
	Reply         chan *session.Runtime
}

type ShutdownHub struct{}

// sessionEnded is posted by a runtime's OnEnd callback once its terminal
// transition is fully processed.
type sessionEnded struct{ id string }

func (CreateSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (SessionFor) isHubMsg()    {}
func (ShutdownHub) isHubMsg()   {}
func (sessionEnded) isHubMsg()  {}

type Deps struct {
	Store    store.Store
	Notifier *notify.Notifier
	Clock    clockwork.Clock
	Log      *zap.Logger
}

type Hub struct {
	inbox         chan HubMsg
	sessions      map[string]*session.Runtime
	byParticipant map[string]string
	cfg           session.Config
	deps          Deps
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewHub(parent context.Context, cfg session.Config, deps Deps) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:         make(chan HubMsg, 64),
		sessions:      make(map[string]*session.Runtime),
		byParticipant: make(map[string]string),
		cfg:           cfg,
		deps:          deps,
		ctx:           ctx,
		cancel:        cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Create pairs two participants into a new session, slot order as given.
func (h *Hub) Create(participant1, participant2 string) (*session.Runtime, error) {
	reply := make(chan CreateResult, 1)
	h.inbox <- CreateSession{Participant1: participant1, Participant2: participant2, Reply: reply}
	res := <-reply
	return res.Runtime, res.Err
}

func (h *Hub) Get(id string) *session.Runtime {
	reply := make(chan *session.Runtime, 1)
	h.inbox <- GetSession{ID: id, Reply: reply}
	return <-reply
}

func (h *Hub) For(participantID string) *session.Runtime {
	reply := make(chan *session.Runtime, 1)
	h.inbox <- SessionFor{ParticipantID: participantID, Reply: reply}
	return <-reply
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateSession:
				msg.Reply <- h.create(msg.Participant1, msg.Participant2)

			case GetSession:
				msg.Reply <- h.sessions[msg.ID] // may be nil

			case SessionFor:
				var rt *session.Runtime
				if id, ok := h.byParticipant[msg.ParticipantID]; ok {
					rt = h.sessions[id]
				}
				msg.Reply <- rt

			case sessionEnded:
				rt := h.sessions[msg.id]
				delete(h.sessions, msg.id)
				for pid, sid := range h.byParticipant {
					if sid == msg.id {
						delete(h.byParticipant, pid)
					}
				}
				if rt != nil {
					rt.Inbox() <- session.Shutdown{}
				}

			case ShutdownHub:
				for _, rt := range h.sessions {
					rt.Inbox() <- session.Shutdown{}
				}
				clear(h.sessions)
				clear(h.byParticipant)
				h.cancel()
			}
		}
	}
}

func (h *Hub) create(p1, p2 string) CreateResult {
	if _, busy := h.byParticipant[p1]; busy {
		return CreateResult{Err: &BusyError{ParticipantID: p1}}
	}
	if _, busy := h.byParticipant[p2]; busy {
		return CreateResult{Err: &BusyError{ParticipantID: p2}}
	}

	id := uuid.NewString()
	now := h.deps.Clock.Now()
	st := battle.New(id, p1, p2, h.cfg.TimeLimit, now)

	err := h.deps.Store.CreateSession(h.ctx, &store.SessionRecord{
		ID:           id,
		Participant1: p1,
		Participant2: p2,
		CreatedAt:    now,
	})
	if err != nil {
		return CreateResult{Err: err}
	}

	rt := session.NewRuntime(h.ctx, st, h.cfg, session.Deps{
		Store:    h.deps.Store,
		Notifier: h.deps.Notifier,
		Clock:    h.deps.Clock,
		Log:      h.deps.Log.With(zap.String("session_id", id)),
		OnEnd: func(sessionID string) {
			h.inbox <- sessionEnded{id: sessionID}
		},
	})
	h.sessions[id] = rt
	h.byParticipant[p1] = id
	h.byParticipant[p2] = id
	h.deps.Log.Info("session created",
		zap.String("session_id", id),
		zap.String("slot1", p1),
		zap.String("slot2", p2))
	return CreateResult{Runtime: rt}
}
