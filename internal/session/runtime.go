// Package session runs one battle session as a single-concurrency actor. The
// inbox is the action serializer: at most one mutating call is ever in flight
// per session id, so interleaved transport callbacks can never lose an update.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/battle"
	"github.com/creaturearena/battle-backend/internal/notify"
	"github.com/creaturearena/battle-backend/internal/store"
	"github.com/creaturearena/battle-backend/internal/types"
)

type Msg interface{ isSessionMsg() }

type SubmitRoster struct {
	ParticipantID string
	Creatures     []battle.Creature
	Reply         chan error
}

func (SubmitRoster) isSessionMsg() {}

type SubmitAction struct {
	ParticipantID string
	Action        battle.Action
	Reply         chan error
}

func (SubmitAction) isSessionMsg() {}

// Forfeit is the disconnect-driven termination. It loses the race against any
// timeout that already ended the session: the first terminal write wins.
type Forfeit struct{ ParticipantID string }

func (Forfeit) isSessionMsg() {}

// Attach registers an outbox for state updates. Spectators join the same
// broadcast set without holding a slot.
type Attach struct {
	ClientID  string
	Spectator bool
	Outbox    chan types.ServerMessage
}

func (Attach) isSessionMsg() {}

type Detach struct{ ClientID string }

func (Detach) isSessionMsg() {}

type GetView struct{ Reply chan View }

func (GetView) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

type timerKind int

const (
	timerTeamSelect timerKind = iota
	timerMove
)

// timerFired carries the generation captured at arm time; a fire whose
// generation no longer matches is stale and must be discarded.
type timerFired struct {
	gen  uint64
	kind timerKind
}

func (timerFired) isSessionMsg() {}

// View reflects internal state without data races, for tests.
type View struct {
	Version    int
	NumClients int
	Gen        uint64
	State      battle.Session
}

type Config struct {
	TeamSelectWindow time.Duration
	MoveWindow       time.Duration
	TimeLimit        time.Duration
}

type Deps struct {
	Store    store.Store
	Notifier *notify.Notifier
	Clock    clockwork.Clock
	Log      *zap.Logger
	// OnEnd is invoked once after the terminal transition has been
	// persisted and notified; the hub uses it to drop the session from all
	// active structures.
	OnEnd func(sessionID string)
}

type client struct {
	outbox    chan types.ServerMessage
	spectator bool
}

type Runtime struct {
	inbox   chan Msg
	state   *battle.Session
	version int
	clients map[string]client
	cfg     Config
	deps    Deps

	gen   uint64
	timer clockwork.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRuntime starts the actor and arms the team-select timer.
func NewRuntime(parent context.Context, st *battle.Session, cfg Config, deps Deps) *Runtime {
	ctx, cancel := context.WithCancel(parent)
	r := &Runtime{
		inbox:   make(chan Msg, 64),
		state:   st,
		clients: make(map[string]client),
		cfg:     cfg,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.arm(timerTeamSelect, cfg.TeamSelectWindow)
	go r.loop()
	return r
}

func (r *Runtime) Inbox() chan<- Msg { return r.inbox }

func (r *Runtime) ID() string { return r.state.ID }

func (r *Runtime) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case SubmitRoster:
				msg.Reply <- r.handleRoster(msg)

			case SubmitAction:
				msg.Reply <- r.handleAction(msg)

			case Forfeit:
				r.handleForfeit(msg)

			case Attach:
				r.clients[msg.ClientID] = client{outbox: msg.Outbox, spectator: msg.Spectator}
				r.send(msg.Outbox, types.ServerMessage{
					Type:      "StateUpdate",
					SessionID: r.state.ID,
					Snapshot:  r.snapshot(),
				})

			case Detach:
				delete(r.clients, msg.ClientID)

			case GetView:
				msg.Reply <- View{
					Version:    r.version,
					NumClients: len(r.clients),
					Gen:        r.gen,
					State:      *r.state,
				}

			case timerFired:
				r.handleTimer(msg)

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Runtime) handleRoster(msg SubmitRoster) error {
	slot, ok := r.state.SlotOf(msg.ParticipantID)
	if !ok {
		return battle.ErrNotParticipant
	}

	prev := *r.state
	events, err := r.state.SubmitRoster(slot, msg.Creatures, r.deps.Clock.Now())
	if err != nil {
		return err
	}
	if events == nil {
		// Idempotent resubmission.
		return nil
	}

	raw, err := json.Marshal(r.state.Sides[slot].Roster.Creatures)
	if err != nil {
		*r.state = prev
		return err
	}
	written, err := r.deps.Store.SetRoster(r.ctx, r.state.ID, int(slot), string(raw))
	if err != nil {
		// Roll back the in-memory transition so the caller can retry.
		*r.state = prev
		return err
	}
	if !written {
		// The durable record already holds a roster for this slot; treat
		// like a resubmission.
		*r.state = prev
		return nil
	}

	r.applyEvents(events)
	return nil
}

func (r *Runtime) handleAction(msg SubmitAction) error {
	slot, ok := r.state.SlotOf(msg.ParticipantID)
	if !ok {
		return battle.ErrNotParticipant
	}
	events, err := r.state.Apply(slot, msg.Action, r.deps.Clock.Now())
	if err != nil {
		return err
	}
	r.applyEvents(events)
	return nil
}

func (r *Runtime) handleForfeit(msg Forfeit) {
	slot, ok := r.state.SlotOf(msg.ParticipantID)
	if !ok {
		return
	}
	events, err := r.state.Forfeit(slot, r.deps.Clock.Now())
	if err != nil {
		// Already terminal; the earlier outcome stands.
		return
	}
	r.applyEvents(events)
}

func (r *Runtime) handleTimer(msg timerFired) {
	if msg.gen != r.gen || r.state.Ended() {
		return
	}
	now := r.deps.Clock.Now()
	var events []battle.Event
	switch msg.kind {
	case timerTeamSelect:
		events = r.state.ExpireTeamSelect(now)
	case timerMove:
		events = r.state.ExpireTurn(now)
	}
	r.applyEvents(events)
}

func (r *Runtime) applyEvents(events []battle.Event) {
	if len(events) == 0 {
		return
	}
	r.version++
	for _, e := range events {
		switch e.Type {
		case battle.EvtReady:
			r.arm(timerMove, r.cfg.MoveWindow)
			r.deps.Notifier.SessionStarted(r.state)
			r.broadcast(types.ServerMessage{Type: "BattleReady", SessionID: r.state.ID})
		case battle.EvtTurn:
			if !r.state.Ended() {
				r.arm(timerMove, r.cfg.MoveWindow)
			}
		case battle.EvtEnded:
			r.finalize()
		}
	}
	r.broadcast(types.ServerMessage{
		Type:      "StateUpdate",
		SessionID: r.state.ID,
		Snapshot:  r.snapshot(),
		Events:    events,
	})
}

// finalize runs exactly once, inside the terminal transition's serialized
// callback: persist, count stats, record history, notify, and let the hub
// drop this runtime from the active index.
func (r *Runtime) finalize() {
	r.disarm()
	st := r.state

	written, err := r.deps.Store.FinishSession(r.ctx, st.ID, string(st.Winner), st.Reason, st.EndedAt)
	if err != nil {
		r.deps.Log.Error("persist terminal state", zap.String("session_id", st.ID), zap.Error(err))
	} else if !written {
		r.deps.Log.Warn("terminal state already persisted", zap.String("session_id", st.ID))
	}

	for i := range st.Sides {
		slot := battle.SlotID(i)
		pid := st.Sides[slot].ParticipantID
		outcome := "draw"
		if st.Winner == battle.OutcomeFor(slot) {
			outcome = "win"
		} else if st.Winner != battle.OutcomeDraw {
			outcome = "loss"
		}
		if err := r.deps.Store.RecordResult(r.ctx, pid, outcome); err != nil {
			r.deps.Log.Error("record result", zap.String("participant_id", pid), zap.Error(err))
		}
		if err := r.deps.Store.AppendHistory(r.ctx, pid, st.ID, st.EndedAt); err != nil {
			r.deps.Log.Error("append history", zap.String("participant_id", pid), zap.Error(err))
		}
	}

	r.deps.Notifier.SessionEnded(st)

	// Spectators are not in the directory's per-participant path; they get
	// the terminal notice through the broadcast group.
	for _, c := range r.clients {
		if !c.spectator {
			continue
		}
		r.send(c.outbox, types.ServerMessage{
			Type:      "BattleEnded",
			SessionID: st.ID,
			End:       &types.BattleEnd{SessionID: st.ID, Winner: st.Winner, Reason: st.Reason},
		})
	}

	if r.deps.OnEnd != nil {
		r.deps.OnEnd(st.ID)
	}
}

// arm replaces any outstanding timer. The generation bump invalidates a
// previously scheduled fire even if it is already sitting in the inbox.
func (r *Runtime) arm(kind timerKind, d time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = r.deps.Clock.AfterFunc(d, func() {
		select {
		case r.inbox <- timerFired{gen: gen, kind: kind}:
		case <-r.ctx.Done():
		}
	})
}

func (r *Runtime) disarm() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

func (r *Runtime) snapshot() *types.Snapshot {
	st := r.state
	return &types.Snapshot{
		SessionID: st.ID,
		Version:   r.version,
		Phase:     st.Phase,
		Turn:      st.Turn.String(),
		Sides: [2]types.SideView{
			{ParticipantID: st.Sides[battle.Slot1].ParticipantID, Roster: st.Sides[battle.Slot1].Roster},
			{ParticipantID: st.Sides[battle.Slot2].ParticipantID, Roster: st.Sides[battle.Slot2].Roster},
		},
		Winner: st.Winner,
		Reason: st.Reason,
	}
}

func (r *Runtime) broadcast(msg types.ServerMessage) {
	for id, c := range r.clients {
		select {
		case c.outbox <- msg:
		default:
			// Slow consumer: drop it rather than stall the session. The
			// channel belongs to the connection, which also closes it.
			delete(r.clients, id)
		}
	}
}

func (r *Runtime) send(out chan types.ServerMessage, msg types.ServerMessage) {
	select {
	case out <- msg:
	default:
	}
}

func (r *Runtime) shutdown() {
	r.disarm()
	clear(r.clients)
	r.cancel()
}
