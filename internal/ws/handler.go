package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/battle"
	"github.com/creaturearena/battle-backend/internal/directory"
	"github.com/creaturearena/battle-backend/internal/hub"
	"github.com/creaturearena/battle-backend/internal/invite"
	"github.com/creaturearena/battle-backend/internal/matchmaking"
	"github.com/creaturearena/battle-backend/internal/session"
	"github.com/creaturearena/battle-backend/internal/types"
)

var errSlowConsumer = errors.New("outbox full")

// readWindow must outlast the longest legitimate client silence, which is the
// 31s move window plus network slack.
const readWindow = 10 * time.Minute

type Deps struct {
	Hub     *hub.Hub
	Pool    *matchmaking.Pool
	Invites *invite.Service
	Dir     *directory.Registry
	Log     *zap.Logger
}

// conn adapts a websocket connection to the directory's transport handle: a
// buffered outbox drained by the writer goroutine.
type conn struct {
	out chan types.ServerMessage
}

func (c *conn) Send(msg types.ServerMessage) error {
	select {
	case c.out <- msg:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *conn) Outbox() chan types.ServerMessage { return c.out }

func Handler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participant := r.URL.Query().Get("participant_id")
		if participant == "" {
			http.Error(w, "missing participant_id", http.StatusBadRequest)
			return
		}

		sock, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer sock.Close(websocket.StatusNormalClosure, "bye")

		c := &conn{out: make(chan types.ServerMessage, 16)}
		d.Dir.Register(participant, c)

		defer func() {
			d.Dir.Unregister(participant, c)
			d.Pool.Inbox() <- matchmaking.Dequeue{ParticipantID: participant}
			// A dropped connection forfeits its live session. If a
			// timeout already ended it, the forfeit is discarded by the
			// terminal guard.
			if rt := d.Hub.For(participant); rt != nil {
				rt.Inbox() <- session.Forfeit{ParticipantID: participant}
				rt.Inbox() <- session.Detach{ClientID: participant}
			}
		}()

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case <-writeCtx.Done():
					return
				case msg := <-c.out:
					payload, err := json.Marshal(msg)
					if err != nil {
						continue
					}
					ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
					_ = sock.Write(ctx, websocket.MessageText, payload)
					cancel()
				}
			}
		}()

		h := &clientHandler{deps: d, participant: participant, conn: c}
		for {
			ctx, cancel := context.WithTimeout(r.Context(), readWindow)
			_, data, err := sock.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = c.Send(types.ServerMessage{Type: "ActionError", Code: "VALIDATION", Error: "bad json"})
				continue
			}
			h.dispatch(r.Context(), cm)
		}
	}
}

type clientHandler struct {
	deps        Deps
	participant string
	conn        *conn
}

func (h *clientHandler) dispatch(ctx context.Context, cm types.ClientMessage) {
	switch cm.Type {
	case "JoinMatchmaking":
		h.joinMatchmaking()
	case "CancelMatchmaking":
		h.deps.Pool.Inbox() <- matchmaking.Dequeue{ParticipantID: h.participant}
	case "SubmitRoster":
		h.submitRoster(cm)
	case "SubmitAction":
		h.submitAction(cm)
	case "SendInvite":
		h.sendInvite(ctx, cm)
	case "RespondInvite":
		h.respondInvite(ctx, cm)
	case "Spectate":
		h.spectate(cm)
	case "RegisterObserver":
		h.registerObserver(cm)
	case "UnregisterObserver":
		h.deps.Dir.RemoveObserver(cm.To, h.participant)
	default:
		h.fail("VALIDATION", "unknown message type")
	}
}

func (h *clientHandler) joinMatchmaking() {
	if rt := h.deps.Hub.For(h.participant); rt != nil {
		h.fail("ALREADY_IN_SESSION", "finish the current battle first")
		return
	}
	h.deps.Pool.Inbox() <- matchmaking.Enqueue{Entry: matchmaking.Entry{
		ParticipantID: h.participant,
		Conn:          h.conn,
	}}
}

// resolveSession prefers an explicit session id, falling back to the
// participant's current session back-reference.
func (h *clientHandler) resolveSession(id string) *session.Runtime {
	if id != "" {
		return h.deps.Hub.Get(id)
	}
	return h.deps.Hub.For(h.participant)
}

func (h *clientHandler) submitRoster(cm types.ClientMessage) {
	rt := h.resolveSession(cm.SessionID)
	if rt == nil {
		h.fail("VALIDATION", "no active session")
		return
	}
	rt.Inbox() <- session.Attach{ClientID: h.participant, Outbox: h.conn.out}
	reply := make(chan error, 1)
	rt.Inbox() <- session.SubmitRoster{ParticipantID: h.participant, Creatures: cm.Roster, Reply: reply}
	if err := <-reply; err != nil {
		h.fail(battle.CodeOf(err), err.Error())
	}
}

func (h *clientHandler) submitAction(cm types.ClientMessage) {
	if cm.Action == nil {
		h.fail("VALIDATION", "missing action")
		return
	}
	rt := h.resolveSession(cm.SessionID)
	if rt == nil {
		h.fail("VALIDATION", "no active session")
		return
	}
	reply := make(chan error, 1)
	rt.Inbox() <- session.SubmitAction{ParticipantID: h.participant, Action: *cm.Action, Reply: reply}
	if err := <-reply; err != nil {
		h.fail(battle.CodeOf(err), err.Error())
	}
}

func (h *clientHandler) sendInvite(ctx context.Context, cm types.ClientMessage) {
	rec, err := h.deps.Invites.Send(ctx, h.participant, cm.To)
	if err != nil {
		h.fail(invite.CodeOf(err), err.Error())
		return
	}
	_ = h.conn.Send(types.ServerMessage{Type: "InviteSent", Invite: invite.View(rec)})
}

func (h *clientHandler) respondInvite(ctx context.Context, cm types.ClientMessage) {
	// On accept the service notifies both parties itself, with slot and
	// opponent assignments.
	if _, err := h.deps.Invites.Respond(ctx, cm.InviteID, h.participant, cm.Accept); err != nil {
		h.fail(invite.CodeOf(err), err.Error())
	}
}

// registerObserver subscribes the caller to another participant's battle
// start and end notices.
func (h *clientHandler) registerObserver(cm types.ClientMessage) {
	if cm.To == "" || cm.To == h.participant {
		h.fail("VALIDATION", "invalid observer target")
		return
	}
	h.deps.Dir.AddObserver(cm.To, h.participant)
}

func (h *clientHandler) spectate(cm types.ClientMessage) {
	if cm.SessionID == "" {
		h.fail("VALIDATION", "missing session_id")
		return
	}
	rt := h.deps.Hub.Get(cm.SessionID)
	if rt == nil {
		h.fail("VALIDATION", "session not found")
		return
	}
	rt.Inbox() <- session.Attach{
		ClientID:  "spectator:" + h.participant,
		Spectator: true,
		Outbox:    h.conn.out,
	}
}

func (h *clientHandler) fail(code, msg string) {
	if err := h.conn.Send(types.ServerMessage{Type: "ActionError", Code: code, Error: msg}); err != nil {
		h.deps.Log.Warn("error reply dropped", zap.String("participant_id", h.participant))
	}
}
