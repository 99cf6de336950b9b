// Package invite implements the direct-challenge handshake. Invite status is
// monotonic: pending moves to exactly one of accepted, declined, or expired,
// enforced by compare-and-swap transitions in the store.
package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/directory"
	"github.com/creaturearena/battle-backend/internal/hub"
	"github.com/creaturearena/battle-backend/internal/session"
	"github.com/creaturearena/battle-backend/internal/store"
	"github.com/creaturearena/battle-backend/internal/types"
)

var ErrDuplicateInvite = errors.New("a pending invite already exists for this pair")
var ErrUnauthorized = errors.New("responder is not the invite receiver")
var ErrExpiredOrInvalid = errors.New("invite is expired or no longer pending")
var ErrBadParticipant = errors.New("invalid participant id")

const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
	StatusExpired  = "expired"
)

func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateInvite):
		return "DUPLICATE_INVITE"
	case errors.Is(err, hub.ErrBusyParticipant):
		return "ALREADY_IN_SESSION"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrExpiredOrInvalid):
		return "EXPIRED_OR_INVALID"
	case errors.Is(err, ErrBadParticipant):
		return "VALIDATION"
	default:
		return "INFRASTRUCTURE"
	}
}

// Creator produces a session on acceptance. Satisfied by *hub.Hub.
type Creator interface {
	Create(participant1, participant2 string) (*session.Runtime, error)
}

// Dequeuer pulls a participant out of the matchmaking queue. Satisfied by
// *matchmaking.Pool.
type Dequeuer interface {
	Remove(participantID string)
}

type Service struct {
	store   store.Store
	dir     *directory.Registry
	creator Creator
	queue   Dequeuer
	clock   clockwork.Clock
	ttl     time.Duration
	log     *zap.Logger
}

func NewService(st store.Store, dir *directory.Registry, creator Creator, queue Dequeuer, clock clockwork.Clock, ttl time.Duration, log *zap.Logger) *Service {
	return &Service{store: st, dir: dir, creator: creator, queue: queue, clock: clock, ttl: ttl, log: log}
}

// Send creates a pending invite for the ordered (sender, receiver) pair. A
// lapsed pending invite for the same pair is swept here rather than waiting
// for the background job; a live one is rejected by the store's conditional
// create, which is the authority even when two sends race past the lookup.
func (s *Service) Send(ctx context.Context, sender, receiver string) (*store.InviteRecord, error) {
	if sender == "" || receiver == "" || sender == receiver {
		return nil, ErrBadParticipant
	}

	now := s.clock.Now()
	existing, err := s.store.PendingInvite(ctx, sender, receiver)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup pending invite: %w", err)
	}
	if err == nil {
		if now.Before(existing.ExpiresAt) {
			return nil, ErrDuplicateInvite
		}
		if _, terr := s.store.TransitionInvite(ctx, existing.ID, StatusPending, StatusExpired); terr != nil {
			return nil, fmt.Errorf("expire stale invite: %w", terr)
		}
	}

	rec := &store.InviteRecord{
		ID:         uuid.NewString(),
		SenderID:   sender,
		ReceiverID: receiver,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.store.CreateInvite(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicatePending) {
			return nil, ErrDuplicateInvite
		}
		return nil, fmt.Errorf("create invite: %w", err)
	}

	if conn, ok := s.dir.Lookup(receiver); ok {
		_ = conn.Send(types.ServerMessage{Type: "InviteReceived", Invite: View(rec)})
	}
	s.log.Info("invite sent",
		zap.String("invite_id", rec.ID),
		zap.String("sender", sender),
		zap.String("receiver", receiver))
	return rec, nil
}

// Respond resolves a pending invite. Expiry is checked lazily here; the
// background sweep is cleanup only. On accept the returned runtime holds the
// sender in slot1 and the receiver in slot2.
func (s *Service) Respond(ctx context.Context, inviteID, responder string, accept bool) (*session.Runtime, error) {
	rec, err := s.store.GetInvite(ctx, inviteID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrExpiredOrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("get invite: %w", err)
	}
	if responder != rec.ReceiverID {
		return nil, ErrUnauthorized
	}
	if rec.Status != StatusPending {
		return nil, ErrExpiredOrInvalid
	}
	if !s.clock.Now().Before(rec.ExpiresAt) {
		if _, terr := s.store.TransitionInvite(ctx, rec.ID, StatusPending, StatusExpired); terr != nil {
			s.log.Warn("lazy expiry write failed", zap.String("invite_id", rec.ID), zap.Error(terr))
		}
		return nil, ErrExpiredOrInvalid
	}

	if !accept {
		ok, err := s.store.TransitionInvite(ctx, rec.ID, StatusPending, StatusDeclined)
		if err != nil {
			return nil, fmt.Errorf("decline invite: %w", err)
		}
		if !ok {
			return nil, ErrExpiredOrInvalid
		}
		if conn, found := s.dir.Lookup(rec.SenderID); found {
			rec.Status = StatusDeclined
			_ = conn.Send(types.ServerMessage{Type: "InviteDeclined", Invite: View(rec)})
		}
		return nil, nil
	}

	ok, err := s.store.TransitionInvite(ctx, rec.ID, StatusPending, StatusAccepted)
	if err != nil {
		return nil, fmt.Errorf("accept invite: %w", err)
	}
	if !ok {
		return nil, ErrExpiredOrInvalid
	}

	rt, err := s.creator.Create(rec.SenderID, rec.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("create session from invite: %w", err)
	}

	// Neither party may keep waiting in the matchmaking queue once the
	// invite pulled them into a session.
	if s.queue != nil {
		s.queue.Remove(rec.SenderID)
		s.queue.Remove(rec.ReceiverID)
	}

	slots := [2]string{"slot1", "slot2"}
	opponents := [2]string{rec.ReceiverID, rec.SenderID}
	for i, pid := range []string{rec.SenderID, rec.ReceiverID} {
		if conn, found := s.dir.Lookup(pid); found {
			rt.Inbox() <- session.Attach{ClientID: pid, Outbox: conn.Outbox()}
			_ = conn.Send(types.ServerMessage{
				Type:      "OpponentFound",
				SessionID: rt.ID(),
				Slot:      slots[i],
				Opponent:  opponents[i],
			})
		}
	}
	return rt, nil
}

// StartSweeper schedules the periodic cleanup of lapsed pending invites.
// Correctness never depends on it: Respond checks expiry itself.
func (s *Service) StartSweeper(interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, serr := s.store.ExpirePendingBefore(context.Background(), s.clock.Now())
			if serr != nil {
				s.log.Warn("invite sweep failed", zap.Error(serr))
				return
			}
			if n > 0 {
				s.log.Info("swept expired invites", zap.Int64("count", n))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	return sched, nil
}

func View(rec *store.InviteRecord) *types.InviteView {
	return &types.InviteView{
		ID:        rec.ID,
		From:      rec.SenderID,
		To:        rec.ReceiverID,
		Status:    rec.Status,
		ExpiresAt: rec.ExpiresAt,
	}
}
