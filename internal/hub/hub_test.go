package hub

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/battle"
	"github.com/creaturearena/battle-backend/internal/directory"
	"github.com/creaturearena/battle-backend/internal/notify"
	"github.com/creaturearena/battle-backend/internal/session"
	"github.com/creaturearena/battle-backend/internal/store"
)

func newHub(t *testing.T) (*Hub, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	dir := directory.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHub(ctx, session.Config{
		TeamSelectWindow: time.Minute,
		MoveWindow:       time.Minute,
		TimeLimit:        10 * time.Minute,
	}, Deps{
		Store:    mem,
		Notifier: notify.New(dir, zap.NewNop()),
		Clock:    clockwork.NewRealClock(),
		Log:      zap.NewNop(),
	})
	t.Cleanup(func() { h.Inbox() <- ShutdownHub{} })
	return h, mem
}

func TestHub_CreateIndexesByIDAndParticipant(t *testing.T) {
	h, mem := newHub(t)

	rt, err := h.Create("alice", "bob")
	require.NoError(t, err)
	require.NotNil(t, rt)

	require.Same(t, rt, h.Get(rt.ID()))
	require.Same(t, rt, h.For("alice"))
	require.Same(t, rt, h.For("bob"))

	rec, err := mem.GetSession(context.Background(), rt.ID())
	require.NoError(t, err)
	require.Equal(t, "alice", rec.Participant1)
	require.Equal(t, "bob", rec.Participant2)
}

func TestHub_UnknownLookupsReturnNil(t *testing.T) {
	h, _ := newHub(t)
	require.Nil(t, h.Get("no-such-session"))
	require.Nil(t, h.For("nobody"))
}

func TestHub_BusyParticipantRejected(t *testing.T) {
	h, _ := newHub(t)
	_, err := h.Create("alice", "bob")
	require.NoError(t, err)

	_, err = h.Create("alice", "carol")
	require.ErrorIs(t, err, ErrBusyParticipant)
	_, err = h.Create("carol", "bob")
	require.ErrorIs(t, err, ErrBusyParticipant)
	require.Nil(t, h.For("carol"), "a rejected pairing must leave no back-reference")
}

func TestHub_StoreFailureCreatesNothing(t *testing.T) {
	h, mem := newHub(t)
	boom := context.DeadlineExceeded
	mem.FailCreates = boom

	_, err := h.Create("alice", "bob")
	require.ErrorIs(t, err, boom)
	require.Nil(t, h.For("alice"))
	require.Nil(t, h.For("bob"))

	// Both are free to pair again once the store recovers.
	mem.FailCreates = nil
	_, err = h.Create("alice", "bob")
	require.NoError(t, err)
}

func TestHub_TerminalSessionDroppedFromIndex(t *testing.T) {
	h, _ := newHub(t)
	rt, err := h.Create("alice", "bob")
	require.NoError(t, err)
	id := rt.ID()

	submit := func(pid string, name string) {
		reply := make(chan error, 1)
		rt.Inbox() <- session.SubmitRoster{
			ParticipantID: pid,
			Creatures:     []battle.Creature{{Name: name, Element: "normal", Attack: 4, MaxHP: 10}},
			Reply:         reply,
		}
		require.NoError(t, <-reply)
	}
	submit("alice", "Embercat")
	submit("bob", "Dewfrog")

	reply := make(chan error, 1)
	rt.Inbox() <- session.SubmitAction{
		ParticipantID: "alice",
		Action:        battle.Action{Type: battle.ActionSurrender},
		Reply:         reply,
	}
	require.NoError(t, <-reply)

	require.Eventually(t, func() bool {
		return h.Get(id) == nil && h.For("alice") == nil && h.For("bob") == nil
	}, time.Second, 10*time.Millisecond)

	// Terminal cleanup frees both participants for a rematch.
	_, err = h.Create("bob", "alice")
	require.NoError(t, err)
}
