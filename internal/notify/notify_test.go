package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/battle"
	"github.com/creaturearena/battle-backend/internal/directory"
	"github.com/creaturearena/battle-backend/internal/types"
)

type fakeConn struct{ out chan types.ServerMessage }

func newFakeConn() *fakeConn {
	return &fakeConn{out: make(chan types.ServerMessage, 32)}
}

func (f *fakeConn) Send(msg types.ServerMessage) error {
	select {
	case f.out <- msg:
		return nil
	default:
		return errors.New("full")
	}
}

func (f *fakeConn) Outbox() chan types.ServerMessage { return f.out }

func endedSession() *battle.Session {
	s := battle.New("s1", "alice", "bob", 10*time.Minute, time.Now())
	s.Phase = battle.PhaseEnded
	s.Winner = battle.OutcomeSlot1
	s.Reason = "surrender"
	return s
}

func TestSessionStarted_ObserversNotified(t *testing.T) {
	dir := directory.NewRegistry()
	watcher := newFakeConn()
	dir.Register("carol", watcher)
	dir.AddObserver("alice", "carol")

	s := battle.New("s1", "alice", "bob", 10*time.Minute, time.Now())
	New(dir, zap.NewNop()).SessionStarted(s)

	msg := <-watcher.out
	require.Equal(t, "ObserverNotice", msg.Type)
	require.Equal(t, "s1", msg.SessionID)
	require.Equal(t, "alice", msg.About)
	require.Nil(t, msg.End)
}

func TestSessionEnded_ObserversGetOutcome(t *testing.T) {
	dir := directory.NewRegistry()
	watcher := newFakeConn()
	dir.Register("carol", watcher)
	dir.AddObserver("bob", "carol")

	New(dir, zap.NewNop()).SessionEnded(endedSession())

	msg := <-watcher.out
	require.Equal(t, "ObserverNotice", msg.Type)
	require.Equal(t, "bob", msg.About)
	require.NotNil(t, msg.End)
	require.Equal(t, battle.OutcomeSlot1, msg.End.Winner)
	require.Empty(t, msg.End.You, "observers get no per-recipient outcome")
}

func TestSessionEnded_OfflineAndRemovedObserversSkipped(t *testing.T) {
	dir := directory.NewRegistry()
	watcher := newFakeConn()
	dir.Register("carol", watcher)
	dir.AddObserver("alice", "carol")
	dir.AddObserver("alice", "ghost") // never registered a connection
	dir.RemoveObserver("alice", "carol")

	New(dir, zap.NewNop()).SessionEnded(endedSession())
	require.Empty(t, watcher.out, "a removed observer hears nothing")
}

func TestSessionEnded_ParticipantsGetPersonalOutcome(t *testing.T) {
	dir := directory.NewRegistry()
	alice, bob := newFakeConn(), newFakeConn()
	dir.Register("alice", alice)
	dir.Register("bob", bob)

	s := endedSession()
	s.Sides[battle.Slot2].Silent = true
	New(dir, zap.NewNop()).SessionEnded(s)

	m := <-alice.out
	require.Equal(t, "won", m.End.You)
	require.False(t, m.End.Silent)
	m = <-bob.out
	require.Equal(t, "lost", m.End.You)
	require.True(t, m.End.Silent)
}
