package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creaturearena/battle-backend/internal/battle"
	"github.com/creaturearena/battle-backend/internal/directory"
	"github.com/creaturearena/battle-backend/internal/notify"
	"github.com/creaturearena/battle-backend/internal/store"
	"github.com/creaturearena/battle-backend/internal/types"
)

var testCfg = Config{
	TeamSelectWindow: 40 * time.Second,
	MoveWindow:       31 * time.Second,
	TimeLimit:        10 * time.Minute,
}

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

type fixture struct {
	rt    *Runtime
	clock *clockwork.FakeClock
	mem   *store.Memory
	dir   *directory.Registry
	conns map[string]*fakeConn
	ended chan string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	mem := store.NewMemory()
	dir := directory.NewRegistry()
	conns := map[string]*fakeConn{"alice": newFakeConn(), "bob": newFakeConn()}
	dir.Register("alice", conns["alice"])
	dir.Register("bob", conns["bob"])

	st := battle.New("s1", "alice", "bob", testCfg.TimeLimit, clock.Now())
	require.NoError(t, mem.CreateSession(context.Background(), &store.SessionRecord{
		ID: "s1", Participant1: "alice", Participant2: "bob", CreatedAt: clock.Now(),
	}))

	ended := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rt := NewRuntime(ctx, st, testCfg, Deps{
		Store:    mem,
		Notifier: notify.New(dir, zap.NewNop()),
		Clock:    clock,
		Log:      zap.NewNop(),
		OnEnd:    func(id string) { ended <- id },
	})
	return &fixture{rt: rt, clock: clock, mem: mem, dir: dir, conns: conns, ended: ended}
}

func (f *fixture) view(t *testing.T) View {
	t.Helper()
	reply := make(chan View, 1)
	f.rt.Inbox() <- GetView{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func (f *fixture) submitRoster(t *testing.T, pid string, names ...string) error {
	t.Helper()
	creatures := make([]battle.Creature, len(names))
	for i, n := range names {
		creatures[i] = battle.Creature{Name: n, Element: "normal", Attack: 6, MaxHP: 8}
	}
	reply := make(chan error, 1)
	f.rt.Inbox() <- SubmitRoster{ParticipantID: pid, Creatures: creatures, Reply: reply}
	select {
	case err := <-reply:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for roster reply")
		return nil
	}
}

func (f *fixture) act(t *testing.T, pid string, a battle.Action) error {
	t.Helper()
	reply := make(chan error, 1)
	f.rt.Inbox() <- SubmitAction{ParticipantID: pid, Action: a, Reply: reply}
	select {
	case err := <-reply:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for action reply")
		return nil
	}
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, f.submitRoster(t, "alice", "Embercat", "Sparkmole"))
	require.NoError(t, f.submitRoster(t, "bob", "Dewfrog", "Thornbear"))
	v := f.view(t)
	require.Equal(t, battle.PhaseActive, v.State.Phase)
	require.Equal(t, battle.Slot1, v.State.Turn)
}

func (f *fixture) requireEnded(t *testing.T, winner battle.Outcome, reason string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v := f.view(t)
		return v.State.Ended()
	}, time.Second, 10*time.Millisecond)
	v := f.view(t)
	require.Equal(t, winner, v.State.Winner)
	require.Equal(t, reason, v.State.Reason)

	select {
	case id := <-f.ended:
		require.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatalf("OnEnd was not invoked")
	}

	rec, err := f.mem.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, string(winner), rec.Winner)
}

func TestRuntime_RosterFlowReachesActive(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	// Both rosters reached the store through the conditional write.
	rec, err := f.mem.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Contains(t, rec.Roster1, "Embercat")
	require.Contains(t, rec.Roster2, "Dewfrog")
}

func TestRuntime_RosterResubmissionKeepsFirstTeam(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.submitRoster(t, "alice", "Embercat"))
	require.NoError(t, f.submitRoster(t, "alice", "Imposter"))

	v := f.view(t)
	require.Equal(t, "Embercat", v.State.Sides[battle.Slot1].Roster.Creatures[0].Name)
	require.Len(t, v.State.Sides[battle.Slot1].Roster.Creatures, 1)
}

func TestRuntime_RosterRejectsOutsider(t *testing.T) {
	f := newFixture(t)
	err := f.submitRoster(t, "mallory", "Sneak")
	require.ErrorIs(t, err, battle.ErrNotParticipant)
}

func TestRuntime_StoreFailureRollsBackRoster(t *testing.T) {
	f := newFixture(t)
	// Sabotage the durable record so the conditional write loses.
	_, err := f.mem.SetRoster(context.Background(), "s1", 0, `[{"name":"Ghost"}]`)
	require.NoError(t, err)

	require.NoError(t, f.submitRoster(t, "alice", "Embercat"))
	v := f.view(t)
	require.True(t, v.State.Sides[battle.Slot1].Roster.Empty(),
		"memory must not diverge from a durable record that already holds a roster")
}

func TestRuntime_TeamSelectTimeoutDrawIsSilent(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(testCfg.TeamSelectWindow)

	f.requireEnded(t, battle.OutcomeDraw, "team selection timeout")
	v := f.view(t)
	require.True(t, v.State.Sides[battle.Slot1].Silent)
	require.True(t, v.State.Sides[battle.Slot2].Silent)

	// Each participant got a personal terminal notification with the
	// suppression bit set.
	for _, pid := range []string{"alice", "bob"} {
		end := recvEnd(t, f.conns[pid])
		require.Equal(t, battle.OutcomeDraw, end.Winner)
		require.True(t, end.Silent)
	}
}

func TestRuntime_TeamSelectTimeoutSingleRosterWins(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.submitRoster(t, "alice", "Embercat"))
	f.clock.Advance(testCfg.TeamSelectWindow)

	f.requireEnded(t, battle.OutcomeSlot1, "team selection timeout")
	end := recvEnd(t, f.conns["alice"])
	require.Equal(t, "won", end.You)
	require.False(t, end.Silent)
	end = recvEnd(t, f.conns["bob"])
	require.Equal(t, "lost", end.You)
	require.True(t, end.Silent, "the non-responding side is notified silently")
}

func TestRuntime_TeamSelectTimerCancelledOnActivation(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	// Activation replaced the team-select timer with the move timer, so the
	// first expiry is turn inactivity, never a selection timeout.
	f.clock.Advance(testCfg.MoveWindow)
	f.requireEnded(t, battle.OutcomeSlot2, "opponent inactivity")
}

func TestRuntime_MoveTimerRearmedOnTurnChange(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	// Act just before the window closes; the flip to slot2 re-arms it.
	f.clock.Advance(testCfg.MoveWindow - time.Second)
	require.NoError(t, f.act(t, "alice", battle.Action{Type: battle.ActionAttack}))

	f.clock.Advance(2 * time.Second)
	v := f.view(t)
	require.False(t, v.State.Ended(), "stale move timer acted after re-arm")

	f.clock.Advance(testCfg.MoveWindow)
	f.requireEnded(t, battle.OutcomeSlot1, "opponent inactivity")
}

func TestRuntime_SecondMutationObservesTerminalState(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	require.NoError(t, f.act(t, "bob", battle.Action{Type: battle.ActionSurrender}))
	err := f.act(t, "alice", battle.Action{Type: battle.ActionAttack})
	require.ErrorIs(t, err, battle.ErrAlreadyEnded)
	f.requireEnded(t, battle.OutcomeSlot1, "surrender")
}

func TestRuntime_ForfeitAfterEndIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	require.NoError(t, f.act(t, "bob", battle.Action{Type: battle.ActionSurrender}))

	f.rt.Inbox() <- Forfeit{ParticipantID: "alice"}
	f.requireEnded(t, battle.OutcomeSlot1, "surrender")
}

func TestRuntime_SpectatorReceivesSnapshotsAndEnd(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	spec := newFakeConn()
	f.rt.Inbox() <- Attach{ClientID: "spectator:carol", Spectator: true, Outbox: spec.out}

	msg := recvMsg(t, spec)
	require.Equal(t, "StateUpdate", msg.Type)
	require.NotNil(t, msg.Snapshot)
	require.Equal(t, battle.PhaseActive, msg.Snapshot.Phase)

	require.NoError(t, f.act(t, "alice", battle.Action{Type: battle.ActionSurrender}))
	sawEnd := false
	for !sawEnd {
		m := recvMsg(t, spec)
		if m.Type == "BattleEnded" {
			require.Equal(t, battle.OutcomeSlot2, m.End.Winner)
			require.Empty(t, m.End.You, "spectators get no per-recipient outcome")
			sawEnd = true
		}
	}
}

func TestRuntime_StatsRecordedOnTermination(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	require.NoError(t, f.act(t, "bob", battle.Action{Type: battle.ActionSurrender}))
	f.requireEnded(t, battle.OutcomeSlot1, "surrender")

	require.Eventually(t, func() bool {
		return f.mem.Stats("alice").Wins == 1 && f.mem.Stats("bob").Losses == 1
	}, time.Second, 10*time.Millisecond)

	hist, err := f.mem.History(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "s1", hist[0].SessionID)
}

func recvMsg(t *testing.T, c *fakeConn) types.ServerMessage {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
		return types.ServerMessage{}
	}
}

func recvEnd(t *testing.T, c *fakeConn) *types.BattleEnd {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-c.out:
			if m.Type == "BattleEnded" {
				return m.End
			}
		case <-deadline:
			t.Fatalf("timed out waiting for BattleEnded")
			return nil
		}
	}
}
