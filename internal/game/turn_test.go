// internal/game/turn_test.go
package game

import (
	"context"
	"testing"

	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/room"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roster(states ...string) []*models.Player {
	names := []string{"A", "B", "C", "D"}
	out := make([]*models.Player, len(states))
	for i, st := range states {
		out[i] = &models.Player{Name: names[i], State: models.PlayerState(st), JoinedAt: int64(i + 1)}
	}
	return out
}

const (
	W = string(models.StateWaiting)
	R = string(models.StateRolling)
	E = string(models.StateEndedTurn)
)

func TestDeriveCurrentTurn(t *testing.T) {
	assert.Equal(t, "B", DeriveCurrentTurn(roster(E, R, W), ""))
	assert.Equal(t, "A", DeriveCurrentTurn(roster(R, R, W), ""), "first roller in roster order")
	assert.Equal(t, "B", DeriveCurrentTurn(roster(R, R, W), "B"), "recorded roller preferred")
	assert.Equal(t, "C", DeriveCurrentTurn(roster(E, E, W), "A"))
	assert.Equal(t, "", DeriveCurrentTurn(roster(E, E, E), "A"))
	assert.Equal(t, "B", DeriveCurrentTurn(roster(W, W, W), "", "A"), "excluded player skipped")
}

func TestPlanTurn(t *testing.T) {
	room := func(recorded string) *models.Room {
		return &models.Room{GameState: models.GameState{CurrentTurn: recorded}}
	}

	p := planTurn(room("B"), roster(E, R, W), nil)
	assert.Equal(t, turnPlan{derived: "B"}, p, "store agrees: nothing to do")

	p = planTurn(room("A"), roster(E, R, W), nil)
	assert.True(t, p.correct)
	assert.Equal(t, "B", p.derived)

	p = planTurn(room("B"), roster(R, R, W), nil)
	assert.True(t, p.correct, "two rollers")

	p = planTurn(room(""), roster(W, W, W), nil)
	assert.Equal(t, advanceAllWaiting, p.wait)
	assert.False(t, p.correct)

	p = planTurn(room(""), roster(E, E, E), nil)
	assert.Equal(t, advanceAllEnded, p.wait)
	assert.Equal(t, "", p.derived)

	p = planTurn(room("B"), roster(E, E, W), nil)
	assert.True(t, p.correct, "roller gone, promote the next waiting player")
	assert.Equal(t, "C", p.derived)

	p = planTurn(room(""), roster(E, W, W), map[string]bool{"A": true})
	assert.Equal(t, advanceAllWaiting, p.wait, "finished players do not count")

	p = planTurn(room("A"), roster(R, W, W), map[string]bool{"A": true})
	assert.True(t, p.correct, "a finished player may not roll")

	ended := room("")
	ended.FinalRound.State = models.PhaseEnded
	assert.Equal(t, turnPlan{}, planTurn(ended, roster(W, W, W), nil))
}

func TestNextWaitingWraps(t *testing.T) {
	assert.Equal(t, "C", nextWaiting(roster(W, R, W), "B", nil))
	assert.Equal(t, "A", nextWaiting(roster(W, E, R), "C", nil))
	assert.Equal(t, "", nextWaiting(roster(E, E, R), "C", nil))
	assert.Equal(t, "B", nextWaiting(roster(W, W, R), "C", map[string]bool{"A": true}))
}

func TestCorrectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	c := b.Connect("x")
	defer c.Close()
	players := roster(R, R, W)
	for _, p := range players {
		require.NoError(t, c.Update(ctx, map[string]any{models.PlayerPath("k", p.Name): p.Record()}))
	}

	fix := correction("k", players, "B", nil, 1234)
	require.NoError(t, c.Update(ctx, fix))
	once := b.Snapshot("rooms/k")
	require.NoError(t, c.Update(ctx, fix))
	assert.Equal(t, once, b.Snapshot("rooms/k"))

	r, err := models.DecodeRoom("k", once)
	require.NoError(t, err)
	assert.Equal(t, "B", r.GameState.CurrentTurn)
	assert.Equal(t, models.StateWaiting, r.Player("A").State)
	assert.Equal(t, models.StateRolling, r.Player("B").State)
}

func TestGameStartsWithHost(t *testing.T) {
	tr := newTestRoom(t, "A", "B")
	tr.waitTurn("A")
	assert.Equal(t, []string{"A", "B"}, tr.p("B").Roster())
	assert.Equal(t, 1, tr.p("B").Round())
	assert.False(t, tr.p("B").CanPlayerAct(""))
}

func TestEndTurnPassesToNextAndClearsPending(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B", "C")
	tr.waitTurn("A")

	a := tr.p("A")
	a.AddPendingPoints(300, "three ones")
	a.AddPendingPoints(50, "single five")
	assert.Equal(t, 350, a.PendingPoints())
	require.Len(t, a.TurnPoints(), 2)

	require.NoError(t, a.EndPlayerTurn(ctx))
	assert.Zero(t, a.PendingPoints())
	assert.Empty(t, a.TurnPoints())
	tr.waitTurn("B")
	assert.Equal(t, 0, tr.p("B").PlayerScore("A"))

	assert.ErrorIs(t, a.EndPlayerTurn(ctx), ErrNotYourTurn)
}

func TestAllEndedStartsNewRound(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B", "C")
	tr.waitTurn("A")
	for _, name := range []string{"A", "B", "C"} {
		tr.waitTurn(name)
		require.NoError(t, tr.p(name).EndPlayerTurn(ctx))
	}
	tr.waitTurn("A")
	for _, p := range tr.open() {
		assert.Equal(t, 2, p.Round(), "round counter of %s", p.Self())
	}
	room := tr.snapshot()
	assert.Equal(t, models.StateWaiting, room.Player("B").State)
	assert.Equal(t, models.StateWaiting, room.Player("C").State)
}

func TestTwoRollersConverge(t *testing.T) {
	tr := newTestRoom(t, "A", "B", "C")
	tr.waitTurn("A")

	tr.write(map[string]any{
		models.PlayerField("room", "B", "state"): R,
		models.PlayerField("room", "C", "state"): R,
		"rooms/room/gameState/currentTurn":       "C",
	})
	tr.waitTurn("C")
	require.Eventually(t, func() bool {
		room := tr.snapshot()
		return room.Player("A").State == models.StateWaiting && room.Player("B").State == models.StateWaiting
	}, waitFor, tick)
	for _, p := range tr.open() {
		assert.Equal(t, "C", p.CurrentTurn())
	}
}

func TestStaleTimerDoesNotAdvance(t *testing.T) {
	tr := newTestRoom(t, "A", "B")
	tr.waitTurn("A")
	ctx := context.Background()
	require.NoError(t, tr.p("A").EndPlayerTurn(ctx))
	tr.waitTurn("B")

	// everyone WAITING arms the promotion timer; B resuming cancels it
	tr.write(map[string]any{models.PlayerField("room", "B", "state"): W, "rooms/room/players/A/state": W})
	tr.write(map[string]any{models.PlayerField("room", "B", "state"): R})
	tr.waitTurn("B")
	assert.Never(t, func() bool { return tr.snapshot().Player("A").State == models.StateRolling }, 5*testSettle, tick)
}

func TestRosterChangePreservesActiveTurnAndPending(t *testing.T) {
	tr := newTestRoom(t, "A", "B")
	tr.waitTurn("A")
	a := tr.p("A")
	a.AddPendingPoints(300, "three ones")

	tr.join("D", Config{})
	require.Eventually(t, func() bool { return len(a.Roster()) == 3 }, waitFor, tick)
	assert.Equal(t, 300, a.PendingPoints())
	assert.Equal(t, "A", a.CurrentTurn())
	assert.True(t, a.CanPlayerAct(""))
	require.Eventually(t, func() bool { return tr.p("B").events.count(EventPlayerJoined) == 1 }, waitFor, tick)
}

func TestLeaveMidTurnPromotesNextWaiting(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B", "C")
	tr.waitTurn("A")
	require.NoError(t, tr.p("A").EndPlayerTurn(ctx))
	tr.waitTurn("B")

	require.NoError(t, tr.p("B").Leave(ctx))
	tr.waitTurn("C")
	assert.Nil(t, tr.snapshot().Player("B"))
	assert.Equal(t, []string{"A", "C"}, tr.p("A").Roster())
}

func TestHostCanSkipDisconnectedRoller(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B", "C")
	tr.waitTurn("A")
	require.NoError(t, tr.p("A").EndPlayerTurn(ctx))
	tr.waitTurn("B")
	require.NoError(t, tr.p("B").EndPlayerTurn(ctx))
	tr.waitTurn("C")

	require.NoError(t, tr.p("C").Close())
	c := tr.snapshot().Player("C")
	assert.False(t, c.IsConnected)
	assert.Equal(t, models.StateRolling, c.State, "no automatic forfeiture")

	assert.ErrorIs(t, tr.p("B").NextTurn(ctx), room.ErrNotHost)
	require.NoError(t, tr.p("A").NextTurn(ctx))
	tr.waitTurn("A")
}

func TestSoloSessionCyclesLocalPlayer(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	events := &eventLog{}
	s, err := Open(ctx, b.Connect("solo"), "practice", "Me", Config{
		Solo: true, Listener: events, SettleDelay: testSettle,
	})
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool { return s.CanPlayerAct("") }, waitFor, tick)
	require.NoError(t, s.EndPlayerTurn(ctx))
	require.Eventually(t, func() bool { return s.CanPlayerAct("") && s.Round() == 2 }, waitFor, tick)
	assert.Equal(t, 1, events.count(EventRoundComplete))
}
