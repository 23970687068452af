// internal/game/final_round_test.go
package game

import (
	"context"
	"testing"
	"time"

	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/room"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorderFunc adapts a function to Recorder.
type recorderFunc func(ctx context.Context, res models.GameResult) error

func (f recorderFunc) RecordGame(ctx context.Context, res models.GameResult) error {
	return f(ctx, res)
}

func TestFinalRoundScenario(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B")
	tr.write(map[string]any{models.PlayerField("room", "A", "score"): 9950})
	tr.waitTurn("A")

	a, b := tr.p("A"), tr.p("B")
	a.AddPendingPoints(100, "single one")
	n, err := a.Bank(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	tr.waitPhase(models.PhaseFinalRound)
	tr.waitTurn("B")
	room := tr.snapshot()
	assert.Equal(t, "A", room.FinalRound.WinTriggerPlayer)
	assert.Equal(t, map[string]bool{"B": false}, room.FinalRound.Tracker)
	assert.Equal(t, 10050, room.Player("A").Score)
	assert.Equal(t, models.StateEndedTurn, room.Player("A").State)
	assert.False(t, a.CanPlayerAct(""), "trigger is frozen")
	require.Eventually(t, func() bool { return a.events.count(EventFinalRound) == 1 && b.events.count(EventFinalRound) == 1 }, waitFor, tick)

	b.AddPendingPoints(600, "three twos and four hundred")
	_, err = b.Bank(ctx)
	require.NoError(t, err)

	tr.waitPhase(models.PhaseEnded)
	require.Eventually(t, func() bool { return a.events.count(EventGameOver) == 1 && b.events.count(EventGameOver) == 1 }, waitFor, tick)
	over := b.events.last(EventGameOver)
	assert.Equal(t, "A", over.Player)
	assert.Equal(t, []models.Standing{{Rank: 1, Name: "A", Score: 10050}, {Rank: 2, Name: "B", Score: 600}}, over.Standings)
	assert.Equal(t, map[string]bool{"B": true}, tr.snapshot().FinalRound.Tracker)

	// redundant echoes must not present the game over again
	tr.write(map[string]any{"rooms/room/players/A/lastSeen": 1})
	tr.write(map[string]any{"rooms/room/finalRound/state": string(models.PhaseEnded)})
	time.Sleep(3 * testSettle)
	assert.Equal(t, 1, a.events.count(EventGameOver))
	assert.Equal(t, 1, b.events.count(EventGameOver))

	assert.False(t, b.CanPlayerAct(""))
	_, err = b.BankPendingPoints(ctx, "")
	assert.ErrorIs(t, err, ErrScoreFrozen)
}

func TestSecondWinningBankDoesNotRetrigger(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B")
	tr.write(map[string]any{
		models.PlayerField("room", "A", "score"): 9950,
		models.PlayerField("room", "B", "score"): 9850,
	})
	tr.waitTurn("A")

	a, b := tr.p("A"), tr.p("B")
	a.AddPendingPoints(100, "single one")
	_, err := a.Bank(ctx)
	require.NoError(t, err)
	tr.waitPhase(models.PhaseFinalRound)
	tr.waitTurn("B")
	require.Eventually(t, func() bool { return b.CanPlayerAct("") }, waitFor, tick)
	require.Eventually(t, func() bool { return a.events.count(EventFinalRound) == 1 && b.events.count(EventFinalRound) == 1 }, waitFor, tick)

	b.AddPendingPoints(600, "three twos and four hundred")
	n, err := b.Bank(ctx)
	require.NoError(t, err)
	assert.Equal(t, 600, n)

	tr.waitPhase(models.PhaseEnded)
	room := tr.snapshot()
	assert.Equal(t, "A", room.FinalRound.WinTriggerPlayer)
	assert.Equal(t, map[string]bool{"B": true}, room.FinalRound.Tracker)
	assert.Equal(t, 10450, room.Player("B").Score)

	require.Eventually(t, func() bool { return a.events.count(EventGameOver) == 1 && b.events.count(EventGameOver) == 1 }, waitFor, tick)
	time.Sleep(3 * testSettle)
	assert.Equal(t, 1, a.events.count(EventFinalRound))
	assert.Equal(t, 1, b.events.count(EventFinalRound))
	assert.Equal(t, 1, a.events.count(EventGameOver))
	over := a.events.last(EventGameOver)
	assert.Equal(t, "B", over.Player)
	assert.Equal(t, []models.Standing{{Rank: 1, Name: "B", Score: 10450}, {Rank: 2, Name: "A", Score: 10050}}, over.Standings)
}

func TestFinalRoundWaitsForEveryone(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B", "C")
	tr.write(map[string]any{models.PlayerField("room", "B", "score"): 9900})
	tr.waitTurn("A")
	require.NoError(t, tr.p("A").EndPlayerTurn(ctx))
	tr.waitTurn("B")

	tr.p("B").AddPendingPoints(500, "three fives")
	_, err := tr.p("B").Bank(ctx)
	require.NoError(t, err)
	tr.waitPhase(models.PhaseFinalRound)
	tr.waitTurn("C")

	require.NoError(t, tr.p("C").EndPlayerTurn(ctx))
	// A ended before the trigger and still owes a turn: the round restarts
	// without B
	tr.waitTurn("A")
	assert.Equal(t, models.PhaseFinalRound, tr.snapshot().Phase())
	assert.Equal(t, models.StateEndedTurn, tr.snapshot().Player("B").State)
	assert.Equal(t, models.StateEndedTurn, tr.snapshot().Player("C").State, "C already took its final turn")

	require.NoError(t, tr.p("A").EndPlayerTurn(ctx))
	tr.waitPhase(models.PhaseEnded)
	over := tr.p("C").events.last(EventGameOver)
	require.NotNil(t, over)
	assert.Equal(t, "B", over.Player)
}

func TestStuckFinalRoundRecheck(t *testing.T) {
	tr := newTestRoom(t, "A", "B", "C")
	tr.waitTurn("A")

	// B's turn end is never observed as a ROLLING to ENDED_TURN transition;
	// C joined after the trigger and owes nothing
	start := time.Now().UnixMilli()
	tr.write(map[string]any{
		"rooms/room/finalRound": map[string]any{
			"state": "final_round", "winTriggerPlayer": "A", "startedAt": start,
			"tracker": map[string]any{"B": false},
		},
		models.PlayerField("room", "A", "state"):          E,
		models.PlayerField("room", "B", "state"):          E,
		models.PlayerField("room", "B", "stateTimestamp"): start + 1,
	})
	tr.waitTurn("C")
	assert.Equal(t, models.PhaseFinalRound, tr.snapshot().Phase())

	tr.waitPhase(models.PhaseEnded)
	assert.Equal(t, map[string]bool{"B": true}, tr.snapshot().FinalRound.Tracker)
}

func TestLeavingOwedPlayerEndsFinalRound(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B", "C")
	tr.write(map[string]any{models.PlayerField("room", "A", "score"): 9950})
	tr.waitTurn("A")
	tr.p("A").AddPendingPoints(100, "single one")
	_, err := tr.p("A").Bank(ctx)
	require.NoError(t, err)
	tr.waitTurn("B")
	require.NoError(t, tr.p("B").EndPlayerTurn(ctx))
	tr.waitTurn("C")

	require.NoError(t, tr.p("C").Leave(ctx))
	tr.waitPhase(models.PhaseEnded)
}

func TestWinWithNoOpponentsEndsImmediately(t *testing.T) {
	ctx := context.Background()
	var recorded []models.GameResult
	done := make(chan struct{}, 1)
	b := store.NewMemoryBackend()
	s, err := Open(ctx, b.Connect("a"), "room", "A", Config{
		SettleDelay: testSettle,
		Recorder: recorderFunc(func(_ context.Context, res models.GameResult) error {
			recorded = append(recorded, res)
			done <- struct{}{}
			return nil
		}),
	})
	require.NoError(t, err)
	defer s.Close()
	require.Eventually(t, func() bool { return s.CanPlayerAct("") }, waitFor, tick)

	require.NoError(t, s.UpdateSettings(ctx, models.Settings{WinningScore: 500, MinimumEntry: 0, ThreeOnesScore: 1000}))
	s.AddPendingPoints(1000, "three ones")
	_, err = s.Bank(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Phase() == models.PhaseEnded }, waitFor, tick)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("game result not recorded")
	}
	require.Len(t, recorded, 1)
	assert.Equal(t, "A", recorded[0].Winner)
	assert.NotEmpty(t, recorded[0].GameID)
}

func TestResetGameState(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B")
	tr.write(map[string]any{models.PlayerField("room", "A", "score"): 9950})
	tr.waitTurn("A")
	tr.p("A").AddPendingPoints(100, "single one")
	_, err := tr.p("A").Bank(ctx)
	require.NoError(t, err)
	tr.waitTurn("B")
	tr.p("B").AddPendingPoints(500, "three fives")
	_, err = tr.p("B").Bank(ctx)
	require.NoError(t, err)
	tr.waitPhase(models.PhaseEnded)
	oldGame := tr.snapshot().GameState.GameID

	assert.ErrorIs(t, tr.p("B").ResetGameState(ctx), room.ErrNotHost)
	require.NoError(t, tr.p("A").ResetGameState(ctx))

	tr.waitPhase(models.PhasePlaying)
	tr.waitTurn("A")
	snap := tr.snapshot()
	assert.NotEqual(t, oldGame, snap.GameState.GameID)
	assert.Equal(t, 0, snap.Player("A").Score)
	assert.Equal(t, 0, snap.Player("B").Score)
	assert.Nil(t, tr.backend.Snapshot(models.FinalRoundPath("room")))
	require.Eventually(t, func() bool { return tr.p("B").events.count(EventGameRestarted) == 1 }, waitFor, tick)
	assert.Equal(t, 1, tr.p("B").Round())
}

func TestRankStandings(t *testing.T) {
	got := RankStandings([]*models.Player{
		{Name: "C", Score: 500, JoinedAt: 3},
		{Name: "A", Score: 900, JoinedAt: 1},
		{Name: "B", Score: 500, JoinedAt: 2},
	})
	assert.Equal(t, []models.Standing{
		{Rank: 1, Name: "A", Score: 900},
		{Rank: 2, Name: "B", Score: 500},
		{Rank: 2, Name: "C", Score: 500},
	}, got)
}

func TestReconnectUnderSameNameRestoresPlayer(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, "A", "B", "C")
	tr.write(map[string]any{models.PlayerField("room", "C", "score"): 700})
	tr.waitTurn("A")
	require.NoError(t, tr.p("A").EndPlayerTurn(ctx))
	tr.waitTurn("B")
	require.NoError(t, tr.p("B").EndPlayerTurn(ctx))
	tr.waitTurn("C")

	require.NoError(t, tr.p("C").Close())
	require.Eventually(t, func() bool {
		return tr.p("A").events.last(EventPlayerConnection) != nil
	}, waitFor, tick)
	assert.Equal(t, "C", tr.p("A").CurrentTurn(), "room stalls on the disconnected roller")

	back := tr.join("C", Config{})
	tr.waitTurn("C")
	c := tr.snapshot().Player("C")
	assert.True(t, c.IsConnected)
	assert.Equal(t, 700, c.Score)
	assert.True(t, back.CanPlayerAct(""))
}
