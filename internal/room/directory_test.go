// internal/room/directory_test.go
package room

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, b *store.MemoryBackend, id string) (*Directory, *store.MemoryClient) {
	t.Helper()
	c := b.Connect(id)
	t.Cleanup(func() { c.Close() })
	return NewDirectory(c, nil), c
}

func loadRoom(t *testing.T, b *store.MemoryBackend, key string) *models.Room {
	t.Helper()
	room, err := models.DecodeRoom(key, b.Snapshot(models.RoomPath(key)))
	require.NoError(t, err)
	return room
}

func TestJoinCreatesRoomAndHost(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	d, _ := newTestDirectory(t, b, "a")

	m, err := d.Join(ctx, " Lucky ", "A")
	require.NoError(t, err)
	assert.Equal(t, "lucky", m.Key)
	assert.True(t, m.IsHost)

	room := loadRoom(t, b, "lucky")
	assert.Equal(t, "Lucky", room.DisplayName)
	assert.Equal(t, "A", room.HostID)
	assert.NotEmpty(t, room.GameState.GameID)
	assert.Equal(t, models.DefaultSettings(), room.Settings)
	require.NotNil(t, room.Player("A"))
	assert.Equal(t, models.StateWaiting, room.Player("A").State)
	assert.True(t, room.Player("A").IsConnected)
}

func TestJoinRoomKeyIsCaseInsensitiveNamesAreNot(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	da, _ := newTestDirectory(t, b, "a")
	db, _ := newTestDirectory(t, b, "b")

	_, err := da.Join(ctx, "ROOM", "alice")
	require.NoError(t, err)
	m, err := db.Join(ctx, "room", "Alice")
	require.NoError(t, err)
	assert.False(t, m.IsHost)

	room := loadRoom(t, b, "room")
	assert.ElementsMatch(t, []string{"alice", "Alice"}, models.Names(room.Roster()))
	assert.Equal(t, "alice", room.HostID)
}

func TestJoinRejectsConnectedNameCollision(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	da, _ := newTestDirectory(t, b, "a")
	db, _ := newTestDirectory(t, b, "b")

	_, err := da.Join(ctx, "r", "A")
	require.NoError(t, err)
	_, err = db.Join(ctx, "r", "A")
	assert.ErrorIs(t, err, ErrNameTaken)

	_, err = db.Join(ctx, "r", "bad/name")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestReconnectPreservesScoreAndState(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	first := b.Connect("first")
	d := NewDirectory(first, nil)
	_, err := d.Join(ctx, "r", "C")
	require.NoError(t, err)
	require.NoError(t, first.Update(ctx, map[string]any{
		models.PlayerField("r", "C", "score"): 750,
		models.PlayerField("r", "C", "state"): string(models.StateRolling),
	}))

	// tab closed: the on-disconnect writes fire
	require.NoError(t, first.Close())
	room := loadRoom(t, b, "r")
	c := room.Player("C")
	require.NotNil(t, c)
	assert.False(t, c.IsConnected)
	assert.Equal(t, models.StateRolling, c.State)
	assert.NotZero(t, c.LastSeen)

	d2, _ := newTestDirectory(t, b, "second")
	m, err := d2.Join(ctx, "r", "C")
	require.NoError(t, err)
	assert.True(t, m.Reconnected)
	assert.True(t, m.IsHost)

	room = loadRoom(t, b, "r")
	c = room.Player("C")
	assert.True(t, c.IsConnected)
	assert.Equal(t, 750, c.Score)
	assert.Equal(t, models.StateRolling, c.State)
	assert.True(t, c.IsHost)
}

func TestLeaveReelectsHostAndClearsTurn(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	da, ca := newTestDirectory(t, b, "a")
	db, _ := newTestDirectory(t, b, "b")
	dc, _ := newTestDirectory(t, b, "c")

	for _, j := range []struct {
		d    *Directory
		name string
	}{{da, "A"}, {db, "B"}, {dc, "C"}} {
		_, err := j.d.Join(ctx, "r", j.name)
		require.NoError(t, err)
	}
	require.NoError(t, ca.Update(ctx, map[string]any{
		"rooms/r/gameState/currentTurn": "A",
		"rooms/r/finalRound": map[string]any{
			"state": "final_round", "winTriggerPlayer": "C",
			"tracker": map[string]any{"A": false, "B": false},
		},
	}))

	require.NoError(t, da.Leave(ctx, "r", "A"))
	room := loadRoom(t, b, "r")
	assert.Nil(t, room.Player("A"))
	assert.Equal(t, "B", room.HostID)
	assert.True(t, room.Player("B").IsHost)
	assert.Empty(t, room.GameState.CurrentTurn)
	assert.Equal(t, map[string]bool{"B": false}, room.FinalRound.Tracker)

	// closing the leaver's client must not resurrect its record
	require.NoError(t, ca.Close())
	assert.Nil(t, loadRoom(t, b, "r").Player("A"))
}

func TestDisconnectKeepsRecord(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	d, _ := newTestDirectory(t, b, "a")
	_, err := d.Join(ctx, "r", "A")
	require.NoError(t, err)

	require.NoError(t, d.Disconnect(ctx, "r", "A"))
	p := loadRoom(t, b, "r").Player("A")
	require.NotNil(t, p)
	assert.False(t, p.IsConnected)
}

func TestUpdateSettingsHostOnly(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	da, _ := newTestDirectory(t, b, "a")
	db, _ := newTestDirectory(t, b, "b")
	_, err := da.Join(ctx, "r", "A")
	require.NoError(t, err)
	_, err = db.Join(ctx, "r", "B")
	require.NoError(t, err)

	s := models.Settings{WinningScore: 5000, MinimumEntry: 0, ThreeOnesScore: 1000}
	assert.ErrorIs(t, db.UpdateSettings(ctx, "r", "B", s), ErrNotHost)
	require.NoError(t, da.UpdateSettings(ctx, "r", "A", s))
	assert.Equal(t, s, loadRoom(t, b, "r").Settings)

	assert.Error(t, da.UpdateSettings(ctx, "r", "A", models.Settings{WinningScore: 100, ThreeOnesScore: 400}))
}

func TestClearRoom(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	d, _ := newTestDirectory(t, b, "a")
	_, err := d.Join(ctx, "r", "A")
	require.NoError(t, err)
	require.NoError(t, d.ClearRoom(ctx, "r"))
	assert.Nil(t, b.Snapshot("rooms/r"))
}

func TestElectHost(t *testing.T) {
	roster := []*models.Player{{Name: "B", JoinedAt: 2}, {Name: "A", JoinedAt: 1}}
	assert.Equal(t, "B", ElectHost(roster, "B"))
	assert.Equal(t, "A", ElectHost(roster, "gone"))
	assert.Equal(t, "A", ElectHost(roster, ""))
	assert.Equal(t, "", ElectHost(nil, "A"))
}

func TestTrimEventLogs(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	d, c := newTestDirectory(t, b, "a")
	_, err := d.Join(ctx, "r", "A")
	require.NoError(t, err)

	var keys []string
	for i := 0; i < 5; i++ {
		k, err := c.Push(ctx, models.EventsPath("r", DiceRollsLog), map[string]any{"n": i})
		require.NoError(t, err)
		keys = append(keys, k)
	}
	removed, err := d.TrimEventLogs(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, keys[3:], store.SortedKeys(b.Snapshot(models.EventsPath("r", DiceRollsLog))))
	require.NotNil(t, loadRoom(t, b, "r").Player("A"))
}

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) SweepExpired(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestRunJanitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := store.NewMemoryBackend()
	d, c := newTestDirectory(t, b, "a")
	_, err := d.Join(ctx, "r", "A")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := c.Push(ctx, models.EventsPath("r", MaterialsLog), map[string]any{"n": i})
		require.NoError(t, err)
	}

	sw := &countingSweeper{}
	done := make(chan error, 1)
	go func() { done <- d.RunJanitor(ctx, 5*time.Millisecond, 1, sw) }()

	require.Eventually(t, func() bool {
		return len(store.SortedKeys(b.Snapshot(models.EventsPath("r", MaterialsLog)))) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, sw.calls.Load())

	cancel()
	require.NoError(t, <-done)
}
