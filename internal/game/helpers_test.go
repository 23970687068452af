// internal/game/helpers_test.go
package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/farkle/internal/dice"
	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/stretchr/testify/require"
)

const (
	testSettle  = 20 * time.Millisecond
	testRecheck = 100 * time.Millisecond
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// eventLog collects events instead of sending them over WS.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) last(t EventType) *Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			ev := l.events[i]
			return &ev
		}
	}
	return nil
}

// scriptedRoller replays fixed throws. Locked dice keep their faces.
type scriptedRoller struct {
	mu     sync.Mutex
	throws [][dice.NumDice]int
}

func (r *scriptedRoller) Roll(locked [dice.NumDice]bool, prev [dice.NumDice]int) [dice.NumDice]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := [dice.NumDice]int{2, 3, 4, 6, 2, 3}
	if len(r.throws) > 0 {
		next, r.throws = r.throws[0], r.throws[1:]
	}
	for i := range next {
		if locked[i] {
			next[i] = prev[i]
		}
	}
	return next
}

type testPlayer struct {
	*Session
	events *eventLog
	roller *scriptedRoller
}

type testRoom struct {
	t       *testing.T
	backend *store.MemoryBackend
	admin   *store.MemoryClient
	players map[string]*testPlayer
	order   []string
}

// newTestRoom opens one session per name against a shared memory backend.
// Names are joined in order, which is also roster order.
func newTestRoom(t *testing.T, names ...string) *testRoom {
	t.Helper()
	b := store.NewMemoryBackend()
	tr := &testRoom{t: t, backend: b, admin: b.Connect("admin"), players: make(map[string]*testPlayer)}
	t.Cleanup(func() {
		for _, p := range tr.players {
			p.Close()
		}
		tr.admin.Close()
	})
	for _, name := range names {
		tr.join(name, Config{})
	}
	return tr
}

func (tr *testRoom) join(name string, cfg Config) *testPlayer {
	tr.t.Helper()
	p := &testPlayer{events: &eventLog{}, roller: &scriptedRoller{}}
	cfg.Listener = p.events
	cfg.Roller = p.roller
	cfg.SettleDelay = testSettle
	cfg.FinalRoundRecheck = testRecheck
	s, err := Open(context.Background(), tr.backend.Connect(name+"-"+uuid.NewString()), "Room", name, cfg)
	require.NoError(tr.t, err)
	// keep joinedAt distinct so roster order is join order
	time.Sleep(2 * time.Millisecond)
	p.Session = s
	tr.players[name] = p
	tr.order = append(tr.order, name)
	return p
}

func (tr *testRoom) p(name string) *testPlayer { return tr.players[name] }

func (tr *testRoom) snapshot() *models.Room {
	room, err := models.DecodeRoom("room", tr.backend.Snapshot("rooms/room"))
	require.NoError(tr.t, err)
	return room
}

func (tr *testRoom) write(updates map[string]any) {
	require.NoError(tr.t, tr.admin.Update(context.Background(), updates))
}

func (tr *testRoom) open() []*testPlayer {
	var out []*testPlayer
	for _, name := range tr.order {
		p := tr.players[name]
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			out = append(out, p)
		}
	}
	return out
}

// waitTurn waits until every open session agrees that name is rolling.
func (tr *testRoom) waitTurn(name string) {
	tr.t.Helper()
	require.Eventually(tr.t, func() bool {
		for _, p := range tr.open() {
			if p.CurrentTurn() != name {
				return false
			}
		}
		if owner := tr.players[name]; owner != nil && !owner.CanPlayerAct("") {
			return false
		}
		return tr.snapshot().Player(name).State == models.StateRolling
	}, waitFor, tick, "waiting for %s to roll", name)
}

func (tr *testRoom) waitPhase(phase models.Phase) {
	tr.t.Helper()
	require.Eventually(tr.t, func() bool {
		for _, p := range tr.open() {
			if p.Phase() != phase {
				return false
			}
		}
		return true
	}, waitFor, tick, "waiting for phase %s", phase)
}

func (tr *testRoom) waitScore(name string, score int) {
	tr.t.Helper()
	require.Eventually(tr.t, func() bool {
		for _, p := range tr.open() {
			if p.PlayerScore(name) != score {
				return false
			}
		}
		return true
	}, waitFor, tick, "waiting for %s to have %d", name, score)
}

// plainStore hides the Incrementer capability.
type plainStore struct {
	store.Store
}
