// internal/lobby/lobby_test.go
package lobby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerMessagesSkipSender(t *testing.T) {
	s := NewStore()
	a := NewConnection("A", 4, nil, nil)
	b := NewConnection("B", 4, nil, nil)
	l := s.Join("room", a)
	s.Join("room", b)

	l.BroadcastPeer(a, map[string]any{"cursor": 3})
	require.Len(t, b.OutChan, 1)
	assert.Empty(t, a.OutChan)
	msg := (<-b.OutChan).(map[string]any)
	assert.Equal(t, "peer", msg["type"])
	assert.Equal(t, "A", msg["player"])
	assert.Equal(t, map[string]any{"cursor": 3}, msg["payload"])
}

func TestWriteDropsWhenFull(t *testing.T) {
	c := NewConnection("A", 1, nil, nil)
	c.Write(map[string]any{"type": "one"})
	c.WriteError("two")
	require.Len(t, c.OutChan, 1)
	assert.Equal(t, map[string]any{"type": "one"}, <-c.OutChan)
}

func TestLeaveDropsEmptyLobby(t *testing.T) {
	s := NewStore()
	a := NewConnection("A", 1, nil, nil)
	b := NewConnection("B", 1, nil, nil)
	s.Join("room", a)
	l := s.Join("room", b)
	assert.ElementsMatch(t, []string{"A", "B"}, l.Players())

	s.Leave("room", a.ID)
	assert.Equal(t, 1, s.Count())
	s.Leave("room", b.ID)
	assert.Equal(t, 0, s.Count())
	_, ok := s.Get("room")
	assert.False(t, ok)
	// unknown keys are ignored
	s.Leave("missing", a.ID)
}

func TestKickCancelsConnections(t *testing.T) {
	s := NewStore()
	cancelled := 0
	a := NewConnection("A", 1, func() { cancelled++ }, nil)
	s.Join("room", a)
	s.Join("room", NewConnection("B", 1, func() { cancelled++ }, nil))
	assert.False(t, a.Kicked())
	assert.Equal(t, 2, s.Kick("room"))
	assert.Equal(t, 2, cancelled)
	assert.True(t, a.Kicked())
	assert.Equal(t, 0, s.Kick("other"))
}
