// internal/lobby/lobby.go
package lobby

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Connection is one player socket on this replica.
type Connection struct {
	ID      uuid.UUID
	Player  string
	Cancel  func()
	OutChan chan any
	log     *logrus.Entry
	kicked  atomic.Bool
}

// NewConnection returns a connection with a buffered outbound channel.
func NewConnection(player string, buffer int, cancel func(), logger *logrus.Entry) *Connection {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cancel == nil {
		cancel = func() {}
	}
	id := uuid.New()
	return &Connection{
		ID:      id,
		Player:  player,
		Cancel:  cancel,
		OutChan: make(chan any, buffer),
		log:     logger.WithField("conn", id.String()),
	}
}

// Write pushes a message onto OutChan without blocking. A full channel drops the message.
func (conn *Connection) Write(msg any) {
	select {
	case conn.OutChan <- msg:
	default:
		conn.log.WithField("type", messageType(msg)).Warn("outbound channel full, dropped message")
	}
}

// Kicked reports whether the connection was closed by Store.Kick.
func (conn *Connection) Kicked() bool { return conn.kicked.Load() }

func messageType(msg any) string {
	switch m := msg.(type) {
	case map[string]any:
		t, _ := m["type"].(string)
		return t
	case fmt.Stringer:
		return m.String()
	default:
		return fmt.Sprintf("%T", msg)
	}
}

// WriteError is a convenience to send an error object.
func (conn *Connection) WriteError(msg string) {
	conn.Write(map[string]any{
		"type":    "error",
		"message": msg,
	})
}

// Lobby is the set of sockets of one room connected to this replica. It only
// carries the peer channel; game state lives in the shared store.
type Lobby struct {
	Key         string
	Connections map[uuid.UUID]*Connection
	Mu          sync.Mutex
}

func newLobby(key string) *Lobby {
	return &Lobby{Key: key, Connections: make(map[uuid.UUID]*Connection)}
}

// AddConnection registers conn.
func (lobby *Lobby) AddConnection(conn *Connection) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	lobby.Connections[conn.ID] = conn
}

// removeConnection drops conn and reports whether the lobby is now empty.
func (lobby *Lobby) removeConnection(id uuid.UUID) bool {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	delete(lobby.Connections, id)
	return len(lobby.Connections) == 0
}

func (lobby *Lobby) snapshot() []*Connection {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	conns := make([]*Connection, 0, len(lobby.Connections))
	for _, conn := range lobby.Connections {
		conns = append(conns, conn)
	}
	return conns
}

// BroadcastAll sends msg to every connection.
func (lobby *Lobby) BroadcastAll(msg any) {
	for _, conn := range lobby.snapshot() {
		conn.Write(msg)
	}
}

// BroadcastPeer relays a cosmetic message from one socket to the others.
func (lobby *Lobby) BroadcastPeer(from *Connection, payload map[string]any) {
	msg := map[string]any{
		"type":    "peer",
		"player":  from.Player,
		"payload": payload,
	}
	for _, conn := range lobby.snapshot() {
		if conn.ID != from.ID {
			conn.Write(msg)
		}
	}
}

// Players lists the player names with a socket on this replica.
func (lobby *Lobby) Players() []string {
	conns := lobby.snapshot()
	names := make([]string, 0, len(conns))
	for _, conn := range conns {
		names = append(names, conn.Player)
	}
	return names
}
