// internal/lobby/lobby_store.go
package lobby

import (
	"sync"

	"github.com/google/uuid"
)

// Store tracks the lobbies with at least one connection on this replica.
type Store struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{lobbies: make(map[string]*Lobby)}
}

// Join adds conn to the lobby for key, creating it if needed.
func (s *Store) Join(key string, conn *Connection) *Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[key]
	if !ok {
		l = newLobby(key)
		s.lobbies[key] = l
	}
	l.AddConnection(conn)
	return l
}

// Leave removes a connection and drops the lobby once it is empty.
func (s *Store) Leave(key string, id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[key]
	if !ok {
		return
	}
	if l.removeConnection(id) {
		delete(s.lobbies, key)
	}
}

// Get returns the lobby for key if any socket of it is connected here.
func (s *Store) Get(key string) (*Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[key]
	return l, ok
}

// Kick cancels every connection of the lobby for key and returns how many were closed.
func (s *Store) Kick(key string) int {
	l, ok := s.Get(key)
	if !ok {
		return 0
	}
	conns := l.snapshot()
	for _, conn := range conns {
		conn.kicked.Store(true)
		conn.Cancel()
	}
	return len(conns)
}

// Count returns the number of lobbies tracked.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lobbies)
}
