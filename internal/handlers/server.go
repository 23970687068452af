// internal/handlers/server.go
package handlers

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/farkle/internal/dice"
	"github.com/jason-s-yu/farkle/internal/game"
	"github.com/jason-s-yu/farkle/internal/lobby"
	"github.com/jason-s-yu/farkle/internal/room"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Subprotocol is the WebSocket subprotocol clients must request.
const Subprotocol = "farkle"

// StoreFactory opens a new store client. Every player socket gets its own.
type StoreFactory func(clientID string) store.Store

// RoomServer holds what the room handlers share: the store factory, the
// local peer hub and the collaborators handed to each session.
type RoomServer struct {
	NewStore StoreFactory
	Lobbies  *lobby.Store
	Logger   *logrus.Entry

	Recorder          game.Recorder
	Actions           game.ActionLogger
	Roller            dice.Roller
	SettleDelay       time.Duration
	FinalRoundRecheck time.Duration
	OutBuffer         int
	// ActionRate and ActionBurst throttle inbound messages per socket.
	ActionRate  rate.Limit
	ActionBurst int

	// admin is a long-lived client for snapshots and administrative writes.
	admin store.Store
	dir   *room.Directory
}

// NewRoomServer returns a server with no-op collaborators; set the exported
// fields before serving.
func NewRoomServer(factory StoreFactory, logger *logrus.Entry) *RoomServer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	admin := factory("http-" + uuid.NewString())
	return &RoomServer{
		NewStore:    factory,
		Lobbies:     lobby.NewStore(),
		Logger:      logger,
		OutBuffer:   64,
		ActionRate:  rate.Every(100 * time.Millisecond),
		ActionBurst: 10,
		admin:       admin,
		dir:         room.NewDirectory(admin, logger),
	}
}

// Directory exposes the room directory backed by the server's own client.
func (rs *RoomServer) Directory() *room.Directory { return rs.dir }

// Close releases the server's store client.
func (rs *RoomServer) Close() error { return rs.admin.Close() }

func (rs *RoomServer) sessionConfig(logger *logrus.Entry, listener game.Listener) game.Config {
	return game.Config{
		Logger:            logger,
		Listener:          listener,
		Recorder:          rs.Recorder,
		ActionLogger:      rs.Actions,
		Roller:            rs.Roller,
		SettleDelay:       rs.SettleDelay,
		FinalRoundRecheck: rs.FinalRoundRecheck,
	}
}
