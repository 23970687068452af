// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/farkle/internal/game"
	"github.com/jason-s-yu/farkle/internal/lobby"
	"github.com/jason-s-yu/farkle/internal/middleware"
	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/room"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RoomMessage is an action sent by a player socket.
type RoomMessage struct {
	Type     string           `json:"type"`
	Indices  []int            `json:"indices,omitempty"`
	Settings *models.Settings `json:"settings,omitempty"`
	Material string           `json:"material,omitempty"`
	// Payload carries peer messages verbatim.
	Payload map[string]any `json:"payload,omitempty"`
}

// RoomWSHandler upgrades GET /rooms/{room}/ws?name=X, joins the room as X and
// runs a session for the lifetime of the socket.
func RoomWSHandler(rs *RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomName := chi.URLParam(r, "room")
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if roomName == "" || name == "" {
			http.Error(w, "room and name are required", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			rs.Logger.WithError(err).Warn("websocket accept error")
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != Subprotocol {
			c.Close(BadSubprotocolError, "client must speak the farkle subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		logger := rs.Logger.WithFields(logrus.Fields{"room": roomName, "player": name})
		conn := lobby.NewConnection(name, rs.OutBuffer, cancel, logger)
		listener := game.ListenerFunc(func(ev game.Event) {
			conn.Write(ev)
			if ev.Type == game.EventPlayerLeft && ev.Player == name && ev.Payload["removed"] == true {
				// removed by someone else; the socket has nothing left to serve
				cancel()
			}
		})

		st := rs.NewStore(name + "-" + uuid.NewString())
		sess, err := game.Open(ctx, st, roomName, name, rs.sessionConfig(logger, listener))
		if err != nil {
			st.Close()
			code, reason := joinFailure(err)
			logger.WithError(err).Warn("join rejected")
			c.Close(code, reason)
			return
		}
		key := sess.RoomKey()
		middleware.LogWebSocketConnect(rs.Logger, r.RemoteAddr, key, name)

		l := rs.Lobbies.Join(key, conn)
		defer rs.Lobbies.Leave(key, conn.ID)
		conn.Write(map[string]any{"type": "welcome", "room": key, "self": sess.Self(), "state": sess.State()})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return writePump(gctx, c, conn, logger) })
		g.Go(func() error {
			defer cancel()
			limiter := rate.NewLimiter(rs.ActionRate, rs.ActionBurst)
			return readPump(gctx, c, sess, l, conn, limiter, logger)
		})
		err = g.Wait()

		if conn.Kicked() {
			cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
			if cerr := st.CancelOnDisconnect(cctx, models.PlayerPath(key, name)); cerr != nil {
				logger.WithError(cerr).Warn("failed to cancel presence writes")
			}
			ccancel()
			c.Close(RoomClearedError, "room cleared")
		}
		sess.Close()
		middleware.LogWebSocketDisconnect(rs.Logger, r.RemoteAddr, key, name, err)
		c.Close(websocket.StatusNormalClosure, "")
	}
}

func joinFailure(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, room.ErrNameTaken):
		return NameTakenError, "name already taken"
	case errors.Is(err, room.ErrInvalidName), errors.Is(err, store.ErrInvalidPath):
		return InvalidNameError, "invalid room or player name"
	default:
		return JoinFailedError, "could not join room"
	}
}

// readPump handles incoming actions until the socket closes, the context is
// cancelled or the player leaves.
func readPump(ctx context.Context, c *websocket.Conn, sess *game.Session, l *lobby.Lobby, conn *lobby.Connection, limiter *rate.Limiter, logger *logrus.Entry) error {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		msgType, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msgType != websocket.MessageText {
			logger.Warnf("ignoring non-text message type %d", msgType)
			continue
		}

		var msg RoomMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.WriteError("invalid JSON format")
			continue
		}

		logger.WithField("action", msg.Type).Debug("received action")
		if msg.Type == "peer" {
			l.BroadcastPeer(conn, msg.Payload)
			continue
		}
		reply, leave, err := handleRoomMessage(ctx, sess, msg)
		switch {
		case err != nil:
			conn.Write(map[string]any{"type": "error", "action": msg.Type, "message": err.Error()})
		case reply != nil:
			conn.Write(reply)
		}
		if leave {
			return nil
		}
	}
}

// handleRoomMessage routes one action to the session. leave reports that the
// player left the room and the socket should close.
func handleRoomMessage(ctx context.Context, sess *game.Session, msg RoomMessage) (reply map[string]any, leave bool, err error) {
	switch msg.Type {
	case "roll":
		faces, err := sess.Roll(ctx)
		if err != nil {
			return nil, false, err
		}
		return map[string]any{"type": "roll_result", "faces": faces[:]}, false, nil

	case "lock":
		points, err := sess.Lock(ctx, msg.Indices)
		if err != nil {
			return nil, false, err
		}
		return map[string]any{"type": "lock_result", "points": points, "pending": sess.PendingPoints()}, false, nil

	case "bank":
		points, err := sess.Bank(ctx)
		if err != nil {
			return nil, false, err
		}
		return map[string]any{"type": "bank_result", "points": points}, false, nil

	case "end_turn":
		return nil, false, sess.EndPlayerTurn(ctx)

	case "next_turn":
		return nil, false, sess.NextTurn(ctx)

	case "restart":
		return nil, false, sess.ResetGameState(ctx)

	case "settings":
		if msg.Settings == nil {
			return nil, false, errors.New("settings payload is required")
		}
		return nil, false, sess.UpdateSettings(ctx, *msg.Settings)

	case "material":
		return nil, false, sess.SetMaterial(ctx, msg.Material)

	case "state":
		return map[string]any{"type": "state", "state": sess.State()}, false, nil

	case "leave":
		if err := sess.Leave(ctx); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	case "ping":
		return map[string]any{"type": "pong"}, false, nil

	default:
		return nil, false, fmt.Errorf("unknown action type: %s", msg.Type)
	}
}

// writePump drains the connection's outbound channel and pings periodically.
func writePump(ctx context.Context, c *websocket.Conn, conn *lobby.Connection, logger *logrus.Entry) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-conn.OutChan:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c, msg)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WithError(err).Warn("failed to write to websocket")
				return err
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("ping failed, assuming disconnect")
				return err
			}
		}
	}
}
