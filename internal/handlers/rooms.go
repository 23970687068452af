// internal/handlers/rooms.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/farkle/internal/game"
	"github.com/jason-s-yu/farkle/internal/middleware"
	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/sirupsen/logrus"
)

// RoomSnapshot is the read-only view served by GET /rooms/{room}.
type RoomSnapshot struct {
	Room        string            `json:"room"`
	DisplayName string            `json:"displayName"`
	Host        string            `json:"host"`
	CurrentTurn string            `json:"currentTurn"`
	Phase       models.Phase      `json:"phase"`
	GameID      string            `json:"gameId"`
	WinTrigger  string            `json:"winTrigger,omitempty"`
	Settings    models.Settings   `json:"settings"`
	Players     []models.Player   `json:"players"`
	Standings   []models.Standing `json:"standings"`
	// Local counts sockets of this room on the serving replica.
	Local int `json:"local"`
}

func roomKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := models.CanonicalRoomKey(chi.URLParam(r, "room"))
	if err != nil {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

// RoomSnapshotHandler serves the current scores, turn and phase of a room.
func RoomSnapshotHandler(rs *RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := roomKey(w, r)
		if !ok {
			return
		}
		rm, err := rs.dir.Load(r.Context(), key)
		if err != nil {
			rs.Logger.WithError(err).WithField("room", key).Error("failed to load room")
			http.Error(w, "failed to load room", http.StatusInternalServerError)
			return
		}
		if len(rm.Players) == 0 {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		roster := rm.Roster()
		snap := RoomSnapshot{
			Room:        key,
			DisplayName: rm.DisplayName,
			Host:        rm.HostID,
			CurrentTurn: game.DeriveCurrentTurn(roster, rm.GameState.CurrentTurn),
			Phase:       rm.Phase(),
			GameID:      rm.GameState.GameID,
			WinTrigger:  rm.FinalRound.WinTriggerPlayer,
			Settings:    rm.Settings,
			Players:     make([]models.Player, 0, len(roster)),
			Standings:   game.RankStandings(roster),
		}
		if l, ok := rs.Lobbies.Get(key); ok {
			snap.Local = len(l.Players())
		}
		for _, p := range roster {
			snap.Players = append(snap.Players, *p)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			rs.Logger.WithError(err).Warn("failed to encode room snapshot")
		}
	}
}

// ClearRoomHandler removes a room and closes its sockets on this replica.
// Requires an admin token.
func ClearRoomHandler(rs *RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := roomKey(w, r)
		if !ok {
			return
		}
		kicked := rs.Lobbies.Kick(key)
		if err := rs.dir.ClearRoom(r.Context(), key); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrInvalidPath) {
				status = http.StatusBadRequest
			}
			http.Error(w, "failed to clear room", status)
			return
		}
		fields := logrus.Fields{"room": key, "sockets": kicked}
		if c, ok := middleware.ClaimsFrom(r.Context()); ok {
			fields["admin"] = c.Subject
		}
		rs.Logger.WithFields(fields).Warn("room cleared by admin")
		w.WriteHeader(http.StatusNoContent)
	}
}
