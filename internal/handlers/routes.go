// internal/handlers/routes.go
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jason-s-yu/farkle/internal/auth"
	"github.com/jason-s-yu/farkle/internal/middleware"
)

// Routes builds the HTTP surface of the room service.
func Routes(rs *RoomServer, iss *auth.Issuer, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/ping"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/rooms/{room}/ws", RoomWSHandler(rs))

	r.Group(func(r chi.Router) {
		r.Use(middleware.LogMiddleware(rs.Logger))
		r.Get("/rooms/{room}", RoomSnapshotHandler(rs))
		r.With(middleware.RequireRole(iss, auth.RoleAdmin)).Delete("/admin/rooms/{room}", ClearRoomHandler(rs))
	})
	return r
}
