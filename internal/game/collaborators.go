// internal/game/collaborators.go
package game

import (
	"context"

	"github.com/jason-s-yu/farkle/internal/models"
)

// Listener receives session events. OnEvent runs while the session lock is
// held, so it must not call back into the session; hand the event off instead.
type Listener interface {
	OnEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// Recorder persists finished games. Every session in a room reports the same
// game, so implementations must be idempotent on GameID.
type Recorder interface {
	RecordGame(ctx context.Context, result models.GameResult) error
}

// ActionLogger ships player actions to the historian queue.
type ActionLogger interface {
	LogAction(ctx context.Context, rec models.ActionRecord) error
}

type nopListener struct{}

func (nopListener) OnEvent(Event) {}

type nopRecorder struct{}

func (nopRecorder) RecordGame(context.Context, models.GameResult) error { return nil }

type nopActionLogger struct{}

func (nopActionLogger) LogAction(context.Context, models.ActionRecord) error { return nil }
