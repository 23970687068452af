// internal/game/play.go
package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/jason-s-yu/farkle/internal/dice"
	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/room"
	"github.com/jason-s-yu/farkle/internal/store"
)

var (
	// ErrMustLock is returned when rolling again before setting aside a scoring die.
	ErrMustLock = errors.New("set aside at least one scoring die before rolling again")
	// ErrInvalidSelection is returned when a selection contains a non-scoring or unavailable die.
	ErrInvalidSelection = errors.New("selected dice do not all score")
	// ErrNoRoll is returned when locking before the first roll of the turn.
	ErrNoRoll = errors.New("roll before setting dice aside")
)

func (s *Session) resetDice() {
	s.faces = [dice.NumDice]int{}
	s.locked = [dice.NumDice]bool{}
	s.awaitingLock = false
}

func (s *Session) rolled() bool {
	return s.faces[0] != 0
}

// Roll throws every unlocked die. A throw with no scoring dice is a farkle:
// pending points are lost and the turn ends.
func (s *Session) Roll(ctx context.Context) ([dice.NumDice]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.faces, ErrNoActiveRoom
	}
	if !s.canAct(s.self) {
		return s.faces, ErrNotYourTurn
	}
	if s.awaitingLock {
		return s.faces, ErrMustLock
	}
	s.faces = s.roller.Roll(s.locked, s.faces)
	free := dice.Free(s.faces, s.locked)
	farkle := !dice.HasScoringDice(free)
	s.awaitingLock = !farkle

	entry := models.DiceRoll{
		Player: s.self,
		Faces:  append([]int(nil), s.faces[:]...),
		Locked: append([]bool(nil), s.locked[:]...),
		Farkle: farkle,
	}
	if _, err := s.st.Push(ctx, models.EventsPath(s.key, room.DiceRollsLog), map[string]any{
		"player":    entry.Player,
		"faces":     entry.Faces,
		"locked":    entry.Locked,
		"farkle":    entry.Farkle,
		"timestamp": store.ServerTimestamp,
	}); err != nil {
		s.log.WithError(err).Warn("failed to broadcast roll")
	}
	s.emit(Event{Type: EventDiceRolled, Player: s.self, Faces: entry.Faces, Locked: entry.Locked})
	s.logAction("roll", map[string]any{"faces": entry.Faces, "locked": entry.Locked})

	if !farkle {
		return s.faces, nil
	}
	faces := s.faces
	lost := s.clearPending()
	s.emit(Event{Type: EventFarkle, Player: s.self, Points: lost, Faces: entry.Faces})
	s.log.WithField("lost", lost).Info("farkle")
	if err := s.handOff(ctx, s.self); err != nil {
		return faces, fmt.Errorf("end turn after farkle: %w", err)
	}
	s.clearTurnLocal()
	s.emit(Event{Type: EventTurnEnded, Player: s.self, Points: lost})
	return faces, nil
}

// Lock sets aside the dice at indices and adds their score to the pending
// points. Every selected die must contribute. Locking all six is hot dice:
// every die is freed for the next roll and the pending points stay.
func (s *Session) Lock(ctx context.Context, indices []int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrNoActiveRoom
	}
	if !s.canAct(s.self) {
		return 0, ErrNotYourTurn
	}
	if !s.rolled() || !s.awaitingLock {
		return 0, ErrNoRoll
	}
	seen := make(map[int]bool, len(indices))
	selected := make([]int, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= dice.NumDice || s.locked[i] || seen[i] {
			return 0, fmt.Errorf("%w: die %d", ErrInvalidSelection, i)
		}
		seen[i] = true
		selected = append(selected, s.faces[i])
	}
	settings, err := s.readSettings(ctx)
	if err != nil {
		return 0, err
	}
	points, desc, ok := dice.ScoreSelection(selected, settings.ThreeOnesScore)
	if !ok {
		return 0, ErrInvalidSelection
	}
	for i := range seen {
		s.locked[i] = true
	}
	s.awaitingLock = false
	s.addPending(points, desc)
	s.emit(Event{Type: EventDiceLocked, Player: s.self, Points: points, Faces: selected, Payload: map[string]any{
		"description": desc,
		"pending":     s.pending,
	}})
	s.logAction("lock", map[string]any{"indices": indices, "points": points})

	allLocked := true
	for _, l := range s.locked {
		allLocked = allLocked && l
	}
	if allLocked {
		s.locked = [dice.NumDice]bool{}
		s.emit(Event{Type: EventHotDice, Player: s.self, Points: s.pending})
	}
	return points, nil
}

// SetMaterial broadcasts a cosmetic dice skin change to the room.
func (s *Session) SetMaterial(ctx context.Context, material string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNoActiveRoom
	}
	_, err := s.st.Push(ctx, models.EventsPath(s.key, room.MaterialsLog), map[string]any{
		"player":    s.self,
		"material":  material,
		"timestamp": store.ServerTimestamp,
	})
	return err
}

// relayEvents reports event-log entries newer than the last seen ones. The
// first snapshot only records the high-water marks. Caller holds s.mu.
func (s *Session) relayEvents(r *models.Room, initial bool) {
	for _, id := range store.SortedKeys(toAnyMap(r.Events.DiceRolls)) {
		if id <= s.lastRollKey {
			continue
		}
		s.lastRollKey = id
		roll := r.Events.DiceRolls[id]
		if initial || roll.Player == s.self {
			continue
		}
		s.emit(Event{Type: EventDiceRolled, Player: roll.Player, Faces: roll.Faces, Locked: roll.Locked,
			Payload: map[string]any{"farkle": roll.Farkle}})
	}
	for _, id := range store.SortedKeys(toAnyMap(r.Events.Materials)) {
		if id <= s.lastMaterial {
			continue
		}
		s.lastMaterial = id
		if initial {
			continue
		}
		m := r.Events.Materials[id]
		s.emit(Event{Type: EventMaterialChanged, Player: m.Player, Payload: map[string]any{"material": m.Material}})
	}
}

func toAnyMap[V any](m map[string]V) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
