// internal/game/ledger.go
package game

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/sirupsen/logrus"
)

// AddPendingPoints accrues points for the active turn. There is no upper bound.
func (s *Session) AddPendingPoints(points int, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addPending(points, description)
}

func (s *Session) addPending(points int, description string) {
	s.pending += points
	s.turnPoints = append(s.turnPoints, TurnPoint{
		Points:      points,
		Description: description,
		Timestamp:   s.now().UnixMilli(),
	})
}

// ClearPendingPoints discards the turn's pending points and returns how many
// were lost.
func (s *Session) ClearPendingPoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearPending()
}

func (s *Session) clearPending() int {
	lost := s.pending
	s.pending = 0
	s.turnPoints = nil
	if lost > 0 {
		s.emit(Event{Type: EventPendingCleared, Player: s.self, Points: lost})
	}
	return lost
}

// BankPendingPoints moves the local player's pending points into their banked
// score and returns the amount banked. playerID may be "" for the local
// player; nobody else's pending points are known here. Rejections return 0
// and write nothing.
func (s *Session) BankPendingPoints(ctx context.Context, playerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	banked, _, err := s.bank(ctx, playerID)
	return banked, err
}

// Bank banks the pending points and ends the turn. If banking started the
// final round the turn has already been ended by that write.
func (s *Session) Bank(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	banked, finalRound, err := s.bank(ctx, "")
	if err != nil {
		return 0, err
	}
	if !finalRound {
		if err := s.handOff(ctx, s.self); err != nil {
			return banked, fmt.Errorf("end turn after bank: %w", err)
		}
	}
	s.clearTurnLocal()
	s.emit(Event{Type: EventTurnEnded, Player: s.self})
	return banked, nil
}

// bank is BankPendingPoints with s.mu held. Settings are read from the store
// on every call since the host may change them between turns.
func (s *Session) bank(ctx context.Context, playerID string) (int, bool, error) {
	if s.closed {
		return 0, false, ErrNoActiveRoom
	}
	id := s.resolve(playerID)
	if id != s.self {
		return 0, false, ErrNotYourTurn
	}
	if s.room.Phase() == models.PhaseEnded || finishedPlayers(s.room)[id] {
		return 0, false, ErrScoreFrozen
	}
	if !s.canAct(id) {
		return 0, false, ErrNotYourTurn
	}
	if s.pending <= 0 {
		return 0, false, ErrNothingToBank
	}

	settings, err := s.readSettings(ctx)
	if err != nil {
		return 0, false, err
	}
	scorePath := models.PlayerField(s.key, id, "score")
	raw, err := s.st.Once(ctx, scorePath)
	if err != nil {
		return 0, false, fmt.Errorf("read score: %w", err)
	}
	current, _ := store.AsInt64(raw)
	if current == 0 && s.pending < settings.MinimumEntry {
		return 0, false, ErrBelowMinimumEntry
	}

	amount := s.pending
	var total int64
	if s.inc != nil {
		total, err = s.inc.Increment(ctx, scorePath, int64(amount))
		if err != nil {
			return 0, false, fmt.Errorf("bank: %w", err)
		}
	} else {
		// Without an atomic increment a concurrent bank by the same player
		// can land between the read above and this write and be overwritten.
		total = current + int64(amount)
		if err := s.st.Update(ctx, map[string]any{scorePath: total}); err != nil {
			return 0, false, fmt.Errorf("bank: %w", err)
		}
	}
	s.pending = 0
	s.turnPoints = nil
	s.log.WithFields(logrus.Fields{"banked": amount, "total": total}).Info("points banked")
	s.emit(Event{Type: EventPointsBanked, Player: id, Points: amount, Payload: map[string]any{"total": total}})
	s.logAction("bank", map[string]any{"points": amount, "total": total})

	started, err := s.checkWinCondition(ctx, int(total), settings)
	if err != nil {
		s.log.WithError(err).Warn("win check failed")
	}
	return amount, started, nil
}

func (s *Session) readSettings(ctx context.Context) (models.Settings, error) {
	raw, err := s.st.Once(ctx, models.SettingsPath(s.key))
	if err != nil {
		return models.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	settings := models.DefaultSettings()
	if err := store.Decode(raw, &settings); err != nil {
		return models.Settings{}, err
	}
	return settings.WithDefaults(), nil
}
