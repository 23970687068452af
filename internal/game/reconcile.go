// internal/game/reconcile.go
package game

import (
	"context"
	"time"

	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/sirupsen/logrus"
)

// onRoomChange is the single entry point for store echoes, whether the
// change came from this session or from another client.
func (s *Session) onRoomChange(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	r, err := models.DecodeRoom(s.key, v)
	if err != nil {
		s.log.WithError(err).Warn("ignoring undecodable room snapshot")
		return
	}
	s.reconcile(r)
}

// reconcile brings local state in line with a snapshot and writes whatever
// correction the snapshot calls for. Caller holds s.mu.
func (s *Session) reconcile(r *models.Room) {
	prev := s.room
	initial := len(s.lastStates) == 0
	s.room = r

	if r.Player(s.self) == nil {
		if !initial {
			s.log.Warn("local player no longer in room")
			s.cancelAdvance()
			s.stopRecheck()
			// closing must not recreate the removed record
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.st.CancelOnDisconnect(ctx, models.PlayerPath(s.key, s.self)); err != nil {
				s.log.WithError(err).Warn("failed to cancel presence writes")
			}
			cancel()
			s.emit(Event{Type: EventPlayerLeft, Player: s.self, Payload: map[string]any{"removed": true}})
		}
		return
	}

	roster := r.Roster()
	s.observeMembership(prev, roster, initial)
	if prev != nil && !initial && prev.GameState.GameID != r.GameState.GameID && r.GameState.GameID != "" {
		s.clearTurnLocal()
		s.round = 1
		s.emit(Event{Type: EventGameRestarted, Payload: map[string]any{"gameId": r.GameState.GameID}})
	}
	s.relayEvents(r, initial)

	ended := make([]string, 0, 1)
	states := make(map[string]models.PlayerState, len(roster))
	for _, p := range roster {
		if s.lastStates[p.Name] == models.StateRolling && p.State == models.StateEndedTurn {
			ended = append(ended, p.Name)
		}
		states[p.Name] = p.State
	}
	s.lastStates = states

	s.checkFinalRoundProgress(r, ended)

	if me := r.Player(s.self); me.State != models.StateRolling && (s.pending > 0 || s.rolled()) {
		s.clearPending()
		s.resetDice()
	}

	s.reconcileTurn(r)
	s.emit(Event{Type: EventStateSync, State: ptr(s.stateView())})
}

// observeMembership re-seeds the roster on joins and leaves and reports
// membership, host, connection and settings changes. Caller holds s.mu.
func (s *Session) observeMembership(prev *models.Room, roster []*models.Player, initial bool) {
	names := models.Names(roster)
	if !equalNames(names, s.roster) {
		known := make(map[string]bool, len(s.roster))
		for _, n := range s.roster {
			known[n] = true
		}
		joined, left := false, false
		for _, n := range names {
			if !known[n] {
				joined = true
				if !initial {
					s.emit(Event{Type: EventPlayerJoined, Player: n})
				}
			}
			delete(known, n)
		}
		for n := range known {
			left = true
			if !initial {
				s.emit(Event{Type: EventPlayerLeft, Player: n})
			}
		}
		if joined || left {
			s.initTurnSystem(roster, s.multiplayer, true)
		}
	}
	if prev == nil || initial {
		return
	}
	r := s.room
	if prev.HostID != r.HostID && r.HostID != "" {
		s.emit(Event{Type: EventHostChanged, Player: r.HostID})
	}
	for _, p := range roster {
		if old := prev.Player(p.Name); old != nil && old.IsConnected != p.IsConnected {
			s.emit(Event{Type: EventPlayerConnection, Player: p.Name, Payload: map[string]any{"connected": p.IsConnected}})
		}
	}
	if prev.Settings != r.Settings {
		settings := r.Settings
		s.emit(Event{Type: EventSettingsChanged, Settings: &settings})
	}
}

// reconcileTurn derives the current player, writes a correction when the
// store disagrees and arms or disarms the auto-advance timer. Caller holds s.mu.
func (s *Session) reconcileTurn(r *models.Room) {
	roster := s.turnRoster(r.Roster())
	done := finishedPlayers(r)
	plan := planTurn(r, roster, done)

	if plan.wait == advanceAllEnded && !s.allEnded {
		s.round++
		s.emit(Event{Type: EventRoundComplete, Round: s.round})
	}
	s.allEnded = plan.wait == advanceAllEnded

	if plan.correct {
		fix := correction(s.key, roster, plan.derived, done, s.now().UnixMilli())
		s.log.WithFields(logrus.Fields{"derived": plan.derived, "recorded": r.GameState.CurrentTurn}).Debug("writing turn correction")
		s.write("turn correction", fix)
	}
	if plan.wait != advanceNone {
		s.scheduleAdvance(plan.wait)
	} else {
		s.cancelAdvance()
	}

	if plan.derived != s.currentTurn {
		s.currentTurn = plan.derived
		s.currentIndex = s.indexOf(plan.derived)
		if plan.derived != "" {
			s.emit(Event{Type: EventTurnChanged, Player: plan.derived, Round: s.round})
		}
	}
}

// scheduleAdvance arms the auto-advance timer for kind. A pending timer of the
// same kind is left running; one of another kind is replaced. Caller holds s.mu.
func (s *Session) scheduleAdvance(kind advanceKind) {
	if s.advance != nil && s.advance.kind == kind {
		return
	}
	s.cancelAdvance()
	h := &pendingAdvance{kind: kind}
	h.timer = time.AfterFunc(s.settleDelay, func() { s.fireAdvance(h) })
	s.advance = h
}

func (s *Session) cancelAdvance() {
	if s.advance != nil {
		s.advance.timer.Stop()
		s.advance = nil
	}
}

// fireAdvance re-checks the timer's precondition against a fresh read before
// writing anything.
func (s *Session) fireAdvance(h *pendingAdvance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.advance != h {
		return
	}
	s.advance = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := s.st.Once(ctx, models.RoomPath(s.key))
	if err != nil {
		s.log.WithError(err).Warn("auto-advance: read failed")
		return
	}
	r, err := models.DecodeRoom(s.key, raw)
	if err != nil {
		return
	}
	roster := s.turnRoster(r.Roster())
	done := finishedPlayers(r)
	if plan := planTurn(r, roster, done); plan.wait != h.kind {
		s.log.WithField("kind", h.kind).Debug("auto-advance precondition no longer holds")
		return
	}

	now := s.now().UnixMilli()
	switch h.kind {
	case advanceAllWaiting:
		target := ""
		for _, p := range roster {
			if p.Name == r.HostID && !done[p.Name] {
				target = p.Name
			}
		}
		if target == "" {
			target = DeriveCurrentTurn(roster, "", doneNames(r)...)
		}
		s.log.WithField("player", target).Debug("all waiting: promoting")
		s.write("turn promotion", correction(s.key, roster, target, done, now))
	case advanceAllEnded:
		s.log.Debug("all ended: starting new round")
		s.write("new round", newRound(s.key, roster, done, now))
	}
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ptr[T any](v T) *T { return &v }
