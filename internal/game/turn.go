// internal/game/turn.go
package game

import (
	"context"

	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/room"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/sirupsen/logrus"
)

// DeriveCurrentTurn decides who should be rolling from a roster snapshot in
// roster order: the recorded player if still ROLLING, else the first ROLLING
// player, else the first WAITING player, else nobody. Players named in
// exclude are never chosen.
func DeriveCurrentTurn(roster []*models.Player, recorded string, exclude ...string) string {
	eligible := func(p *models.Player) bool {
		for _, x := range exclude {
			if p.Name == x {
				return false
			}
		}
		return true
	}
	for _, p := range roster {
		if p.Name == recorded && p.State == models.StateRolling && eligible(p) {
			return p.Name
		}
	}
	for _, p := range roster {
		if p.State == models.StateRolling && eligible(p) {
			return p.Name
		}
	}
	for _, p := range roster {
		if p.State == models.StateWaiting && eligible(p) {
			return p.Name
		}
	}
	return ""
}

// turnPlan is what reconciliation should do for one snapshot.
type turnPlan struct {
	derived string
	// correct is set when the store disagrees with derived and a correction
	// should be written now.
	correct bool
	// wait is set when every eligible player is WAITING or ENDED_TURN and the
	// settle timer should decide.
	wait advanceKind
}

// planTurn is pure: the same snapshot always yields the same plan. Players
// in done take no further turns.
func planTurn(r *models.Room, roster []*models.Player, done map[string]bool) turnPlan {
	if r.Phase() == models.PhaseEnded {
		return turnPlan{}
	}
	var eligible []*models.Player
	rollers, waiting := 0, 0
	strayRoller := false
	for _, p := range roster {
		if done[p.Name] {
			strayRoller = strayRoller || p.State == models.StateRolling
			continue
		}
		eligible = append(eligible, p)
		switch p.State {
		case models.StateRolling:
			rollers++
		case models.StateWaiting:
			waiting++
		}
	}
	if len(eligible) == 0 {
		return turnPlan{correct: strayRoller}
	}
	derived := DeriveCurrentTurn(eligible, r.GameState.CurrentTurn)
	switch {
	case rollers > 0:
		return turnPlan{
			derived: derived,
			correct: r.GameState.CurrentTurn != derived || rollers > 1 || strayRoller,
		}
	case waiting == len(eligible):
		return turnPlan{derived: derived, wait: advanceAllWaiting, correct: strayRoller}
	case waiting > 0:
		return turnPlan{derived: derived, correct: true}
	default:
		return turnPlan{wait: advanceAllEnded, correct: strayRoller}
	}
}

// correction builds the idempotent write that makes derived the only roller.
// Any other roller goes back to WAITING, or to ENDED_TURN if it is done.
// An empty derived only demotes.
func correction(key string, roster []*models.Player, derived string, done map[string]bool, now int64) map[string]any {
	updates := make(map[string]any)
	if derived != "" {
		updates[store.Join(models.GameStatePath(key), "currentTurn")] = derived
		updates[store.Join(models.GameStatePath(key), "turnStartTime")] = now
	}
	for _, p := range roster {
		switch {
		case p.Name == derived:
			if p.State != models.StateRolling {
				updates[models.PlayerField(key, p.Name, "state")] = string(models.StateRolling)
				updates[models.PlayerField(key, p.Name, "stateTimestamp")] = now
			}
		case p.State != models.StateRolling:
		case done[p.Name]:
			updates[models.PlayerField(key, p.Name, "state")] = string(models.StateEndedTurn)
			updates[models.PlayerField(key, p.Name, "stateTimestamp")] = now
		default:
			updates[models.PlayerField(key, p.Name, "state")] = string(models.StateWaiting)
			updates[models.PlayerField(key, p.Name, "stateTimestamp")] = now
		}
	}
	return updates
}

// newRound resets every player still owing turns to WAITING and promotes the
// first of them.
func newRound(key string, roster []*models.Player, done map[string]bool, now int64) map[string]any {
	updates := make(map[string]any)
	first := ""
	for _, p := range roster {
		if done[p.Name] {
			continue
		}
		state := models.StateWaiting
		if first == "" {
			first = p.Name
			state = models.StateRolling
		}
		updates[models.PlayerField(key, p.Name, "state")] = string(state)
		updates[models.PlayerField(key, p.Name, "stateTimestamp")] = now
	}
	if first != "" {
		updates[store.Join(models.GameStatePath(key), "currentTurn")] = first
		updates[store.Join(models.GameStatePath(key), "turnStartTime")] = now
	}
	return updates
}

// nextWaiting returns the first WAITING player after from in roster order,
// wrapping around and skipping done players. Returns "" when nobody is waiting.
func nextWaiting(roster []*models.Player, from string, done map[string]bool) string {
	start := 0
	for i, p := range roster {
		if p.Name == from {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(roster); i++ {
		p := roster[(start+i)%len(roster)]
		if p.Name != from && p.State == models.StateWaiting && !done[p.Name] {
			return p.Name
		}
	}
	return ""
}

// InitializeTurnSystem seeds the coordinator from a roster. With
// preserveCurrentTurn the active player and the local pending points survive
// as long as the active player is still in the roster.
func (s *Session) InitializeTurnSystem(roster []*models.Player, multiplayer, preserveCurrentTurn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initTurnSystem(roster, multiplayer, preserveCurrentTurn)
}

func (s *Session) initTurnSystem(roster []*models.Player, multiplayer, preserveCurrentTurn bool) {
	s.multiplayer = multiplayer
	sorted := append([]*models.Player(nil), roster...)
	models.SortRoster(sorted)
	s.roster = models.Names(sorted)

	keep := preserveCurrentTurn && s.currentTurn != "" && s.indexOf(s.currentTurn) >= 0
	if !keep {
		s.currentTurn = ""
		s.clearTurnLocal()
		if s.room != nil {
			s.currentTurn = DeriveCurrentTurn(s.turnRoster(sorted), s.room.GameState.CurrentTurn, doneNames(s.room)...)
		}
	}
	s.currentIndex = s.indexOf(s.currentTurn)
	s.log.WithFields(logrus.Fields{"roster": s.roster, "currentTurn": s.currentTurn}).Debug("turn system initialised")
}

// OnPlayerJoined re-seeds the roster without disturbing the active turn.
func (s *Session) OnPlayerJoined(roster []*models.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initTurnSystem(roster, s.multiplayer, true)
}

// OnPlayerLeft re-seeds the roster. A departed player drops out of turn
// derivation; the active turn survives if its holder is still present.
func (s *Session) OnPlayerLeft(roster []*models.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initTurnSystem(roster, s.multiplayer, true)
}

func (s *Session) indexOf(name string) int {
	for i, n := range s.roster {
		if n == name {
			return i
		}
	}
	return -1
}

// turnRoster is the part of roster that takes turns. A solo session only
// cycles the local player.
func (s *Session) turnRoster(roster []*models.Player) []*models.Player {
	if s.multiplayer {
		return roster
	}
	for _, p := range roster {
		if p.Name == s.self {
			return []*models.Player{p}
		}
	}
	return nil
}

// EndPlayerTurn ends the local player's turn: ROLLING to ENDED_TURN and the
// next WAITING player to ROLLING, in one write. Pending points are dropped.
func (s *Session) EndPlayerTurn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNoActiveRoom
	}
	if !s.canAct(s.self) {
		return ErrNotYourTurn
	}
	discarded := s.pending
	if err := s.handOff(ctx, s.self); err != nil {
		return err
	}
	s.clearTurnLocal()
	s.emit(Event{Type: EventTurnEnded, Player: s.self, Points: discarded})
	s.logAction("turn_end", map[string]any{"discarded": discarded})
	return nil
}

// NextTurn hands the turn from its holder to the next player. The holder may
// always do this; the host may do it for anyone, which unsticks a room whose
// roller has disconnected.
func (s *Session) NextTurn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNoActiveRoom
	}
	holder := s.currentTurn
	if holder == "" || s.room.Phase() == models.PhaseEnded {
		return ErrNotYourTurn
	}
	if holder != s.self && s.room.HostID != s.self {
		return room.ErrNotHost
	}
	if p := s.room.Player(holder); p == nil || p.State != models.StateRolling {
		return ErrNotYourTurn
	}
	if err := s.handOff(ctx, holder); err != nil {
		return err
	}
	if holder == s.self {
		s.clearTurnLocal()
	}
	s.emit(Event{Type: EventTurnEnded, Player: holder})
	s.logAction("next_turn", map[string]any{"from": holder})
	return nil
}

// handOff writes holder's turn end, the next player's promotion and, during
// the final round, holder's tracker entry. Caller holds s.mu.
func (s *Session) handOff(ctx context.Context, holder string) error {
	key := s.key
	now := s.now().UnixMilli()
	roster := s.turnRoster(s.room.Roster())
	next := nextWaiting(roster, holder, finishedPlayers(s.room))

	updates := map[string]any{
		models.PlayerField(key, holder, "state"):               string(models.StateEndedTurn),
		models.PlayerField(key, holder, "stateTimestamp"):      now,
		store.Join(models.GameStatePath(key), "turnStartTime"): now,
	}
	if next != "" {
		updates[models.PlayerField(key, next, "state")] = string(models.StateRolling)
		updates[models.PlayerField(key, next, "stateTimestamp")] = now
		updates[store.Join(models.GameStatePath(key), "currentTurn")] = next
	} else {
		updates[store.Join(models.GameStatePath(key), "currentTurn")] = nil
	}
	s.markFinalTurn(updates, holder)

	if err := s.st.Update(ctx, updates); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"from": holder, "to": next}).Debug("turn handed off")
	return nil
}

// clearTurnLocal drops everything the local player accrued this turn.
func (s *Session) clearTurnLocal() {
	s.pending = 0
	s.turnPoints = nil
	s.resetDice()
}
