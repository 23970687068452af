// internal/game/final_round.go
package game

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/room"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/sirupsen/logrus"
)

// finishedPlayers returns who takes no further turns this game: during the
// final round, the trigger and everyone whose final turn is recorded.
func finishedPlayers(r *models.Room) map[string]bool {
	if r == nil || r.Phase() != models.PhaseFinalRound {
		return nil
	}
	done := map[string]bool{r.FinalRound.WinTriggerPlayer: true}
	for name, complete := range r.FinalRound.Tracker {
		if complete {
			done[name] = true
		}
	}
	return done
}

func doneNames(r *models.Room) []string {
	done := finishedPlayers(r)
	out := make([]string, 0, len(done))
	for name := range done {
		out = append(out, name)
	}
	return out
}

// checkWinCondition starts the final round when total reaches the winning
// score. Only the transition out of playing is allowed; the trigger's turn is
// ended in the same write. Reports whether the final round was started.
// Caller holds s.mu.
func (s *Session) checkWinCondition(ctx context.Context, total int, settings models.Settings) (bool, error) {
	if total < settings.WinningScore {
		return false, nil
	}
	raw, err := s.st.Once(ctx, models.FinalRoundPath(s.key))
	if err != nil {
		return false, err
	}
	var fr models.FinalRound
	if err := store.Decode(raw, &fr); err != nil {
		return false, err
	}
	if fr.State != "" && fr.State != models.PhasePlaying {
		return false, nil
	}

	now := s.now().UnixMilli()
	roster := s.turnRoster(s.room.Roster())
	tracker := make(map[string]any)
	for _, p := range roster {
		if p.Name != s.self {
			tracker[p.Name] = false
		}
	}
	phase := models.PhaseFinalRound
	if len(tracker) == 0 {
		phase = models.PhaseEnded
	}
	updates := map[string]any{
		models.FinalRoundPath(s.key): map[string]any{
			"state":            string(phase),
			"winTriggerPlayer": s.self,
			"startedAt":        now,
			"tracker":          tracker,
		},
		models.PlayerField(s.key, s.self, "state"):               string(models.StateEndedTurn),
		models.PlayerField(s.key, s.self, "stateTimestamp"):      now,
		store.Join(models.GameStatePath(s.key), "turnStartTime"): now,
	}
	next := nextWaiting(roster, s.self, map[string]bool{s.self: true})
	if next != "" {
		updates[models.PlayerField(s.key, next, "state")] = string(models.StateRolling)
		updates[models.PlayerField(s.key, next, "stateTimestamp")] = now
		updates[store.Join(models.GameStatePath(s.key), "currentTurn")] = next
	} else {
		updates[store.Join(models.GameStatePath(s.key), "currentTurn")] = nil
	}
	if err := s.st.Update(ctx, updates); err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{"score": total, "winningScore": settings.WinningScore, "phase": phase}).Info("winning score reached")
	s.logAction("final_round_start", map[string]any{"score": total})
	return true, nil
}

// markFinalTurn adds holder's tracker entry to a turn-end write, and the
// ended transition if holder was the last one owed a turn. Caller holds s.mu.
func (s *Session) markFinalTurn(updates map[string]any, holder string) {
	r := s.room
	if r.Phase() != models.PhaseFinalRound {
		return
	}
	complete, tracked := r.FinalRound.Tracker[holder]
	if !tracked || complete {
		return
	}
	updates[store.Join(models.FinalRoundPath(s.key), "tracker", holder)] = true
	for name, done := range r.FinalRound.Tracker {
		if name != holder && !done {
			return
		}
	}
	updates[store.Join(models.FinalRoundPath(s.key), "state")] = string(models.PhaseEnded)
}

// checkFinalRoundProgress runs on every snapshot. ended lists players seen
// going from ROLLING to ENDED_TURN since the previous snapshot. Caller holds s.mu.
func (s *Session) checkFinalRoundProgress(r *models.Room, ended []string) {
	switch r.Phase() {
	case models.PhaseFinalRound:
		if s.finalAnnounced != r.GameState.GameID {
			s.finalAnnounced = r.GameState.GameID
			s.emit(Event{Type: EventFinalRound, Player: r.FinalRound.WinTriggerPlayer, Payload: map[string]any{
				"owed": trackedNames(r.FinalRound.Tracker),
			}})
		}
		tracker := make(map[string]bool, len(r.FinalRound.Tracker))
		for name, done := range r.FinalRound.Tracker {
			tracker[name] = done
		}
		updates := make(map[string]any)
		for _, name := range ended {
			if done, ok := tracker[name]; ok && !done {
				tracker[name] = true
				updates[store.Join(models.FinalRoundPath(s.key), "tracker", name)] = true
			}
		}
		complete := models.FinalRound{Tracker: tracker}.AllComplete()
		if complete {
			// Built from the last snapshot seen and written last-write-wins:
			// it can land after a concurrent ResetGameState and end the new game.
			updates[store.Join(models.FinalRoundPath(s.key), "state")] = string(models.PhaseEnded)
		}
		if len(updates) > 0 {
			s.write("final round progress", updates)
		}
		if complete {
			s.stopRecheck()
		} else if len(updates) > 0 || s.recheck == nil {
			s.scheduleRecheck()
		}
	case models.PhaseEnded:
		s.stopRecheck()
		s.presentGameOver(r)
	default:
		s.stopRecheck()
	}
}

func trackedNames(tracker map[string]bool) []string {
	out := make([]string, 0, len(tracker))
	for name := range tracker {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Session) scheduleRecheck() {
	s.stopRecheck()
	var t *time.Timer
	t = time.AfterFunc(s.recheckIn, func() { s.fireRecheck(t) })
	s.recheck = t
}

func (s *Session) stopRecheck() {
	if s.recheck != nil {
		s.recheck.Stop()
		s.recheck = nil
	}
}

// fireRecheck is the stuck-final-round safeguard. Tracked players who ended a
// turn after the final round started are marked done even if the transition
// was never observed, and the game ends if nobody is owed a turn.
func (s *Session) fireRecheck(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.recheck != t {
		return
	}
	s.recheck = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := s.st.Once(ctx, models.RoomPath(s.key))
	if err != nil {
		s.log.WithError(err).Warn("final round recheck: read failed")
		return
	}
	r, err := models.DecodeRoom(s.key, raw)
	if err != nil || r.Phase() != models.PhaseFinalRound {
		return
	}
	updates := make(map[string]any)
	tracker := make(map[string]bool, len(r.FinalRound.Tracker))
	for name, done := range r.FinalRound.Tracker {
		p := r.Player(name)
		if !done && p != nil && p.State == models.StateEndedTurn && p.StateTimestamp > r.FinalRound.StartedAt {
			done = true
			updates[store.Join(models.FinalRoundPath(s.key), "tracker", name)] = true
		}
		tracker[name] = done
	}
	if (models.FinalRound{Tracker: tracker}).AllComplete() {
		updates[store.Join(models.FinalRoundPath(s.key), "state")] = string(models.PhaseEnded)
		s.log.Warn("final round recheck forced the game to end")
	}
	if len(updates) > 0 {
		s.write("final round recheck", updates)
		return
	}
	s.scheduleRecheck()
}

// presentGameOver computes the leaderboard from a fresh read of the scores
// and delivers it once per game. Caller holds s.mu.
func (s *Session) presentGameOver(r *models.Room) {
	gameID := r.GameState.GameID
	if s.gameOverShown == gameID && gameID != "" {
		return
	}
	s.gameOverShown = gameID
	s.cancelAdvance()
	s.clearTurnLocal()

	players := r.Roster()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if raw, err := s.st.Once(ctx, models.PlayersPath(s.key)); err != nil {
		s.log.WithError(err).Warn("game over: falling back to cached scores")
	} else if fresh, err := models.DecodeRoom(s.key, map[string]any{"players": raw}); err == nil {
		players = fresh.Roster()
	}
	standings := RankStandings(players)
	winner := ""
	if len(standings) > 0 {
		winner = standings[0].Name
	}
	s.emit(Event{Type: EventGameOver, Player: winner, Standings: standings})
	s.log.WithFields(logrus.Fields{"winner": winner, "gameId": gameID}).Info("game over")

	result := models.GameResult{
		GameID:           gameID,
		RoomKey:          s.key,
		DisplayName:      r.DisplayName,
		Winner:           winner,
		WinTriggerPlayer: r.FinalRound.WinTriggerPlayer,
		Standings:        standings,
		EndedAt:          s.now().UnixMilli(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.recorder.RecordGame(ctx, result); err != nil {
			s.log.WithError(err).Warn("failed to record game result")
		}
	}()
}

// RankStandings orders players by banked score, highest first. Ties share a
// rank and keep roster order.
func RankStandings(players []*models.Player) []models.Standing {
	sorted := append([]*models.Player(nil), players...)
	models.SortRoster(sorted)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	out := make([]models.Standing, len(sorted))
	for i, p := range sorted {
		rank := i + 1
		if i > 0 && p.Score == sorted[i-1].Score {
			rank = out[i-1].Rank
		}
		out[i] = models.Standing{Rank: rank, Name: p.Name, Score: p.Score}
	}
	return out
}

// ResetGameState restarts the room: every score back to zero, everyone
// WAITING, the final round cleared and a new game id. Host only.
func (s *Session) ResetGameState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNoActiveRoom
	}
	if s.room.HostID != s.self {
		return room.ErrNotHost
	}
	now := s.now().UnixMilli()
	gameID := uuid.NewString()
	updates := map[string]any{
		models.FinalRoundPath(s.key): nil,
		models.GameStatePath(s.key): map[string]any{
			"gameId":        gameID,
			"turnStartTime": now,
		},
	}
	for name := range s.room.Players {
		updates[models.PlayerField(s.key, name, "score")] = 0
		updates[models.PlayerField(s.key, name, "state")] = string(models.StateWaiting)
		updates[models.PlayerField(s.key, name, "stateTimestamp")] = now
	}
	if err := s.st.Update(ctx, updates); err != nil {
		return err
	}
	s.clearTurnLocal()
	s.log.WithField("gameId", gameID).Info("game restarted")
	s.logAction("game_restart", map[string]any{"gameId": gameID})
	return nil
}
