// internal/game/session.go
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/farkle/internal/dice"
	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/room"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSettleDelay       = 2 * time.Second
	DefaultFinalRoundRecheck = 10 * time.Second
)

var (
	// ErrNoActiveRoom is returned by every action on a closed session.
	ErrNoActiveRoom = errors.New("no active room")
	// ErrNotYourTurn is returned when the local player is not the roller.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrNothingToBank is returned when there are no pending points.
	ErrNothingToBank = errors.New("no pending points to bank")
	// ErrBelowMinimumEntry is returned when a first bank is below the entry threshold.
	ErrBelowMinimumEntry = errors.New("pending points below minimum entry score")
	// ErrScoreFrozen is returned when scoring is closed for the player or the game.
	ErrScoreFrozen = errors.New("score is frozen")
)

// Config wires a session's collaborators. Nil collaborators become no-ops.
type Config struct {
	Logger            *logrus.Entry
	Listener          Listener
	Recorder          Recorder
	ActionLogger      ActionLogger
	Roller            dice.Roller
	SettleDelay       time.Duration
	FinalRoundRecheck time.Duration
	// Solo restricts the turn cycle to the local player.
	Solo bool
}

// TurnPoint is one line of the current turn's breakdown.
type TurnPoint struct {
	Points      int    `json:"points"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"`
}

type advanceKind int

const (
	advanceNone advanceKind = iota
	advanceAllWaiting
	advanceAllEnded
)

func (k advanceKind) String() string {
	switch k {
	case advanceAllWaiting:
		return "all_waiting"
	case advanceAllEnded:
		return "all_ended"
	default:
		return "none"
	}
}

// pendingAdvance is the single outstanding auto-advance timer.
type pendingAdvance struct {
	kind  advanceKind
	timer *time.Timer
}

// Session is one player's protocol client for one room. It is created by
// Open and torn down by Close or Leave. All fields are guarded by mu; store
// deliveries and timer callbacks take the same lock.
type Session struct {
	mu sync.Mutex

	st   store.Store
	inc  store.Incrementer
	dir  *room.Directory
	key  string
	self string
	log  *logrus.Entry

	listener Listener
	recorder Recorder
	actions  ActionLogger
	roller   dice.Roller

	settleDelay time.Duration
	recheckIn   time.Duration
	now         func() time.Time

	closed      bool
	unsubscribe func()

	// latest decoded snapshot of rooms/<key>
	room *models.Room

	// turn coordinator
	multiplayer  bool
	roster       []string
	currentTurn  string
	currentIndex int
	round        int
	lastStates   map[string]models.PlayerState
	advance      *pendingAdvance
	allEnded     bool

	// ledger
	pending    int
	turnPoints []TurnPoint

	// final round
	recheck        *time.Timer
	gameOverShown  string
	finalAnnounced string

	// dice
	faces        [dice.NumDice]int
	locked       [dice.NumDice]bool
	awaitingLock bool
	lastRollKey  string
	lastMaterial string

	actionIndex int
}

// Open joins the room as name and starts following it. The session owns st
// and closes it on Close.
func Open(ctx context.Context, st store.Store, roomName, name string, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	dir := room.NewDirectory(st, logger)
	m, err := dir.Join(ctx, roomName, name)
	if err != nil {
		return nil, err
	}
	s := newSession(st, dir, m.Key, m.Name, cfg, logger)

	snap, err := dir.Load(ctx, m.Key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.room = snap
	s.initTurnSystem(snap.Roster(), !cfg.Solo, true)
	s.mu.Unlock()

	s.unsubscribe = st.Subscribe(models.RoomPath(m.Key), s.onRoomChange)
	s.log.WithField("reconnected", m.Reconnected).Info("session opened")
	return s, nil
}

func newSession(st store.Store, dir *room.Directory, key, self string, cfg Config, logger *logrus.Entry) *Session {
	s := &Session{
		st:          st,
		dir:         dir,
		key:         key,
		self:        self,
		log:         logger.WithFields(logrus.Fields{"room": key, "player": self}),
		listener:    cfg.Listener,
		recorder:    cfg.Recorder,
		actions:     cfg.ActionLogger,
		roller:      cfg.Roller,
		settleDelay: cfg.SettleDelay,
		recheckIn:   cfg.FinalRoundRecheck,
		now:         time.Now,
		round:       1,
		lastStates:  make(map[string]models.PlayerState),
	}
	if inc, ok := st.(store.Incrementer); ok {
		s.inc = inc
	}
	if s.listener == nil {
		s.listener = nopListener{}
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.actions == nil {
		s.actions = nopActionLogger{}
	}
	if s.roller == nil {
		s.roller = dice.NewRandomRoller()
	}
	if s.settleDelay <= 0 {
		s.settleDelay = DefaultSettleDelay
	}
	if s.recheckIn <= 0 {
		s.recheckIn = DefaultFinalRoundRecheck
	}
	return s
}

// Close stops the session and closes its store client, which marks the
// player disconnected. The member record and its score stay in the room.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelAdvance()
	if s.recheck != nil {
		s.recheck.Stop()
		s.recheck = nil
	}
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.log.Info("session closed")
	return s.st.Close()
}

// Leave removes the player from the room, then closes the session.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNoActiveRoom
	}
	s.mu.Unlock()
	if err := s.dir.Leave(ctx, s.key, s.self); err != nil {
		return err
	}
	return s.Close()
}

// UpdateSettings changes the room rules. Host only.
func (s *Session) UpdateSettings(ctx context.Context, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNoActiveRoom
	}
	if err := s.dir.UpdateSettings(ctx, s.key, s.self, settings); err != nil {
		return err
	}
	s.logAction("settings_update", map[string]any{"settings": settings.Record()})
	return nil
}

// Self returns the local player's name.
func (s *Session) Self() string { return s.self }

// RoomKey returns the canonical room key.
func (s *Session) RoomKey() string { return s.key }

// CanPlayerAct reports whether id (or the local player for "") may roll,
// lock or bank right now.
func (s *Session) CanPlayerAct(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canAct(s.resolve(id))
}

func (s *Session) canAct(id string) bool {
	if s.closed || s.room == nil {
		return false
	}
	if s.room.Phase() == models.PhaseEnded || finishedPlayers(s.room)[id] {
		return false
	}
	p := s.room.Player(id)
	return p != nil && p.State == models.StateRolling && s.currentTurn == id
}

// IsPlayerTurn reports whether id is the derived current player.
func (s *Session) IsPlayerTurn(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTurn != "" && s.currentTurn == s.resolve(id)
}

// PendingPoints returns the local player's unbanked points.
func (s *Session) PendingPoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// TurnPoints returns the current turn's breakdown.
func (s *Session) TurnPoints() []TurnPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TurnPoint(nil), s.turnPoints...)
}

// PlayerScore returns the banked score of id from the latest snapshot.
func (s *Session) PlayerScore(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.room.Player(s.resolve(id)); p != nil {
		return p.Score
	}
	return 0
}

// AllPlayerScores returns every member's banked score from the latest snapshot.
func (s *Session) AllPlayerScores() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	if s.room == nil {
		return out
	}
	for name, p := range s.room.Players {
		out[name] = p.Score
	}
	return out
}

// CurrentTurn returns the derived current player, or "" between rounds.
func (s *Session) CurrentTurn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTurn
}

// Round returns the local round counter. It is not synchronised between clients.
func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Phase returns the game phase from the latest snapshot.
func (s *Session) Phase() models.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return models.PhasePlaying
	}
	return s.room.Phase()
}

// Roster returns the turn roster in order.
func (s *Session) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.roster...)
}

// State returns a summary of the room for the presentation layer.
func (s *Session) State() StateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateView()
}

func (s *Session) stateView() StateView {
	v := StateView{
		Room:         s.key,
		Self:         s.self,
		CurrentTurn:  s.currentTurn,
		Round:        s.round,
		Phase:        models.PhasePlaying,
		Pending:      s.pending,
		TurnPoints:   append([]TurnPoint{}, s.turnPoints...),
		Faces:        append([]int{}, s.faces[:]...),
		Locked:       append([]bool{}, s.locked[:]...),
		AwaitingLock: s.awaitingLock,
		CanAct:       s.canAct(s.self),
	}
	if r := s.room; r != nil {
		v.DisplayName = r.DisplayName
		v.Host = r.HostID
		v.Phase = r.Phase()
		v.Settings = r.Settings
		v.WinTrigger = r.FinalRound.WinTriggerPlayer
		v.GameID = r.GameState.GameID
		v.TurnStartTime = r.GameState.TurnStartTime
		for _, p := range r.Roster() {
			v.Players = append(v.Players, *p)
		}
	}
	return v
}

func (s *Session) resolve(id string) string {
	if id == "" {
		return s.self
	}
	return id
}

func (s *Session) emit(ev Event) {
	s.listener.OnEvent(ev)
}

func (s *Session) gameID() string {
	if s.room == nil {
		return ""
	}
	return s.room.GameState.GameID
}

// logAction sends an action to the historian queue without blocking the caller.
// Caller holds s.mu.
func (s *Session) logAction(actionType string, payload map[string]any) {
	s.actionIndex++
	if payload == nil {
		payload = make(map[string]any)
	}
	rec := models.ActionRecord{
		GameID:        s.gameID(),
		RoomKey:       s.key,
		ActionIndex:   s.actionIndex,
		Actor:         s.self,
		ActionType:    actionType,
		ActionPayload: payload,
		Timestamp:     s.now().UnixMilli(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.actions.LogAction(ctx, rec); err != nil {
			s.log.WithError(err).WithField("action", rec.ActionType).Warn("failed to log action")
		}
	}()
}

// write applies updates from a callback context, logging instead of returning
// failures. Caller holds s.mu.
func (s *Session) write(what string, updates map[string]any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.st.Update(ctx, updates); err != nil {
		s.log.WithError(err).Warnf("failed to write %s", what)
		return false
	}
	return true
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s/%s)", s.key, s.self)
}
