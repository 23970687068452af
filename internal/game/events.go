// internal/game/events.go
package game

import "github.com/jason-s-yu/farkle/internal/models"

// EventType names a session event delivered to the presentation layer.
type EventType string

const (
	EventStateSync        EventType = "state_sync"
	EventTurnChanged      EventType = "turn_changed"
	EventRoundComplete    EventType = "round_complete"
	EventPlayerJoined     EventType = "player_joined"
	EventPlayerLeft       EventType = "player_left"
	EventPlayerConnection EventType = "player_connection"
	EventDiceRolled       EventType = "dice_rolled"
	EventDiceLocked       EventType = "dice_locked"
	EventHotDice          EventType = "hot_dice"
	EventFarkle           EventType = "farkle"
	EventPointsBanked     EventType = "points_banked"
	EventPendingCleared   EventType = "pending_cleared"
	EventTurnEnded        EventType = "turn_ended"
	EventFinalRound       EventType = "final_round"
	EventGameOver         EventType = "game_over"
	EventGameRestarted    EventType = "game_restarted"
	EventSettingsChanged  EventType = "settings_changed"
	EventMaterialChanged  EventType = "material_changed"
	EventHostChanged      EventType = "host_changed"
)

// Event is what a Listener receives. Fields are filled per type.
type Event struct {
	Type      EventType         `json:"type"`
	Player    string            `json:"player,omitempty"`
	Points    int               `json:"points,omitempty"`
	Round     int               `json:"round,omitempty"`
	Faces     []int             `json:"faces,omitempty"`
	Locked    []bool            `json:"locked,omitempty"`
	Standings []models.Standing `json:"standings,omitempty"`
	Settings  *models.Settings  `json:"settings,omitempty"`
	State     *StateView        `json:"state,omitempty"`
	Payload   map[string]any    `json:"payload,omitempty"`
}

// StateView is a client-facing summary of the room as this session sees it.
type StateView struct {
	Room          string          `json:"room"`
	DisplayName   string          `json:"displayName"`
	Self          string          `json:"self"`
	Host          string          `json:"host"`
	CurrentTurn   string          `json:"currentTurn"`
	Round         int             `json:"round"`
	Phase         models.Phase    `json:"phase"`
	Pending       int             `json:"pending"`
	TurnPoints    []TurnPoint     `json:"turnPoints"`
	Players       []models.Player `json:"players"`
	Settings      models.Settings `json:"settings"`
	WinTrigger    string          `json:"winTrigger,omitempty"`
	Faces         []int           `json:"faces"`
	Locked        []bool          `json:"locked"`
	AwaitingLock  bool            `json:"awaitingLock"`
	CanAct        bool            `json:"canAct"`
	GameID        string          `json:"gameId"`
	TurnStartTime int64           `json:"turnStartTime"`
}
