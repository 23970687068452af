// internal/models/room.go
package models

import (
	"fmt"
	"strings"

	"github.com/jason-s-yu/farkle/internal/store"
)

// Phase is the win-condition stage of a game. It only moves forward:
// playing -> final_round -> ended.
type Phase string

const (
	PhasePlaying    Phase = "playing"
	PhaseFinalRound Phase = "final_round"
	PhaseEnded      Phase = "ended"
)

// Rank orders phases so callers can refuse backward transitions.
func (p Phase) Rank() int {
	switch p {
	case PhaseFinalRound:
		return 1
	case PhaseEnded:
		return 2
	default:
		return 0
	}
}

// GameState is stored under rooms/<key>/gameState.
type GameState struct {
	CurrentTurn   string `json:"currentTurn"`
	TurnStartTime int64  `json:"turnStartTime"`
	GameID        string `json:"gameId"`
}

// FinalRound is stored under rooms/<key>/finalRound. Tracker maps every
// player except the trigger to whether they finished their last turn.
type FinalRound struct {
	State            Phase           `json:"state"`
	WinTriggerPlayer string          `json:"winTriggerPlayer"`
	StartedAt        int64           `json:"startedAt"`
	Tracker          map[string]bool `json:"tracker"`
}

// AllComplete reports whether every tracked player has taken their final turn.
func (f FinalRound) AllComplete() bool {
	for _, done := range f.Tracker {
		if !done {
			return false
		}
	}
	return true
}

// Room is a decoded snapshot of rooms/<key>.
type Room struct {
	Key         string             `json:"-"`
	DisplayName string             `json:"displayName"`
	HostID      string             `json:"hostId"`
	Players     map[string]*Player `json:"players"`
	GameState   GameState          `json:"gameState"`
	Settings    Settings           `json:"settings"`
	FinalRound  FinalRound         `json:"finalRound"`
	Events      Events             `json:"events"`
}

// DiceRoll is one entry of rooms/<key>/events/diceRolls.
type DiceRoll struct {
	Player    string `json:"player"`
	Faces     []int  `json:"faces"`
	Locked    []bool `json:"locked"`
	Farkle    bool   `json:"farkle,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// MaterialChange is one entry of rooms/<key>/events/materials.
type MaterialChange struct {
	Player    string `json:"player"`
	Material  string `json:"material"`
	Timestamp int64  `json:"timestamp"`
}

// Events holds the append-only broadcast logs, keyed by push id.
type Events struct {
	DiceRolls map[string]DiceRoll       `json:"diceRolls"`
	Materials map[string]MaterialChange `json:"materials"`
}

// Phase returns the room's phase, treating an absent final-round record as playing.
func (r *Room) Phase() Phase {
	if r.FinalRound.State == "" {
		return PhasePlaying
	}
	return r.FinalRound.State
}

// Roster returns the players in stable join order.
func (r *Room) Roster() []*Player {
	out := make([]*Player, 0, len(r.Players))
	for _, p := range r.Players {
		out = append(out, p)
	}
	SortRoster(out)
	return out
}

// Player returns the named member or nil.
func (r *Room) Player(name string) *Player {
	if r == nil {
		return nil
	}
	return r.Players[name]
}

// DecodeRoom converts the raw value of rooms/<key> into a Room. A nil value
// decodes to an empty room with default settings.
func DecodeRoom(key string, v any) (*Room, error) {
	room := &Room{
		Key:      key,
		Players:  make(map[string]*Player),
		Settings: DefaultSettings(),
	}
	if err := store.Decode(v, room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", key, err)
	}
	if room.Players == nil {
		room.Players = make(map[string]*Player)
	}
	for name, p := range room.Players {
		// A field written after the member left leaves a fragment without a
		// name; it is not a member.
		if p == nil || p.Name != name {
			delete(room.Players, name)
			continue
		}
		if p.State == "" {
			p.State = StateWaiting
		}
	}
	room.Settings = room.Settings.WithDefaults()
	return room, nil
}

// CanonicalRoomKey lowercases a room name for storage. The original casing is
// kept separately as the display name.
func CanonicalRoomKey(name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if err := store.ValidateSegment(key); err != nil {
		return "", fmt.Errorf("invalid room name %q: %w", name, err)
	}
	return key, nil
}

func RoomPath(key string) string         { return store.Join("rooms", key) }
func PlayersPath(key string) string      { return store.Join("rooms", key, "players") }
func PlayerPath(key, name string) string { return store.Join("rooms", key, "players", name) }
func HostPath(key string) string         { return store.Join("rooms", key, "hostId") }
func GameStatePath(key string) string    { return store.Join("rooms", key, "gameState") }
func SettingsPath(key string) string     { return store.Join("rooms", key, "settings") }
func FinalRoundPath(key string) string   { return store.Join("rooms", key, "finalRound") }
func EventsPath(key, log string) string  { return store.Join("rooms", key, "events", log) }

// PlayerField addresses one field of a player record.
func PlayerField(key, name, field string) string {
	return store.Join("rooms", key, "players", name, field)
}
