// internal/models/player.go
package models

import "sort"

// PlayerState is a player's position in the turn cycle.
type PlayerState string

const (
	StateWaiting   PlayerState = "WAITING"
	StateRolling   PlayerState = "ROLLING"
	StateEndedTurn PlayerState = "ENDED_TURN"
)

// Player is one member record under rooms/<key>/players/<name>. The display
// name doubles as the identifier inside a room.
type Player struct {
	Name           string      `json:"name"`
	Score          int         `json:"score"`
	State          PlayerState `json:"state"`
	StateTimestamp int64       `json:"stateTimestamp"`
	IsHost         bool        `json:"isHost"`
	IsConnected    bool        `json:"isConnected"`
	JoinedAt       int64       `json:"joinedAt"`
	LastSeen       int64       `json:"lastSeen,omitempty"`
}

// Record returns the store representation of the player.
func (p Player) Record() map[string]any {
	rec := map[string]any{
		"name":           p.Name,
		"score":          p.Score,
		"state":          string(p.State),
		"stateTimestamp": p.StateTimestamp,
		"isHost":         p.IsHost,
		"isConnected":    p.IsConnected,
		"joinedAt":       p.JoinedAt,
	}
	if p.LastSeen != 0 {
		rec["lastSeen"] = p.LastSeen
	}
	return rec
}

// SortRoster orders players by join time, then name. Every client sorts the
// same snapshot identically, which the turn derivation depends on.
func SortRoster(players []*Player) {
	sort.SliceStable(players, func(i, j int) bool {
		if players[i].JoinedAt != players[j].JoinedAt {
			return players[i].JoinedAt < players[j].JoinedAt
		}
		return players[i].Name < players[j].Name
	})
}

// Names returns the names of players in order.
func Names(players []*Player) []string {
	out := make([]string, len(players))
	for i, p := range players {
		out[i] = p.Name
	}
	return out
}
