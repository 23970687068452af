// internal/models/records.go
package models

// ActionRecord is one entry of the historian queue.
type ActionRecord struct {
	GameID        string         `json:"game_id"`
	RoomKey       string         `json:"room_key"`
	ActionIndex   int            `json:"action_index"`
	Actor         string         `json:"actor"`
	ActionType    string         `json:"action_type"`
	ActionPayload map[string]any `json:"action_payload"`
	Timestamp     int64          `json:"timestamp"`
}

// Standing is one row of a final leaderboard.
type Standing struct {
	Rank  int    `json:"rank"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// GameResult is a finished game as persisted by the result recorder.
type GameResult struct {
	GameID           string     `json:"gameId"`
	RoomKey          string     `json:"roomKey"`
	DisplayName      string     `json:"displayName"`
	Winner           string     `json:"winner"`
	WinTriggerPlayer string     `json:"winTriggerPlayer"`
	Standings        []Standing `json:"standings"`
	EndedAt          int64      `json:"endedAt"`
}
