// internal/models/settings.go
package models

import "fmt"

const (
	DefaultWinningScore   = 10000
	DefaultMinimumEntry   = 500
	DefaultThreeOnesScore = 300
	// AltThreeOnesScore is the other accepted value for three ones.
	AltThreeOnesScore = 1000
)

// Settings are the host-controlled rules of a room, stored under
// rooms/<key>/settings. They are read live at the point of use.
type Settings struct {
	WinningScore   int `json:"winningScore"`
	MinimumEntry   int `json:"minimumEntry"`
	ThreeOnesScore int `json:"threeOnesScore"`
}

// DefaultSettings returns the rules a new room starts with.
func DefaultSettings() Settings {
	return Settings{
		WinningScore:   DefaultWinningScore,
		MinimumEntry:   DefaultMinimumEntry,
		ThreeOnesScore: DefaultThreeOnesScore,
	}
}

// WithDefaults fills unset fields.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.WinningScore <= 0 {
		s.WinningScore = d.WinningScore
	}
	if s.MinimumEntry < 0 {
		s.MinimumEntry = d.MinimumEntry
	}
	if s.ThreeOnesScore == 0 {
		s.ThreeOnesScore = d.ThreeOnesScore
	}
	return s
}

// Validate checks a settings change requested by the host.
func (s Settings) Validate() error {
	if s.WinningScore <= 0 {
		return fmt.Errorf("winningScore must be positive")
	}
	if s.MinimumEntry < 0 {
		return fmt.Errorf("minimumEntry must be non-negative")
	}
	if s.MinimumEntry > s.WinningScore {
		return fmt.Errorf("minimumEntry cannot exceed winningScore")
	}
	if s.ThreeOnesScore != DefaultThreeOnesScore && s.ThreeOnesScore != AltThreeOnesScore {
		return fmt.Errorf("threeOnesScore must be %d or %d", DefaultThreeOnesScore, AltThreeOnesScore)
	}
	return nil
}

// Record returns the store representation of the settings.
func (s Settings) Record() map[string]any {
	return map[string]any{
		"winningScore":   s.WinningScore,
		"minimumEntry":   s.MinimumEntry,
		"threeOnesScore": s.ThreeOnesScore,
	}
}
