// internal/dice/roller.go
package dice

import (
	"math/rand"
	"sync"
	"time"
)

// Roller produces the faces of a throw. Locked dice keep their previous face.
type Roller interface {
	Roll(locked [NumDice]bool, prev [NumDice]int) [NumDice]int
}

// RandomRoller rolls fair dice.
type RandomRoller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomRoller seeds a roller from the clock.
func NewRandomRoller() *RandomRoller {
	return &RandomRoller{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *RandomRoller) Roll(locked [NumDice]bool, prev [NumDice]int) [NumDice]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := prev
	for i := range out {
		if !locked[i] {
			out[i] = r.rng.Intn(6) + 1
		}
	}
	return out
}

// Free returns the faces of the unlocked dice, which is what a player scores
// a fresh throw from.
func Free(faces [NumDice]int, locked [NumDice]bool) []int {
	out := make([]int, 0, NumDice)
	for i, f := range faces {
		if !locked[i] {
			out = append(out, f)
		}
	}
	return out
}
