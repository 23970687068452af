// internal/dice/scoring.go
package dice

import (
	"fmt"
	"strings"
)

const (
	NumDice = 6

	StraightScore   = 1500
	ThreePairsScore = 1500
	SingleOneScore  = 100
	SingleFiveScore = 50
)

var faceWords = [...]string{"", "one", "two", "three", "four", "five", "six"}

func counts(faces []int) ([7]int, error) {
	var c [7]int
	for _, f := range faces {
		if f < 1 || f > 6 {
			return c, fmt.Errorf("invalid die face %d", f)
		}
		c[f]++
	}
	return c, nil
}

// kindScore is the value of n (>= 3) dice of one face. Every die past the
// third doubles it.
func kindScore(face, n, threeOnes int) int {
	base := face * 100
	if face == 1 {
		base = threeOnes
	}
	return base << (n - 3)
}

// scoreCounts scores dice by face count. unused reports how many dice did not
// contribute.
func scoreCounts(c [7]int, threeOnes int) (points, unused int, parts []string) {
	for face := 1; face <= 6; face++ {
		n := c[face]
		switch {
		case n >= 3:
			points += kindScore(face, n, threeOnes)
			parts = append(parts, fmt.Sprintf("%d %ss", n, faceWords[face]))
		case n > 0 && face == 1:
			points += n * SingleOneScore
			parts = append(parts, plural(n, "one"))
		case n > 0 && face == 5:
			points += n * SingleFiveScore
			parts = append(parts, plural(n, "five"))
		default:
			unused += n
		}
	}
	return points, unused, parts
}

func plural(n int, word string) string {
	if n == 1 {
		return "single " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func isStraight(c [7]int) bool {
	for face := 1; face <= 6; face++ {
		if c[face] != 1 {
			return false
		}
	}
	return true
}

func isThreePairs(c [7]int) bool {
	pairs := 0
	for face := 1; face <= 6; face++ {
		switch c[face] {
		case 0:
		case 2:
			pairs++
		default:
			return false
		}
	}
	return pairs == 3
}

// ScoreSelection scores a set of dice the player chose to lock. ok is false
// when the selection is empty or any selected die does not contribute.
func ScoreSelection(selected []int, threeOnes int) (points int, desc string, ok bool) {
	if len(selected) == 0 {
		return 0, "", false
	}
	c, err := counts(selected)
	if err != nil {
		return 0, "", false
	}
	best, bestDesc := -1, ""
	if len(selected) == NumDice && isStraight(c) {
		best, bestDesc = StraightScore, "straight"
	}
	if len(selected) == NumDice && isThreePairs(c) && ThreePairsScore > best {
		best, bestDesc = ThreePairsScore, "three pairs"
	}
	if p, unused, parts := scoreCounts(c, threeOnes); unused == 0 && p > best {
		best, bestDesc = p, strings.Join(parts, ", ")
	}
	if best <= 0 {
		return 0, "", false
	}
	return best, bestDesc, true
}

// Score returns the best score obtainable from a roll, ignoring dice that
// cannot contribute.
func Score(faces []int, threeOnes int) int {
	c, err := counts(faces)
	if err != nil {
		return 0
	}
	best, _, _ := scoreCounts(c, threeOnes)
	if len(faces) == NumDice && (isStraight(c) || isThreePairs(c)) && StraightScore > best {
		best = StraightScore
	}
	return best
}

// HasScoringDice reports whether a roll can score at all. A roll without
// scoring dice is a farkle.
func HasScoringDice(faces []int) bool {
	c, err := counts(faces)
	if err != nil {
		return false
	}
	if c[1] > 0 || c[5] > 0 {
		return true
	}
	for face := 2; face <= 6; face++ {
		if c[face] >= 3 {
			return true
		}
	}
	return len(faces) == NumDice && isThreePairs(c)
}
