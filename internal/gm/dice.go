package gm

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
)

// diceNotation matches standard dice notation: an optional count, "d", the
// die size, and an optional flat modifier. "d20", "3d6", "2d8+4", "d100-10".
var diceNotation = regexp.MustCompile(`^(\d*)d(\d+)([+-]\d+)?$`)

const (
	maxDiceCount = 100
	maxDieSides  = 1000
)

// diceRoll is the outcome of one notation evaluation.
type diceRoll struct {
	Notation string `json:"notation"`
	Rolls    []int  `json:"rolls"`
	Modifier int    `json:"modifier,omitempty"`
	Total    int    `json:"total"`
}

// rollDice evaluates dice notation with crypto/rand. Player-visible fairness
// is the point: a seeded PRNG would let a bug replay identical "random"
// outcomes across stories.
func rollDice(notation string) (*diceRoll, error) {
	m := diceNotation.FindStringSubmatch(notation)
	if m == nil {
		return nil, fmt.Errorf("gm: invalid dice notation %q", notation)
	}

	count := 1
	if m[1] != "" {
		count, _ = strconv.Atoi(m[1])
	}
	sides, _ := strconv.Atoi(m[2])
	modifier := 0
	if m[3] != "" {
		modifier, _ = strconv.Atoi(m[3])
	}

	if count < 1 || count > maxDiceCount {
		return nil, fmt.Errorf("gm: dice count %d out of range [1, %d]", count, maxDiceCount)
	}
	if sides < 2 || sides > maxDieSides {
		return nil, fmt.Errorf("gm: die sides %d out of range [2, %d]", sides, maxDieSides)
	}

	out := &diceRoll{
		Notation: notation,
		Rolls:    make([]int, count),
		Modifier: modifier,
		Total:    modifier,
	}
	for i := range out.Rolls {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(sides)))
		if err != nil {
			return nil, fmt.Errorf("gm: roll dice: %w", err)
		}
		out.Rolls[i] = int(n.Int64()) + 1
		out.Total += out.Rolls[i]
	}
	return out, nil
}
