package table

import (
	"math/rand/v2"
	"sync"
)

// Roller produces a pair of dice.
type Roller interface {
	Roll() (int, int)
}

// RandomRoller rolls two independent uniform dice.
type RandomRoller struct{}

func (RandomRoller) Roll() (int, int) {
	return rand.IntN(6) + 1, rand.IntN(6) + 1
}

// ScriptedRoller replays fixed rolls in order and then repeats the last one.
type ScriptedRoller struct {
	mu    sync.Mutex
	rolls [][2]int
	next  int
}

// NewScriptedRoller returns a roller over rolls.
func NewScriptedRoller(rolls ...[2]int) *ScriptedRoller {
	return &ScriptedRoller{rolls: rolls}
}

// Push appends rolls to the script.
func (s *ScriptedRoller) Push(rolls ...[2]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolls = append(s.rolls, rolls...)
}

func (s *ScriptedRoller) Roll() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rolls) == 0 {
		return 1, 2
	}
	i := min(s.next, len(s.rolls)-1)
	s.next++
	return s.rolls[i][0], s.rolls[i][1]
}
