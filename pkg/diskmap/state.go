package diskmap

import (
	"fmt"
	"strings"
)

// State is the allocation/fragmentation state of a cluster.
type State uint8

const (
	Empty State = iota
	Allocated
	Unmovable
	Busy
	Fragmented
	Unfragmented
	SpaceHog
	Mft

	numStates
)

var stateNames = [numStates]string{
	Empty:        "empty",
	Allocated:    "allocated",
	Unmovable:    "unmovable",
	Busy:         "busy",
	Fragmented:   "fragmented",
	Unfragmented: "unfragmented",
	SpaceHog:     "spacehog",
	Mft:          "mft",
}

// States lists every state in declaration order.
func States() []State {
	out := make([]State, numStates)
	for i := range out {
		out[i] = State(i)
	}
	return out
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) Valid() bool { return s < numStates }

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown cluster state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid cluster state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Precedence orders states from most to least significant. A bucket in the
// filtered view reports the most significant state among its clusters.
type Precedence []State

// DefaultPrecedence puts in-flight and alarming states first.
var DefaultPrecedence = Precedence{Busy, Fragmented, Unmovable, Mft, SpaceHog, Unfragmented, Allocated, Empty}

// ranks converts the ordering into a lookup table where a higher rank wins.
// States missing from p rank below every listed state.
func (p Precedence) ranks() ([numStates]int, error) {
	var r [numStates]int
	seen := make(map[State]bool, len(p))
	for i, s := range p {
		if !s.Valid() {
			return r, fmt.Errorf("precedence: invalid state %d", uint8(s))
		}
		if seen[s] {
			return r, fmt.Errorf("precedence: duplicate state %s", s)
		}
		seen[s] = true
		r[s] = len(p) - i
	}
	return r, nil
}
