package exchange

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"slices"
)

// MaxShuffleAttempts bounds the rejection sampling in Generate.
const MaxShuffleAttempts = 200

// Shuffler is the randomness Generate consumes. *rand.Rand satisfies it.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

// NewRand returns a PCG-backed generator; the same seed always yields the
// same draws.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// NewSeed reads a seed from crypto/rand.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Generate draws a giver→receiver mapping over roster in which nobody
// receives their own name. It shuffles a copy of the roster until no
// position is fixed, giving up after MaxShuffleAttempts.
func Generate(roster []string, rng Shuffler) (map[string]string, error) {
	if err := ValidateRoster(roster); err != nil {
		return nil, err
	}

	receivers := slices.Clone(roster)
	for attempt := 1; attempt <= MaxShuffleAttempts; attempt++ {
		rng.Shuffle(len(receivers), func(i, j int) {
			receivers[i], receivers[j] = receivers[j], receivers[i]
		})
		if !hasFixedPoint(roster, receivers) {
			out := make(map[string]string, len(roster))
			for i, giver := range roster {
				out[giver] = receivers[i]
			}
			return out, nil
		}
	}

	return nil, wrapError(KindExhaustion, CodeExhausted, "generate assignments",
		fmt.Errorf("no derangement of %d names after %d attempts", len(roster), MaxShuffleAttempts))
}

func hasFixedPoint(roster, shuffled []string) bool {
	for i := range roster {
		if roster[i] == shuffled[i] {
			return true
		}
	}
	return false
}

// checkDerangement verifies that assignments is a fixed-point-free
// bijection over roster.
func checkDerangement(roster []string, assignments map[string]string) error {
	if len(assignments) != len(roster) {
		return fmt.Errorf("%d assignments for %d names", len(assignments), len(roster))
	}
	received := make(map[string]bool, len(roster))
	for _, giver := range roster {
		receiver, ok := assignments[giver]
		if !ok {
			return fmt.Errorf("%q has no receiver", giver)
		}
		if receiver == giver {
			return fmt.Errorf("%q is assigned to themselves", giver)
		}
		if !slices.Contains(roster, receiver) {
			return fmt.Errorf("receiver %q is not on the roster", receiver)
		}
		if received[receiver] {
			return fmt.Errorf("%q receives twice", receiver)
		}
		received[receiver] = true
	}
	return nil
}
