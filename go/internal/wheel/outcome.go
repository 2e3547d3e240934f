// Package wheel holds the pure outcome math shared by every client of a
// couple session. Both participants run the same mapping against the same
// committed rotation so they render the same result without coordinating.
package wheel

import (
	"fmt"
	"math"
)

// FullCircle is the angular size of one revolution. All rotations in the
// system are degrees.
const FullCircle = 360.0

const (
	minSpinTurns = 3
	maxSpinTurns = 6
)

// RNG is the randomness the target-rotation generator needs. *rand.Rand
// satisfies it.
type RNG interface {
	Intn(n int) int
	Float64() float64
}

// Outcome maps a committed target rotation onto an option label.
//
// The pointer is fixed at the top while the wheel rotates underneath it, so
// the landed sector is read against the reverse of the rotation direction:
// the rotation is normalized into [0, 360) and subtracted from a full turn
// before dividing the circle into len(options) equal sectors.
func Outcome(rotationDeg float64, options []string) (int, string, error) {
	n := len(options)
	if n == 0 {
		return 0, "", fmt.Errorf("outcome requires at least one option")
	}

	normalized := math.Mod(rotationDeg, FullCircle)
	if normalized < 0 {
		normalized += FullCircle
	}

	pointer := math.Mod(FullCircle-normalized, FullCircle)

	sectorWidth := FullCircle / float64(n)
	idx := int(math.Floor(pointer/sectorWidth)) % n

	return idx, options[idx], nil
}

// TargetRotation picks the terminal angle a spin initiator commits to the
// session: a few full turns for the animation plus a uniform offset that
// decides the sector.
func TargetRotation(rng RNG) float64 {
	turns := minSpinTurns + rng.Intn(maxSpinTurns-minSpinTurns+1)
	return float64(turns)*FullCircle + rng.Float64()*FullCircle
}
