// Package features turns detected landmarks into the fixed-shape classifier input.
package features

import "github.com/ayusman/handwave/internal/landmark"

// Length is the classifier input width: one (x, y) pair per landmark.
const Length = 2 * landmark.NumLandmarks

// Vector is the encoded hand. Its length is fixed by the type.
type Vector [Length]float32

// Encode returns the (x, y) pairs of the first hand in s, with (0, 0) for
// landmarks the detector did not report. It returns false when s holds no hand.
// Coordinates are passed through as the detector normalized them.
func Encode(s landmark.Set) (Vector, bool) {
	var v Vector
	if s.Empty() {
		return v, false
	}

	hand := s[0]
	for i := 0; i < landmark.NumLandmarks; i++ {
		if p, ok := hand.Point(i); ok {
			v[2*i] = float32(p.X)
			v[2*i+1] = float32(p.Y)
		}
	}
	return v, true
}

// Slice returns v as a slice for backends that take []float32.
func (v *Vector) Slice() []float32 {
	return v[:]
}
