package classifier

import "github.com/chewxy/math32"

// Argmax returns the index and value of the largest score. Ties go to the
// lowest index and NaN never wins. It returns -1 when no score is a number.
func Argmax(scores []float32) (int, float32) {
	best, bestVal := -1, float32(0)
	for i, v := range scores {
		if math32.IsNaN(v) {
			continue
		}
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	return best, bestVal
}
