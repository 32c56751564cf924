// Package landmark defines detected hand keypoints independently of any detector backend.
package landmark

// Hand landmark indices following MediaPipe convention.
// See: https://developers.google.com/mediapipe/solutions/vision/hand_landmarker
const (
	Wrist        = 0
	ThumbCMC     = 1
	ThumbMCP     = 2
	ThumbIP      = 3
	ThumbTip     = 4
	IndexMCP     = 5
	IndexPIP     = 6
	IndexDIP     = 7
	IndexTip     = 8
	MiddleMCP    = 9
	MiddlePIP    = 10
	MiddleDIP    = 11
	MiddleTip    = 12
	RingMCP      = 13
	RingPIP      = 14
	RingDIP      = 15
	RingTip      = 16
	PinkyMCP     = 17
	PinkyPIP     = 18
	PinkyDIP     = 19
	PinkyTip     = 20
	NumLandmarks = 21
)

// Point3D is a landmark position. X and Y are normalized to [0,1] of the
// frame width and height; Z is relative depth.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Hand holds the landmarks of one detected hand in index order.
// A detector may report fewer than NumLandmarks points.
type Hand struct {
	Points     []Point3D `json:"points"`
	Handedness string    `json:"handedness"` // "Left" or "Right"
	Score      float64   `json:"score"`
}

// Point returns landmark i and whether the detector reported it.
func (h Hand) Point(i int) (Point3D, bool) {
	if i < 0 || i >= len(h.Points) {
		return Point3D{}, false
	}
	return h.Points[i], true
}

// Set is every hand found in one frame, in detection order.
// It carries no identity across frames.
type Set []Hand

// Empty reports whether no hand was detected.
func (s Set) Empty() bool {
	return len(s) == 0
}
