package landmark

// Uniform returns a right hand with all 21 landmarks at (x, y).
func Uniform(x, y float64) Hand {
	h := Hand{
		Points:     make([]Point3D, NumLandmarks),
		Handedness: "Right",
		Score:      1,
	}
	for i := range h.Points {
		h.Points[i] = Point3D{X: x, Y: y}
	}
	return h
}

// ThumbsUp returns a preset right hand with the thumb extended upward
// and the other fingers curled.
func ThumbsUp() Hand {
	h := Hand{
		Points:     make([]Point3D, NumLandmarks),
		Handedness: "Right",
		Score:      0.95,
	}

	h.Points[Wrist] = Point3D{X: 0.5, Y: 0.8, Z: 0.0}

	// Y decreases going up
	h.Points[ThumbCMC] = Point3D{X: 0.55, Y: 0.75, Z: 0.0}
	h.Points[ThumbMCP] = Point3D{X: 0.58, Y: 0.65, Z: 0.0}
	h.Points[ThumbIP] = Point3D{X: 0.58, Y: 0.50, Z: 0.0}
	h.Points[ThumbTip] = Point3D{X: 0.58, Y: 0.35, Z: 0.0}

	h.Points[IndexMCP] = Point3D{X: 0.55, Y: 0.70, Z: -0.02}
	h.Points[IndexPIP] = Point3D{X: 0.55, Y: 0.68, Z: -0.05}
	h.Points[IndexDIP] = Point3D{X: 0.52, Y: 0.70, Z: -0.04}
	h.Points[IndexTip] = Point3D{X: 0.50, Y: 0.72, Z: -0.02}

	h.Points[MiddleMCP] = Point3D{X: 0.50, Y: 0.68, Z: -0.02}
	h.Points[MiddlePIP] = Point3D{X: 0.50, Y: 0.66, Z: -0.05}
	h.Points[MiddleDIP] = Point3D{X: 0.47, Y: 0.68, Z: -0.04}
	h.Points[MiddleTip] = Point3D{X: 0.45, Y: 0.70, Z: -0.02}

	h.Points[RingMCP] = Point3D{X: 0.45, Y: 0.70, Z: -0.02}
	h.Points[RingPIP] = Point3D{X: 0.45, Y: 0.68, Z: -0.05}
	h.Points[RingDIP] = Point3D{X: 0.42, Y: 0.70, Z: -0.04}
	h.Points[RingTip] = Point3D{X: 0.40, Y: 0.72, Z: -0.02}

	h.Points[PinkyMCP] = Point3D{X: 0.40, Y: 0.72, Z: -0.02}
	h.Points[PinkyPIP] = Point3D{X: 0.40, Y: 0.70, Z: -0.05}
	h.Points[PinkyDIP] = Point3D{X: 0.37, Y: 0.72, Z: -0.04}
	h.Points[PinkyTip] = Point3D{X: 0.35, Y: 0.74, Z: -0.02}

	return h
}

// OpenPalm returns a preset right hand with all fingers extended.
func OpenPalm() Hand {
	h := Hand{
		Points:     make([]Point3D, NumLandmarks),
		Handedness: "Right",
		Score:      0.95,
	}

	h.Points[Wrist] = Point3D{X: 0.5, Y: 0.8, Z: 0.0}

	h.Points[ThumbCMC] = Point3D{X: 0.55, Y: 0.75, Z: 0.02}
	h.Points[ThumbMCP] = Point3D{X: 0.62, Y: 0.70, Z: 0.03}
	h.Points[ThumbIP] = Point3D{X: 0.68, Y: 0.65, Z: 0.03}
	h.Points[ThumbTip] = Point3D{X: 0.73, Y: 0.60, Z: 0.03}

	h.Points[IndexMCP] = Point3D{X: 0.55, Y: 0.68, Z: 0.0}
	h.Points[IndexPIP] = Point3D{X: 0.57, Y: 0.55, Z: 0.0}
	h.Points[IndexDIP] = Point3D{X: 0.58, Y: 0.45, Z: 0.0}
	h.Points[IndexTip] = Point3D{X: 0.58, Y: 0.35, Z: 0.0}

	h.Points[MiddleMCP] = Point3D{X: 0.50, Y: 0.66, Z: 0.0}
	h.Points[MiddlePIP] = Point3D{X: 0.50, Y: 0.52, Z: 0.0}
	h.Points[MiddleDIP] = Point3D{X: 0.50, Y: 0.40, Z: 0.0}
	h.Points[MiddleTip] = Point3D{X: 0.50, Y: 0.28, Z: 0.0}

	h.Points[RingMCP] = Point3D{X: 0.45, Y: 0.68, Z: 0.0}
	h.Points[RingPIP] = Point3D{X: 0.43, Y: 0.55, Z: 0.0}
	h.Points[RingDIP] = Point3D{X: 0.42, Y: 0.45, Z: 0.0}
	h.Points[RingTip] = Point3D{X: 0.42, Y: 0.35, Z: 0.0}

	h.Points[PinkyMCP] = Point3D{X: 0.40, Y: 0.70, Z: 0.0}
	h.Points[PinkyPIP] = Point3D{X: 0.37, Y: 0.60, Z: 0.0}
	h.Points[PinkyDIP] = Point3D{X: 0.35, Y: 0.50, Z: 0.0}
	h.Points[PinkyTip] = Point3D{X: 0.34, Y: 0.42, Z: 0.0}

	return h
}
