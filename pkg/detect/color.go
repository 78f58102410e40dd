package detect

import "math"

// ColorRule classifies a single BGR colour as target-coloured.
// A colour matches if it passes the channel dominance test or the hue test.
// Both tests use strict floors: a saturation or value equal to its floor is
// rejected. The free-form mask uses inclusive InRange bounds instead.
type ColorRule struct {
	LowHueMin     float64
	LowHueMax     float64
	HighHueMin    float64
	HighHueMax    float64
	SaturationMin float64
	ValueMin      float64

	DominanceEnabled bool
	DominanceMargin  float64
	DominanceFloor   float64
}

// Match reports whether the colour (b, g, r in 0-255) is target-coloured.
func (c ColorRule) Match(b, g, r float64) bool {
	return c.MatchDominance(b, g, r) || c.MatchHue(b, g, r)
}

// MatchDominance applies the red channel dominance test.
func (c ColorRule) MatchDominance(b, g, r float64) bool {
	if !c.DominanceEnabled {
		return false
	}
	return r-g > c.DominanceMargin && r-b > c.DominanceMargin && r > c.DominanceFloor
}

// MatchHue applies the two-range hue test. Saturation and value must be
// strictly above their floors.
func (c ColorRule) MatchHue(b, g, r float64) bool {
	h, s, v := HSVFromBGR(b, g, r)
	if s <= c.SaturationMin || v <= c.ValueMin {
		return false
	}
	return (h >= c.LowHueMin && h <= c.LowHueMax) || (h >= c.HighHueMin && h <= c.HighHueMax)
}

// HSVFromBGR converts a BGR colour to HSV using the OpenCV 8-bit convention:
// H in [0, 180), S and V in [0, 255].
func HSVFromBGR(b, g, r float64) (h, s, v float64) {
	v = math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	diff := v - lo

	if v > 0 {
		s = diff / v * 255
	}
	if diff == 0 {
		return 0, s, v
	}

	switch v {
	case r:
		h = 60 * (g - b) / diff
	case g:
		h = 120 + 60*(b-r)/diff
	default:
		h = 240 + 60*(r-g)/diff
	}
	if h < 0 {
		h += 360
	}
	return h / 2, s, v
}
