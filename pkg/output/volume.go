// ABOUTME: Volume curves mapping a normalized control value to linear gain
// ABOUTME: Logarithmic is the recommended curve for remote volume
package output

import (
	"fmt"
	"math"
)

// VolumeCurve names the mapping from a [0,1] control value to gain
type VolumeCurve string

const (
	CurveLinear      VolumeCurve = "linear"
	CurveLogarithmic VolumeCurve = "logarithmic"
	CurveExponential VolumeCurve = "exponential"
)

// volumeRangeDB is the attenuation span of the logarithmic curve
const volumeRangeDB = 60.0

// ParseVolumeCurve parses a curve name; empty selects logarithmic
func ParseVolumeCurve(s string) (VolumeCurve, error) {
	switch VolumeCurve(s) {
	case CurveLinear, CurveLogarithmic, CurveExponential:
		return VolumeCurve(s), nil
	case "":
		return CurveLogarithmic, nil
	}
	return "", fmt.Errorf("unknown volume curve: %q", s)
}

// Gain maps v in [0,1] to a linear gain in [0,1]
func (c VolumeCurve) Gain(v float64) float64 {
	v = math.Max(0, math.Min(1, v))
	if v == 0 {
		return 0
	}
	switch c {
	case CurveLinear:
		return v
	case CurveExponential:
		return v * v * v
	default:
		return math.Pow(10, (v-1)*volumeRangeDB/20)
	}
}
