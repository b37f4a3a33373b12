package emath

import "math"

// Some functions that only operate on basic types, that are useful

// https://www.sjbrown.co.uk/posts/gamma-correct-rendering/ - "linear RGB to sRGB"
// `f` is assumed to be in the range [0,1]
func GammaExpand_F64(f float64) float64 {
	if f <= 0.0031308 {
		return 12.92 * f
	}
	return 1.055 * math.Pow(f, 1.0/2.4) - 0.055
}

// GammaCompress_F64 is the inverse of GammaExpand_F64; it takes an sRGB
// encoded value back to linear.
func GammaCompress_F64(f float64) float64 {
	if f <= 0.04045 {
		return f / 12.92
	}
	return math.Pow((f + 0.055) / 1.055, 2.4)
}

// Log2 with a floor, for values that may be zero
func SafeLog2(v float64) float64 {
	if v <= 0.0 {
		return math.Log2(1e-12)
	}
	return math.Log2(v)
}
