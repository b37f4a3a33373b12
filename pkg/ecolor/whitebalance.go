package ecolor

import(
	"math"

	"github.com/abworrall/deghost-hdr/pkg/frame"
)

// ClampToZero subtracts the smallest value found in any channel from all
// channels, so the darkest value in the frame becomes zero. It modifies f.
func ClampToZero(f *frame.Frame) float64 {
	m := math.Min(f.Chans[0].Min(), math.Min(f.Chans[1].Min(), f.Chans[2].Min()))
	for c:=0; c<3; c++ {
		f.Chans[c].AddConst(-m)
	}
	return m
}

// ShadesOfGrayAWB applies shades-of-gray white balancing, with Minkowski
// norm p, to all three channels jointly. p==1 is the gray world
// assumption; large p tends to max-RGB. It modifies f, and returns the
// per-channel gains it applied.
func ShadesOfGrayAWB(f *frame.Frame, p float64) [3]float64 {
	if p <= 0 { p = 1.0 }

	var norms [3]float64
	for c:=0; c<3; c++ {
		sum := 0.0
		vals := f.Chans[c].Values()
		for _, v := range vals {
			sum += math.Pow(math.Abs(v), p)
		}
		if len(vals) > 0 {
			norms[c] = math.Pow(sum / float64(len(vals)), 1.0/p)
		}
	}

	gray := (norms[0] + norms[1] + norms[2]) / 3.0

	gains := [3]float64{1.0, 1.0, 1.0}
	for c:=0; c<3; c++ {
		if norms[c] > 0 {
			gains[c] = gray / norms[c]
		}
		f.Chans[c].Scale(gains[c])
	}

	return gains
}
