package radiometry

import(
	"math"
)

// Robertson, Borman & Stevenson '99, "Dynamic range improvement through
// multiple exposures". Given the same pixels seen at several exposures,
// alternately estimate the irradiance of each pixel from the current
// response curve, and then the curve from the irradiances, until the
// curve settles.

const(
	DefaultRobertsonIterations = 12
	robertsonConvergence       = 1e-6
)

// A SampleSet holds raw levels for one color channel. Levels[i][j] is
// pixel j as captured by exposure i, which had relative exposure
// Scales[i].
type SampleSet struct {
	Levels [][]int
	Scales []float64
}

// FitRobertson estimates one channel's response curve. `init` is the
// starting curve (often linear), and is not modified.
func FitRobertson(s SampleSet, wf *WeightFunction, init []float64, iterations int) []float64 {
	nLevels := len(init)
	nImages := len(s.Levels)
	if nImages == 0 || nLevels < 2 {
		return append([]float64{}, init...)
	}
	nPix := len(s.Levels[0])

	I := append([]float64{}, init...)
	normalizeCurve(I)

	E := make([]float64, nPix)
	sum := make([]float64, nLevels)
	cnt := make([]int, nLevels)

	for iter:=0; iter<iterations; iter++ {
		// Irradiance, given the curve
		for j:=0; j<nPix; j++ {
			num, den := 0.0, 0.0
			for i:=0; i<nImages; i++ {
				z := s.Levels[i][j]
				w := wf.At(z)
				t := s.Scales[i]
				num += w * t * I[z]
				den += w * t * t
			}
			if den > 0 {
				E[j] = num / den
			} else {
				E[j] = 0
			}
		}

		// Curve, given the irradiance
		for m := range sum {
			sum[m], cnt[m] = 0, 0
		}
		for i:=0; i<nImages; i++ {
			for j:=0; j<nPix; j++ {
				z := s.Levels[i][j]
				sum[z] += s.Scales[i] * E[j]
				cnt[z]++
			}
		}

		prev := append([]float64{}, I...)
		for m:=0; m<nLevels; m++ {
			if cnt[m] > 0 {
				I[m] = sum[m] / float64(cnt[m])
			} else {
				I[m] = math.NaN()
			}
		}
		fillGaps(I, prev)
		normalizeCurve(I)

		delta := 0.0
		for m:=0; m<nLevels; m++ {
			delta += math.Abs(I[m] - prev[m])
		}
		if delta / float64(nLevels) < robertsonConvergence {
			break
		}
	}

	return I
}

// fillGaps linearly interpolates levels that no sample hit (marked
// NaN). If nothing was hit at all, the previous curve is kept.
func fillGaps(I, prev []float64) {
	n := len(I)
	next := make([]int, n) // next known level at or above m, or -1
	first := -1
	for m:=n-1; m>=0; m-- {
		if !math.IsNaN(I[m]) { first = m }
		next[m] = first
	}
	if first < 0 {
		copy(I, prev)
		return
	}

	lo := -1
	for m:=0; m<n; m++ {
		if !math.IsNaN(I[m]) {
			lo = m
			continue
		}
		hi := next[m]
		switch {
		case lo < 0: I[m] = I[hi]
		case hi < 0: I[m] = I[lo]
		default:
			f := float64(m-lo) / float64(hi-lo)
			I[m] = I[lo] + f*(I[hi]-I[lo])
		}
	}
}

// normalizeCurve scales the curve so the middle level maps to 0.5, the
// same as a linear curve would.
func normalizeCurve(I []float64) {
	mid := I[len(I)/2]
	if mid <= 0 || math.IsNaN(mid) {
		return
	}
	scale := (float64(len(I)/2) / float64(len(I)-1)) / mid
	for m := range I {
		I[m] *= scale
	}
}
