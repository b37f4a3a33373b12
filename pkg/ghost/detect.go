package ghost

import(
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/abworrall/deghost-hdr/pkg/ecolor"
	"github.com/abworrall/deghost-hdr/pkg/emath"
	"github.com/abworrall/deghost-hdr/pkg/exposure"
)

var(
	ErrTooFewExposures = errors.New("need at least two exposures")
	ErrImageTooSmall   = errors.New("image smaller than patch grid")
	ErrOffsets         = errors.New("offsets don't match exposures")
)

// Detector flags the cells of a PatchGrid where the exposures disagree
// about what is in the scene, once exposure and alignment are allowed
// for. It reads nothing but its inputs, so the same inputs always give
// the same answer.
type Detector struct {
	GridSize  int
	Workers   int
	Verbosity int
}

type Result struct {
	Grid           *PatchGrid
	ReferenceIndex int
	GhostedPercent float64
	HueEnergies  []float64
}

// DetectGhosts picks the exposure least affected by motion as the
// reference, then compares every other exposure with it, cell by cell.
// A cell is flagged when the mean difference in any channel exceeds
// threshold times that channel's standard deviation of the difference
// over the whole image. offsets may be nil, meaning all zero.
//
// The std-dev baseline is recomputed for each candidate on every call;
// it is cheap next to the per-cell pass.
func (d Detector)DetectGhosts(items []*exposure.Item, threshold float64, offsets []image.Point) (Result, error) {
	if len(items) < 2 {
		return Result{}, fmt.Errorf("ghost detection with %d: %w", len(items), ErrTooFewExposures)
	}
	if offsets == nil {
		offsets = make([]image.Point, len(items))
	} else if len(offsets) != len(items) {
		return Result{}, fmt.Errorf("%d offsets, %d exposures: %w", len(offsets), len(items), ErrOffsets)
	}

	side := d.GridSize
	if side <= 0 { side = DefaultGridSize }
	width, height := items[0].Width(), items[0].Height()
	for _, it := range items[1:] {
		if it.Width() != width || it.Height() != height {
			return Result{}, fmt.Errorf("%s vs %s: %w", items[0].Base(), it.Base(), exposure.ErrSizeMismatch)
		}
	}
	if width < side || height < side {
		return Result{}, fmt.Errorf("%dx%d with grid %d: %w", width, height, side, ErrImageTooSmall)
	}

	workers := d.Workers
	if workers <= 0 { workers = runtime.NumCPU() }

	res := Result{Grid: NewPatchGrid(side), HueEnergies: make([]float64, len(items))}

	// 1. Hue energy; the lowest is the reference
	g := errgroup.Group{}
	g.SetLimit(workers)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			res.HueEnergies[i] = ecolor.HueEnergy(it.Frame)
			return nil
		})
	}
	g.Wait()

	for i, e := range res.HueEnergies {
		if e < res.HueEnergies[res.ReferenceIndex] {
			res.ReferenceIndex = i
		}
	}
	ref := items[res.ReferenceIndex]

	for h, cand := range items {
		if h == res.ReferenceIndex {
			continue
		}

		// 2. Exposure and alignment compensation
		deltaEV := emath.SafeLog2(ref.Luminance()) - emath.SafeLog2(cand.Luminance())
		dx := offsets[res.ReferenceIndex].X - offsets[h].X
		dy := offsets[res.ReferenceIndex].Y - offsets[h].Y

		diffs, valid := differences(ref, cand, math.Exp2(deltaEV), dx, dy)

		// 3. Baseline
		var sdv [3]float64
		for c:=0; c<3; c++ {
			sdv[c] = baseline(diffs[c], valid)
		}

		if d.Verbosity > 0 {
			log.Printf("ghost: ref %s vs %s, dEV %.3f, offset (%d,%d), sdv [%.6f %.6f %.6f]\n",
				ref.Base(), cand.Base(), deltaEV, dx, dy, sdv[0], sdv[1], sdv[2])
		}

		// 4. Per cell; each goroutine owns one row of cells
		g := errgroup.Group{}
		g.SetLimit(workers)
		for j:=0; j<side; j++ {
			j := j
			g.Go(func() error {
				for i:=0; i<side; i++ {
					if res.Grid.Get(i, j) {
						continue
					}
					r := res.Grid.CellRect(i, j, width, height)
					if comparePatch(diffs, valid, r, threshold, sdv) {
						res.Grid.Set(i, j, true)
					}
				}
				return nil
			})
		}
		g.Wait()
	}

	// 5.
	res.GhostedPercent = res.Grid.Percent()
	if d.Verbosity > 0 {
		log.Printf("ghost: reference %d (%s), %.2f%% of patches ghosted\n", res.ReferenceIndex, ref.Base(), res.GhostedPercent)
	}

	return res, nil
}

// differences returns ref(p) - k*cand(p + (dx,dy)) for each channel.
// Pixels where p+(dx,dy) falls outside the candidate are not valid.
func differences(ref, cand *exposure.Item, k float64, dx, dy int) ([3]emath.FloatGrid, []bool) {
	width, height := ref.Width(), ref.Height()
	valid := make([]bool, width*height)
	diffs := [3]emath.FloatGrid{}
	for c:=0; c<3; c++ {
		diffs[c] = emath.NewFloatGrid(width, height)
	}

	for y:=0; y<height; y++ {
		cy := y + dy
		if cy < 0 || cy >= height {
			continue
		}
		for x:=0; x<width; x++ {
			cx := x + dx
			if cx < 0 || cx >= width {
				continue
			}
			valid[y*width + x] = true
			for c:=0; c<3; c++ {
				diffs[c].Set(x, y, ref.Frame.Chans[c].Get(x, y) - k*cand.Frame.Chans[c].Get(cx, cy))
			}
		}
	}
	return diffs, valid
}

func baseline(diff emath.FloatGrid, valid []bool) float64 {
	vals := make([]float64, 0, len(valid))
	for i, v := range diff.Values() {
		if valid[i] {
			vals = append(vals, v)
		}
	}
	if len(vals) < 2 {
		return 0.0
	}
	_, sdv := stat.MeanStdDev(vals, nil)
	return sdv
}

func comparePatch(diffs [3]emath.FloatGrid, valid []bool, r image.Rectangle, threshold float64, sdv [3]float64) bool {
	width := diffs[0].Dx()
	var sum [3]float64
	n := 0
	for y:=r.Min.Y; y<r.Max.Y; y++ {
		for x:=r.Min.X; x<r.Max.X; x++ {
			if !valid[y*width + x] {
				continue
			}
			n++
			for c:=0; c<3; c++ {
				sum[c] += math.Abs(diffs[c].Get(x, y))
			}
		}
	}
	if n == 0 {
		return false
	}
	for c:=0; c<3; c++ {
		if sum[c] / float64(n) > threshold * sdv[c] {
			return true
		}
	}
	return false
}
