package align

import(
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"sync"

	"github.com/abworrall/deghost-hdr/pkg/emath"
	"github.com/abworrall/deghost-hdr/pkg/exposure"
)

var(
	ErrTooFewExposures = errors.New("need at least two exposures to align")
	ErrAlignFailed     = errors.New("alignment failed")
)

// Result of aligning a set of exposures. Offsets[i] is the shift that
// was applied to item i (zero if unknown); Aligned holds the new items,
// in the same order. Output is whatever an external tool printed.
type Result struct {
	Offsets []image.Point
	Aligned []*exposure.Item
	Output  []byte
}

// An Aligner lines up a set of exposures so that the same scene point
// lands on the same pixel in all of them. It must not modify the items
// it is given.
type Aligner interface {
	Align(ctx context.Context, items []*exposure.Item) (Result, error)
}

// Translational aligns by whole-pixel shifts, using Ward's median
// threshold bitmaps: each exposure is reduced to a bitmap of "brighter
// than its own median", which does not care about exposure, and the
// bitmaps are compared over an image pyramid, coarse to fine.
type Translational struct {
	MaxShift  int      // largest shift to look for, in pixels
	Tolerance float64  // pixels this close to the median (as a fraction of it) are ignored
	Workers   int
	Verbosity int
}

func NewTranslational() Translational {
	return Translational{
		MaxShift:  32,
		Tolerance: 0.04,
		Workers:   8,
	}
}

// An mtb is one level of one exposure's median threshold bitmap.
type mtb struct {
	width, height int
	bits   []bool  // brighter than the median
	usable []bool  // not too close to the median to call
}

func newMTB(lum emath.FloatGrid, tolerance float64) mtb {
	med := lum.Percentile(0.5)
	m := mtb{width: lum.Dx(), height: lum.Dy()}
	m.bits = make([]bool, m.width*m.height)
	m.usable = make([]bool, m.width*m.height)
	for i, v := range lum.Values() {
		m.bits[i] = v > med
		m.usable[i] = math.Abs(v - med) > tolerance*med
	}
	return m
}

// score counts the usable pixels that disagree, when m2 is shifted by o
// and laid over m1.
func score(m1, m2 mtb, o image.Point) int {
	n := 0
	for y:=0; y<m1.height; y++ {
		y2 := y - o.Y
		if y2 < 0 || y2 >= m2.height {
			continue
		}
		for x:=0; x<m1.width; x++ {
			x2 := x - o.X
			if x2 < 0 || x2 >= m2.width {
				continue
			}
			i1, i2 := y*m1.width + x, y2*m2.width + x2
			if m1.usable[i1] && m2.usable[i2] && m1.bits[i1] != m2.bits[i2] {
				n++
			}
		}
	}
	return n
}

type shiftJob struct {
	// Inputs for the job
	Index  int
	Offset image.Point

	// Output
	ErrorMetric int
}

// scoreShiftsConcurrently uses a pool of goroutines to score each of the
// proposed offsets, and returns the one with the lowest error. Ties go
// to the earliest offset in the list.
func (t Translational)scoreShiftsConcurrently(ctx context.Context, m1, m2 mtb, offsets []image.Point) (image.Point, error) {
	var wg sync.WaitGroup
	jobsChan    := make(chan shiftJob, len(offsets))
	resultsChan := make(chan shiftJob, len(offsets))

	// Kick off worker pool
	nWorkers := t.Workers
	if nWorkers <= 0 { nWorkers = 1 }
	for i:=0; i<nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobsChan {
				if ctx.Err() == nil {
					job.ErrorMetric = score(m1, m2, job.Offset)
				}
				resultsChan<- job
			}
		}()
	}

	// Feed in jobs
	for i, o := range offsets {
		jobsChan<- shiftJob{Index: i, Offset: o}
	}
	close(jobsChan)
	wg.Wait()
	close(resultsChan)

	if err := ctx.Err(); err != nil {
		return image.Point{}, err
	}

	// results processor
	best := shiftJob{Index: len(offsets), ErrorMetric: math.MaxInt}
	for result := range resultsChan {
		if result.ErrorMetric < best.ErrorMetric || (result.ErrorMetric == best.ErrorMetric && result.Index < best.Index) {
			best = result
		}
	}
	return best.Offset, nil
}

// levels is how many times to halve the images, so the coarsest level's
// +/-1 search covers MaxShift, without shrinking them to nothing.
func (t Translational)levels(width, height int) int {
	n := 0
	for (1<<(n+1)) - 1 < t.MaxShift && width>>(n+1) >= 8 && height>>(n+1) >= 8 {
		n++
	}
	return n
}

// pyramid returns the bitmaps for each level, finest first
func (t Translational)pyramid(it *exposure.Item, nLevels int) []mtb {
	lum := it.Frame.Luminance()
	ret := []mtb{}
	for l:=0; l<=nLevels; l++ {
		ret = append(ret, newMTB(lum, t.Tolerance))
		lum = lum.DownSample()
	}
	return ret
}

// FindShift returns the offset that should be applied to it2 to line it
// up with it1.
func (t Translational)FindShift(ctx context.Context, it1, it2 *exposure.Item) (image.Point, error) {
	nLevels := t.levels(it1.Width(), it1.Height())
	p1 := t.pyramid(it1, nLevels)
	p2 := t.pyramid(it2, nLevels)

	cur := image.Point{}
	for l:=nLevels; l>=0; l-- {
		cur = cur.Mul(2)
		if l == nLevels { cur = image.Point{} }

		// The no-change offset goes first, so it wins ties
		cands := []image.Point{cur}
		for dy:=-1; dy<=1; dy++ {
			for dx:=-1; dx<=1; dx++ {
				if dx != 0 || dy != 0 {
					cands = append(cands, cur.Add(image.Pt(dx, dy)))
				}
			}
		}

		best, err := t.scoreShiftsConcurrently(ctx, p1[l], p2[l], cands)
		if err != nil {
			return image.Point{}, err
		}
		cur = best
	}

	if t.Verbosity > 0 {
		log.Printf("align: %s -> %s, shift %v (%d levels)\n", it2.Base(), it1.Base(), cur, nLevels)
	}
	return cur, nil
}

// Align lines everything up with the middle exposure.
func (t Translational)Align(ctx context.Context, items []*exposure.Item) (Result, error) {
	if len(items) < 2 {
		return Result{}, fmt.Errorf("align %d: %w", len(items), ErrTooFewExposures)
	}
	base := items[len(items)/2]
	for _, it := range items {
		if !it.Frame.SameGeometry(base.Frame) {
			return Result{}, fmt.Errorf("align %s: %w", it.Base(), exposure.ErrSizeMismatch)
		}
	}

	res := Result{
		Offsets: make([]image.Point, len(items)),
		Aligned: make([]*exposure.Item, len(items)),
	}
	for i, it := range items {
		if it == base {
			res.Aligned[i] = it
			continue
		}
		o, err := t.FindShift(ctx, base, it)
		if err != nil {
			return Result{}, fmt.Errorf("align %s: %w", it.Base(), err)
		}
		res.Offsets[i] = o
		res.Aligned[i] = it.Shift(o.X, o.Y)
	}
	return res, nil
}
