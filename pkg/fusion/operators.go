package fusion

import(
	"context"
	"fmt"
	"log"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/abworrall/deghost-hdr/pkg/exposure"
	"github.com/abworrall/deghost-hdr/pkg/frame"
	"github.com/abworrall/deghost-hdr/pkg/radiometry"
)

// A weighting turns the weight of a raw level, and the exposure scale of
// the image it came from, into the weight used in the merge.
type weighting func(w, scale float64) float64

func debevecWeighting(w, scale float64) float64   { return w }

// Robertson's estimate is sum(w t I) / sum(w t^2); weighting each I/t by
// w t^2 gets the same thing out of the common merge loop.
func robertsonWeighting(w, scale float64) float64 { return w * scale * scale }

// ExposureScales returns 2^(EV - evOffset) for each item. Items with no
// known EV are assumed to sit at the offset.
func ExposureScales(items []*exposure.Item, evOffset float64) []float64 {
	scales := make([]float64, len(items))
	for i, it := range items {
		scales[i] = 1.0
		if it.HasEV {
			scales[i] = math.Exp2(it.EV - evOffset)
		}
	}
	return scales
}

func checkItems(items []*exposure.Item) error {
	if len(items) < 2 {
		return fmt.Errorf("fusing %d: %w", len(items), ErrTooFewExposures)
	}
	for i:=1; i<len(items); i++ {
		if !items[i].Frame.SameGeometry(items[0].Frame) {
			return fmt.Errorf("fusing %s (%dx%d) with %s (%dx%d): %w",
				items[0].Base(), items[0].Width(), items[0].Height(),
				items[i].Base(), items[i].Width(), items[i].Height(), exposure.ErrSizeMismatch)
		}
	}
	return nil
}

type mergeOperator struct {
	workers   int
	weighting weighting
}

func (op mergeOperator)Fuse(ctx context.Context, model *radiometry.Model, items []*exposure.Item, evOffset float64) (*frame.Frame, *radiometry.ResponseCurve, error) {
	f, err := merge(ctx, model, items, ExposureScales(items, evOffset), op.weighting, op.workers)
	return f, model.Response, err
}

// merge computes, for every pixel and channel,
//
//   sum( W(raw_i) * resp(raw_i) / scale_i ) / sum( W(raw_i) )
//
// If every sample has zero weight (all clipped, say) the sample closest
// to mid-range is used on its own. Rows are done in parallel.
func merge(ctx context.Context, model *radiometry.Model, items []*exposure.Item, scales []float64, wt weighting, workers int) (*frame.Frame, error) {
	if err := checkItems(items); err != nil {
		return nil, err
	}

	width  := items[0].Width()
	height := items[0].Height()
	levels := model.Levels()
	mid    := float64(levels-1) / 2.0
	out    := frame.New(width, height)

	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for y:=0; y<height; y++ {
		y := y
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for c:=0; c<3; c++ {
				lut := model.Response.LUT[c]
				row := out.Chans[c].Row(y)
				for x:=0; x<width; x++ {
					sum, sumW := 0.0, 0.0
					best, bestDist := 0, math.MaxFloat64
					for i, it := range items {
						z := radiometry.Quantize(it.Frame.Chans[c].Get(x, y), levels)
						w := wt(model.Weight.At(z), scales[i])
						sum  += w * lut[z] / scales[i]
						sumW += w
						if d := math.Abs(float64(z) - mid); d < bestDist {
							best, bestDist = i, d
						}
					}
					if sumW > 0 {
						row[x] = sum / sumW
					} else {
						z := radiometry.Quantize(items[best].Frame.Chans[c].Get(x, y), levels)
						row[x] = lut[z] / scales[best]
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Target number of pixels sampled when fitting a response curve.
const calibrationSamples = 20000

// autoCalibrator fits the response curve with Robertson's method, then
// merges with it. Each fit starts from the curve the previous run fitted
// (if the bit depth still matches), so the registry keeps one instance
// and never runs it twice at once.
type autoCalibrator struct {
	workers int
	samples [3]radiometry.SampleSet
	last    *radiometry.ResponseCurve
}

// startingCurve is the table the fit for channel c iterates from.
func (ac *autoCalibrator)startingCurve(model *radiometry.Model, c int) []float64 {
	if ac.last != nil && ac.last.BitDepth == model.BitDepth() {
		return ac.last.LUT[c]
	}
	return model.Response.LUT[c]
}

func (ac *autoCalibrator)Fuse(ctx context.Context, model *radiometry.Model, items []*exposure.Item, evOffset float64) (*frame.Frame, *radiometry.ResponseCurve, error) {
	if err := checkItems(items); err != nil {
		return nil, nil, err
	}

	scales := ExposureScales(items, evOffset)
	ac.gatherSamples(model, items, scales)

	lut := [3][]float64{}
	g, gctx := errgroup.WithContext(ctx)
	for c:=0; c<3; c++ {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lut[c] = radiometry.FitRobertson(ac.samples[c], model.Weight, ac.startingCurve(model, c), radiometry.DefaultRobertsonIterations)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	rc, err := radiometry.NewCustomResponseCurve(lut)
	if err != nil {
		return nil, nil, fmt.Errorf("fitted curve: %w", err)
	}
	fitted, err := model.WithResponse(rc)
	if err != nil {
		return nil, nil, err
	}
	ac.last = rc
	log.Printf("robertson-auto: fitted response curve from %d samples x %d exposures\n", len(ac.samples[0].Levels[0]), len(items))

	f, err := merge(ctx, fitted, items, scales, robertsonWeighting, ac.workers)
	return f, rc, err
}

func (ac *autoCalibrator)gatherSamples(model *radiometry.Model, items []*exposure.Item, scales []float64) {
	width, height := items[0].Width(), items[0].Height()
	levels := model.Levels()

	step := int(math.Sqrt(float64(width*height) / float64(calibrationSamples)))
	if step < 1 { step = 1 }

	for c:=0; c<3; c++ {
		ac.samples[c] = radiometry.SampleSet{Scales: scales, Levels: make([][]int, len(items))}
		for i, it := range items {
			lv := []int{}
			for y:=step/2; y<height; y+=step {
				for x:=step/2; x<width; x+=step {
					lv = append(lv, radiometry.Quantize(it.Frame.Chans[c].Get(x, y), levels))
				}
			}
			ac.samples[c].Levels[i] = lv
		}
	}
}
