package fusion

import(
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/deghost-hdr/pkg/exposure"
	"github.com/abworrall/deghost-hdr/pkg/frame"
	"github.com/abworrall/deghost-hdr/pkg/radiometry"
	"github.com/abworrall/deghost-hdr/pkg/synth"
)

func linearModel(t *testing.T) *radiometry.Model {
	m, err := radiometry.NewModel(radiometry.ResponseLinear, radiometry.WeightTriangular, 16)
	require.NoError(t, err)
	return m
}

func TestStaticSceneRecoversRadiance(t *testing.T) {
	scene := synth.StaticScene(24, 16)
	items := scene.Expose(-2, 0, 2)
	want := scene.RadianceFrame(0)
	evOffset := exposure.MedianEV([]float64{-2, 0, 2})

	for _, kind := range []Kind{Debevec, Robertson} {
		e := NewEngine(NewRegistry())
		e.Operator = kind
		e.DebugPixels = []image.Point{{3, 4}, {100, 100}}

		f, rc, err := e.ComputeFusion(context.Background(), linearModel(t), items, evOffset)
		require.NoError(t, err, "%s", kind)
		assert.Equal(t, radiometry.ResponseLinear, rc.Type)
		require.Equal(t, 24, f.Width())
		require.Equal(t, 16, f.Height())

		for c:=0; c<3; c++ {
			assert.True(t, want.Chans[c].Close(&f.Chans[c], 1e-4), "%s chan %d: %s vs %s",
				kind, c, want.Chans[c].Stats(), f.Chans[c].Stats())
		}
	}
}

func TestZeroWeightFallsBackToMidRangeSample(t *testing.T) {
	mk := func(v, ev float64) *exposure.Item {
		f := frame.New(2, 2)
		for y:=0; y<2; y++ {
			for x:=0; x<2; x++ {
				f.SetRGB(x, y, v, v, v)
			}
		}
		it := exposure.NewItem("x.tif", f, 16)
		it.SetEV(ev)
		return it
	}

	// Both fully clipped, so both have zero triangular weight
	items := []*exposure.Item{mk(1.0, 0), mk(1.0, 2)}
	f, _, err := NewEngine(NewRegistry()).ComputeFusion(context.Background(), linearModel(t), items, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.Chans[0].Get(1, 1))

	// Clipped white and black are equally far from the middle; a tie goes
	// to the first exposure, rescaled by its exposure
	items = []*exposure.Item{mk(1.0, 2), mk(0.0, 0)}
	f, _, err = NewEngine(NewRegistry()).ComputeFusion(context.Background(), linearModel(t), items, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.25, f.Chans[0].Get(0, 0))
}

func TestFusionPreconditions(t *testing.T) {
	e := NewEngine(NewRegistry())
	items := synth.StaticScene(8, 8).Expose(0)
	_, _, err := e.ComputeFusion(context.Background(), linearModel(t), items, 0)
	assert.ErrorIs(t, err, ErrTooFewExposures)

	items = append(items, synth.StaticScene(8, 9).Expose(1)...)
	_, _, err = e.ComputeFusion(context.Background(), linearModel(t), items, 0)
	assert.ErrorIs(t, err, exposure.ErrSizeMismatch)

	e.Operator = "nope"
	_, _, err = e.ComputeFusion(context.Background(), linearModel(t), items, 0)
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestFusionHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := synth.StaticScene(8, 8).Expose(0, 1)
	_, _, err := NewEngine(NewRegistry()).ComputeFusion(ctx, linearModel(t), items, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRobertsonAuto(t *testing.T) {
	scene := synth.StaticScene(32, 32)
	items := scene.Expose(-2, 0, 2)
	model, err := radiometry.NewModel(radiometry.ResponseLinear, radiometry.WeightTriangular, 8)
	require.NoError(t, err)

	e := NewEngine(NewRegistry())
	e.Operator = RobertsonAuto
	f, rc, err := e.ComputeFusion(context.Background(), model, items, 0)
	require.NoError(t, err)
	assert.Equal(t, radiometry.ResponseCustom, rc.Type)
	assert.Equal(t, 8, rc.BitDepth)
	assert.Equal(t, 32, f.Width())

	d, err := e.Registry.Lookup(RobertsonAuto)
	require.NoError(t, err)
	assert.True(t, d.Exclusive)

	// The registry keeps the calibrator, and the next fit starts from this one
	ac, ok := e.Registry.exclusive[RobertsonAuto].op.(*autoCalibrator)
	require.True(t, ok)
	assert.Same(t, rc, ac.last)
	assert.Equal(t, rc.LUT[1], ac.startingCurve(model, 1))

	_, rc2, err := e.ComputeFusion(context.Background(), model, items, 0)
	require.NoError(t, err)
	assert.Same(t, rc2, ac.last)
	assert.Same(t, ac, e.Registry.exclusive[RobertsonAuto].op)

	// A different bit depth can't start from the old curve
	model16, err := radiometry.NewModel(radiometry.ResponseLinear, radiometry.WeightTriangular, 16)
	require.NoError(t, err)
	assert.Equal(t, model16.Response.LUT[0], ac.startingCurve(model16, 0))
}

type countingOperator struct {
	running, maxRunning *int32
}

func (op countingOperator)Fuse(ctx context.Context, model *radiometry.Model, items []*exposure.Item, evOffset float64) (*frame.Frame, *radiometry.ResponseCurve, error) {
	n := atomic.AddInt32(op.running, 1)
	for {
		m := atomic.LoadInt32(op.maxRunning)
		if n <= m || atomic.CompareAndSwapInt32(op.maxRunning, m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(op.running, -1)
	return frame.New(1, 1), model.Response, nil
}

func TestExclusiveOperatorsAreSerialized(t *testing.T) {
	var running, maxRunning, built int32
	r := NewEmptyRegistry()
	r.Register(Descriptor{
		Kind:      "counting",
		Exclusive: true,
		New:       func(int) Operator {
			atomic.AddInt32(&built, 1)
			return countingOperator{&running, &maxRunning}
		},
	})

	model := linearModel(t)
	var wg sync.WaitGroup
	for i:=0; i<6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Run(context.Background(), "counting", 1, model, nil, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	assert.Equal(t, int32(1), atomic.LoadInt32(&built), "one shared operator")
	assert.Equal(t, "counting", r.List())
}

func TestPredefinedConfigs(t *testing.T) {
	require.Len(t, PredefinedConfigs, 6)
	for _, c := range PredefinedConfigs {
		assert.Equal(t, Debevec, c.Operator)
		_, err := radiometry.NewModel(c.Response, c.Weight, 8)
		assert.NoError(t, err, "%s", c)
	}
}
