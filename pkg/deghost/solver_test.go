package deghost

import(
	"context"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/abworrall/deghost-hdr/pkg/emath"
	"github.com/abworrall/deghost-hdr/pkg/exposure"
	"github.com/abworrall/deghost-hdr/pkg/frame"
	"github.com/abworrall/deghost-hdr/pkg/fusion"
	"github.com/abworrall/deghost-hdr/pkg/ghost"
	"github.com/abworrall/deghost-hdr/pkg/radiometry"
	"github.com/abworrall/deghost-hdr/pkg/synth"
)

func fuse(t *testing.T, items []*exposure.Item) *frame.Frame {
	model, err := radiometry.NewModel(radiometry.ResponseLinear, radiometry.WeightTriangular, 16)
	require.NoError(t, err)
	evs := []float64{}
	for _, it := range items {
		evs = append(evs, it.EV)
	}
	f, _, err := fusion.NewEngine(fusion.NewRegistry()).ComputeFusion(context.Background(), model, items, exposure.MedianEV(evs))
	require.NoError(t, err)
	return f
}

func correlation(g1, g2 emath.FloatGrid) float64 {
	return stat.Correlation(g1.Values(), g2.Values(), nil)
}

// affineResidual fits g2 = a + b*g1, and returns the largest residual as
// a fraction of g2's range.
func affineResidual(g1, g2 emath.FloatGrid) float64 {
	a, b := stat.LinearRegression(g1.Values(), g2.Values(), nil, false)
	worst := 0.0
	for i, v := range g1.Values() {
		worst = math.Max(worst, math.Abs(g2.Values()[i] - (a + b*v)))
	}
	return worst / (g2.Max() - g2.Min())
}

// recorder is a Progress that remembers what it was told, and cancels
// once the value reaches cancelAt (if set).
type recorder struct {
	values   []int
	cancelAt int
}

func (r *recorder)SetRange(min, max int) {}
func (r *recorder)SetValue(v int)        { r.values = append(r.values, v) }
func (r *recorder)Canceled() bool {
	return r.cancelAt > 0 && len(r.values) > 0 && r.values[len(r.values)-1] >= r.cancelAt
}

func TestStaticSceneIsUnchanged(t *testing.T) {
	items := synth.StaticScene(48, 40).Expose(-2, 0, 2)
	fused := fuse(t, items)
	before := fused.Clone()

	res, err := ghost.Detector{GridSize: 8}.DetectGhosts(items, 10.0, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.Grid.Count())

	rec := &recorder{}
	out, err := NewSolver().Deghost(fused, items[res.ReferenceIndex].Frame, res.Grid, rec)
	require.NoError(t, err)
	require.False(t, out.Canceled)
	require.NotNil(t, out.Frame)
	assert.Equal(t, fused.Width(), out.Frame.Width())
	assert.Equal(t, fused.Height(), out.Frame.Height())

	// With nothing masked, each channel comes back as an affine transform
	// of the fused one: the solve loses a constant in log space (a gain),
	// then the clamp and white balance shift and scale it.
	for c:=0; c<3; c++ {
		assert.Greater(t, correlation(fused.Chans[c], out.Frame.Chans[c]), 0.9999, "chan %d", c)
		assert.Less(t, affineResidual(fused.Chans[c], out.Frame.Chans[c]), 1e-6, "chan %d", c)
		assert.True(t, before.Chans[c].Close(&fused.Chans[c], 0), "input was modified")
	}

	// Channels finish in any order, but the reported value never goes back
	require.NotEmpty(t, rec.values)
	assert.Equal(t, 20, rec.values[0])
	assert.Equal(t, 100, rec.values[len(rec.values)-1])
	assert.Contains(t, rec.values, 60)
	assert.Contains(t, rec.values, 96)
	for i:=1; i<len(rec.values); i++ {
		assert.GreaterOrEqual(t, rec.values[i], rec.values[i-1])
	}
}

func TestMovingObjectIsRemoved(t *testing.T) {
	scene := synth.MovingObjectScene(128, 128, image.Pt(33, 33), 14)
	items := scene.Expose(0, 1)
	fused := fuse(t, items)

	res, err := ghost.Detector{GridSize: 16}.DetectGhosts(items, 1.0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.ReferenceIndex)
	require.Equal(t, 4, res.Grid.Count())

	out, err := NewSolver().Deghost(fused, items[res.ReferenceIndex].Frame, res.Grid, NopProgress{})
	require.NoError(t, err)
	require.NotNil(t, out.Frame)

	// The object is gone, so the result looks like the background alone
	want := scene.RadianceFrame(1)
	for c:=0; c<3; c++ {
		before := correlation(want.Chans[c], fused.Chans[c])
		after := correlation(want.Chans[c], out.Frame.Chans[c])
		assert.Greater(t, after, 0.999, "chan %d", c)
		assert.Greater(t, after, before, "chan %d", c)
	}
}

func TestFreehandMaskMatchesPatches(t *testing.T) {
	scene := synth.MovingObjectScene(64, 64, image.Pt(20, 20), 8)
	items := scene.Expose(0, 1)
	fused := fuse(t, items)

	img := image.NewAlpha(image.Rect(0, 0, 64, 64))
	for y:=16; y<32; y++ {
		for x:=16; x<32; x++ {
			img.Pix[y*img.Stride + x] = 0xff
		}
	}
	fm := ghost.NewFreehandMask(img, 64, 64)

	out, err := NewSolver().Deghost(fused, items[1].Frame, fm, nil)
	require.NoError(t, err)

	want := scene.RadianceFrame(1)
	for c:=0; c<3; c++ {
		assert.Greater(t, correlation(want.Chans[c], out.Frame.Chans[c]), 0.999, "chan %d", c)
	}
}

func TestCancelBeforeFirstChannel(t *testing.T) {
	items := synth.StaticScene(32, 32).Expose(0, 1)
	fused := fuse(t, items)
	before := fused.Clone()

	for _, cancelAt := range []int{20, 60, 94} {
		rec := &recorder{cancelAt: cancelAt}
		out, err := NewSolver().Deghost(fused, items[0].Frame, ghost.NewPatchGrid(4), rec)
		require.NoError(t, err)
		assert.True(t, out.Canceled, "cancel at %d", cancelAt)
		assert.Nil(t, out.Frame)
		assert.NotContains(t, rec.values, 100)
	}

	for c:=0; c<3; c++ {
		assert.True(t, before.Chans[c].Close(&fused.Chans[c], 0))
	}
}

func TestContextProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	seen := []int{}
	cp := ContextProgress{Ctx: ctx, OnValue: func(v int) { seen = append(seen, v) }}
	cp.SetValue(5)
	assert.False(t, cp.Canceled())
	cancel()
	assert.True(t, cp.Canceled())
	assert.Equal(t, []int{5}, seen)

	items := synth.StaticScene(16, 16).Expose(0, 1)
	out, err := NewSolver().Deghost(items[0].Frame, items[1].Frame, ghost.NewPatchGrid(2), cp)
	require.NoError(t, err)
	assert.True(t, out.Canceled)
}

func TestDeghostGeometry(t *testing.T) {
	_, err := NewSolver().Deghost(frame.New(8, 8), frame.New(8, 9), ghost.NewPatchGrid(2), nil)
	assert.ErrorIs(t, err, frame.ErrGeometry)

	_, err = NewSolver().Deghost(frame.New(1, 8), frame.New(1, 8), ghost.NewPatchGrid(2), nil)
	assert.ErrorIs(t, err, frame.ErrGeometry)
}

func TestBlendGradients(t *testing.T) {
	Gx, Gy := emath.NewFloatGrid(4, 4), emath.NewFloatGrid(4, 4)
	Rx, Ry := emath.NewFloatGrid(4, 4), emath.NewFloatGrid(4, 4)
	for y:=0; y<4; y++ {
		for x:=0; x<4; x++ {
			Gx.Set(x, y, 1)
			Gy.Set(x, y, 1)
			Rx.Set(x, y, 2)
			Ry.Set(x, y, 2)
		}
	}
	pg := ghost.NewPatchGrid(2)
	pg.Set(0, 0, true)

	BlendGradients(Gx, Gy, Rx, Ry, pg)
	assert.Equal(t, 2.0, Gx.Get(1, 1))
	assert.Equal(t, 1.0, Gx.Get(2, 1))
	assert.Equal(t, -1.0, Gx.Get(3, 1))
	assert.Equal(t, 2.0, Gy.Get(1, 1))
	assert.Equal(t, -1.0, Gy.Get(1, 3))
}
