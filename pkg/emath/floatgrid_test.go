package emath

import(
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rampGrid(w, h int) FloatGrid {
	g := NewFloatGrid(w, h)
	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			g.Set(x, y, math.Sin(float64(x)/3.0) + 0.1*float64(y*y))
		}
	}
	return g
}

func TestForwardGradientsReflectAtFarEdge(t *testing.T) {
	g := rampGrid(7, 5)
	gx, gy := g.ForwardGradients()

	for y:=0; y<5; y++ {
		assert.InDelta(t, g.Get(1,y)-g.Get(0,y), gx.Get(0,y), 1e-12)
		assert.InDelta(t, -gx.Get(5,y), gx.Get(6,y), 1e-12)
	}
	for x:=0; x<7; x++ {
		assert.InDelta(t, -gy.Get(x,3), gy.Get(x,4), 1e-12)
	}
}

// The divergence of the gradients is the Neumann laplacian, with
// reflection about the edge pixels.
func TestDivergenceIsReflectiveLaplacian(t *testing.T) {
	w, h := 6, 4
	g := rampGrid(w, h)
	gx, gy := g.ForwardGradients()
	div := Divergence(gx, gy)

	reflect := func(i, n int) int {
		if i < 0  { return -i }
		if i >= n { return 2*(n-1) - i }
		return i
	}

	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			lap := g.Get(reflect(x-1,w),y) + g.Get(reflect(x+1,w),y) +
				g.Get(x,reflect(y-1,h)) + g.Get(x,reflect(y+1,h)) - 4*g.Get(x,y)
			assert.InDelta(t, lap, div.Get(x,y), 1e-9, "at (%d,%d)", x, y)
		}
	}
}

func TestShiftedAndSubGrid(t *testing.T) {
	g := rampGrid(5, 5)

	s := g.Shifted(2, -1, -7)
	assert.Equal(t, -7.0, s.Get(0, 0))
	assert.Equal(t, -7.0, s.Get(3, 4))
	assert.Equal(t, g.Get(1, 3), s.Get(3, 2))

	sub := g.SubGrid(image.Rect(1, 2, 4, 5))
	require.Equal(t, 3, sub.Dx())
	require.Equal(t, 3, sub.Dy())
	assert.Equal(t, g.Get(1, 2), sub.Get(0, 0))
	assert.Equal(t, g.Get(3, 4), sub.Get(2, 2))

	// Source is untouched
	orig := rampGrid(5, 5)
	assert.Equal(t, orig.Values(), g.Values())
}

func TestPercentileAndStats(t *testing.T) {
	g := NewFloatGrid(5, 1)
	for i, v := range []float64{4, 1, 3, 5, 2} {
		g.Set(i, 0, v)
	}
	assert.Equal(t, 3.0, g.Percentile(0.5))
	assert.Equal(t, 1.0, g.Percentile(0.0))
	assert.Equal(t, 5.0, g.Percentile(1.0))
	assert.Equal(t, 1.0, g.Min())
	assert.Equal(t, 5.0, g.Max())
	assert.Equal(t, 3.0, g.Mean())
}

func TestGammaRoundTrip(t *testing.T) {
	for _, v := range []float64{0.0, 0.001, 0.2, 0.5, 1.0} {
		assert.InDelta(t, v, GammaCompress_F64(GammaExpand_F64(v)), 1e-9)
	}
}
