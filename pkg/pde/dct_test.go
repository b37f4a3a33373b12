package pde

import(
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/deghost-hdr/pkg/emath"
)

func knownField(w, h int) emath.FloatGrid {
	H := emath.NewFloatGrid(w, h)
	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			H.Set(x, y, math.Cos(float64(x)*0.4) * math.Sin(float64(y)*0.3) + 0.02*float64(x+y))
		}
	}
	return H
}

func TestSolvePdeDctRecoversField(t *testing.T) {
	for _, sz := range [][2]int{{16, 16}, {23, 9}, {2, 5}} {
		w, h := sz[0], sz[1]
		H := knownField(w, h)
		gx, gy := H.ForwardGradients()
		div := emath.Divergence(gx, gy)

		U, err := SolvePdeDct(div, false)
		require.NoError(t, err)

		// U is only defined up to a constant, which the solver picks so max(U) is 0
		want := *H.Copy()
		want.AddConst(-H.Max())
		assert.True(t, want.Close(&U, 1e-8), "%dx%d: got %s want %s", w, h, U.Stats(), want.Stats())
	}
}

func TestSolvePdeDctAdjustBoundLeavesInputAlone(t *testing.T) {
	F := knownField(8, 8)
	before := *F.Copy()

	U, err := SolvePdeDct(F, true)
	require.NoError(t, err)
	assert.Equal(t, before.Values(), F.Values())
	assert.InDelta(t, 0.0, U.Max(), 1e-12)
}

func TestDctRoundTripScale(t *testing.T) {
	A := knownField(6, 4)
	B := dct2d(dct2d(A))
	B.Scale(1.0 / float64(4*(6-1)*(4-1)))
	assert.True(t, A.Close(&B, 1e-10))
}

func TestSolvePdeDctTooSmall(t *testing.T) {
	_, err := SolvePdeDct(emath.NewFloatGrid(1, 4), false)
	assert.Error(t, err)
}

func TestLambda(t *testing.T) {
	l := get_lambda(5)
	assert.Equal(t, 0.0, l[0])
	assert.InDelta(t, -4.0, l[4], 1e-12)
}
