package emath

import(
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/fogleman/gg" // Move to https://pkg.go.dev/golang.org/x/image/font#Drawer sometime
	"gonum.org/v1/gonum/floats"
)

// A FloatGrid is a grid of floats, with some operations. Most of the
// image processing (log irradiance, gradients, divergence, the PDE
// solution) happens on one of these, one per color channel.
type FloatGrid struct {
	stride int
	values []float64
}

func NewFloatGrid(w, h int) FloatGrid {
	return FloatGrid{
		stride: w,
		values: make([]float64, w*h),
	}
}

func (g1 *FloatGrid)NewFromThis() FloatGrid  { return NewFloatGrid(g1.Dx(), g1.Dy()) }
func (fg *FloatGrid)Set(x, y int, v float64) { fg.values[fg.stride*y + x] = v }
func (fg *FloatGrid)Get(x, y int) float64    { return fg.values[fg.stride*y + x] }
func (fg *FloatGrid)Dx() int                 { return fg.stride }
func (fg *FloatGrid)Dy() int                 {
	if fg.stride == 0 { return 0 }
	return len(fg.values) / fg.stride
}

// Row returns the backing slice for row y; writes go through to the grid.
func (fg *FloatGrid)Row(y int) []float64     { return fg.values[fg.stride*y : fg.stride*(y+1)] }

// Values exposes the backing slice, row-major.
func (fg *FloatGrid)Values() []float64       { return fg.values }

func (g1 *FloatGrid)Copy() *FloatGrid {
	g2 := FloatGrid{stride: g1.stride, values:make([]float64, len(g1.values))}
	copy(g2.values, g1.values)
	return &g2
}

// SubGrid returns a new grid holding the pixels inside r, which must lie
// within the grid.
func (g1 *FloatGrid)SubGrid(r image.Rectangle) FloatGrid {
	g2 := NewFloatGrid(r.Dx(), r.Dy())
	for y:=0; y<r.Dy(); y++ {
		copy(g2.Row(y), g1.Row(y+r.Min.Y)[r.Min.X:r.Max.X])
	}
	return g2
}

// Shifted returns a new grid, where out(x,y) = in(x-dx, y-dy). Pixels
// that come from outside the source grid are set to `fill`.
func (g1 *FloatGrid)Shifted(dx, dy int, fill float64) FloatGrid {
	width := g1.Dx()
	height := g1.Dy()
	g2 := g1.NewFromThis()

	for y:=0; y<height; y++ {
		for x:=0; x<width; x++ {
			sx, sy := x-dx, y-dy
			if sx < 0 || sy < 0 || sx >= width || sy >= height {
				g2.Set(x, y, fill)
			} else {
				g2.Set(x, y, g1.Get(sx, sy))
			}
		}
	}
	return g2
}

// Map returns a new grid, with f applied to each value
func (g1 *FloatGrid)Map(f func(float64) float64) FloatGrid {
	g2 := g1.NewFromThis()
	for i, v := range g1.values {
		g2.values[i] = f(v)
	}
	return g2
}

// ForwardGradients computes forward differences in x and y. At the far
// edges it assumes H(N) = H(N-2), which is the reflection the DCT
// Poisson solver expects; so gx(W-1) == -gx(W-2), likewise for gy.
func (H *FloatGrid)ForwardGradients() (FloatGrid, FloatGrid) {
	width := H.Dx()
	height := H.Dy()
	Gx := H.NewFromThis()
	Gy := H.NewFromThis()

	for y:=0; y<height; y++ {
		for x:=0; x<width; x++ {
			// sets index+1 based on the boundary assumption H(N+1)=H(N-1)
			yp1 := y+1
			xp1 := x+1
			if y+1 >= height { yp1 = height-2 }
			if x+1 >= width  { xp1 = width -2 }
			if yp1 < 0 { yp1 = 0 }
			if xp1 < 0 { xp1 = 0 }

			Gx.Set(x, y, H.Get(xp1,y) - H.Get(x,y))
			Gy.Set(x, y, H.Get(x,yp1) - H.Get(x,y))
		}
	}

	return Gx, Gy
}

// Divergence of the field (Gx,Gy), using backward differences to match
// the forward differences of ForwardGradients. The x==0 and y==0 terms
// are doubled, for the fft/dct solver's boundary assumption U(-1)=U(1).
func Divergence(Gx, Gy FloatGrid) FloatGrid {
	width  := Gx.Dx()
	height := Gx.Dy()
	divG   := Gx.NewFromThis()

	for y:=0; y<height; y++ {
		for x:=0; x<width; x++ {
			val := Gx.Get(x,y) + Gy.Get(x,y)
			if x>0 { val -= Gx.Get(x-1, y) }
			if y>0 { val -= Gy.Get(x, y-1) }
			if x==0 { val += Gx.Get(x,y) } // for fftsolver
			if y==0 { val += Gy.Get(x,y) } // for fftsolver

			divG.Set(x, y, val)
		}
	}

	return divG
}

// DownSample returns a grid that is 1/4 of the size, averaging the values from the
// original.
func (g1 *FloatGrid)DownSample() FloatGrid {
	width := g1.Dx() / 2
	height := g1.Dy() / 2
	g2 := NewFloatGrid(width, height)

	for y:=0; y<height; y++ {
		for x:=0; x<width; x++ {
			p := g1.Get(2*x,   2*y)
			p += g1.Get(2*x+1, 2*y)
			p += g1.Get(2*x,   2*y+1)
			p += g1.Get(2*x+1, 2*y+1)
			g2.Set(x, y, p/4.0)
		}
	}

	return g2
}

// Percentile returns the value at fraction `prct` of the sorted values
// (0.5 is the median).
func (I *FloatGrid)Percentile(prct float64) float64 {
	if len(I.values) == 0 {
		return 0.0
	}
	vI := make([]float64, len(I.values))
	copy(vI, I.values)
	sort.Float64s(vI)

	i := int(prct * float64(len(vI)))
	if i < 0        { i = 0 }
	if i >= len(vI) { i = len(vI)-1 }

	return vI[i]
}

func (fg *FloatGrid)Min() float64 { return floats.Min(fg.values) }
func (fg *FloatGrid)Max() float64 { return floats.Max(fg.values) }
func (fg *FloatGrid)Sum() float64 { return floats.Sum(fg.values) }

func (fg *FloatGrid)Mean() float64 {
	if len(fg.values) == 0 { return 0.0 }
	return fg.Sum() / float64(len(fg.values))
}

// AddConst adds v to every value in place.
func (fg *FloatGrid)AddConst(v float64) { floats.AddConst(v, fg.values) }

// Scale multiplies every value in place.
func (fg *FloatGrid)Scale(v float64)    { floats.Scale(v, fg.values) }

func (fg *FloatGrid)Stats() string {
	if len(fg.values) == 0 {
		return "fg[0x0]"
	}
	return fmt.Sprintf("fg[%dx%d, vals{%f,%f}]", fg.Dx(), fg.Dy(), fg.Min(), fg.Max())
}

// ToImg saves a simple grayscale, based on the range of values in the grid, and gamma scaling the
// gray to look normal for human vision
func (fg *FloatGrid)ToImg(title, filename string) error {
	min, max := fg.Min(), fg.Max()
	if max == min { max = min + 1.0 }

	img := image.NewRGBA64(image.Rectangle{Max:image.Point{fg.Dx(), fg.Dy()}})
	for x:=0; x<fg.Dx(); x++ {
		for y:=0; y<fg.Dy(); y++ {
			lum := fg.Get(x,y)
			gray := GammaExpand_F64 ((lum - min) / (max - min))
			col := color.RGBA64{uint16(gray * 65535.0), uint16(gray * 65535.0), uint16(gray * 65535.0), 0xFFFF}
			img.Set(x, y, col)
		}
	}

	dc := gg.NewContextForImage(img)
	dc.SetRGB(1,1,1)
	dc.DrawString(title, 50, 50)
	return dc.SavePNG(filename)
}

// Close reports whether the two grids have the same shape, and every
// value is within tol.
func (g1 *FloatGrid)Close(g2 *FloatGrid, tol float64) bool {
	if g1.stride != g2.stride || len(g1.values) != len(g2.values) {
		return false
	}
	return floats.EqualApprox(g1.values, g2.values, tol)
}

// Clamp01 clamps to [0,1]
func Clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
