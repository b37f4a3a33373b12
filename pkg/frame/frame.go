package frame

import(
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/mdouchement/hdr/hdrcolor"
	"golang.org/x/image/draw"

	"github.com/abworrall/deghost-hdr/pkg/emath"
)

var ErrGeometry = errors.New("geometry mismatch")

// A Frame is a three channel float image; one FloatGrid per channel.
// Loaded exposures hold raw values in [0,1]; fused frames hold linear
// radiance, which can exceed 1.
//
// Frames have value semantics: Shift and Crop build a new Frame and
// leave the receiver alone, so a Frame can be shared between readers.
type Frame struct {
	Chans [3]emath.FloatGrid
}

// Implement image.Image
func (f Frame)ColorModel() color.Model       { return hdrcolor.RGBModel }
func (f Frame)Bounds() image.Rectangle       { return image.Rect(0, 0, f.Width(), f.Height()) }
func (f Frame)At(x, y int) color.Color       { return f.HDRAt(x,y) }

// Implement hdr.Image
func (f Frame)HDRAt(x, y int) hdrcolor.Color { return f.RGB(x,y) }
func (f Frame)Size() int                     { return f.Width() * f.Height() }

func (f Frame)Width()  int { return f.Chans[0].Dx() }
func (f Frame)Height() int { return f.Chans[0].Dy() }

func (f Frame)RGB(x, y int) hdrcolor.RGB {
	return hdrcolor.RGB{R: f.Chans[0].Get(x,y), G: f.Chans[1].Get(x,y), B: f.Chans[2].Get(x,y)}
}

func (f *Frame)SetRGB(x, y int, r, g, b float64) {
	f.Chans[0].Set(x, y, r)
	f.Chans[1].Set(x, y, g)
	f.Chans[2].Set(x, y, b)
}

func New(w, h int) *Frame {
	f := Frame{}
	for c:=0; c<3; c++ {
		f.Chans[c] = emath.NewFloatGrid(w, h)
	}
	return &f
}

// FromChannels wraps three grids, which must all be the same size.
func FromChannels(r, g, b emath.FloatGrid) (*Frame, error) {
	if r.Dx() != g.Dx() || r.Dx() != b.Dx() || r.Dy() != g.Dy() || r.Dy() != b.Dy() {
		return nil, fmt.Errorf("channels %dx%d/%dx%d/%dx%d: %w",
			r.Dx(), r.Dy(), g.Dx(), g.Dy(), b.Dx(), b.Dy(), ErrGeometry)
	}
	return &Frame{Chans: [3]emath.FloatGrid{r, g, b}}, nil
}

// FromImage converts any image into a Frame, mapping each 16 bit channel
// into [0.0, 1.0]. Input images with a non-zero origin are rebased to (0,0).
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA64)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA64(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	f := New(b.Dx(), b.Dy())
	for y:=0; y<b.Dy(); y++ {
		for x:=0; x<b.Dx(); x++ {
			c := rgba.RGBA64At(x, y)
			f.SetRGB(x, y,
				float64(c.R) / float64(0xFFFF),
				float64(c.G) / float64(0xFFFF),
				float64(c.B) / float64(0xFFFF))
		}
	}
	return f
}

// ToRGBA64 maps [0,1] back into 16 bits per channel, clamping.
func (f *Frame)ToRGBA64() *image.RGBA64 {
	img := image.NewRGBA64(f.Bounds())
	for y:=0; y<f.Height(); y++ {
		for x:=0; x<f.Width(); x++ {
			img.SetRGBA64(x, y, color.RGBA64{
				R: uint16(emath.Clamp01(f.Chans[0].Get(x,y)) * float64(0xFFFF) + 0.5),
				G: uint16(emath.Clamp01(f.Chans[1].Get(x,y)) * float64(0xFFFF) + 0.5),
				B: uint16(emath.Clamp01(f.Chans[2].Get(x,y)) * float64(0xFFFF) + 0.5),
				A: 0xFFFF,
			})
		}
	}
	return img
}

func (f *Frame)Clone() *Frame {
	f2 := Frame{}
	for c:=0; c<3; c++ {
		f2.Chans[c] = *f.Chans[c].Copy()
	}
	return &f2
}

// SameGeometry is true if both frames have the same width and height
func (f *Frame)SameGeometry(f2 *Frame) bool {
	return f.Width() == f2.Width() && f.Height() == f2.Height()
}

// Shift returns a new frame, with content moved by (dx,dy); uncovered
// pixels are black.
func (f *Frame)Shift(dx, dy int) *Frame {
	f2 := Frame{}
	for c:=0; c<3; c++ {
		f2.Chans[c] = f.Chans[c].Shifted(dx, dy, 0.0)
	}
	return &f2
}

// Crop returns a new frame holding just the pixels inside r.
func (f *Frame)Crop(r image.Rectangle) (*Frame, error) {
	if r.Empty() || !r.In(f.Bounds()) {
		return nil, fmt.Errorf("crop %v outside %v: %w", r, f.Bounds(), ErrGeometry)
	}
	f2 := Frame{}
	for c:=0; c<3; c++ {
		f2.Chans[c] = f.Chans[c].SubGrid(r)
	}
	return &f2, nil
}

// Luminance returns the Rec.709 luminance of every pixel.
func (f *Frame)Luminance() emath.FloatGrid {
	g := f.Chans[0].NewFromThis()
	r, gr, b := f.Chans[0].Values(), f.Chans[1].Values(), f.Chans[2].Values()
	out := g.Values()
	for i := range out {
		out[i] = Luminance(r[i], gr[i], b[i])
	}
	return g
}

func (f *Frame)MeanLuminance() float64 {
	l := f.Luminance()
	return l.Mean()
}

func Luminance(r, g, b float64) float64 {
	return 0.2126*r + 0.7152*g + 0.0722*b
}

func (f Frame)String() string {
	return fmt.Sprintf("Frame[%dx%d, R%s G%s B%s]", f.Width(), f.Height(),
		f.Chans[0].Stats(), f.Chans[1].Stats(), f.Chans[2].Stats())
}
