package synth

// Synthetic bracketed exposure sets, with a known radiance map. Handy
// for trying out the pipeline without a camera, and for tests.

import(
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/abworrall/deghost-hdr/pkg/exposure"
	"github.com/abworrall/deghost-hdr/pkg/frame"
)

// A Scene describes the radiance in front of the camera.
type Scene struct {
	Width, Height int

	// An object that moves between exposures; Positions[i] is its top
	// left corner in exposure i, or nil for "not in frame"
	ObjectSize    int
	ObjectRGB     [3]float64
	Positions   []*image.Point
}

// Background is a gentle color gradient, bluish everywhere.
func (s Scene)Background(x, y int) (r, g, b float64) {
	fx := float64(x) / math.Max(1, float64(s.Width-1))
	fy := float64(y) / math.Max(1, float64(s.Height-1))
	return 0.03 + 0.05*fx, 0.05 + 0.05*fy, 0.12 + 0.06*fx*fy
}

// Radiance is what exposure i sees at (x,y)
func (s Scene)Radiance(i, x, y int) (r, g, b float64) {
	if i < len(s.Positions) && s.Positions[i] != nil {
		p := *s.Positions[i]
		if x >= p.X && x < p.X+s.ObjectSize && y >= p.Y && y < p.Y+s.ObjectSize {
			return s.ObjectRGB[0], s.ObjectRGB[1], s.ObjectRGB[2]
		}
	}
	return s.Background(x, y)
}

// RadianceFrame is the radiance map as seen by exposure i.
func (s Scene)RadianceFrame(i int) *frame.Frame {
	f := frame.New(s.Width, s.Height)
	for y:=0; y<s.Height; y++ {
		for x:=0; x<s.Width; x++ {
			r, g, b := s.Radiance(i, x, y)
			f.SetRGB(x, y, r, g, b)
		}
	}
	return f
}

// Expose renders the scene at each EV, with a linear response and
// clipping at 1.0. Item i has EV evs[i], and average luminance 2^EV.
func (s Scene)Expose(evs ...float64) []*exposure.Item {
	items := []*exposure.Item{}
	for i, ev := range evs {
		scale := math.Exp2(ev)
		f := frame.New(s.Width, s.Height)
		for y:=0; y<s.Height; y++ {
			for x:=0; x<s.Width; x++ {
				r, g, b := s.Radiance(i, x, y)
				f.SetRGB(x, y, math.Min(1, r*scale), math.Min(1, g*scale), math.Min(1, b*scale))
			}
		}
		it := exposure.NewItem(fmt.Sprintf("synth-%02d-ev%+.1f.tif", i, ev), f, 16)
		it.SetEV(ev)
		items = append(items, it)
	}
	return items
}

func StaticScene(w, h int) Scene {
	return Scene{Width: w, Height: h}
}

// MovingObjectScene has a green square that is only present in exposure 0.
func MovingObjectScene(w, h int, at image.Point, size int) Scene {
	return Scene{
		Width:      w,
		Height:     h,
		ObjectSize: size,
		ObjectRGB:  [3]float64{0.02, 0.2, 0.02},
		Positions:  []*image.Point{&at},
	}
}

// WriteScene exposes the scene and saves each exposure as a 16 bit TIFF
// in dir. The EVs are not recorded in the files (they carry no EXIF), so
// the luminance is measured from the pixels when they are loaded back.
func WriteScene(dir string, s Scene, evs ...float64) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	filenames := []string{}
	for _, it := range s.Expose(evs...) {
		filename := filepath.Join(dir, it.Filename)
		if err := exposure.SaveTIFF(filename, it.Frame); err != nil {
			return filenames, err
		}
		filenames = append(filenames, filename)
	}
	return filenames, nil
}
