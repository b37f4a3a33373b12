package ecolor

import(
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/abworrall/deghost-hdr/pkg/frame"
)

// Pixels with less saturation than this have no meaningful hue, and are
// left out of the hue statistics.
const minSaturation = 0.01

// Hue returns the HSV hue of the color, as a fraction of a full turn [0,1)
func Hue(r, g, b float64) (hue, sat float64) {
	h, s, _ := colorful.Color{R: r, G: g, B: b}.Hsv()
	return h / 360.0, s
}

// hueDist is the distance around the hue circle, in [0, 0.5]
func hueDist(h1, h2 float64) float64 {
	d := math.Abs(h1 - h2)
	if d > 0.5 {
		d = 1.0 - d
	}
	return d
}

// HueEnergy is the mean squared deviation of each pixel's hue from the
// (circular) mean hue of the frame. Frames where things moved between
// captures tend to smear hues around, and score higher.
func HueEnergy(f *frame.Frame) float64 {
	w, h := f.Width(), f.Height()
	hues := make([]float64, 0, w*h)
	sumSin, sumCos := 0.0, 0.0

	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			rgb := f.RGB(x, y)
			hue, sat := Hue(rgb.R, rgb.G, rgb.B)
			if sat < minSaturation {
				continue
			}
			hues = append(hues, hue)
			sumSin += math.Sin(2.0 * math.Pi * hue)
			sumCos += math.Cos(2.0 * math.Pi * hue)
		}
	}

	if len(hues) == 0 {
		return 0.0
	}

	mean := math.Atan2(sumSin, sumCos) / (2.0 * math.Pi)
	if mean < 0 { mean += 1.0 }

	energy := 0.0
	for _, hue := range hues {
		d := hueDist(hue, mean)
		energy += d * d
	}
	return energy / float64(len(hues))
}
