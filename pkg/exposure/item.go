package exposure

import(
	"fmt"
	"image"
	"math"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/abworrall/deghost-hdr/pkg/frame"
)

const DefaultThumbnailSize = 160

// An Item is one loaded exposure: its pixels, a small preview, and what
// we know about how it was exposed.
type Item struct {
	Filename          string
	Frame            *frame.Frame   // raw values, [0.0, 1.0]
	Thumbnail         image.Image

	Exif              ExposureValue // may be unknown
	HasEV             bool
	EV                float64
	AverageLuminance  float64       // 0.0 if unknown

	BitDepth          int
	Valid             bool
}

// NewItem builds an item around an already-decoded frame, e.g. from an
// aligner or a test.
func NewItem(filename string, f *frame.Frame, bitDepth int) *Item {
	it := Item{
		Filename: filename,
		Frame:    f,
		BitDepth: bitDepth,
		Valid:    f != nil && f.Size() > 0,
	}
	it.UpdateThumbnail(DefaultThumbnailSize)
	return &it
}

// SetExposure records the EXIF exposure, and derives EV and luminance from it.
func (it *Item)SetExposure(ev ExposureValue) {
	it.Exif = ev
	it.HasEV = ev.Known()
	if it.HasEV {
		it.AverageLuminance = ev.AverageLuminance()
		it.EV = ev.EV()
	}
}

// SetEV is for when the EV is known without EXIF data; the average
// luminance is taken to be 2^EV.
func (it *Item)SetEV(ev float64) {
	it.HasEV = true
	it.EV = ev
	it.AverageLuminance = math.Exp2(ev)
}

// Luminance returns the average luminance from the exposure metadata,
// falling back to the measured mean luminance of the pixels.
func (it *Item)Luminance() float64 {
	if it.AverageLuminance > 0 {
		return it.AverageLuminance
	}
	return it.Frame.MeanLuminance()
}

func (it *Item)Width()  int { return it.Frame.Width() }
func (it *Item)Height() int { return it.Frame.Height() }
func (it *Item)Base() string { return filepath.Base(it.Filename) }

func (it *Item)UpdateThumbnail(size int) {
	if it.Frame == nil || it.Frame.Size() == 0 {
		it.Thumbnail = nil
		return
	}
	it.Thumbnail = imaging.Thumbnail(it.Frame.ToRGBA64(), size, size, imaging.Lanczos)
}

func (it *Item)clone(f *frame.Frame) *Item {
	it2 := *it
	it2.Frame = f
	it2.UpdateThumbnail(DefaultThumbnailSize)
	return &it2
}

// Shift returns a copy of the item with its pixels moved by (dx,dy).
func (it *Item)Shift(dx, dy int) *Item {
	return it.clone(it.Frame.Shift(dx, dy))
}

// Crop returns a copy of the item holding just the pixels in r.
func (it *Item)Crop(r image.Rectangle) (*Item, error) {
	f, err := it.Frame.Crop(r)
	if err != nil {
		return nil, fmt.Errorf("crop %s: %w", it.Base(), err)
	}
	return it.clone(f), nil
}

func (it Item)String() string {
	geom := "no pixels"
	if it.Frame != nil {
		geom = fmt.Sprintf("%dx%d@%dbit", it.Frame.Width(), it.Frame.Height(), it.BitDepth)
	}
	ev := "EV ?"
	if it.HasEV {
		ev = fmt.Sprintf("EV %5.2f", it.EV)
	}
	return fmt.Sprintf("%s: %s, %s, lum %.4f", it.Base(), geom, ev, it.AverageLuminance)
}
