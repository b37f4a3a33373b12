package ecolor

import(
	"fmt"

	"github.com/mdouchement/hdr/hdrcolor"
)

// A CameraNative color is a sensor reading, combined with the relative
// exposure scale it was captured at. It has not yet been linearized by
// a response curve.
type CameraNative struct {
	// Raw channel values, in the range [0.0, 1.0]
	hdrcolor.RGB // This field implements color.Color and hdrcolor.Color interfaces

	// 2^(EV - evOffset); dividing a linearized value by this puts it on
	// the common exposure scale.
	Scale        float64
}

func NewCameraNative(r, g, b, scale float64) CameraNative {
	return CameraNative{
		RGB:   hdrcolor.RGB{R: r, G: g, B: b},
		Scale: scale,
	}
}

func (cn CameraNative)String() string {
	return fmt.Sprintf("[%12.10f, %12.10f, %12.10f] x%.4f", cn.RGB.R, cn.RGB.G, cn.RGB.B, cn.Scale)
}
