package fusion

import(
	"context"
	"fmt"
	"image"
	"log"

	"github.com/mdouchement/hdr/hdrcolor"

	"github.com/abworrall/deghost-hdr/pkg/ecolor"
	"github.com/abworrall/deghost-hdr/pkg/exposure"
	"github.com/abworrall/deghost-hdr/pkg/frame"
	"github.com/abworrall/deghost-hdr/pkg/radiometry"
)

// Config picks the operator and radiometric model for a fusion run.
type Config struct {
	Operator           Kind                    `yaml:"operator"`
	Weight             radiometry.WeightType   `yaml:"weight"`
	Response           radiometry.ResponseType `yaml:"response"`
	ResponseInputFile  string                  `yaml:"response_input_file,omitempty"`
	ResponseOutputFile string                  `yaml:"response_output_file,omitempty"`
}

func DefaultConfig() Config { return PredefinedConfigs[0] }

func (c Config)String() string {
	s := fmt.Sprintf("%s/%s/%s", c.Operator, c.Weight, c.Response)
	if c.ResponseInputFile != "" {
		s += " <" + c.ResponseInputFile
	}
	if c.ResponseOutputFile != "" {
		s += " >" + c.ResponseOutputFile
	}
	return s
}

// The stock configurations, all debevec.
var PredefinedConfigs = []Config{
	{Operator: Debevec, Weight: radiometry.WeightTriangular, Response: radiometry.ResponseLinear},
	{Operator: Debevec, Weight: radiometry.WeightTriangular, Response: radiometry.ResponseGamma},
	{Operator: Debevec, Weight: radiometry.WeightPlateau,    Response: radiometry.ResponseLinear},
	{Operator: Debevec, Weight: radiometry.WeightPlateau,    Response: radiometry.ResponseGamma},
	{Operator: Debevec, Weight: radiometry.WeightGaussian,   Response: radiometry.ResponseLinear},
	{Operator: Debevec, Weight: radiometry.WeightGaussian,   Response: radiometry.ResponseGamma},
}

// The Engine runs fusion operators out of a registry.
type Engine struct {
	Registry    *Registry
	Operator    Kind
	Workers     int

	// Pixels to log in detail after each fusion
	DebugPixels []image.Point
}

func NewEngine(r *Registry) *Engine {
	return &Engine{Registry: r, Operator: Debevec}
}

// ComputeFusion merges the items into one radiance frame, the same size
// as the items. It also returns the response curve that was used.
func (e *Engine)ComputeFusion(ctx context.Context, model *radiometry.Model, items []*exposure.Item, evOffset float64) (*frame.Frame, *radiometry.ResponseCurve, error) {
	log.Printf("Fusing %d exposures with %s, %s, EV offset %.2f\n", len(items), e.Operator, model, evOffset)

	f, rc, err := e.Registry.Run(ctx, e.Operator, e.Workers, model, items, evOffset)
	if err != nil {
		return nil, nil, fmt.Errorf("fusion '%s': %w", e.Operator, err)
	}

	for _, pt := range e.DebugPixels {
		if pt.In(f.Bounds()) {
			log.Printf("%s", NewPixel(pt, model, items, evOffset, f))
		}
	}

	return f, rc, nil
}

// A Pixel is a debug view of how one output pixel was fused.
type Pixel struct {
	OutputPos     image.Point
	In          []ecolor.CameraNative
	Weights     [][3]float64
	Fused         hdrcolor.RGB
}

func NewPixel(pt image.Point, model *radiometry.Model, items []*exposure.Item, evOffset float64, f *frame.Frame) Pixel {
	p := Pixel{OutputPos: pt, Fused: f.RGB(pt.X, pt.Y)}
	scales := ExposureScales(items, evOffset)
	for i, it := range items {
		rgb := it.Frame.RGB(pt.X, pt.Y)
		p.In = append(p.In, ecolor.NewCameraNative(rgb.R, rgb.G, rgb.B, scales[i]))
		p.Weights = append(p.Weights, [3]float64{
			model.Weight.At(radiometry.Quantize(rgb.R, model.Levels())),
			model.Weight.At(radiometry.Quantize(rgb.G, model.Levels())),
			model.Weight.At(radiometry.Quantize(rgb.B, model.Levels())),
		})
	}
	return p
}

func (p Pixel)String() string {
	str := fmt.Sprintf("----- Pixel @(%d,%d)-----\n", p.OutputPos.X, p.OutputPos.Y)

	str += fmt.Sprintf("Raw Inputs:-\n")
	for i:=0; i<len(p.In); i++ {
		str += fmt.Sprintf("-- exposure %d      : %s  w[%.3f, %.3f, %.3f]\n", i, p.In[i],
			p.Weights[i][0], p.Weights[i][1], p.Weights[i][2])
	}
	str += fmt.Sprintf("\n")

	str += fmt.Sprintf("Fused              : [%12.10f, %12.10f, %12.10f]\n", p.Fused.R, p.Fused.G, p.Fused.B)

	return str + "\n"
}
