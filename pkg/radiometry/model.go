package radiometry

import(
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/abworrall/deghost-hdr/pkg/emath"
)

var(
	ErrCurveFormat   = errors.New("bad response curve")
	ErrUnknownCurve  = errors.New("unknown response curve")
	ErrUnknownWeight = errors.New("unknown weight function")
	ErrBitDepth      = errors.New("bit depth out of range")
)

const(
	MinBitDepth = 1
	MaxBitDepth = 16
)

type ResponseType string
type WeightType string

const(
	ResponseLinear ResponseType = "linear"
	ResponseGamma  ResponseType = "gamma"
	ResponseLog10  ResponseType = "log10"
	ResponseSRGB   ResponseType = "srgb"
	ResponseCustom ResponseType = "custom" // loaded from a file, or fitted

	WeightTriangular WeightType = "triangular"
	WeightPlateau    WeightType = "plateau"
	WeightGaussian   WeightType = "gaussian"
	WeightFlat       WeightType = "flat"
)

func ListResponses() string {
	return strings.Join([]string{string(ResponseLinear), string(ResponseGamma), string(ResponseLog10), string(ResponseSRGB)}, ",")
}

func ListWeights() string {
	return strings.Join([]string{string(WeightTriangular), string(WeightPlateau), string(WeightGaussian), string(WeightFlat)}, ",")
}

// Levels is the number of distinct raw values at a bit depth
func Levels(bitDepth int) int { return 1 << uint(bitDepth) }

// Quantize maps v in [0,1] to the nearest raw level
func Quantize(v float64, levels int) int {
	i := int(emath.Clamp01(v) * float64(levels-1) + 0.5)
	if i >= levels { i = levels-1 }
	return i
}

func checkBitDepth(bitDepth int) error {
	if bitDepth < MinBitDepth || bitDepth > MaxBitDepth {
		return fmt.Errorf("%d: %w", bitDepth, ErrBitDepth)
	}
	return nil
}

func responseFunc(t ResponseType) (func(float64) float64, error) {
	switch t {
	case ResponseLinear: return func(x float64) float64 { return x }, nil
	case ResponseGamma:  return func(x float64) float64 { return math.Pow(x, 2.2) }, nil
	case ResponseLog10:  return func(x float64) float64 { return (math.Pow(10.0, 4.0*x) - 1.0) / (1e4 - 1.0) }, nil
	case ResponseSRGB:   return emath.GammaCompress_F64, nil
	default:
		return nil, fmt.Errorf("'%s': %w", t, ErrUnknownCurve)
	}
}

func weightFunc(t WeightType) (func(float64) float64, error) {
	switch t {
	case WeightTriangular: return func(x float64) float64 { return 1.0 - math.Abs(2.0*x - 1.0) }, nil
	case WeightPlateau:    return func(x float64) float64 { return 1.0 - math.Pow(2.0*x - 1.0, 12) }, nil
	case WeightGaussian:   return func(x float64) float64 { return math.Exp(-16.0 * (x-0.5) * (x-0.5)) }, nil
	case WeightFlat:       return func(x float64) float64 { return 1.0 }, nil
	default:
		return nil, fmt.Errorf("'%s': %w", t, ErrUnknownWeight)
	}
}

// A ResponseCurve maps a raw level to a linear radiance value, per
// color channel. It is a lookup table with one entry per raw level.
type ResponseCurve struct {
	Type     ResponseType
	BitDepth int
	LUT      [3][]float64
}

func NewResponseCurve(t ResponseType, bitDepth int) (*ResponseCurve, error) {
	if err := checkBitDepth(bitDepth); err != nil {
		return nil, err
	}
	f, err := responseFunc(t)
	if err != nil {
		return nil, err
	}

	n := Levels(bitDepth)
	rc := ResponseCurve{Type: t, BitDepth: bitDepth}
	for c:=0; c<3; c++ {
		rc.LUT[c] = make([]float64, n)
		for i:=0; i<n; i++ {
			rc.LUT[c][i] = f(float64(i) / float64(n-1))
		}
	}
	return &rc, nil
}

// NewCustomResponseCurve wraps per-channel tables; they must all have
// 2^bitdepth entries.
func NewCustomResponseCurve(lut [3][]float64) (*ResponseCurve, error) {
	n := len(lut[0])
	bitDepth := 0
	for Levels(bitDepth) < n { bitDepth++ }
	if Levels(bitDepth) != n || len(lut[1]) != n || len(lut[2]) != n {
		return nil, fmt.Errorf("table sizes %d,%d,%d: %w", len(lut[0]), len(lut[1]), len(lut[2]), ErrCurveFormat)
	}
	if err := checkBitDepth(bitDepth); err != nil {
		return nil, err
	}
	return &ResponseCurve{Type: ResponseCustom, BitDepth: bitDepth, LUT: lut}, nil
}

func (rc *ResponseCurve)Levels() int                   { return len(rc.LUT[0]) }
func (rc *ResponseCurve)At(c, level int) float64       { return rc.LUT[c][level] }
func (rc *ResponseCurve)Linearize(c int, v float64) float64 { return rc.LUT[c][Quantize(v, rc.Levels())] }

func (rc *ResponseCurve)Equal(rc2 *ResponseCurve) bool {
	if rc.BitDepth != rc2.BitDepth {
		return false
	}
	for c:=0; c<3; c++ {
		for i := range rc.LUT[c] {
			if rc.LUT[c][i] != rc2.LUT[c][i] {
				return false
			}
		}
	}
	return true
}

// A WeightFunction gives a confidence in [0,1] to each raw level; values
// near the ends of the range are noisy or clipped and get less weight.
type WeightFunction struct {
	Type     WeightType
	BitDepth int
	LUT      []float64
}

func NewWeightFunction(t WeightType, bitDepth int) (*WeightFunction, error) {
	if err := checkBitDepth(bitDepth); err != nil {
		return nil, err
	}
	f, err := weightFunc(t)
	if err != nil {
		return nil, err
	}

	n := Levels(bitDepth)
	wf := WeightFunction{Type: t, BitDepth: bitDepth, LUT: make([]float64, n)}
	for i:=0; i<n; i++ {
		wf.LUT[i] = f(float64(i) / float64(n-1))
	}
	return &wf, nil
}

func (wf *WeightFunction)Levels() int         { return len(wf.LUT) }
func (wf *WeightFunction)At(level int) float64 { return wf.LUT[level] }

// A Model pairs a response curve and a weight function at a common bit
// depth. It is built once and then only read, so can be shared freely
// between goroutines.
type Model struct {
	Response *ResponseCurve
	Weight   *WeightFunction
}

func NewModel(rt ResponseType, wt WeightType, bitDepth int) (*Model, error) {
	rc, err := NewResponseCurve(rt, bitDepth)
	if err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}
	wf, err := NewWeightFunction(wt, bitDepth)
	if err != nil {
		return nil, fmt.Errorf("weight: %w", err)
	}
	return &Model{Response: rc, Weight: wf}, nil
}

// WithResponse returns a model that uses rc, and a weight function
// rebuilt at rc's bit depth.
func (m *Model)WithResponse(rc *ResponseCurve) (*Model, error) {
	wf := m.Weight
	if wf.BitDepth != rc.BitDepth {
		var err error
		if wf, err = NewWeightFunction(m.Weight.Type, rc.BitDepth); err != nil {
			return nil, err
		}
	}
	return &Model{Response: rc, Weight: wf}, nil
}

func (m *Model)Levels() int   { return m.Response.Levels() }
func (m *Model)BitDepth() int { return m.Response.BitDepth }

func (m Model)String() string {
	return fmt.Sprintf("Model[response=%s, weight=%s, %d bits]", m.Response.Type, m.Weight.Type, m.Response.BitDepth)
}
