package deghost

// Gradient domain deghosting. The ghosted HDR frame is turned into a
// field of log-irradiance gradients; wherever the mask says there is a
// ghost, those gradients are swapped for the ones from the reference
// exposure. The result is integrated back up by solving a Poisson
// equation, one channel at a time.

import(
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/abworrall/deghost-hdr/pkg/ecolor"
	"github.com/abworrall/deghost-hdr/pkg/emath"
	"github.com/abworrall/deghost-hdr/pkg/frame"
	"github.com/abworrall/deghost-hdr/pkg/ghost"
	"github.com/abworrall/deghost-hdr/pkg/pde"
)

const DefaultEpsilon = 1e-8

var errCanceled = errors.New("canceled")

// Outcome of a solve. A canceled solve has no Frame.
type Outcome struct {
	Frame    *frame.Frame
	Canceled bool
	Gains    [3]float64  // applied by the white balance
}

type Solver struct {
	Epsilon          float64  // floor for values going into log()
	WhiteBalanceNorm float64  // Minkowski norm for shades-of-gray; 1 is gray world
	Verbosity        int

	DumpGrids        bool     // whether to write grayscale PNGs of the intermediate grids
	DumpDir          string
}

func NewSolver() Solver {
	return Solver{
		Epsilon:          DefaultEpsilon,
		WhiteBalanceNorm: 1.0,
	}
}

var chanNames = []string{"R", "G", "B"}

func (s Solver)MaybeDumpGrid(g emath.FloatGrid, comment, filename string) {
	if !s.DumpGrids {
		return
	}
	if err := g.ToImg(comment, filepath.Join(s.DumpDir, filename)); err != nil {
		log.Printf("dump %s: %v\n", filename, err)
	}
}

// Deghost rebuilds ghosted, taking the gradients inside the masked areas
// from reference. Neither input frame is modified. If p reports a
// cancellation, the Outcome is Canceled and carries no frame.
func (s Solver)Deghost(ghosted, reference *frame.Frame, mask ghost.Mask, p Progress) (Outcome, error) {
	if p == nil {
		p = NopProgress{}
	}
	if !ghosted.SameGeometry(reference) {
		return Outcome{}, fmt.Errorf("deghost %dx%d with reference %dx%d: %w",
			ghosted.Width(), ghosted.Height(), reference.Width(), reference.Height(), frame.ErrGeometry)
	}
	if ghosted.Width() < 2 || ghosted.Height() < 2 {
		return Outcome{}, fmt.Errorf("deghost %dx%d: %w", ghosted.Width(), ghosted.Height(), frame.ErrGeometry)
	}

	t := &tracker{p: p}
	t.start()
	if t.canceled() {
		return Outcome{Canceled: true}, nil
	}

	out := frame.New(ghosted.Width(), ghosted.Height())

	g := errgroup.Group{}
	for c:=0; c<3; c++ {
		c := c
		g.Go(func() error {
			return s.solveChannel(c, ghosted.Chans[c], reference.Chans[c], mask, &out.Chans[c], t)
		})
	}
	if err := g.Wait(); errors.Is(err, errCanceled) {
		return Outcome{Canceled: true}, nil
	} else if err != nil {
		return Outcome{}, err
	}

	m := ecolor.ClampToZero(out)
	gains := ecolor.ShadesOfGrayAWB(out, s.WhiteBalanceNorm)
	if s.Verbosity > 0 {
		log.Printf("deghost: clamped by %g, white balance gains [%.4f %.4f %.4f]\n", m, gains[0], gains[1], gains[2])
	}

	t.done()
	return Outcome{Frame: out, Gains: gains}, nil
}

// solveChannel writes the rebuilt channel into dst.
func (s Solver)solveChannel(c int, in, ref emath.FloatGrid, mask ghost.Mask, dst *emath.FloatGrid, t *tracker) error {
	name := chanNames[c]
	width, height := in.Dx(), in.Dy()

	H := s.LogIrradiance(in)
	Href := s.LogIrradiance(ref)

	Gx, Gy := H.ForwardGradients()
	GxRef, GyRef := Href.ForwardGradients()
	BlendGradients(Gx, Gy, GxRef, GyRef, mask)
	s.MaybeDumpGrid(Gx, name+"-gradX", name+"-001-gradX.png")

	divG := emath.Divergence(Gx, Gy)
	s.MaybeDumpGrid(divG, name+"-divG", name+"-002-divG.png")

	U, err := pde.SolvePdeDct(divG, false)
	if err != nil {
		return fmt.Errorf("channel %s: %w", name, err)
	}
	s.MaybeDumpGrid(U, name+"-solved", name+"-003-solved.png")
	if t.solved() {
		return errCanceled
	}

	L := U.Map(math.Exp)
	if t.exponentiated() {
		return errCanceled
	}

	if s.Verbosity > 1 {
		log.Printf("deghost: channel %s %dx%d, log %s, out %s\n", name, width, height, H.Stats(), L.Stats())
	}

	*dst = L
	return nil
}

// LogIrradiance is log(max(v, Epsilon)) for every value.
func (s Solver)LogIrradiance(g emath.FloatGrid) emath.FloatGrid {
	eps := s.Epsilon
	if eps <= 0 { eps = DefaultEpsilon }
	return g.Map(func(v float64) float64 { return math.Log(math.Max(v, eps)) })
}

// BlendGradients overwrites (Gx,Gy) with (GxRef,GyRef) wherever the mask
// says the pixel is ghosted. The far edges are then made to satisfy
// g(N-1) == -g(N-2) again, as the blend may have broken it.
func BlendGradients(Gx, Gy, GxRef, GyRef emath.FloatGrid, mask ghost.Mask) {
	width, height := Gx.Dx(), Gx.Dy()
	for y:=0; y<height; y++ {
		for x:=0; x<width; x++ {
			if mask != nil && mask.Ghosted(x, y, width, height) {
				Gx.Set(x, y, GxRef.Get(x, y))
				Gy.Set(x, y, GyRef.Get(x, y))
			}
		}
	}

	if width >= 2 {
		for y:=0; y<height; y++ {
			Gx.Set(width-1, y, -Gx.Get(width-2, y))
		}
	}
	if height >= 2 {
		for x:=0; x<width; x++ {
			Gy.Set(x, height-1, -Gy.Get(x, height-2))
		}
	}
}
