package creator

// The Manager ties the pieces together, in the order a user works
// through them: load exposures, align them, fuse them, look for ghosts,
// perhaps edit the ghost mask, then deghost.

import(
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"

	"github.com/mdouchement/hdr/codec/rgbe"

	"github.com/abworrall/deghost-hdr/pkg/align"
	"github.com/abworrall/deghost-hdr/pkg/deghost"
	"github.com/abworrall/deghost-hdr/pkg/exposure"
	"github.com/abworrall/deghost-hdr/pkg/frame"
	"github.com/abworrall/deghost-hdr/pkg/fusion"
	"github.com/abworrall/deghost-hdr/pkg/ghost"
	"github.com/abworrall/deghost-hdr/pkg/radiometry"
)

var(
	ErrNoMask          = errors.New("no ghost mask; run ComputePatches first")
	ErrUnknownAligner  = errors.New("unknown aligner")
)

type Manager struct {
	Config

	Store    *exposure.Store
	Registry *fusion.Registry

	// Set by ComputePatches, or by hand via SetPatches
	patches   *ghost.PatchGrid
	refIndex  int
	freehand  *ghost.FreehandMask

	// The response curve read from Fusion.ResponseInputFile; read on the
	// first fusion after a load, and reused until the next one
	curve     *radiometry.ResponseCurve
}

func NewManager(cfg Config) *Manager {
	store := exposure.NewStore(exposure.FileLoader{BitDepth: cfg.BitDepth})
	store.Workers = cfg.Workers
	store.Verbosity = cfg.Verbosity

	return &Manager{
		Config:   cfg,
		Store:    store,
		Registry: fusion.NewRegistry(),
	}
}

func (m *Manager)String() string {
	str := fmt.Sprintf("Manager[fusion %s, grid %d, threshold %.2f]\n", m.Fusion, m.GridSize, m.Threshold)
	return str + m.Store.String()
}

// LoadFilesAndDirs expands the args into image files and config files.
// The last config file found becomes the configuration (as a base; the
// caller may override bits of it afterwards), and the images are loaded
// as one batch.
func (m *Manager)LoadFilesAndDirs(ctx context.Context, args ...string) (exposure.LoadEvent, error) {
	images, configs, err := exposure.ExpandPaths(args...)
	if err != nil {
		return exposure.LoadEvent{}, err
	}

	for _, filename := range configs {
		cfg, err := LoadConfig(filename)
		if err != nil {
			return exposure.LoadEvent{}, err
		}
		m.Config = cfg
		m.Store.Workers = cfg.Workers
		m.Store.Verbosity = cfg.Verbosity
		log.Printf("Loaded base configuration from %s\n", filename)
	}

	return m.Load(ctx, images...)
}

// Load adds the files to the store, and waits for them to be loaded.
func (m *Manager)Load(ctx context.Context, filenames ...string) (exposure.LoadEvent, error) {
	ev := m.Store.Load(ctx, filenames...).Wait()
	m.curve = nil

	if m.Verbosity > 0 {
		log.Printf("Load %s: %s", ev.Kind, m.Store)
	}
	for _, name := range ev.Dropped {
		log.Printf("Dropped %s, not a usable image\n", name)
	}
	return ev, ev.Err
}

// SetConfig switches the fusion configuration for later runs.
func (m *Manager)SetConfig(c fusion.Config) {
	if c.ResponseInputFile != m.Fusion.ResponseInputFile {
		m.curve = nil
	}
	m.Fusion = c
}

func (m *Manager)bitDepth(items []*exposure.Item) int {
	if m.BitDepth > 0 {
		return m.BitDepth
	}
	bd := items[0].BitDepth
	for _, it := range items[1:] {
		if it.BitDepth > bd { bd = it.BitDepth }
	}
	return bd
}

func (m *Manager)model(items []*exposure.Item) (*radiometry.Model, error) {
	model, err := radiometry.NewModel(m.Fusion.Response, m.Fusion.Weight, m.bitDepth(items))
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	if m.Fusion.ResponseInputFile == "" {
		return model, nil
	}

	if m.curve == nil {
		rc, err := radiometry.LoadCurve(m.Fusion.ResponseInputFile)
		if err != nil {
			return nil, err
		}
		m.curve = rc
		log.Printf("Loaded response curve from %s\n", m.Fusion.ResponseInputFile)
	}
	return model.WithResponse(m.curve)
}

// CreateHdr fuses the loaded exposures into one radiance frame, the same
// size as they are. If the config names a response output file, the
// curve that was used is written to it.
func (m *Manager)CreateHdr(ctx context.Context) (*frame.Frame, error) {
	items := m.Store.Items()
	if len(items) < 2 {
		return nil, fmt.Errorf("CreateHdr with %d exposures: %w", len(items), fusion.ErrTooFewExposures)
	}

	model, err := m.model(items)
	if err != nil {
		return nil, err
	}

	e := fusion.NewEngine(m.Registry)
	e.Operator = m.Fusion.Operator
	e.Workers = m.Workers
	e.DebugPixels = m.DebugPixels

	f, rc, err := e.ComputeFusion(ctx, model, items, m.Store.EVOffset())
	if err != nil {
		return nil, err
	}

	if m.Fusion.ResponseOutputFile != "" {
		if err := radiometry.SaveCurve(m.Fusion.ResponseOutputFile, rc); err != nil {
			return nil, err
		}
		log.Printf("Wrote response curve to %s\n", m.Fusion.ResponseOutputFile)
	}

	return f, nil
}

// ComputePatches runs ghost detection over the loaded exposures, and
// keeps the result for DoAntiGhosting. It replaces any freehand mask.
func (m *Manager)ComputePatches() (ghost.Result, error) {
	d := ghost.Detector{GridSize: m.GridSize, Workers: m.Workers, Verbosity: m.Verbosity}
	res, err := d.DetectGhosts(m.Store.Items(), m.Threshold, nil)
	if err != nil {
		return res, err
	}

	m.patches = res.Grid.Clone()
	m.refIndex = res.ReferenceIndex
	m.freehand = nil

	if m.Verbosity > 1 {
		log.Printf("Ghost patches, reference %d:\n%s", res.ReferenceIndex, res.Grid)
	}
	return res, nil
}

// AgData returns a copy of the current patch grid, and the index of the
// reference exposure.
func (m *Manager)AgData() (*ghost.PatchGrid, int) {
	if m.patches == nil {
		return nil, m.refIndex
	}
	return m.patches.Clone(), m.refIndex
}

// SetPatches replaces the patch grid, e.g. after someone has edited it.
func (m *Manager)SetPatches(pg *ghost.PatchGrid) {
	m.patches = pg.Clone()
	m.freehand = nil
}

// SetReferenceIndex picks the exposure whose gradients fill in the
// ghosted areas.
func (m *Manager)SetReferenceIndex(i int) error {
	if i < 0 || i >= m.Store.Len() {
		return fmt.Errorf("reference %d of %d: %w", i, m.Store.Len(), exposure.ErrNoSuchItem)
	}
	m.refIndex = i
	return nil
}

// SetFreehandMask uses a hand-painted mask instead of the patch grid.
func (m *Manager)SetFreehandMask(fm *ghost.FreehandMask) {
	m.freehand = fm
}

func (m *Manager)mask() ghost.Mask {
	if m.freehand != nil {
		return m.freehand
	}
	if m.patches != nil {
		return m.patches
	}
	return nil
}

// DoAntiGhosting rebuilds the fused frame, and then deghosts it against
// the reference exposure. If p reports a cancellation the Outcome is
// Canceled, and nothing is changed. A nil p is canceled by ctx.
func (m *Manager)DoAntiGhosting(ctx context.Context, p deghost.Progress) (deghost.Outcome, error) {
	if p == nil {
		p = deghost.ContextProgress{Ctx: ctx}
	}
	mask := m.mask()
	if mask == nil {
		return deghost.Outcome{}, ErrNoMask
	}

	items := m.Store.Items()
	if m.refIndex >= len(items) {
		return deghost.Outcome{}, fmt.Errorf("reference %d of %d: %w", m.refIndex, len(items), exposure.ErrNoSuchItem)
	}
	ref := items[m.refIndex]

	p.SetRange(0, deghost.ProgressDone)
	p.SetValue(0)

	ghosted, err := m.CreateHdr(ctx)
	if errors.Is(err, context.Canceled) {
		return deghost.Outcome{Canceled: true}, nil
	} else if err != nil {
		return deghost.Outcome{}, err
	}

	s := deghost.NewSolver()
	if m.Epsilon > 0 { s.Epsilon = m.Epsilon }
	if m.WhiteBalanceNorm > 0 { s.WhiteBalanceNorm = m.WhiteBalanceNorm }
	s.Verbosity = m.Verbosity
	s.DumpGrids = m.DumpGrids
	s.DumpDir = m.DumpDir

	log.Printf("Deghosting against %s\n", ref.Base())
	return s.Deghost(ghosted, ref.Frame, mask, p)
}

// NewAligner builds the aligner the config asks for; nil means none.
func (m *Manager)NewAligner() (align.Aligner, error) {
	switch m.Config.Aligner {
	case AlignNone:
		return nil, nil
	case AlignMTB:
		t := align.NewTranslational()
		t.Verbosity = m.Verbosity
		return t, nil
	case AlignExternal:
		et := align.NewExternalTool(m.Store.Loader)
		if m.AlignCommand != "" { et.Command = m.AlignCommand }
		et.Crop = m.AlignCrop
		et.Verbosity = m.Verbosity
		return et, nil
	}
	return nil, fmt.Errorf("'%s': %w", m.Config.Aligner, ErrUnknownAligner)
}

// Align lines up the loaded exposures, and replaces them in the store
// with the aligned versions.
func (m *Manager)Align(ctx context.Context) (align.Result, error) {
	al, err := m.NewAligner()
	if err != nil || al == nil {
		return align.Result{}, err
	}

	res, err := al.Align(ctx, m.Store.Items())
	if err != nil {
		return res, err
	}
	if err := m.Store.Replace(res.Aligned); err != nil {
		return res, err
	}
	m.patches = nil
	return res, nil
}

func (m *Manager)ApplyShifts(offsets []image.Point) error {
	m.patches = nil
	return m.Store.ApplyShifts(offsets)
}

func (m *Manager)Crop(r image.Rectangle) error {
	m.patches, m.freehand = nil, nil
	return m.Store.Crop(r)
}

func (m *Manager)SaveImages(prefix string) ([]string, error) { return m.Store.SaveImages(prefix) }
func (m *Manager)FilesWithoutExif() []string                 { return m.Store.FilesWithoutExif() }
func (m *Manager)NumFilesWithoutExif() int                   { return len(m.Store.FilesWithoutExif()) }
func (m *Manager)SetEV(filename string, ev float64) error    { return m.Store.SetEV(filename, ev) }

// Reset aborts any load in flight, and forgets everything loaded.
func (m *Manager)Reset() {
	m.Store.Reset()
	m.patches, m.freehand, m.curve = nil, nil, nil
	m.refIndex = 0
}

// WriteToHDR outputs a Radiance .hdr image. You can load this into
// photoshop or other HDR tools.
func WriteToHDR(f *frame.Frame, filename string) error {
	if writer, err := os.Create(filename); err != nil {
		return fmt.Errorf("WriteToHDR, open+w '%s': %w", filename, err)
	} else if err := encodeHDR(writer, f); err != nil {
		log.Printf("WriteToHDR, encoding RGBE file: %v\n", err)
		return fmt.Errorf("WriteToHDR '%s': %w", filename, err)
	}
	return nil
}

func encodeHDR(wc io.WriteCloser, f *frame.Frame) error {
	err := rgbe.Encode(wc, f)
	if cerr := wc.Close(); err == nil {
		err = cerr
	}
	return err
}
