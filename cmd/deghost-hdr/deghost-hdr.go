package main

import(
	"context"
	"flag"
	"image"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/abworrall/deghost-hdr/pkg/creator"
	"github.com/abworrall/deghost-hdr/pkg/deghost"
	"github.com/abworrall/deghost-hdr/pkg/fusion"
	"github.com/abworrall/deghost-hdr/pkg/ghost"
	"github.com/abworrall/deghost-hdr/pkg/radiometry"
	"github.com/abworrall/deghost-hdr/pkg/synth"
)

var(
	fVerbosity int
	fWorkers int
	fBitDepth int
	fOperator string
	fWeight string
	fResponse string
	fResponseIn string
	fResponseOut string
	fGridSize int
	fThreshold float64
	fAligner string
	fAlignCrop bool
	fEVs string
	fMask string
	fDumpMask string
	fDumpGrids bool
	fSynth string
	fOutDir string
	fLogfile string
)

func init() {
	flag.IntVar(&fVerbosity, "v", 0, "how verbose to get")
	flag.IntVar(&fWorkers, "workers", 0, "max goroutines for per-item work (0 = one per CPU)")
	flag.IntVar(&fBitDepth, "bits", 0, "bit depth for the radiometric model (0 = from the files)")

	flag.StringVar(&fOperator, "operator", string(fusion.Debevec), "fusion operator: "+fusion.NewRegistry().List())
	flag.StringVar(&fWeight, "weight", string(radiometry.WeightTriangular), "weight function: "+radiometry.ListWeights())
	flag.StringVar(&fResponse, "response", string(radiometry.ResponseLinear), "response curve: "+radiometry.ListResponses())
	flag.StringVar(&fResponseIn, "responsein", "", "load the response curve from this file")
	flag.StringVar(&fResponseOut, "responseout", "", "save the response curve used to this file")

	flag.IntVar(&fGridSize, "grid", ghost.DefaultGridSize, "side of the ghost detection patch grid")
	flag.Float64Var(&fThreshold, "threshold", 1.0, "patch is a ghost if it differs by more than this many std-devs")
	flag.StringVar(&fAligner, "align", "", "how to align the exposures: '', mtb, ais")
	flag.BoolVar(&fAlignCrop, "aligncrop", false, "have align_image_stack crop to the common area")

	flag.StringVar(&fEVs, "evs", "", "comma separated EVs, for the files that have no EXIF data (in load order)")
	flag.StringVar(&fMask, "mask", "", "PNG of hand-painted ghosts (non-zero alpha); replaces the patch grid")
	flag.StringVar(&fDumpMask, "dumpmask", "", "write the detected patch grid over the reference exposure to this PNG")
	flag.BoolVar(&fDumpGrids, "dumpgrids", false, "write PNGs of the solver's intermediate grids")
	flag.StringVar(&fSynth, "synth", "", "write a synthetic exposure set with a moving object to this dir, and use it")
	flag.StringVar(&fOutDir, "out", ".", "dir for fused.hdr and deghosted.hdr")
	flag.StringVar(&fLogfile, "logfile", "", "log to this file (rotated) instead of stderr")
	flag.Parse()

	if fLogfile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   fLogfile,
			MaxSize:    10, // MB
			MaxBackups: 2,
			MaxAge:     28, // days
		})
	}

	log.Printf("deghost-hdr starting\n")
}

// applyFlags copies in the flags that were set on the command line, so
// they override any config file.
func applyFlags(cfg *creator.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "v":           cfg.Verbosity = fVerbosity
		case "workers":     cfg.Workers = fWorkers
		case "bits":        cfg.BitDepth = fBitDepth
		case "operator":    cfg.Fusion.Operator = fusion.Kind(fOperator)
		case "weight":      cfg.Fusion.Weight = radiometry.WeightType(fWeight)
		case "response":    cfg.Fusion.Response = radiometry.ResponseType(fResponse)
		case "responsein":  cfg.Fusion.ResponseInputFile = fResponseIn
		case "responseout": cfg.Fusion.ResponseOutputFile = fResponseOut
		case "grid":        cfg.GridSize = fGridSize
		case "threshold":   cfg.Threshold = fThreshold
		case "align":       cfg.Aligner = fAligner
		case "aligncrop":   cfg.AlignCrop = fAlignCrop
		case "dumpgrids":   cfg.DumpGrids = fDumpGrids; cfg.DumpDir = fOutDir
		}
	})
}

func parseEVs(s string) ([]float64, error) {
	evs := []float64{}
	for _, str := range strings.Split(s, ",") {
		if str = strings.TrimSpace(str); str == "" {
			continue
		}
		ev, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	args := flag.Args()
	if fSynth != "" {
		evs := []float64{-2, 0, 2}
		scene := synth.MovingObjectScene(320, 240, image.Pt(120, 80), 48)
		filenames, err := synth.WriteScene(fSynth, scene, evs...)
		if err != nil {
			log.Fatal(err)
		}
		args = append(args, filenames...)
		if fEVs == "" {
			fEVs = "-2,0,2"
		}
	}

	cfg := creator.NewConfig()
	applyFlags(&cfg)
	m := creator.NewManager(cfg)

	if _, err := m.LoadFilesAndDirs(ctx, args...); err != nil {
		log.Fatal(err)
	}
	applyFlags(&m.Config)

	if fEVs != "" {
		evs, err := parseEVs(fEVs)
		if err != nil {
			log.Fatalf("-evs: %v", err)
		}
		for i, filename := range m.FilesWithoutExif() {
			if i < len(evs) {
				if err := m.SetEV(filename, evs[i]); err != nil {
					log.Fatal(err)
				}
			}
		}
	}
	if n := m.NumFilesWithoutExif(); n > 0 {
		log.Printf("%d files have no EXIF exposure data; treating them as equally exposed (see -evs)\n", n)
	}

	if m.Verbosity > 0 {
		log.Printf("Final configuration:-\n\n%s\n", m.Config.AsYaml())
	}

	if res, err := m.Align(ctx); err != nil {
		log.Fatal(err)
	} else if m.Verbosity > 0 && res.Offsets != nil {
		log.Printf("Alignment offsets: %v\n", res.Offsets)
	}

	fused, err := m.CreateHdr(ctx)
	if err != nil {
		log.Fatal(err)
	}
	if err := creator.WriteToHDR(fused, filepath.Join(fOutDir, "fused.hdr")); err != nil {
		log.Fatal(err)
	}

	res, err := m.ComputePatches()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Ghost detection: reference %s, %.2f%% of patches ghosted\n",
		m.Store.Items()[res.ReferenceIndex].Base(), res.GhostedPercent)

	if fDumpMask != "" {
		bg := m.Store.Items()[res.ReferenceIndex].Frame.ToRGBA64()
		if err := res.Grid.WritePNG(bg, fDumpMask); err != nil {
			log.Fatal(err)
		}
	}

	if fMask != "" {
		fm, err := ghost.LoadFreehandMask(fMask, fused.Width(), fused.Height())
		if err != nil {
			log.Fatal(err)
		}
		m.SetFreehandMask(fm)
	}

	p := deghost.ContextProgress{
		Ctx: ctx,
		OnValue: func(v int) {
			if m.Verbosity > 0 { log.Printf("deghosting ... %d%%\n", v) }
		},
	}
	out, err := m.DoAntiGhosting(ctx, p)
	if err != nil {
		log.Fatal(err)
	} else if out.Canceled {
		log.Printf("Deghosting canceled\n")
		return
	}

	if err := creator.WriteToHDR(out.Frame, filepath.Join(fOutDir, "deghosted.hdr")); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote fused.hdr and deghosted.hdr to %s\n", fOutDir)
}
