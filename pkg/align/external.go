package align

import(
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/abworrall/deghost-hdr/pkg/exposure"
)

const DefaultAlignCommand = "align_image_stack"

// ExternalTool hands the exposures to an external aligner (hugin's
// align_image_stack, by default). The exposures are written out as TIFFs
// into a scratch dir, the tool writes <prefix>NNNN.tif for each of them,
// and those are loaded back in. The tool doesn't tell us the shifts it
// applied, so the Offsets are all zero.
type ExternalTool struct {
	Command   string
	Args    []string  // extra args, before the filenames
	Crop      bool      // ask the tool to crop to the common area
	WorkDir   string    // if empty, a temp dir is made and removed
	Loader    exposure.Loader
	Verbosity int
}

func NewExternalTool(loader exposure.Loader) ExternalTool {
	return ExternalTool{
		Command: DefaultAlignCommand,
		Loader:  loader,
	}
}

func (et ExternalTool)Align(ctx context.Context, items []*exposure.Item) (Result, error) {
	if len(items) < 2 {
		return Result{}, fmt.Errorf("align %d: %w", len(items), ErrTooFewExposures)
	}

	dir := et.WorkDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "deghost-align-")
		if err != nil {
			return Result{}, fmt.Errorf("align tmpdir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	inputs := []string{}
	for i, it := range items {
		filename := filepath.Join(dir, fmt.Sprintf("input_%04d.tif", i))
		if err := exposure.SaveTIFF(filename, it.Frame); err != nil {
			return Result{}, fmt.Errorf("align, saving %s: %w", it.Base(), err)
		}
		inputs = append(inputs, filename)
	}

	prefix := filepath.Join(dir, "aligned_")
	args := []string{"-a", prefix}
	if et.Crop {
		args = append(args, "-C")
	}
	args = append(args, et.Args...)
	args = append(args, inputs...)

	cmd := exec.CommandContext(ctx, et.Command, args...)
	out, err := cmd.CombinedOutput()
	res := Result{Output: out}
	if err != nil {
		return res, fmt.Errorf("%s: %v: %w", et.Command, err, ErrAlignFailed)
	}
	if et.Verbosity > 0 {
		log.Printf("align: %s said:\n%s\n", et.Command, out)
	}

	res.Offsets = make([]image.Point, len(items))
	res.Aligned = make([]*exposure.Item, len(items))
	for i, it := range items {
		filename := fmt.Sprintf("%s%04d.tif", prefix, i)
		aligned, err := et.Loader.Load(ctx, filename)
		if err != nil {
			return res, fmt.Errorf("align, reloading %s: %v: %w", it.Base(), err, ErrAlignFailed)
		}

		// Keep the identity and exposure of the original
		aligned.Filename = it.Filename
		aligned.Exif = it.Exif
		aligned.HasEV = it.HasEV
		aligned.EV = it.EV
		aligned.AverageLuminance = it.AverageLuminance
		aligned.BitDepth = it.BitDepth
		res.Aligned[i] = aligned
	}

	for _, it := range res.Aligned[1:] {
		if !it.Frame.SameGeometry(res.Aligned[0].Frame) {
			return res, fmt.Errorf("align, %s came back a different size: %w", it.Base(), exposure.ErrSizeMismatch)
		}
	}

	return res, nil
}
