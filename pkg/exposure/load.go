package exposure

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/tiff"

	"github.com/abworrall/deghost-hdr/pkg/frame"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// A Loader turns a filename into an Item. Implementations must be safe
// to call from many goroutines at once.
type Loader interface {
	Load(ctx context.Context, filename string) (*Item, error)
}

// FileLoader decodes TIFF, PNG and JPEG files, and reads exposure
// metadata from any EXIF block they carry.
type FileLoader struct {
	// If 0, derived from the decoded image: 16 for 16bit images, else 8.
	BitDepth      int
	ThumbnailSize int
}

func IsImageFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff", ".png", ".jpg", ".jpeg": return true
	}
	return false
}

func IsConfigFile(filename string) bool {
	return strings.ToLower(filepath.Ext(filename)) == ".yaml"
}

// ExpandPaths walks the args, recursing into directories, and returns the
// image files and the config files it finds. Directory contents come
// back in name order.
func ExpandPaths(args ...string) (images, configs []string, err error) {
	for _, arg := range args {
		item, err := os.Stat(arg)

		switch {

		case err != nil:
			return nil, nil, fmt.Errorf("load %s: %w", arg, err)

		case item.IsDir():
			// Is a dir, recurse into contents
			contents, err := os.ReadDir(arg)
			if err != nil {
				return nil, nil, fmt.Errorf("readdir %s: %w", arg, err)
			}
			sort.Slice(contents, func(i, j int) bool { return contents[i].Name() < contents[j].Name() })
			for _, content := range contents {
				im, cf, err := ExpandPaths(filepath.Join(arg, content.Name()))
				if err != nil {
					return nil, nil, fmt.Errorf("load %s: %w", arg, err)
				}
				images = append(images, im...)
				configs = append(configs, cf...)
			}

		case IsImageFile(arg):
			images = append(images, arg)

		case IsConfigFile(arg):
			configs = append(configs, arg)
		}
	}

	return images, configs, nil
}

func (fl FileLoader)Load(ctx context.Context, filename string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// First, try to load the EXIF metadata. Plenty of files don't have
	// any, in which case the EV is left unknown.
	ev, exifErr := readExposureValue(filename)

	img, err := decodeImage(filename)
	if err != nil {
		return nil, err
	}

	bitDepth := fl.BitDepth
	if bitDepth == 0 {
		bitDepth = nativeBitDepth(img)
	}

	it := NewItem(filename, frame.FromImage(img), bitDepth)
	if exifErr == nil {
		it.SetExposure(ev)
	}
	if fl.ThumbnailSize > 0 {
		it.UpdateThumbnail(fl.ThumbnailSize)
	}

	return it, nil
}

func readExposureValue(filename string) (ExposureValue, error) {
	ev := ExposureValue{}

	reader, err := os.Open(filename)
	if err != nil {
		return ev, fmt.Errorf("open+r exif '%s': %w", filename, err)
	}
	defer reader.Close()

	ex, err := exif.Decode(reader)
	if err != nil {
		return ev, fmt.Errorf("exif parsing '%s': %w", filename, err)
	}

	if tag,err := ex.Get(exif.ISOSpeedRatings); err != nil {
		return ev, fmt.Errorf("exif ISO '%s': %w", filename, err)
	} else if val,err := tag.Int64(0); err != nil {
		return ev, fmt.Errorf("exif ISO '%s': %w", filename, err)
	} else {
		ev.ISO = val
	}

	if tag,err := ex.Get(exif.FNumber); err != nil {
		return ev, fmt.Errorf("exif FNumber '%s': %w", filename, err)
	} else if num,denom,err := tag.Rat2(0); err != nil {
		return ev, fmt.Errorf("exif FNumber '%s': %w", filename, err)
	} else {
		ev.FNumber = rat64{num,denom}
	}

	if tag,err := ex.Get(exif.ExposureTime); err != nil {
		return ev, fmt.Errorf("exif ExposureTime '%s': %w", filename, err)
	} else if num,denom,err := tag.Rat2(0); err != nil {
		return ev, fmt.Errorf("exif ExposureTime '%s': %w", filename, err)
	} else {
		ev.ExposureTime = rat64{num,denom}
	}

	// Note: we ignore Exposure Compensation, as it is informational. The
	// Fstop/Speed/ISO triple fully defines how much light would expose a pixel.

	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("image '%s' EV: %w", filename, err)
	}

	return ev, nil
}

func decodeImage(filename string) (image.Image, error) {
	reader, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open+r img '%s': %w", filename, err)
	}
	defer reader.Close()

	var decode func(io.Reader) (image.Image, error)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff": decode = tiff.Decode
	case ".png":          decode = png.Decode
	case ".jpg", ".jpeg": decode = jpeg.Decode
	default:
		return nil, fmt.Errorf("'%s': %w", filename, ErrUnsupportedFormat)
	}

	img, err := decode(reader)
	if err != nil {
		return nil, fmt.Errorf("decoding '%s': %w", filename, err)
	}
	return img, nil
}

func nativeBitDepth(img image.Image) int {
	switch img.(type) {
	case *image.RGBA64, *image.NRGBA64, *image.Gray16:
		return 16
	}
	return 8
}

// SaveTIFF writes the frame as a 16 bit TIFF.
func SaveTIFF(filename string, f *frame.Frame) error {
	if writer, err := os.Create(filename); err != nil {
		return fmt.Errorf("SaveTIFF, open+w '%s': %w", filename, err)
	} else if err := encodeTIFF(writer, f); err != nil {
		return fmt.Errorf("SaveTIFF '%s': %w", filename, err)
	}
	return nil
}

func encodeTIFF(wc io.WriteCloser, f *frame.Frame) error {
	err := tiff.Encode(wc, f.ToRGBA64(), &tiff.Options{Compression: tiff.Deflate})
	if cerr := wc.Close(); err == nil {
		err = cerr
	}
	return err
}
