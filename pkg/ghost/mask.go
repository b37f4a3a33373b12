package ghost

import(
	"fmt"
	"image"
	"image/png"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"github.com/nfnt/resize"
)

const DefaultGridSize = 64

// A Mask says which pixels of a width x height image are ghosted, and
// should be taken from the reference exposure.
type Mask interface {
	Ghosted(x, y, width, height int) bool
}

// A PatchGrid is a Size x Size grid of cells over the image. Cells are
// floor(dim/Size) pixels across; the leftover pixels at the right and
// bottom edges belong to the last cell of their row or column.
type PatchGrid struct {
	Size  int
	cells []bool
}

func NewPatchGrid(size int) *PatchGrid {
	return &PatchGrid{Size: size, cells: make([]bool, size*size)}
}

func (pg *PatchGrid)Get(i, j int) bool    { return pg.cells[j*pg.Size + i] }
func (pg *PatchGrid)Set(i, j int, v bool) { pg.cells[j*pg.Size + i] = v }

func (pg *PatchGrid)Count() int {
	n := 0
	for _, v := range pg.cells {
		if v { n++ }
	}
	return n
}

func (pg *PatchGrid)Percent() float64 {
	return float64(pg.Count()) / float64(len(pg.cells)) * 100.0
}

func (pg *PatchGrid)Clone() *PatchGrid {
	pg2 := NewPatchGrid(pg.Size)
	copy(pg2.cells, pg.cells)
	return pg2
}

func (pg *PatchGrid)Equal(pg2 *PatchGrid) bool {
	if pg.Size != pg2.Size {
		return false
	}
	for i := range pg.cells {
		if pg.cells[i] != pg2.cells[i] {
			return false
		}
	}
	return true
}

// CellSize is the nominal pixel size of a cell, for an image of w x h
func (pg *PatchGrid)CellSize(w, h int) (int, int) {
	return w / pg.Size, h / pg.Size
}

// CellAt returns the cell holding pixel (x,y)
func (pg *PatchGrid)CellAt(x, y, w, h int) (int, int) {
	cw, ch := pg.CellSize(w, h)
	i, j := pg.Size-1, pg.Size-1
	if cw > 0 && x/cw < i { i = x/cw }
	if ch > 0 && y/ch < j { j = y/ch }
	return i, j
}

// CellRect is the pixel area covered by cell (i,j), remainder included
func (pg *PatchGrid)CellRect(i, j, w, h int) image.Rectangle {
	cw, ch := pg.CellSize(w, h)
	r := image.Rect(i*cw, j*ch, (i+1)*cw, (j+1)*ch)
	if i == pg.Size-1 { r.Max.X = w }
	if j == pg.Size-1 { r.Max.Y = h }
	return r
}

func (pg *PatchGrid)Ghosted(x, y, w, h int) bool {
	i, j := pg.CellAt(x, y, w, h)
	return pg.Get(i, j)
}

func (pg PatchGrid)String() string {
	str := fmt.Sprintf("PatchGrid[%dx%d, %d flagged (%.2f%%)]\n", pg.Size, pg.Size, pg.Count(), pg.Percent())
	if pg.Size > 64 {
		return str
	}
	for j:=0; j<pg.Size; j++ {
		row := strings.Builder{}
		for i:=0; i<pg.Size; i++ {
			if pg.Get(i, j) {
				row.WriteByte('#')
			} else {
				row.WriteByte('.')
			}
		}
		str += row.String() + "\n"
	}
	return str
}

// WritePNG draws the grid over bg, with ghosted cells shaded red.
func (pg *PatchGrid)WritePNG(bg image.Image, filename string) error {
	w, h := bg.Bounds().Dx(), bg.Bounds().Dy()
	dc := gg.NewContextForImage(bg)

	dc.SetRGBA(1, 0, 0, 0.4)
	for j:=0; j<pg.Size; j++ {
		for i:=0; i<pg.Size; i++ {
			if pg.Get(i, j) {
				r := pg.CellRect(i, j, w, h)
				dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
			}
		}
	}
	dc.Fill()

	dc.SetRGBA(1, 1, 1, 0.15)
	dc.SetLineWidth(1)
	for k:=1; k<pg.Size; k++ {
		r := pg.CellRect(k, k, w, h)
		dc.DrawLine(float64(r.Min.X), 0, float64(r.Min.X), float64(h))
		dc.DrawLine(0, float64(r.Min.Y), float64(w), float64(r.Min.Y))
	}
	dc.Stroke()

	return dc.SavePNG(filename)
}

// A FreehandMask marks ghosted pixels individually; it is painted by
// hand rather than detected. Any pixel with non-zero alpha is ghosted.
type FreehandMask struct {
	width, height int
	pix         []bool
}

// NewFreehandMask builds a mask of w x h from the alpha channel of img,
// resampling if img is a different size.
func NewFreehandMask(img image.Image, w, h int) *FreehandMask {
	if img.Bounds().Dx() != w || img.Bounds().Dy() != h {
		img = resize.Resize(uint(w), uint(h), img, resize.NearestNeighbor)
	}

	b := img.Bounds()
	fm := FreehandMask{width: w, height: h, pix: make([]bool, w*h)}
	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			_, _, _, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			fm.pix[y*w + x] = a != 0
		}
	}
	return &fm
}

func LoadFreehandMask(filename string, w, h int) (*FreehandMask, error) {
	reader, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open+r mask '%s': %w", filename, err)
	}
	defer reader.Close()

	img, err := png.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("decoding mask '%s': %w", filename, err)
	}
	return NewFreehandMask(img, w, h), nil
}

func (fm *FreehandMask)Ghosted(x, y, w, h int) bool {
	if x < 0 || y < 0 || x >= fm.width || y >= fm.height {
		return false
	}
	return fm.pix[y*fm.width + x]
}

func (fm *FreehandMask)Count() int {
	n := 0
	for _, v := range fm.pix {
		if v { n++ }
	}
	return n
}

func (fm *FreehandMask)Size() (int, int) { return fm.width, fm.height }
