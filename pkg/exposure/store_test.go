package exposure

import(
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/deghost-hdr/pkg/frame"
)

// fakeLoader makes items out of thin air; the path picks the behaviour.
type fakeLoader struct {
	sizes   map[string]image.Point
	evs     map[string]float64
	fail    map[string]bool
	invalid map[string]bool
	block   map[string]bool  // wait for the ctx to be cancelled
	calls   int32
}

func (fl *fakeLoader)Load(ctx context.Context, filename string) (*Item, error) {
	atomic.AddInt32(&fl.calls, 1)
	if fl.block[filename] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fl.fail[filename] {
		return nil, errors.New("corrupt file")
	}
	sz, ok := fl.sizes[filename]
	if !ok {
		sz = image.Point{8, 6}
	}
	f := frame.New(sz.X, sz.Y)
	for y:=0; y<sz.Y; y++ {
		for x:=0; x<sz.X; x++ {
			f.SetRGB(x, y, 0.2, 0.4, 0.6)
		}
	}
	it := NewItem(filename, f, 16)
	if ev, ok := fl.evs[filename]; ok {
		it.SetEV(ev)
	}
	if fl.invalid[filename] {
		it.Valid = false
	}
	return it, nil
}

func newTestStore(fl *fakeLoader) *Store {
	s := NewStore(fl)
	s.Workers = 2
	return s
}

func TestMedianEV(t *testing.T) {
	tests := []struct{
		in   []float64
		want float64
	}{
		{nil, 0.0},
		{[]float64{1.5}, 1.5},
		{[]float64{2, -2}, -2},
		{[]float64{2, -2, 0}, 0},
		{[]float64{3, 1, 4, 2}, 2},
		{[]float64{5, 1, 4, 2, 3}, 3},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, MedianEV(test.in), "%v", test.in)
	}
}

func TestLoadSkipsDuplicates(t *testing.T) {
	fl := &fakeLoader{}
	s := newTestStore(fl)

	ev := s.Load(context.Background(), "a.tif", "a.tif", "b.tif").Wait()
	require.NoError(t, ev.Err)
	assert.Equal(t, EventLoaded, ev.Kind)
	assert.Len(t, ev.Added, 2)
	assert.Equal(t, []string{"a.tif"}, ev.Skipped)

	ev = s.Load(context.Background(), "a.tif").Wait()
	require.NoError(t, ev.Err)
	assert.Len(t, ev.Added, 0)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, int32(2), atomic.LoadInt32(&fl.calls))
}

func TestConcurrentBatchesAreSerialized(t *testing.T) {
	s := newTestStore(&fakeLoader{})

	b1 := s.Load(context.Background(), "a.tif")
	b2 := s.Load(context.Background(), "a.tif")
	e1, e2 := b1.Wait(), b2.Wait()
	require.NoError(t, e1.Err)
	require.NoError(t, e2.Err)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, len(e1.Added) + len(e2.Added))
}

func TestLoadSizeMismatchClearsStore(t *testing.T) {
	fl := &fakeLoader{sizes: map[string]image.Point{"big.tif": {16, 12}}}
	s := newTestStore(fl)

	require.NoError(t, s.Load(context.Background(), "a.tif").Wait().Err)
	require.Equal(t, 1, s.Len())

	ev := s.Load(context.Background(), "big.tif").Wait()
	assert.Equal(t, EventFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrSizeMismatch)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0.0, s.EVOffset())
}

func TestLoadFailureKeepsCommittedItems(t *testing.T) {
	fl := &fakeLoader{fail: map[string]bool{"bad.tif": true}}
	s := newTestStore(fl)

	require.NoError(t, s.Load(context.Background(), "a.tif").Wait().Err)

	ev := s.Load(context.Background(), "b.tif", "bad.tif").Wait()
	assert.Equal(t, EventFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrLoadFailed)
	var le *LoadError
	require.ErrorAs(t, ev.Err, &le)
	assert.Equal(t, "bad.tif", le.Filename)

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "a.tif", items[0].Filename)
}

func TestLoadDropsInvalidItems(t *testing.T) {
	fl := &fakeLoader{invalid: map[string]bool{"empty.tif": true}}
	s := newTestStore(fl)

	ev := s.Load(context.Background(), "a.tif", "empty.tif").Wait()
	require.NoError(t, ev.Err)
	assert.Equal(t, []string{"empty.tif"}, ev.Dropped)
	assert.Equal(t, 1, s.Len())
}

func TestLoadCancel(t *testing.T) {
	fl := &fakeLoader{block: map[string]bool{"slow.tif": true}}
	s := newTestStore(fl)
	require.NoError(t, s.Load(context.Background(), "a.tif").Wait().Err)

	b := s.Load(context.Background(), "b.tif", "slow.tif")
	time.AfterFunc(20*time.Millisecond, b.Cancel)

	ev := b.Wait()
	assert.Equal(t, EventAborted, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrLoadAborted)

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "a.tif", items[0].Filename)
}

func TestResetAbortsInflight(t *testing.T) {
	fl := &fakeLoader{block: map[string]bool{"slow.tif": true}}
	s := newTestStore(fl)
	require.NoError(t, s.Load(context.Background(), "a.tif").Wait().Err)

	b := s.Load(context.Background(), "slow.tif")
	s.Reset()

	select {
	case <-b.Done():
	default:
		t.Fatal("batch still running after Reset")
	}
	assert.Equal(t, EventAborted, b.Wait().Kind)
	assert.Equal(t, 0, s.Len())
}

func TestEVOffsetAndRemove(t *testing.T) {
	fl := &fakeLoader{evs: map[string]float64{"m2.tif": -2, "p2.tif": 2, "z.tif": 0}}
	s := newTestStore(fl)

	require.NoError(t, s.Load(context.Background(), "p2.tif", "m2.tif", "z.tif", "noexif.tif").Wait().Err)
	assert.Equal(t, 0.0, s.EVOffset())
	assert.Equal(t, []string{"noexif.tif"}, s.FilesWithoutExif())

	// Find and remove the EV 0 one; median of {-2, 2} is -2
	for i, it := range s.Items() {
		if it.Filename == "z.tif" {
			require.NoError(t, s.Remove(i))
		}
	}
	assert.Equal(t, -2.0, s.EVOffset())

	assert.ErrorIs(t, s.Remove(10), ErrNoSuchItem)

	require.NoError(t, s.SetEV("noexif.tif", 5))
	assert.Empty(t, s.FilesWithoutExif())
	assert.Equal(t, 2.0, s.EVOffset())
	assert.ErrorIs(t, s.SetEV("nope.tif", 1), ErrNoSuchItem)
}

func TestApplyShiftsAndCrop(t *testing.T) {
	s := newTestStore(&fakeLoader{})
	require.NoError(t, s.Load(context.Background(), "a.tif", "b.tif").Wait().Err)
	before := s.Items()

	require.NoError(t, s.ApplyShifts([]image.Point{{0, 0}, {2, 1}}))
	after := s.Items()

	// value semantics: the old item is untouched
	assert.Equal(t, 0.2, before[1].Frame.Chans[0].Get(0, 0))
	for i := range after {
		if after[i].Filename == before[1].Filename {
			assert.Equal(t, 0.0, after[i].Frame.Chans[0].Get(0, 0))
			assert.Equal(t, 0.2, after[i].Frame.Chans[0].Get(2, 1))
		}
	}

	require.NoError(t, s.Crop(image.Rect(2, 1, 8, 6)))
	for _, it := range s.Items() {
		assert.Equal(t, 6, it.Width())
		assert.Equal(t, 5, it.Height())
	}

	assert.Error(t, s.Crop(image.Rect(0, 0, 100, 100)))
	assert.Error(t, s.ApplyShifts([]image.Point{{1, 1}}))
}

func TestSaveImagesAndFileLoader(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(&fakeLoader{})
	require.NoError(t, s.Load(context.Background(), "a.tif", "b.tif").Wait().Err)

	files, err := s.SaveImages(filepath.Join(dir, "out"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	images, configs, err := ExpandPaths(dir)
	require.NoError(t, err)
	assert.Empty(t, configs)
	assert.Equal(t, files, images)

	s2 := NewStore(FileLoader{})
	ev := s2.Load(context.Background(), images...).Wait()
	require.NoError(t, ev.Err)
	require.Equal(t, 2, s2.Len())

	it := s2.Items()[0]
	assert.Equal(t, 16, it.BitDepth)
	assert.False(t, it.HasEV)
	assert.NotNil(t, it.Thumbnail)
	assert.InDelta(t, 0.4, it.Frame.Chans[1].Get(3, 3), 1.0/65535.0)
	assert.Len(t, s2.FilesWithoutExif(), 2)
}

func TestFileLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.tif")
	require.NoError(t, os.WriteFile(junk, []byte("not a tiff"), 0644))

	_, err := FileLoader{}.Load(context.Background(), junk)
	assert.Error(t, err)

	_, err = FileLoader{}.Load(context.Background(), filepath.Join(dir, "x.bmp"))
	assert.Error(t, err)

	unsupported := filepath.Join(dir, "x.bmp")
	require.NoError(t, os.WriteFile(unsupported, []byte("BM"), 0644))
	_, err = FileLoader{}.Load(context.Background(), unsupported)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExposureValue(t *testing.T) {
	ev := ExposureValue{ISO: 100, FNumber: rat64{10, 10}, ExposureTime: rat64{1, 1}}
	require.NoError(t, ev.Validate())
	assert.InDelta(t, 10000.0/12.07488, ev.AverageLuminance(), 1e-9)

	// one stop more exposure time is +1 EV
	ev2 := ev
	ev2.ExposureTime = rat64{2, 1}
	assert.InDelta(t, 1.0, ev2.EV() - ev.EV(), 1e-9)

	assert.Error(t, (&ExposureValue{}).Validate())
	assert.False(t, ExposureValue{}.Known())
}

var errFlush = errors.New("flush failed")

type closeFails struct {
	bytes.Buffer
	closed bool
}

func (cf *closeFails)Close() error { cf.closed = true; return errFlush }

func TestSaveTIFFReportsCloseError(t *testing.T) {
	cf := &closeFails{}
	err := encodeTIFF(cf, frame.New(4, 4))
	assert.ErrorIs(t, err, errFlush)
	assert.True(t, cf.closed)
	assert.Greater(t, cf.Len(), 0)

	assert.Error(t, SaveTIFF(filepath.Join(t.TempDir(), "no-such-dir", "x.tif"), frame.New(4, 4)))
}
