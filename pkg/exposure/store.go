package exposure

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

var(
	ErrSizeMismatch = errors.New("exposures differ in size")
	ErrLoadAborted  = errors.New("load aborted")
	ErrLoadFailed   = errors.New("load failed")
	ErrNoSuchItem   = errors.New("no such exposure")
)

// A LoadError names the file whose load failed the batch.
type LoadError struct {
	Filename string
	Err      error
}

func (e *LoadError)Error() string { return fmt.Sprintf("loading %s: %v", e.Filename, e.Err) }
func (e *LoadError)Unwrap() []error { return []error{ErrLoadFailed, e.Err} }

type EventKind int

const(
	EventLoaded EventKind = iota
	EventFailed
	EventAborted
)

func (k EventKind)String() string {
	switch k {
	case EventLoaded:  return "loaded"
	case EventFailed:  return "failed"
	case EventAborted: return "aborted"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// A LoadEvent is the outcome of one load batch.
type LoadEvent struct {
	Kind     EventKind
	Added  []*Item     // in the order they finished loading
	Skipped  []string  // already loaded, or repeated in the request
	Dropped  []string  // loaded, but not valid
	Err      error     // nil iff Kind == EventLoaded
}

// A LoadBatch is a handle on an in-flight load.
type LoadBatch struct {
	done   chan struct{}
	cancel context.CancelFunc
	event  LoadEvent
}

// Done is closed once the batch has settled, one way or another.
func (b *LoadBatch)Done() <-chan struct{} { return b.done }

// Cancel aborts the batch, if it hasn't already settled. Items already
// in the store are not affected.
func (b *LoadBatch)Cancel() { b.cancel() }

// Wait blocks until the batch settles, and returns its outcome.
func (b *LoadBatch)Wait() LoadEvent {
	<-b.done
	return b.event
}

// Store is the ordered set of loaded exposures. Loads run in the
// background, one batch at a time; the items are only changed once a
// batch has fully settled.
type Store struct {
	Loader    Loader
	Workers   int  // max concurrent decodes; 0 means one per CPU
	Verbosity int

	batchMu   sync.Mutex  // held for the life of a batch, serializes them

	mu        sync.Mutex  // guards everything below
	items   []*Item
	evOffset  float64
	inflight  map[*LoadBatch]struct{}
}

func NewStore(loader Loader) *Store {
	return &Store{
		Loader:   loader,
		inflight: map[*LoadBatch]struct{}{},
	}
}

func (s *Store)String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	str := fmt.Sprintf("Store[%d items, EV offset %.2f] [\n", len(s.items), s.evOffset)
	for _, it := range s.items {
		str += fmt.Sprintf("  %s\n", it)
	}
	return str + "]\n"
}

// Items returns the current items. The slice is a copy, the items are not.
func (s *Store)Items() []*Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Item{}, s.items...)
}

func (s *Store)Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store)EVOffset() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evOffset
}

// Load starts loading the paths in the background. Paths already in the
// store, or repeated within paths, are skipped. If another batch is in
// flight, this one waits for it to settle first.
func (s *Store)Load(ctx context.Context, paths ...string) *LoadBatch {
	ctx, cancel := context.WithCancel(ctx)
	b := &LoadBatch{done: make(chan struct{}), cancel: cancel}

	s.mu.Lock()
	if s.inflight == nil { s.inflight = map[*LoadBatch]struct{}{} }
	s.inflight[b] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(b.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, b)
			s.mu.Unlock()
		}()

		s.batchMu.Lock()
		defer s.batchMu.Unlock()

		b.event = s.runBatch(ctx, paths)
		if s.Verbosity > 0 {
			log.Printf("load batch %s: %d added, %d skipped, %d dropped (err=%v)\n",
				b.event.Kind, len(b.event.Added), len(b.event.Skipped), len(b.event.Dropped), b.event.Err)
		}
	}()

	return b
}

func (s *Store)runBatch(ctx context.Context, paths []string) LoadEvent {
	ev := LoadEvent{}

	// Earlier batches have all settled by now, so the store is stable
	s.mu.Lock()
	seen := map[string]bool{}
	for _, it := range s.items {
		seen[it.Filename] = true
	}
	s.mu.Unlock()

	todo := []string{}
	for _, p := range paths {
		if seen[p] {
			ev.Skipped = append(ev.Skipped, p)
			continue
		}
		seen[p] = true
		todo = append(todo, p)
	}

	if ctx.Err() != nil {
		ev.Kind, ev.Err = EventAborted, ErrLoadAborted
		return ev
	}

	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	// Workers push into the channel as they finish, so it fills in
	// completion order.
	results := make(chan *Item, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, p := range todo {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			it, err := s.Loader.Load(gctx, p)
			if err != nil {
				return &LoadError{Filename: p, Err: err}
			}
			results<- it
			return nil
		})
	}
	err := g.Wait()
	close(results)

	if ctx.Err() != nil {
		ev.Kind, ev.Err = EventAborted, ErrLoadAborted
		return ev
	} else if err != nil {
		ev.Kind, ev.Err = EventFailed, err
		return ev
	}

	for it := range results {
		if it == nil || !it.Valid {
			name := "<nil>"
			if it != nil { name = it.Filename }
			ev.Dropped = append(ev.Dropped, name)
			continue
		}
		ev.Added = append(ev.Added, it)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, ev.Added...)
	s.refreshEVOffset()

	if err := s.checkGeometry(); err != nil {
		s.items = nil
		s.evOffset = 0
		ev.Kind, ev.Err = EventFailed, err
		return ev
	}

	ev.Kind = EventLoaded
	return ev
}

// checkGeometry requires s.mu
func (s *Store)checkGeometry() error {
	for i:=1; i<len(s.items); i++ {
		if !s.items[i].Frame.SameGeometry(s.items[0].Frame) {
			return fmt.Errorf("%s is %dx%d, %s is %dx%d: %w",
				filepath.Base(s.items[0].Filename), s.items[0].Width(), s.items[0].Height(),
				filepath.Base(s.items[i].Filename), s.items[i].Width(), s.items[i].Height(),
				ErrSizeMismatch)
		}
	}
	return nil
}

// refreshEVOffset requires s.mu
func (s *Store)refreshEVOffset() {
	evs := []float64{}
	for _, it := range s.items {
		if it.HasEV {
			evs = append(evs, it.EV)
		}
	}
	s.evOffset = MedianEV(evs)
}

// MedianEV sorts the EVs and takes the middle one; for an even count,
// the lower of the two middle ones. No EVs gives 0.
func MedianEV(evs []float64) float64 {
	if len(evs) == 0 {
		return 0.0
	}
	sorted := append([]float64{}, evs...)
	sort.Float64s(sorted)
	return sorted[(len(sorted)+1)/2 - 1]
}

func (s *Store)Remove(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.items) {
		return fmt.Errorf("remove %d of %d: %w", i, len(s.items), ErrNoSuchItem)
	}
	s.items = append(s.items[:i:i], s.items[i+1:]...)
	s.refreshEVOffset()
	return nil
}

// Reset aborts any loads still in flight, waits for them to settle, and
// then empties the store.
func (s *Store)Reset() {
	s.mu.Lock()
	pending := []*LoadBatch{}
	for b := range s.inflight {
		pending = append(pending, b)
	}
	s.mu.Unlock()

	for _, b := range pending {
		b.Cancel()
	}
	for _, b := range pending {
		<-b.Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.evOffset = 0
}

// Replace swaps in a new set of items, e.g. after an external aligner
// has rewritten them. They must all share one geometry.
func (s *Store)Replace(items []*Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.items
	s.items = append([]*Item{}, items...)
	if err := s.checkGeometry(); err != nil {
		s.items = old
		return err
	}
	s.refreshEVOffset()
	return nil
}

// ApplyShifts moves each item's pixels by its offset. The items are
// replaced with shifted copies; anyone still holding the old ones sees
// the unshifted pixels.
func (s *Store)ApplyShifts(offsets []image.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(offsets) != len(s.items) {
		return fmt.Errorf("%d offsets for %d exposures: %w", len(offsets), len(s.items), ErrNoSuchItem)
	}

	shifted := make([]*Item, len(s.items))
	var wg sync.WaitGroup
	for i := range s.items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shifted[i] = s.items[i].Shift(offsets[i].X, offsets[i].Y)
		}(i)
	}
	wg.Wait()

	s.items = shifted
	return nil
}

// Crop cuts every item down to r.
func (s *Store)Crop(r image.Rectangle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cropped := make([]*Item, len(s.items))
	for i, it := range s.items {
		c, err := it.Crop(r)
		if err != nil {
			return err
		}
		cropped[i] = c
	}
	s.items = cropped
	return nil
}

// SaveImages writes every item out as <prefix>_<n>.tif, and returns the
// filenames.
func (s *Store)SaveImages(prefix string) ([]string, error) {
	items := s.Items()
	filenames := []string{}
	for i, it := range items {
		filename := fmt.Sprintf("%s_%d.tif", prefix, i)
		if err := SaveTIFF(filename, it.Frame); err != nil {
			return filenames, fmt.Errorf("save %s: %w", it.Base(), err)
		}
		filenames = append(filenames, filename)
	}
	return filenames, nil
}

// SetEV supplies the EV for an item by hand, typically one that had no
// EXIF data.
func (s *Store)SetEV(filename string, ev float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it.Filename == filename {
			it2 := *it
			it2.SetEV(ev)
			s.items[i] = &it2
			s.refreshEVOffset()
			return nil
		}
	}
	return fmt.Errorf("set EV of '%s': %w", filename, ErrNoSuchItem)
}

// FilesWithoutExif lists the items whose EV is unknown.
func (s *Store)FilesWithoutExif() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := []string{}
	for _, it := range s.items {
		if !it.HasEV {
			ret = append(ret, it.Filename)
		}
	}
	return ret
}
