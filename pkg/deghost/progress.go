package deghost

import(
	"context"
	"sync"
)

// Progress is told how far a solve has got, and asked whether it should
// stop. Implementations need not be safe for concurrent use; the solver
// never calls them from more than one goroutine at a time.
type Progress interface {
	SetRange(min, max int)
	SetValue(v int)
	Canceled() bool
}

type NopProgress struct{}

func (NopProgress)SetRange(min, max int) {}
func (NopProgress)SetValue(v int)        {}
func (NopProgress)Canceled() bool        { return false }

// ContextProgress is canceled when its context is, and passes values on
// to OnValue if set.
type ContextProgress struct {
	Ctx     context.Context
	OnValue func(int)
}

func (cp ContextProgress)SetRange(min, max int) {}

func (cp ContextProgress)SetValue(v int) {
	if cp.OnValue != nil {
		cp.OnValue(v)
	}
}

func (cp ContextProgress)Canceled() bool {
	return cp.Ctx != nil && cp.Ctx.Err() != nil
}

// Percentages reported as the solve proceeds. The fusion rebuild that
// precedes a solve accounts for the first 20%.
const(
	ProgressFused = 20
	ProgressDone  = 100
)

var(
	solveMarks = []int{60, 76, 93}
	expMarks   = []int{94, 95, 96}
)

// tracker serializes the channel goroutines' reports onto a Progress,
// and never lets the reported value go backwards.
type tracker struct {
	mu     sync.Mutex
	p      Progress
	solves int
	exps   int
	last   int
}

func (t *tracker)set(v int) {
	if v > t.last {
		t.last = v
	}
	t.p.SetValue(t.last)
}

func (t *tracker)start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.SetRange(0, ProgressDone)
	t.set(ProgressFused)
}

// solved records one channel's Poisson solve, and says if we're done for
func (t *tracker)solved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set(solveMarks[t.solves])
	t.solves++
	return t.p.Canceled()
}

func (t *tracker)exponentiated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set(expMarks[t.exps])
	t.exps++
	return t.p.Canceled()
}

func (t *tracker)canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.Canceled()
}

func (t *tracker)done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set(ProgressDone)
}
