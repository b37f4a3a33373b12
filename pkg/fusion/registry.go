package fusion

import(
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/abworrall/deghost-hdr/pkg/exposure"
	"github.com/abworrall/deghost-hdr/pkg/frame"
	"github.com/abworrall/deghost-hdr/pkg/radiometry"
)

var(
	ErrUnknownOperator  = errors.New("unknown fusion operator")
	ErrTooFewExposures  = errors.New("need at least two exposures")
)

type Kind string

const(
	Debevec       Kind = "debevec"
	Robertson     Kind = "robertson"
	RobertsonAuto Kind = "robertson-auto"
)

// An Operator merges a stack of exposures into one radiance frame. It
// returns the response curve it used, which for a self-calibrating
// operator is the one it fitted.
type Operator interface {
	Fuse(ctx context.Context, model *radiometry.Model, items []*exposure.Item, evOffset float64) (*frame.Frame, *radiometry.ResponseCurve, error)
}

// A Descriptor says how to build an operator, and what the scheduler
// needs to know about running it.
type Descriptor struct {
	Kind        Kind
	Description string
	New         func(workers int) Operator

	// Exclusive operators carry state from one run to the next. The
	// registry builds one on first use, keeps it, and never runs it
	// twice at once.
	Exclusive   bool
}

// A Registry maps operator kinds to descriptors. Build one with
// NewRegistry and pass it to whatever needs to run operators.
type Registry struct {
	descriptors map[Kind]Descriptor
	exclusive   map[Kind]*sharedOperator
}

type sharedOperator struct {
	mu sync.Mutex
	op Operator
}

func NewEmptyRegistry() *Registry {
	return &Registry{
		descriptors: map[Kind]Descriptor{},
		exclusive:   map[Kind]*sharedOperator{},
	}
}

// NewRegistry returns a registry holding the standard operators.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	r.Register(Descriptor{
		Kind:        Debevec,
		Description: "weighted average of linearized exposures",
		New:         func(workers int) Operator { return mergeOperator{workers: workers, weighting: debevecWeighting} },
	})
	r.Register(Descriptor{
		Kind:        Robertson,
		Description: "maximum likelihood merge, weights scaled by exposure squared",
		New:         func(workers int) Operator { return mergeOperator{workers: workers, weighting: robertsonWeighting} },
	})
	r.Register(Descriptor{
		Kind:        RobertsonAuto,
		Description: "fits the response curve from the exposures, then merges as robertson",
		New:         func(workers int) Operator { return &autoCalibrator{workers: workers} },
		Exclusive:   true,
	})
	return r
}

// Register adds or replaces a descriptor. Registration is not safe to
// do concurrently with Run; set up the registry first.
func (r *Registry)Register(d Descriptor) {
	r.descriptors[d.Kind] = d
	if d.Exclusive {
		r.exclusive[d.Kind] = &sharedOperator{}
	} else {
		delete(r.exclusive, d.Kind)
	}
}

func (r *Registry)Lookup(k Kind) (Descriptor, error) {
	d, ok := r.descriptors[k]
	if !ok {
		return Descriptor{}, fmt.Errorf("'%s' (have %s): %w", k, r.List(), ErrUnknownOperator)
	}
	return d, nil
}

func (r *Registry)List() string {
	kinds := []string{}
	for k := range r.descriptors {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ",")
}

// Run fuses with an operator of the given kind. Non-exclusive kinds get a
// fresh operator each call; an exclusive kind reuses the one it built on
// first use (with that call's workers), and calls are serialized.
func (r *Registry)Run(ctx context.Context, k Kind, workers int, model *radiometry.Model, items []*exposure.Item, evOffset float64) (*frame.Frame, *radiometry.ResponseCurve, error) {
	d, err := r.Lookup(k)
	if err != nil {
		return nil, nil, err
	}

	if so := r.exclusive[k]; so != nil {
		so.mu.Lock()
		defer so.mu.Unlock()
		if so.op == nil {
			so.op = d.New(workers)
		}
		return so.op.Fuse(ctx, model, items, evOffset)
	}

	return d.New(workers).Fuse(ctx, model, items, evOffset)
}
