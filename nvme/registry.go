package nvme

import (
	"sync"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/ctrl"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
)

// controllerEntry is one row of the process-wide registry: a bring-up
// result plus a refcount of open namespace handles.
type controllerEntry struct {
	c        *ctrl.Controller
	metrics  *Metrics
	refcount int
}

// registry is the table of (bdf -> controller), with no fixed capacity
// on the number of entries, serialized by a
// single short-critical-section mutex held only across lookup/insert and
// the initial attach. Per-controller work (submit, poll, close teardown)
// proceeds without holding mu.
type registry struct {
	mu      sync.Mutex
	entries map[string]*controllerEntry
}

var globalRegistry = &registry{entries: make(map[string]*controllerEntry)}

// openOrAttach returns the existing controller entry for bdf, incrementing
// its refcount, or attaches a new one if this is the first open. attachFn
// is called with the registry mutex held, matching the "serialize lookup
// and initial attach" contract; it must not itself touch the registry.
func (r *registry) openOrAttach(bdf string, attachFn func() (*ctrl.Controller, error)) (*controllerEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[bdf]; ok {
		e.refcount++
		return e, false, nil
	}

	c, err := attachFn()
	if err != nil {
		return nil, false, err
	}
	e := &controllerEntry{c: c, metrics: NewMetrics(nowUnixNano()), refcount: 1}
	r.entries[bdf] = e
	return e, true, nil
}

// release decrements bdf's refcount and, if it reaches zero, removes the
// entry from the table and returns true (the caller must then tear down
// the controller outside the registry lock).
func (r *registry) release(bdf string) (*controllerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[bdf]
	if !ok {
		return nil, false
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(r.entries, bdf)
		return e, true
	}
	return e, false
}

// count returns the current refcount for bdf, or 0 if not open. Exposed
// for tests exercising the refcounted-open property.
func (r *registry) count(bdf string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[bdf]; ok {
		return e.refcount
	}
	return 0
}

// containerFactory lets callers (and tests) control what IOMMU container
// backs a given BDF; production code wires a real iommu.VFIOContainer,
// tests wire internal/simctrl's simulated one.
type containerFactory func(bdf string) (iommu.Container, error)
