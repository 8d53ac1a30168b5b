package queue

import (
	"sync"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/dma"
)

// StatusKind is one of the three states a descriptor can be in.
type StatusKind int

const (
	StatusPending StatusKind = iota
	StatusDone
	StatusError
)

// Status is a descriptor's poll-visible state: pending(k) is represented
// by Kind == StatusPending with Descriptor.Pending == k.
type Status struct {
	Kind       StatusKind
	NVMeStatus uint16 // raw CQE status (type<<9 | code<<1 | phase), valid when Kind == StatusError
}

// Descriptor is the async-I/O handle: which slot it currently occupies,
// its PRP-list page, and its place in the chain of an oversize transfer.
type Descriptor struct {
	qp    *QueuePair
	index uint16 // position in qp.descriptors / qp.prp
	inUse bool

	NSID         uint32
	Write        bool
	SLBA         uint64
	RemainingNLB uint32
	BufOff       int
	Buf          *dma.Buffer
	MaxBPIO      uint32
	BlockSize    uint32

	Pending int
	Status  Status
	LastDW0 uint32 // command-specific DW0 of the most recent completion

	mu sync.Mutex
}

// allocateDescriptor pops a free descriptor slot, failing with
// out-of-resource if the pool (sized maxiopq) is exhausted.
func (qp *QueuePair) allocateDescriptor() (*Descriptor, error) {
	qp.mu.Lock()
	if len(qp.freeDescs) == 0 {
		qp.mu.Unlock()
		return nil, errOutOfResource("descriptor pool exhausted")
	}
	n := len(qp.freeDescs) - 1
	idx := qp.freeDescs[n]
	qp.freeDescs = qp.freeDescs[:n]
	qp.mu.Unlock()

	d := &qp.descriptors[idx]
	*d = Descriptor{qp: qp, index: idx, inUse: true}
	return d, nil
}

func (qp *QueuePair) releaseDescriptor(d *Descriptor) {
	d.inUse = false
	qp.mu.Lock()
	qp.freeDescs = append(qp.freeDescs, d.index)
	qp.mu.Unlock()
}

// Poll returns the descriptor's current status without blocking; callers
// combine this with QueuePair.PumpCompletions to make progress.
func (d *Descriptor) Poll() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Status
}
