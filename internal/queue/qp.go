// Package queue implements the driver's I/O queue-pair engine, the
// per-I/O descriptor engine, and the fragmentation of oversize transfers
// into chained sub-commands.
//
// The slot table, guarded by one mutex per queue pair, generalizes a per-tag state machine from
// "one tag, one in-flight command" into "one slot, one descriptor's
// current sub-command, with a free-list."
package queue

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/dma"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/nvmewire"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/regs"
)

const (
	sqeSize = 64
	cqeSize = 16
)

// cidSlotBits is the number of low bits of cid reserved for the slot
// index; the remaining high bits carry qid.
const cidSlotBits = 12

func packCID(qid, slot uint16) uint16 {
	return (qid << cidSlotBits) | (slot & (1<<cidSlotBits - 1))
}

func unpackCID(cid uint16) (qid, slot uint16) {
	return cid >> cidSlotBits, cid & (1<<cidSlotBits - 1)
}

// Event is one reaped completion, routed by (qid implied by the owning
// QueuePair, slot).
type Event struct {
	Slot   uint16
	Status uint16
	DW0    uint32
	Desc   *Descriptor
}

// QueuePair is one submission/completion ring pair plus the slot and
// descriptor pools it owns.
type QueuePair struct {
	QID   uint16
	Depth uint16 // qsize

	win    *regs.Window
	dstrd  uint32
	arena  *dma.Arena

	sqBuf *dma.Buffer
	cqBuf *dma.Buffer

	mu        sync.Mutex
	sqTail    uint16
	cqHead    uint16
	phase     bool // expected phase bit; true initially
	freeSlots []uint16
	slotDesc  []*Descriptor // slotDesc[slot] != nil while a descriptor holds that slot

	prp *prpPool

	descriptors []Descriptor
	freeDescs   []uint16
}

// New allocates SQ/CQ ring buffers from arena, wraps them for regs access,
// and initializes the slot and descriptor free-lists. It does not register
// the queue with the controller; callers (internal/ctrl) issue the
// CREATE IO CQ / CREATE IO SQ admin commands separately and only then
// start submitting.
func New(qid uint16, depth uint16, win *regs.Window, dstrd uint32, arena *dma.Arena, pageSize int) (*QueuePair, error) {
	if depth < 2 {
		return nil, errors.Errorf("queue: depth must be >= 2, got %d", depth)
	}
	sqBuf, err := arena.Alloc(int(depth) * sqeSize)
	if err != nil {
		return nil, errors.Wrap(err, "queue: allocating SQ ring")
	}
	cqBuf, err := arena.Alloc(int(depth) * cqeSize)
	if err != nil {
		arena.Free(sqBuf)
		return nil, errors.Wrap(err, "queue: allocating CQ ring")
	}

	maxIOPQ := int(depth) - 1
	prp, err := newPRPPool(arena, pageSize, maxIOPQ)
	if err != nil {
		arena.Free(sqBuf)
		arena.Free(cqBuf)
		return nil, err
	}

	qp := &QueuePair{
		QID:         qid,
		Depth:       depth,
		win:         win,
		dstrd:       dstrd,
		arena:       arena,
		sqBuf:       sqBuf,
		cqBuf:       cqBuf,
		phase:       true,
		freeSlots:   make([]uint16, maxIOPQ),
		slotDesc:    make([]*Descriptor, maxIOPQ),
		prp:         prp,
		descriptors: make([]Descriptor, maxIOPQ),
		freeDescs:   make([]uint16, maxIOPQ),
	}
	for i := 0; i < maxIOPQ; i++ {
		qp.freeSlots[i] = uint16(i)
		qp.freeDescs[i] = uint16(i)
	}
	return qp, nil
}

// SQIOVA returns the IOVA of the submission ring, for CREATE IO SQ.
func (qp *QueuePair) SQIOVA() uint64 { return qp.sqBuf.IOVA }

// CQIOVA returns the IOVA of the completion ring, for CREATE IO CQ.
func (qp *QueuePair) CQIOVA() uint64 { return qp.cqBuf.IOVA }

// MaxIOPQ returns the descriptor/slot pool size (qsize - 1).
func (qp *QueuePair) MaxIOPQ() int { return len(qp.freeSlots) }

// Outstanding returns the number of descriptors currently allocated
// (submitted but not yet polled to a terminal state).
func (qp *QueuePair) Outstanding() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return len(qp.descriptors) - len(qp.freeDescs)
}

// allocSlot pops a free slot, failing with out-of-resource if the queue is
// saturated.
func (qp *QueuePair) allocSlot() (uint16, error) {
	if len(qp.freeSlots) == 0 {
		return 0, errOutOfResource("queue full")
	}
	n := len(qp.freeSlots) - 1
	slot := qp.freeSlots[n]
	qp.freeSlots = qp.freeSlots[:n]
	return slot, nil
}

func (qp *QueuePair) freeSlot(slot uint16) {
	qp.slotDesc[slot] = nil
	qp.freeSlots = append(qp.freeSlots, slot)
}

// submitLocked writes sqe into the next tail position, advances the ring,
// and rings the doorbell. Caller must hold qp.mu.
func (qp *QueuePair) submitLocked(slot uint16, sqe nvmewire.SQE, d *Descriptor) error {
	off := int(qp.sqTail) * sqeSize
	nvmewire.MarshalSQE(&sqe, qp.sqBuf.Virt[off:off+sqeSize])
	regs.Sfence()

	qp.slotDesc[slot] = d
	qp.sqTail = (qp.sqTail + 1) % qp.Depth
	qp.win.RingDoorbell(qp.QID, false, qp.dstrd, uint32(qp.sqTail))
	return nil
}

// Submit takes the next free slot, stamps cid, writes the SQE, and rings
// the doorbell. The returned slot is valid until its completion is reaped.
func (qp *QueuePair) Submit(sqe nvmewire.SQE, d *Descriptor) (uint16, error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	slot, err := qp.allocSlot()
	if err != nil {
		return 0, err
	}
	sqe.CDW0 = (sqe.CDW0 &^ 0xffff0000) | (uint32(packCID(qp.QID, slot)) << 16)
	if err := qp.submitLocked(slot, sqe, d); err != nil {
		qp.freeSlot(slot)
		return 0, err
	}
	return slot, nil
}

// Reap drains the completion ring from head while the phase bit matches
// the expected phase, freeing slots and returning one Event per completion
// found. It rings the completion doorbell once at the end if it made any
// progress.
func (qp *QueuePair) Reap() []Event {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	var events []Event
	progressed := false
	for {
		off := int(qp.cqHead) * cqeSize
		cqe := nvmewire.UnmarshalCQE(qp.cqBuf.Virt[off : off+cqeSize])
		if cqe.Phase() != qp.phase {
			break
		}
		_, slot := unpackCID(cqe.CID)
		d := qp.slotDesc[slot]
		events = append(events, Event{Slot: slot, Status: cqe.Status, DW0: cqe.DW0, Desc: d})

		qp.freeSlot(slot)

		qp.cqHead++
		if qp.cqHead == qp.Depth {
			qp.cqHead = 0
			qp.phase = !qp.phase
		}
		progressed = true
	}
	if progressed {
		qp.win.RingDoorbell(qp.QID, true, qp.dstrd, uint32(qp.cqHead))
	}
	return events
}

// Close releases the ring buffers and PRP pool back to the arena. The
// caller must have already issued DELETE IO SQ/CQ if this is an I/O queue.
func (qp *QueuePair) Close() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	qp.prp.close()
	if err := qp.arena.Free(qp.sqBuf); err != nil {
		return fmt.Errorf("queue: freeing SQ ring: %w", err)
	}
	if err := qp.arena.Free(qp.cqBuf); err != nil {
		return fmt.Errorf("queue: freeing CQ ring: %w", err)
	}
	return nil
}

// errOutOfResource is a sentinel-shaped error the root nvme package maps
// to ErrCode's out-of-resource category without an import cycle.
type errOutOfResource string

func (e errOutOfResource) Error() string { return "queue: out-of-resource: " + string(e) }
