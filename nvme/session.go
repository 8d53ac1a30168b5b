package nvme

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/constants"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/ctrl"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/dma"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/logging"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/queue"
)

// Buffer is a DMA-mapped allocation returned by Alloc and consumed by
// ARead/AWrite.
type Buffer = dma.Buffer

// Namespace is the public handle returned by Open: a logical block device
// on a controller, with its own independent lifetime (Close) even when
// another namespace handle shares the same underlying controller.
type Namespace struct {
	bdf     string
	nsid    uint32
	ctrl    *ctrl.Controller
	entry   *controllerEntry
	qcount  uint16
	maxbpio uint32
	closed  bool
}

func nowUnixNano() int64 { return time.Now().UnixNano() }

// Open binds bdf (idempotent: a second Open of the same bdf returns a new
// namespace handle sharing the existing controller and bumps its
// refcount). qsize==1 fails with invalid-argument before any attach work.
// For a fresh bdf, a qcount>0 request the device cannot grant fails with
// out-of-resource during controller bring-up, at queue-count negotiation.
func Open(bdf string, params OpenParams, opts OpenOptions) (*Namespace, error) {
	if params.QSize == 1 {
		return nil, newError("Open", bdf, -1, ErrCodeInvalidArgument, "qsize == 1 is rejected (depth must allow at least one outstanding)")
	}
	nsid := params.NSID
	if nsid == 0 {
		nsid = 1
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	factory := opts.Container
	if factory == nil {
		factory = defaultContainerFactory(log)
	}

	attachFn := func() (*ctrl.Controller, error) {
		container, err := factory(bdf)
		if err != nil {
			return nil, fmt.Errorf("nvme: container factory for %s: %w", bdf, err)
		}
		return ctrl.Attach(bdf, container, ctrl.Params{
			NSID:   nsid,
			QCount: params.QCount,
			QSize:  params.QSize,
		}, log)
	}

	entry, _, err := globalRegistry.openOrAttach(bdf, attachFn)
	if err != nil {
		return nil, wrapInternal("Open", bdf, -1, err)
	}

	maxTransferBytes := uint64(1) << entry.c.Identity.MDTS * uint64(constants.DefaultPageSize)
	maxbpio := uint32(1)
	if entry.c.Identity.BlockSize > 0 {
		maxbpio = uint32(maxTransferBytes / uint64(entry.c.Identity.BlockSize))
		if maxbpio == 0 {
			maxbpio = 1
		}
	}

	ns := &Namespace{
		bdf:     bdf,
		nsid:    nsid,
		ctrl:    entry.c,
		entry:   entry,
		qcount:  uint16(len(entry.c.IOQPs)),
		maxbpio: maxbpio,
	}
	return ns, nil
}

// Close decrements bdf's refcount; the last handle to close drains every
// I/O queue pair (concurrently, bounded by constants.CloseDrainTimeout),
// then tears down the controller.
func (ns *Namespace) Close() error {
	if ns.closed {
		return nil
	}
	ns.closed = true

	entry, last := globalRegistry.release(ns.bdf)
	if entry == nil {
		return nil
	}
	if !last {
		return nil
	}

	g := new(errgroup.Group)
	deadline := time.Now().Add(constants.CloseDrainTimeout)
	for _, qp := range entry.c.IOQPs {
		qp := qp
		g.Go(func() error {
			for qp.Outstanding() > 0 {
				qp.PumpCompletions()
				if time.Now().After(deadline) {
					return newError("Close", ns.bdf, int(qp.QID), ErrCodeDeviceTimeout, "queue pair did not drain before close")
				}
				runtime.Gosched()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.Default().Warn("close: proceeding with teardown despite drain timeout", "bdf", ns.bdf, "err", err)
	}

	return wrapInternal("Close", ns.bdf, -1, entry.c.Detach())
}

// Alloc returns a DMA-mapped buffer of at least size bytes, drawn from
// this namespace's controller's arena.
func (ns *Namespace) Alloc(size int) (*Buffer, error) {
	buf, err := ns.ctrl.Arena.Alloc(size)
	if err != nil {
		return nil, newError("Alloc", ns.bdf, -1, ErrCodeOutOfResource, err.Error())
	}
	return buf, nil
}

// Free returns buf to this namespace's controller's arena, failing with
// not-owned if buf was not produced by this controller's Alloc.
func (ns *Namespace) Free(buf *Buffer) error {
	if err := ns.ctrl.Arena.Free(buf); err != nil {
		return newError("Free", ns.bdf, -1, ErrCodeNotOwned, err.Error())
	}
	return nil
}

// Handle is the async-I/O handle returned by ARead/AWrite/AFlush: the
// descriptor plus the queue pair it was submitted on, so APoll knows which
// completion ring to drain.
type Handle struct {
	desc        *queue.Descriptor
	qp          *queue.QueuePair
	ns          *Namespace
	op          string // "read", "write", or "flush", for metrics
	bytes       uint64
	submittedAt int64 // UnixNano
}

func (ns *Namespace) resolveQP(qid int) (*queue.QueuePair, error) {
	if qid < 0 || qid >= int(ns.qcount) {
		return nil, newError("", ns.bdf, qid, ErrCodeInvalidArgument, "qid out of range")
	}
	return ns.ctrl.IOQPs[qid], nil
}

func (ns *Namespace) validateRange(slba uint64, nlb uint32) error {
	if nlb == 0 {
		return newError("", ns.bdf, -1, ErrCodeInvalidArgument, "nlb == 0")
	}
	if slba+uint64(nlb) > ns.ctrl.Identity.BlockCount {
		return newError("", ns.bdf, -1, ErrCodeInvalidArgument, "slba+nlb exceeds blockcount")
	}
	return nil
}

func (ns *Namespace) validateBuf(buf *Buffer) error {
	if buf == nil || !ns.ctrl.Arena.Owns(buf.Virt) {
		return newError("", ns.bdf, -1, ErrCodeInvalidArgument, "buffer not allocated from this controller")
	}
	return nil
}

// ARead submits an asynchronous READ of nlb blocks starting at slba into
// buf on queue index qid (0 <= qid < qcount, mapped to the corresponding
// I/O queue pair), returning a Handle to poll.
func (ns *Namespace) ARead(qid int, buf *Buffer, slba uint64, nlb uint32) (*Handle, error) {
	return ns.asubmit("ARead", qid, buf, slba, nlb, false)
}

// AWrite submits an asynchronous WRITE; see ARead.
func (ns *Namespace) AWrite(qid int, buf *Buffer, slba uint64, nlb uint32) (*Handle, error) {
	return ns.asubmit("AWrite", qid, buf, slba, nlb, true)
}

func (ns *Namespace) asubmit(op string, qid int, buf *Buffer, slba uint64, nlb uint32, write bool) (*Handle, error) {
	qp, err := ns.resolveQP(qid)
	if err != nil {
		return nil, err
	}
	if err := ns.validateRange(slba, nlb); err != nil {
		return nil, err
	}
	if err := ns.validateBuf(buf); err != nil {
		return nil, err
	}
	d, err := qp.SubmitChunked(write, ns.nsid, slba, nlb, buf, ns.maxbpio, ns.ctrl.Identity.BlockSize)
	if err != nil {
		return nil, wrapInternal(op, ns.bdf, qid, err)
	}
	metricsOp := "read"
	if write {
		metricsOp = "write"
	}
	return &Handle{
		desc:        d,
		qp:          qp,
		ns:          ns,
		op:          metricsOp,
		bytes:       uint64(nlb) * uint64(ns.ctrl.Identity.BlockSize),
		submittedAt: nowUnixNano(),
	}, nil
}

// AExtended submits the vendor "translate/extended" pass-through primitive:
// a write of the caller-supplied prefix block using vendorOpcode, chained
// into a read of nlb result blocks into result, on queue index qid. The
// opcode byte and the layout of prefix are sourced from the target
// device's own documentation; this driver neither defines nor interprets
// them, only chains the two phases through the same fragmentation engine
// ARead/AWrite use.
func (ns *Namespace) AExtended(qid int, vendorOpcode uint8, prefix, result *Buffer, slba uint64, nlb uint32) (*Handle, error) {
	qp, err := ns.resolveQP(qid)
	if err != nil {
		return nil, err
	}
	if err := ns.validateRange(slba, nlb); err != nil {
		return nil, err
	}
	if err := ns.validateBuf(prefix); err != nil {
		return nil, err
	}
	if err := ns.validateBuf(result); err != nil {
		return nil, err
	}
	d, err := qp.SubmitExtended(vendorOpcode, ns.nsid, slba, nlb, prefix, result, ns.maxbpio, ns.ctrl.Identity.BlockSize)
	if err != nil {
		return nil, wrapInternal("AExtended", ns.bdf, qid, err)
	}
	return &Handle{
		desc:        d,
		qp:          qp,
		ns:          ns,
		op:          "extended",
		bytes:       uint64(nlb) * uint64(ns.ctrl.Identity.BlockSize),
		submittedAt: nowUnixNano(),
	}, nil
}

// Extended is the synchronous wrapper for AExtended.
func (ns *Namespace) Extended(qid int, vendorOpcode uint8, prefix, result *Buffer, slba uint64, nlb uint32) error {
	h, err := ns.AExtended(qid, vendorOpcode, prefix, result, slba, nlb)
	if err != nil {
		return err
	}
	runtime.Gosched()
	return ns.APoll(h, constants.DefaultSyncPollTimeout)
}

// AFlush submits an asynchronous FLUSH on queue index qid.
func (ns *Namespace) AFlush(qid int) (*Handle, error) {
	qp, err := ns.resolveQP(qid)
	if err != nil {
		return nil, err
	}
	d, err := qp.SubmitFlush(ns.nsid)
	if err != nil {
		return nil, wrapInternal("AFlush", ns.bdf, qid, err)
	}
	return &Handle{desc: d, qp: qp, ns: ns, op: "flush", submittedAt: nowUnixNano()}, nil
}

// APoll waits up to timeout (wall-clock) for h to resolve, draining its
// queue pair's completions as it goes. timeout<=0 is a non-blocking probe.
// Returns nil on success, an *Error with ErrCodeDeviceTimeout if timeout
// elapsed first, or an *Error with ErrCodeNVMeStatus if the command
// completed with a non-zero status. The descriptor (and its slot) is only
// released in the success and error-completion cases, never on timeout.
func (ns *Namespace) APoll(h *Handle, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		h.qp.PumpCompletions()
		st := h.desc.Poll()
		switch st.Kind {
		case queue.StatusDone:
			ns.recordMetrics(h, true)
			return nil
		case queue.StatusError:
			ns.recordMetrics(h, false)
			return nvmeStatusError("APoll", ns.bdf, int(h.qp.QID), st.NVMeStatus)
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return newError("APoll", ns.bdf, int(h.qp.QID), ErrCodeDeviceTimeout, "poll timed out")
		}
		time.Sleep(constants.ResetPollInterval)
	}
}

func (ns *Namespace) recordMetrics(h *Handle, success bool) {
	latency := uint64(nowUnixNano() - h.submittedAt)
	switch h.op {
	case "read":
		ns.entry.metrics.RecordRead(h.bytes, latency, success)
	case "write":
		ns.entry.metrics.RecordWrite(h.bytes, latency, success)
	case "flush":
		ns.entry.metrics.RecordFlush(latency, success)
	case "extended":
		ns.entry.metrics.RecordRead(h.bytes, latency, success)
	}
}

// Read is the synchronous wrapper: submit, yield, then poll with a long
// internal timeout.
func (ns *Namespace) Read(qid int, buf *Buffer, slba uint64, nlb uint32) error {
	h, err := ns.ARead(qid, buf, slba, nlb)
	if err != nil {
		return err
	}
	runtime.Gosched()
	return ns.APoll(h, constants.DefaultSyncPollTimeout)
}

// Write is the synchronous wrapper for AWrite.
func (ns *Namespace) Write(qid int, buf *Buffer, slba uint64, nlb uint32) error {
	h, err := ns.AWrite(qid, buf, slba, nlb)
	if err != nil {
		return err
	}
	runtime.Gosched()
	return ns.APoll(h, constants.DefaultSyncPollTimeout)
}

// Flush is the synchronous wrapper for AFlush.
func (ns *Namespace) Flush(qid int) error {
	h, err := ns.AFlush(qid)
	if err != nil {
		return err
	}
	runtime.Gosched()
	return ns.APoll(h, constants.DefaultSyncPollTimeout)
}

// Metrics returns the shared metrics instance for this namespace's
// controller (shared across every namespace handle open on the same bdf).
func (ns *Namespace) Metrics() *Metrics {
	return ns.entry.metrics
}

// BlockCount, BlockSize, QueueCount expose namespace shape to callers
// (e.g. cmd/unvme-bench) without reaching into internal/ctrl directly.
func (ns *Namespace) BlockCount() uint64 { return ns.ctrl.Identity.BlockCount }
func (ns *Namespace) BlockSize() uint32  { return ns.ctrl.Identity.BlockSize }
func (ns *Namespace) QueueCount() int    { return int(ns.qcount) }
func (ns *Namespace) MaxBlocksPerIO() uint32 { return ns.maxbpio }
