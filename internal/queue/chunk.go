package queue

import (
	"encoding/binary"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/dma"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/nvmewire"
)

// pageSize is the length of the queue pair's PRP-list pages (one arena
// page); SubmitChunked needs it to decide when a transfer needs a PRP-list
// page rather than a bare PRP2.
func (qp *QueuePair) pageSize() int {
	return len(qp.prp.pages[0].Virt)
}

// SubmitChunked splits a transfer whose length exceeds maxbpio into
// ceil(nlb/maxbpio) sub-commands sharing one descriptor. Only the first
// sub-command is submitted here; later ones are submitted serially as each
// prior one completes (see PumpCompletions), since a descriptor only ever
// occupies one slot at a time.
func (qp *QueuePair) SubmitChunked(write bool, nsid uint32, slba uint64, nlb uint32, buf *dma.Buffer, maxbpio, blockSize uint32) (*Descriptor, error) {
	d, err := qp.allocateDescriptor()
	if err != nil {
		return nil, err
	}

	d.NSID = nsid
	d.Write = write
	d.SLBA = slba
	d.RemainingNLB = nlb
	d.BufOff = 0
	d.Buf = buf
	d.MaxBPIO = maxbpio
	d.BlockSize = blockSize
	d.Pending = int((nlb + maxbpio - 1) / maxbpio)
	d.Status = Status{Kind: StatusPending}

	if err := qp.submitNextChunk(d); err != nil {
		qp.releaseDescriptor(d)
		return nil, err
	}
	return d, nil
}

// submitNextChunk builds and submits the SQE for the next unsent span of
// d's transfer.
func (qp *QueuePair) submitNextChunk(d *Descriptor) error {
	thisNLB := d.RemainingNLB
	if thisNLB > d.MaxBPIO {
		thisNLB = d.MaxBPIO
	}
	dataLen := int(thisNLB) * int(d.BlockSize)
	dataIOVA := d.Buf.IOVA + uint64(d.BufOff)

	prp1, prp2 := qp.buildPRP(d.index, dataIOVA, dataLen)
	sqe := nvmewire.BuildReadWrite(0, d.NSID, d.Write, d.SLBA, uint16(thisNLB), prp1, prp2)

	slot, err := qp.Submit(sqe, d)
	if err != nil {
		return err
	}
	_ = slot

	d.SLBA += uint64(thisNLB)
	d.BufOff += dataLen
	d.RemainingNLB -= thisNLB
	return nil
}

// buildPRP fills in PRP1/PRP2 for a dataLen-byte transfer starting at
// dataIOVA: one page needs only PRP1; two pages use PRP1+PRP2 directly;
// more than two pages put the remaining page IOVAs into the descriptor's
// own PRP-list page and point PRP2 at it.
func (qp *QueuePair) buildPRP(descIdx uint16, dataIOVA uint64, dataLen int) (prp1, prp2 uint64) {
	pageSize := qp.pageSize()
	pages := (dataLen + pageSize - 1) / pageSize
	if pages <= 0 {
		pages = 1
	}
	prp1 = dataIOVA

	switch {
	case pages == 1:
		return prp1, 0
	case pages == 2:
		return prp1, dataIOVA + uint64(pageSize)
	default:
		prpPage := qp.prp.get(int(descIdx))
		for i := 1; i < pages; i++ {
			off := (i - 1) * 8
			binary.LittleEndian.PutUint64(prpPage.Virt[off:off+8], dataIOVA+uint64(i*pageSize))
		}
		return prp1, prpPage.IOVA
	}
}

// SubmitExtended issues the vendor "translate/extended" pass-through
// primitive: vendorOpcode, carrying the caller-supplied prefix block, is
// submitted first; once it completes, the same chaining logic that
// SubmitChunked uses for an oversize transfer takes over and reads back
// nlb blocks of result data, one sub-command at a time. Both phases share
// a single descriptor and Pending countdown, so PumpCompletions drives
// the whole sequence without needing to know this opcode's wire
// semantics.
func (qp *QueuePair) SubmitExtended(vendorOpcode uint8, nsid uint32, slba uint64, nlb uint32, prefix, result *dma.Buffer, maxbpio, blockSize uint32) (*Descriptor, error) {
	d, err := qp.allocateDescriptor()
	if err != nil {
		return nil, err
	}

	d.NSID = nsid
	d.Write = false
	d.SLBA = slba
	d.RemainingNLB = nlb
	d.BufOff = 0
	d.Buf = result
	d.MaxBPIO = maxbpio
	d.BlockSize = blockSize
	d.Pending = 1 + int((nlb+maxbpio-1)/maxbpio)
	d.Status = Status{Kind: StatusPending}

	var prp2 uint64
	if prefix.Length > qp.pageSize() {
		prp2 = prefix.IOVA + uint64(qp.pageSize())
	}
	sqe := nvmewire.BuildVendorPassthrough(0, vendorOpcode, nsid, prefix.IOVA, prp2, [6]uint32{})
	if _, err := qp.Submit(sqe, d); err != nil {
		qp.releaseDescriptor(d)
		return nil, err
	}
	return d, nil
}

// SubmitOne submits an arbitrary, already-built SQE as a single,
// non-chained command (Pending = 1). Used for admin commands (IDENTIFY,
// SET FEATURES, CREATE/DELETE QUEUE) that internal/ctrl drives directly,
// bypassing the I/O fragmentation logic in SubmitChunked.
func (qp *QueuePair) SubmitOne(sqe nvmewire.SQE) (*Descriptor, error) {
	d, err := qp.allocateDescriptor()
	if err != nil {
		return nil, err
	}
	d.Pending = 1
	d.Status = Status{Kind: StatusPending}
	if _, err := qp.Submit(sqe, d); err != nil {
		qp.releaseDescriptor(d)
		return nil, err
	}
	return d, nil
}

// SubmitFlush submits a single-command FLUSH, with no chaining: Pending is
// always 1.
func (qp *QueuePair) SubmitFlush(nsid uint32) (*Descriptor, error) {
	d, err := qp.allocateDescriptor()
	if err != nil {
		return nil, err
	}
	d.NSID = nsid
	d.Pending = 1
	d.Status = Status{Kind: StatusPending}

	sqe := nvmewire.BuildFlush(0, nsid)
	if _, err := qp.Submit(sqe, d); err != nil {
		qp.releaseDescriptor(d)
		return nil, err
	}
	return d, nil
}

// PumpCompletions reaps this queue pair's completion ring and advances
// every affected descriptor: decrementing its pending count, latching the
// first error (which suppresses submission of the unsent remainder while
// leaving in-flight sub-commands, of which there are never more than one
// at a time, to resolve normally), and submitting the next chunk of a
// still-pending chained transfer. It returns the descriptors that just
// reached a terminal (done or error) state.
func (qp *QueuePair) PumpCompletions() []*Descriptor {
	events := qp.Reap()
	var resolved []*Descriptor
	for _, ev := range events {
		d := ev.Desc
		if d == nil {
			continue
		}
		d.mu.Lock()
		d.LastDW0 = ev.DW0

		statusCode := (ev.Status >> 1) & 0xff
		statusType := (ev.Status >> 9) & 0x7
		if statusCode != 0 || statusType != 0 {
			d.Status = Status{Kind: StatusError, NVMeStatus: ev.Status}
			d.mu.Unlock()
			qp.releaseDescriptor(d)
			resolved = append(resolved, d)
			continue
		}

		d.Pending--
		if d.Pending <= 0 {
			d.Status = Status{Kind: StatusDone}
			d.mu.Unlock()
			qp.releaseDescriptor(d)
			resolved = append(resolved, d)
			continue
		}

		if err := qp.submitNextChunk(d); err != nil {
			d.Status = Status{Kind: StatusError, NVMeStatus: 0}
			d.mu.Unlock()
			qp.releaseDescriptor(d)
			resolved = append(resolved, d)
			continue
		}
		d.mu.Unlock()
	}
	return resolved
}
