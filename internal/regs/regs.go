// Package regs provides typed, ordered access to an NVMe controller's MMIO
// register window (the "BAR0" space), as published by the NVMe Base
// Specification. All multi-byte fields are little-endian; all accesses use
// atomic loads/stores plus explicit fences so the compiler and CPU never
// reorder a register write past a doorbell ring.
package regs

import (
	"sync/atomic"
	"unsafe"
)

// Byte offsets of the fixed controller registers (NVMe Base Spec §3.1).
const (
	OffCAP   = 0x00 // Controller Capabilities (8 bytes)
	OffVS    = 0x08 // Version (4 bytes)
	OffINTMS = 0x0c // Interrupt Mask Set (4 bytes)
	OffINTMC = 0x10 // Interrupt Mask Clear (4 bytes)
	OffCC    = 0x14 // Controller Configuration (4 bytes)
	OffCSTS  = 0x1c // Controller Status (4 bytes)
	OffAQA   = 0x24 // Admin Queue Attributes (4 bytes)
	OffASQ   = 0x28 // Admin Submission Queue Base Address (8 bytes)
	OffACQ   = 0x30 // Admin Completion Queue Base Address (8 bytes)

	// DoorbellBase is the byte offset of the first (admin SQ) doorbell.
	// Doorbell stride is 4 << CAP.dstrd bytes; doorbells are laid out
	// SQ0, CQ0, SQ1, CQ1, ... at that stride.
	DoorbellBase = 0x1000
)

// CC (Controller Configuration) bit layout.
const (
	ccEN     = 1 << 0
	ccCSSShift = 4
	ccMPSShift = 7
	ccAMSShift = 11
	ccSHNShift = 14
)

// CSTS (Controller Status) bits.
const (
	CSTSRDY  = 1 << 0
	CSTSCFS  = 1 << 1
	CSTSSHST = 0x3 << 2
)

// Window is a typed view over a controller's memory-mapped register BAR.
// The backing slice is owned by the caller (normally produced by
// internal/iommu's Container.MapBAR) and must remain mapped for the
// Window's lifetime.
type Window struct {
	bar []byte
}

// New wraps a memory-mapped BAR0 region. bar must be at least 0x1000 + the
// space needed for every doorbell this driver will ring.
func New(bar []byte) *Window {
	return &Window{bar: bar}
}

func (w *Window) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&w.bar[off]))
}

func (w *Window) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&w.bar[off]))
}

// CAP returns the raw Controller Capabilities register.
func (w *Window) CAP() uint64 { return atomic.LoadUint64(w.u64(OffCAP)) }

// CAPTimeoutMS returns CAP.TO converted to milliseconds (field is in 500ms
// units); used as the bring-up timeout when nonzero.
func (w *Window) CAPTimeoutMS() uint64 {
	to := (w.CAP() >> 24) & 0xff
	return to * 500
}

// CAPMaxQueueEntries returns CAP.MQES+1, the maximum queue depth (entries)
// any single queue pair may have.
func (w *Window) CAPMaxQueueEntries() uint32 {
	return uint32(w.CAP()&0xffff) + 1
}

// CAPDoorbellStride returns the doorbell stride in bytes (4 << CAP.DSTRD).
func (w *Window) CAPDoorbellStride() uint32 {
	dstrd := (w.CAP() >> 32) & 0xf
	return 4 << dstrd
}

// VS returns the Version register.
func (w *Window) VS() uint32 { return atomic.LoadUint32(w.u32(OffVS)) }

// CSTS returns the Controller Status register.
func (w *Window) CSTS() uint32 { return atomic.LoadUint32(w.u32(OffCSTS)) }

// SetCC writes the Controller Configuration register. enable controls
// CC.EN; iocqes/iosqes set the I/O completion/submission entry size shifts
// (4 and 6 respectively for standard NVMe); mps is the memory page size
// shift (0 = 4096 bytes).
func (w *Window) SetCC(enable bool, mps, iosqes, iocqes uint8) {
	var v uint32
	if enable {
		v |= ccEN
	}
	v |= uint32(mps) << ccMPSShift
	v |= uint32(iosqes) << 16
	v |= uint32(iocqes) << 20
	atomic.StoreUint32(w.u32(OffCC), v)
	Mfence()
}

// SetAQA programs the admin queue attributes: (completion depth - 1) in the
// high 16 bits, (submission depth - 1) in the low 16 bits.
func (w *Window) SetAQA(sqDepth, cqDepth uint16) {
	v := uint32(sqDepth-1) | (uint32(cqDepth-1) << 16)
	atomic.StoreUint32(w.u32(OffAQA), v)
}

// SetASQ programs the admin submission queue base IOVA.
func (w *Window) SetASQ(iova uint64) { atomic.StoreUint64(w.u64(OffASQ), iova) }

// SetACQ programs the admin completion queue base IOVA.
func (w *Window) SetACQ(iova uint64) { atomic.StoreUint64(w.u64(OffACQ), iova) }

// doorbellOffset computes the byte offset of the doorbell for (qid,
// completion) given the controller's doorbell stride.
func doorbellOffset(qid uint16, completion bool, stride uint32) int {
	idx := uint32(qid) * 2
	if completion {
		idx++
	}
	return DoorbellBase + int(idx*stride)
}

// RingDoorbell writes the new queue index to the (qid, completion)
// doorbell, with a full fence beforehand so every prior write (the SQE
// itself, the ring tail/head update) is globally visible first.
func (w *Window) RingDoorbell(qid uint16, completion bool, stride uint32, value uint32) {
	Mfence()
	off := doorbellOffset(qid, completion, stride)
	atomic.StoreUint32(w.u32(off), value)
}
