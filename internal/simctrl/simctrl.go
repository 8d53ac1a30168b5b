// Package simctrl emulates a minimal NVMe controller in-process: register
// writes to CC.EN flip CSTS.RDY after a short delay, admin-queue
// submissions are interpreted and given synthetic completions (IDENTIFY
// returns a canned payload, CREATE/DELETE SQ/CQ succeed), and I/O-queue
// submissions complete against an in-memory byte array keyed by LBA.
//
// It plays the same role an in-memory RAM disk and call-tracking double
// play for a block backend: since no physical NVMe device is available in
// this environment, every test in this module drives a Device instead of
// real PCIe hardware.
package simctrl

import (
	"encoding/binary"
	"sync"
	"time"
	"unsafe"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/nvmewire"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/regs"
)

const (
	mps    = 0
	iosqes = 6
	iocqes = 4
)

// Options configures a simulated controller's identity and backing store.
type Options struct {
	VendorID          uint16
	SubsystemVendorID uint16
	SerialNumber      string
	ModelNumber       string
	MDTS              uint8 // as a power-of-2 page count
	BlockSize         uint32
	BlockCount        uint64
	MaxQueues         uint16 // device-granted max I/O queue count
	EnableDelay       time.Duration
	// CAPTimeoutUnits is CAP.TO in 500ms units; internal/ctrl uses this as
	// its enable-timeout when nonzero. Defaults to 10 (5s).
	CAPTimeoutUnits uint8
}

// DefaultOptions returns a small, fast-enabling device: 512-byte blocks,
// 4096 blocks (2MiB), MDTS of 5 (32 pages = 128KiB), 8 I/O queues.
func DefaultOptions() Options {
	return Options{
		VendorID:          0x8086,
		SubsystemVendorID: 0x8086,
		SerialNumber:      "SIM0000000000000001",
		ModelNumber:       "RecSSD-UNVMeDriver Simulated Controller",
		MDTS:              5,
		BlockSize:         512,
		BlockCount:        4096,
		MaxQueues:         8,
		EnableDelay:       2 * time.Millisecond,
		CAPTimeoutUnits:   10,
	}
}

type ioQueue struct {
	sqIOVA, cqIOVA uint64
	depth          uint16
	sqHead         uint16
	cqTail         uint16
	phase          bool
	active         bool
}

// Device is a simulated controller. NewDevice returns one paired with an
// iommu.Container that internal/ctrl.Attach can drive exactly as it would
// a real VFIO-bound function.
type Device struct {
	opt Options

	mu       sync.Mutex
	bar      []byte
	win      *regs.Window
	dstrd    uint32
	data     []byte // nsBlocks, flat: BlockCount * BlockSize
	enabling bool
	enableAt time.Time

	adminQ ioQueue
	ioQs   map[uint16]*ioQueue

	stop chan struct{}

	// lastVendorPrefix latches the most recent vendor-passthrough prefix
	// block's bytes, for tests to assert the chunking engine actually put
	// the caller's prefix on the wire before chaining into the read.
	lastVendorPrefix []byte
}

// NewDevice constructs a simulated controller and starts its background
// processing loop. Callers must call Close when finished.
func NewDevice(opt Options) (*Device, iommu.Container) {
	bar := make([]byte, 0x1000+64*256) // room for admin + many I/O doorbells
	capReg := uint64(0)
	capReg |= uint64(255) // MQES - 1 = 255 -> max depth 256
	capReg |= 0 << 32     // DSTRD = 0 -> stride 4 bytes
	capReg |= uint64(opt.CAPTimeoutUnits) << 24
	capReg |= 1 << 37     // CSS bit for NVM command set
	binary.LittleEndian.PutUint64(bar[regs.OffCAP:], capReg)

	d := &Device{
		opt:  opt,
		bar:  bar,
		win:  regs.New(bar),
		data: make([]byte, opt.BlockCount*uint64(opt.BlockSize)),
		ioQs: make(map[uint16]*ioQueue),
		stop: make(chan struct{}),
	}
	d.dstrd = d.win.CAPDoorbellStride()

	sim := iommu.NewSimulated(bar)
	go d.loop()
	return d, sim
}

// Close stops the background processing loop.
func (d *Device) Close() {
	close(d.stop)
}

// LastVendorPrefix returns the bytes most recently latched by a
// vendor-specific I/O opcode, for tests that drive the
// "translate/extended" pass-through primitive.
func (d *Device) LastVendorPrefix() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.lastVendorPrefix...)
}

func (d *Device) loop() {
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Device) tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cc := binary.LittleEndian.Uint32(d.bar[regs.OffCC:])
	en := cc&1 != 0
	rdy := binary.LittleEndian.Uint32(d.bar[regs.OffCSTS:])&regs.CSTSRDY != 0

	switch {
	case en && !rdy && !d.enabling:
		d.enabling = true
		d.enableAt = time.Now().Add(d.opt.EnableDelay)
	case en && d.enabling && time.Now().After(d.enableAt):
		d.setRDY(true)
		d.enabling = false
		d.loadAdminQueue()
	case !en && rdy:
		d.setRDY(false)
		d.enabling = false
		d.adminQ = ioQueue{}
		d.ioQs = make(map[uint16]*ioQueue)
	case !en:
		d.loadAdminQueue()
	}

	if rdy || (en && d.enabling) {
		d.pumpAdmin()
		for qid, q := range d.ioQs {
			if q.active {
				d.pumpIO(qid, q)
			}
		}
	}
}

func (d *Device) setRDY(ready bool) {
	v := binary.LittleEndian.Uint32(d.bar[regs.OffCSTS:])
	if ready {
		v |= regs.CSTSRDY
	} else {
		v &^= regs.CSTSRDY
	}
	binary.LittleEndian.PutUint32(d.bar[regs.OffCSTS:], v)
}

// loadAdminQueue picks up AQA/ASQ/ACQ once the driver has programmed them,
// before or immediately after CC.EN is raised.
func (d *Device) loadAdminQueue() {
	aqa := binary.LittleEndian.Uint32(d.bar[regs.OffAQA:])
	asq := binary.LittleEndian.Uint64(d.bar[regs.OffASQ:])
	acq := binary.LittleEndian.Uint64(d.bar[regs.OffACQ:])
	if asq == 0 || acq == 0 {
		return
	}
	depth := uint16(aqa&0xffff) + 1
	if d.adminQ.sqIOVA != asq || d.adminQ.depth != depth {
		d.adminQ = ioQueue{sqIOVA: asq, cqIOVA: acq, depth: depth, phase: true, active: true}
	}
}

func bytesAt(addr uint64, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}

func (d *Device) doorbellTail(qid uint16, completion bool) uint16 {
	idx := uint32(qid) * 2
	if completion {
		idx++
	}
	off := regs.DoorbellBase + int(idx*d.dstrd)
	return uint16(binary.LittleEndian.Uint32(d.bar[off:]))
}

func (d *Device) pumpAdmin() {
	if d.adminQ.sqIOVA == 0 {
		return
	}
	tail := d.doorbellTail(0, false)
	for d.adminQ.sqHead != tail {
		sqeBytes := bytesAt(d.adminQ.sqIOVA+uint64(d.adminQ.sqHead)*64, 64)
		d.processAdmin(sqeBytes)
		d.adminQ.sqHead = (d.adminQ.sqHead + 1) % d.adminQ.depth
	}
}

func (d *Device) completeAdmin(cid uint16, dw0 uint32, status uint16) {
	off := int(d.adminQ.cqTail) * 16
	cqeBytes := bytesAt(d.adminQ.cqIOVA, int(d.adminQ.depth)*16)[off : off+16]
	binary.LittleEndian.PutUint32(cqeBytes[0:], dw0)
	binary.LittleEndian.PutUint32(cqeBytes[4:], 0)
	binary.LittleEndian.PutUint16(cqeBytes[8:], d.adminQ.sqHead)
	binary.LittleEndian.PutUint16(cqeBytes[10:], 0)
	binary.LittleEndian.PutUint16(cqeBytes[12:], cid)
	phaseBit := uint16(0)
	if d.adminQ.phase {
		phaseBit = 1
	}
	binary.LittleEndian.PutUint16(cqeBytes[14:], status|phaseBit)

	d.adminQ.cqTail++
	if d.adminQ.cqTail == d.adminQ.depth {
		d.adminQ.cqTail = 0
		d.adminQ.phase = !d.adminQ.phase
	}
}

func (d *Device) processAdmin(sqe []byte) {
	cdw0 := binary.LittleEndian.Uint32(sqe[0:])
	opcode := uint8(cdw0)
	cid := uint16(cdw0 >> 16)
	nsid := binary.LittleEndian.Uint32(sqe[4:])
	prp1 := binary.LittleEndian.Uint64(sqe[16:])
	cdw10 := binary.LittleEndian.Uint32(sqe[40:])
	cdw11 := binary.LittleEndian.Uint32(sqe[44:])

	switch opcode {
	case nvmewire.AdminOpIdentify:
		switch uint8(cdw10) {
		case nvmewire.CNSController:
			d.fillIdentifyController(prp1)
		case nvmewire.CNSNamespace:
			d.fillIdentifyNamespace(prp1)
		}
		d.completeAdmin(cid, 0, 0)

	case nvmewire.AdminOpSetFeatures:
		nsq := uint16(cdw11 & 0xffff)
		ncq := uint16((cdw11 >> 16) & 0xffff)
		if d.opt.MaxQueues > 0 {
			if nsq+1 > d.opt.MaxQueues {
				nsq = d.opt.MaxQueues - 1
			}
			if ncq+1 > d.opt.MaxQueues {
				ncq = d.opt.MaxQueues - 1
			}
		}
		dw0 := uint32(nsq) | (uint32(ncq) << 16)
		d.completeAdmin(cid, dw0, 0)

	case nvmewire.AdminOpCreateIOCQ:
		qid := uint16(cdw10 & 0xffff)
		depth := uint16(cdw10>>16) + 1
		q := d.ioQs[qid]
		if q == nil {
			q = &ioQueue{}
			d.ioQs[qid] = q
		}
		q.cqIOVA = prp1
		q.depth = depth
		q.phase = true
		d.completeAdmin(cid, 0, 0)

	case nvmewire.AdminOpCreateIOSQ:
		qid := uint16(cdw10 & 0xffff)
		q := d.ioQs[qid]
		if q == nil {
			q = &ioQueue{}
			d.ioQs[qid] = q
		}
		q.sqIOVA = prp1
		q.active = true
		d.completeAdmin(cid, 0, 0)

	case nvmewire.AdminOpDeleteIOSQ:
		qid := uint16(cdw10 & 0xffff)
		if q := d.ioQs[qid]; q != nil {
			q.active = false
			q.sqIOVA = 0
		}
		d.completeAdmin(cid, 0, 0)

	case nvmewire.AdminOpDeleteIOCQ:
		qid := uint16(cdw10 & 0xffff)
		delete(d.ioQs, qid)
		d.completeAdmin(cid, 0, 0)

	default:
		_ = nsid
		d.completeAdmin(cid, 0, 1<<1) // generic invalid-opcode status code
	}
}

func (d *Device) fillIdentifyController(prp1 uint64) {
	buf := bytesAt(prp1, 4096)
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint16(buf[0:], d.opt.VendorID)
	binary.LittleEndian.PutUint16(buf[2:], d.opt.SubsystemVendorID)
	copy(buf[4:24], padASCII(d.opt.SerialNumber, 20))
	copy(buf[24:64], padASCII(d.opt.ModelNumber, 40))
	copy(buf[64:72], padASCII("1.0", 8))
	buf[77] = d.opt.MDTS
	binary.LittleEndian.PutUint32(buf[516:], 1) // NN: one namespace
	buf[512] = 0x66                             // SQES: max=6,min=6
	buf[513] = 0x44                             // CQES: max=4,min=4
}

func (d *Device) fillIdentifyNamespace(prp1 uint64) {
	buf := bytesAt(prp1, 4096)
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:], d.opt.BlockCount)
	binary.LittleEndian.PutUint64(buf[8:], d.opt.BlockCount)
	buf[26] = 0 // FLBAS selects LBAF[0]

	lbads := uint8(0)
	for sz := uint32(1); sz < d.opt.BlockSize; sz <<= 1 {
		lbads++
	}
	binary.LittleEndian.PutUint16(buf[128:], 0) // MS
	buf[130] = lbads
	buf[131] = 0 // RP
}

func padASCII(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

func (d *Device) pumpIO(qid uint16, q *ioQueue) {
	tail := d.doorbellTail(qid, false)
	for q.sqHead != tail {
		sqeBytes := bytesAt(q.sqIOVA+uint64(q.sqHead)*64, 64)
		d.processIO(qid, q, sqeBytes)
		q.sqHead = (q.sqHead + 1) % q.depth
	}
}

func (d *Device) completeIO(q *ioQueue, cid uint16, status uint16) {
	off := int(q.cqTail) * 16
	cqeBytes := bytesAt(q.cqIOVA, int(q.depth)*16)[off : off+16]
	binary.LittleEndian.PutUint32(cqeBytes[0:], 0)
	binary.LittleEndian.PutUint32(cqeBytes[4:], 0)
	binary.LittleEndian.PutUint16(cqeBytes[8:], q.sqHead)
	binary.LittleEndian.PutUint16(cqeBytes[10:], 0)
	binary.LittleEndian.PutUint16(cqeBytes[12:], cid)
	phaseBit := uint16(0)
	if q.phase {
		phaseBit = 1
	}
	binary.LittleEndian.PutUint16(cqeBytes[14:], status|phaseBit)

	q.cqTail++
	if q.cqTail == q.depth {
		q.cqTail = 0
		q.phase = !q.phase
	}
}

func (d *Device) resolveDataPages(prp1, prp2 uint64, length int) []byte {
	const pageSize = 4096
	pages := (length + pageSize - 1) / pageSize
	if pages <= 0 {
		pages = 1
	}
	out := make([]byte, 0, length)
	addrs := make([]uint64, pages)
	addrs[0] = prp1
	switch {
	case pages == 1:
		// nothing more
	case pages == 2:
		addrs[1] = prp2
	default:
		list := bytesAt(prp2, (pages-1)*8)
		for i := 1; i < pages; i++ {
			addrs[i] = binary.LittleEndian.Uint64(list[(i-1)*8:])
		}
	}
	remaining := length
	for _, addr := range addrs {
		n := pageSize
		if remaining < n {
			n = remaining
		}
		out = append(out, bytesAt(addr, n)...)
		remaining -= n
	}
	return out
}

func (d *Device) writeDataPages(prp1, prp2 uint64, src []byte) {
	const pageSize = 4096
	length := len(src)
	pages := (length + pageSize - 1) / pageSize
	if pages <= 0 {
		pages = 1
	}
	addrs := make([]uint64, pages)
	addrs[0] = prp1
	switch {
	case pages == 1:
	case pages == 2:
		addrs[1] = prp2
	default:
		list := bytesAt(prp2, (pages-1)*8)
		for i := 1; i < pages; i++ {
			addrs[i] = binary.LittleEndian.Uint64(list[(i-1)*8:])
		}
	}
	off := 0
	for _, addr := range addrs {
		n := pageSize
		if length-off < n {
			n = length - off
		}
		copy(bytesAt(addr, n), src[off:off+n])
		off += n
	}
}

func (d *Device) processIO(qid uint16, q *ioQueue, sqe []byte) {
	cdw0 := binary.LittleEndian.Uint32(sqe[0:])
	opcode := uint8(cdw0)
	cid := uint16(cdw0 >> 16)
	prp1 := binary.LittleEndian.Uint64(sqe[16:])
	prp2 := binary.LittleEndian.Uint64(sqe[24:])
	cdw10 := binary.LittleEndian.Uint32(sqe[40:])
	cdw11 := binary.LittleEndian.Uint32(sqe[44:])
	cdw12 := binary.LittleEndian.Uint32(sqe[48:])

	switch opcode {
	case nvmewire.IOOpRead:
		slba := uint64(cdw10) | uint64(cdw11)<<32
		nlb := uint32(cdw12&0xffff) + 1
		length := int(nlb) * int(d.opt.BlockSize)
		start := slba * uint64(d.opt.BlockSize)
		if start+uint64(length) > uint64(len(d.data)) {
			d.completeIO(q, cid, 0x80<<1) // LBA out of range (generic status type)
			return
		}
		d.writeDataPages(prp1, prp2, d.data[start:start+uint64(length)])
		d.completeIO(q, cid, 0)

	case nvmewire.IOOpWrite:
		slba := uint64(cdw10) | uint64(cdw11)<<32
		nlb := uint32(cdw12&0xffff) + 1
		length := int(nlb) * int(d.opt.BlockSize)
		start := slba * uint64(d.opt.BlockSize)
		if start+uint64(length) > uint64(len(d.data)) {
			d.completeIO(q, cid, 0x80<<1)
			return
		}
		src := d.resolveDataPages(prp1, prp2, length)
		copy(d.data[start:start+uint64(length)], src)
		d.completeIO(q, cid, 0)

	case nvmewire.IOOpFlush:
		d.completeIO(q, cid, 0)

	case nvmewire.IOOpDiscard, nvmewire.IOOpWriteZeroes:
		d.completeIO(q, cid, 0)

	default:
		if opcode >= nvmewire.IOOpVendorSpecificMin {
			// The "translate/extended" primitive's prefix block is opaque
			// to this simulator, same as to the real driver: latch it for
			// test introspection and accept unconditionally.
			prefixLen := int(cdw10)
			if prefixLen <= 0 {
				prefixLen = int(d.opt.BlockSize)
			}
			d.lastVendorPrefix = append([]byte(nil), d.resolveDataPages(prp1, prp2, prefixLen)...)
			d.completeIO(q, cid, 0)
			return
		}
		d.completeIO(q, cid, 1<<1)
	}
	_ = qid
}
