package nvmewire

import (
	"encoding/binary"
	"unsafe"
)

// LBAF describes one LBA Format entry within IdentifyNamespace (NVMe Base
// Spec §5.15.2.2, Figure 124).
type LBAF struct {
	MS    uint16 // metadata size
	LBADS uint8  // LBA data size, reported as a power of 2 (2^LBADS bytes)
	RP    uint8  // relative performance
}

const lbafSize = 4

var _ [lbafSize]byte = [unsafe.Sizeof(LBAF{})]byte{}

// IdentifyController is the subset of the 4096-byte Identify Controller
// data structure (CNS=01h) this driver reads.
type IdentifyController struct {
	VID      uint16
	SSVID    uint16
	SerialNumber   [20]byte
	ModelNumber    [40]byte
	FirmwareRev    [8]byte
	MDTS     uint8 // max data transfer size, as a power-of-2 page count (0 = unbounded)
	CNTLID   uint16
	NN       uint32 // number of namespaces
	SQES     uint8  // submission queue entry size, packed (max<<4 | min)
	CQES     uint8  // completion queue entry size, packed (max<<4 | min)
}

// ParseIdentifyController decodes the fields this driver needs out of a
// 4096-byte Identify Controller payload, leaving the rest of the layout
// untouched (fields this driver does not use are skipped by offset).
func ParseIdentifyController(buf []byte) IdentifyController {
	var ic IdentifyController
	ic.VID = binary.LittleEndian.Uint16(buf[0:])
	ic.SSVID = binary.LittleEndian.Uint16(buf[2:])
	copy(ic.SerialNumber[:], buf[4:24])
	copy(ic.ModelNumber[:], buf[24:64])
	copy(ic.FirmwareRev[:], buf[64:72])
	ic.MDTS = buf[77]
	ic.CNTLID = binary.LittleEndian.Uint16(buf[78:])
	ic.NN = binary.LittleEndian.Uint32(buf[516:])
	ic.SQES = buf[512]
	ic.CQES = buf[513]
	return ic
}

// IdentifyNamespace is the subset of the 4096-byte Identify Namespace data
// structure (CNS=00h) this driver reads.
type IdentifyNamespace struct {
	NSZE  uint64 // namespace size, in logical blocks
	NCAP  uint64 // namespace capacity
	FLBAS uint8  // index into LBAF[] selecting the active format, low 4 bits
	LBAF  [16]LBAF
}

// ParseIdentifyNamespace decodes the fields this driver needs out of a
// 4096-byte Identify Namespace payload.
func ParseIdentifyNamespace(buf []byte) IdentifyNamespace {
	var ns IdentifyNamespace
	ns.NSZE = binary.LittleEndian.Uint64(buf[0:])
	ns.NCAP = binary.LittleEndian.Uint64(buf[8:])
	ns.FLBAS = buf[26] & 0xf
	const lbafTableOffset = 128
	for i := 0; i < 16; i++ {
		off := lbafTableOffset + i*lbafSize
		ns.LBAF[i] = LBAF{
			MS:    binary.LittleEndian.Uint16(buf[off:]),
			LBADS: buf[off+2],
			RP:    buf[off+3] & 0x3,
		}
	}
	return ns
}

// ActiveLBAF returns the LBA format the namespace is currently formatted
// with, per FLBAS.
func (ns IdentifyNamespace) ActiveLBAF() LBAF {
	return ns.LBAF[ns.FLBAS]
}

// LogicalBlockSize returns the active logical block size in bytes.
func (ns IdentifyNamespace) LogicalBlockSize() uint32 {
	return 1 << ns.ActiveLBAF().LBADS
}
