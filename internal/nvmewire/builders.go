package nvmewire

// BuildIdentify constructs an Identify admin command (CNS as given). For
// CNSController and CNSActiveNamespaces nsid is ignored by the controller;
// callers still pass 0 for clarity.
func BuildIdentify(cid uint16, nsid uint32, cns uint8, prp1 uint64) SQE {
	return SQE{
		CDW0:  packCDW0(AdminOpIdentify, cid, 0, 0),
		NSID:  nsid,
		PRP1:  prp1,
		CDW10: uint32(cns),
	}
}

// BuildSetFeaturesNumQueues requests nIOSQ submission queues and nIOCQ
// completion queues (both zero-based counts: value N means N+1 queues)
// via Set Features / Number of Queues.
func BuildSetFeaturesNumQueues(cid uint16, nIOSQ, nIOCQ uint16) SQE {
	return SQE{
		CDW0:  packCDW0(AdminOpSetFeatures, cid, 0, 0),
		CDW10: FeatureNumberOfQueues,
		CDW11: uint32(nIOSQ) | (uint32(nIOCQ) << 16),
	}
}

// BuildCreateIOCQ constructs a Create I/O Completion Queue command. prp1
// must point at a depth*16-byte, page-aligned, zeroed buffer; iv is the
// assigned interrupt vector (0 if MSI-X is not in use); ien enables
// interrupts for this queue.
func BuildCreateIOCQ(cid uint16, qid uint16, depth uint16, prp1 uint64, iv uint16, ien bool) SQE {
	cdw11 := uint32(1) // PC: physically (here IOVA-)contiguous
	if ien {
		cdw11 |= 1 << 1
	}
	cdw11 |= uint32(iv) << 16
	return SQE{
		CDW0:  packCDW0(AdminOpCreateIOCQ, cid, 0, 0),
		PRP1:  prp1,
		CDW10: uint32(qid) | (uint32(depth-1) << 16),
		CDW11: cdw11,
	}
}

// BuildCreateIOSQ constructs a Create I/O Submission Queue command,
// associating it with completion queue cqid.
func BuildCreateIOSQ(cid uint16, qid uint16, depth uint16, prp1 uint64, cqid uint16, priority uint8) SQE {
	cdw11 := uint32(1) // PC: contiguous
	cdw11 |= uint32(priority&0x3) << 1
	cdw11 |= uint32(cqid) << 16
	return SQE{
		CDW0:  packCDW0(AdminOpCreateIOSQ, cid, 0, 0),
		PRP1:  prp1,
		CDW10: uint32(qid) | (uint32(depth-1) << 16),
		CDW11: cdw11,
	}
}

// BuildDeleteIOSQ constructs a Delete I/O Submission Queue command.
func BuildDeleteIOSQ(cid uint16, qid uint16) SQE {
	return SQE{
		CDW0:  packCDW0(AdminOpDeleteIOSQ, cid, 0, 0),
		CDW10: uint32(qid),
	}
}

// BuildDeleteIOCQ constructs a Delete I/O Completion Queue command. The
// associated submission queue must already be deleted.
func BuildDeleteIOCQ(cid uint16, qid uint16) SQE {
	return SQE{
		CDW0:  packCDW0(AdminOpDeleteIOCQ, cid, 0, 0),
		CDW10: uint32(qid),
	}
}

// BuildReadWrite constructs an NVM Read or Write command covering
// [slba, slba+nlb) logical blocks. prp1/prp2 follow standard PRP rules: if
// the transfer needs more than two PRP entries, prp2 points at a PRP list
// page rather than a second data page.
func BuildReadWrite(cid uint16, nsid uint32, write bool, slba uint64, nlb uint16, prp1, prp2 uint64) SQE {
	op := uint8(IOOpRead)
	if write {
		op = IOOpWrite
	}
	return SQE{
		CDW0:  packCDW0(op, cid, 0, 0),
		NSID:  nsid,
		PRP1:  prp1,
		PRP2:  prp2,
		CDW10: uint32(slba),
		CDW11: uint32(slba >> 32),
		CDW12: uint32(nlb - 1),
	}
}

// BuildFlush constructs a Flush command for the given namespace.
func BuildFlush(cid uint16, nsid uint32) SQE {
	return SQE{
		CDW0: packCDW0(IOOpFlush, cid, 0, 0),
		NSID: nsid,
	}
}

// BuildDiscard constructs a Dataset Management command with the Deallocate
// attribute set, using a single-range descriptor pointed at by prp1.
func BuildDiscard(cid uint16, nsid uint32, prp1 uint64) SQE {
	return SQE{
		CDW0:  packCDW0(IOOpDiscard, cid, 0, 0),
		NSID:  nsid,
		PRP1:  prp1,
		CDW10: 0, // NR: one range descriptor (zero-based count)
		CDW11: 1 << 2, // AD (Attribute - Deallocate)
	}
}

// BuildVendorPassthrough constructs a vendor-specific command, submitted on
// whichever queue (admin or I/O) the caller chooses. The opcode and the
// six opcode-defined dwords (CDW10-CDW15) are entirely caller-supplied; this driver
// treats vendor payloads as an opaque blob and performs no interpretation
// of them. internal/queue.SubmitExtended uses this as the first
// sub-command of the chained "translate/extended" primitive.
func BuildVendorPassthrough(cid uint16, opcode uint8, nsid uint32, prp1, prp2 uint64, cdw10_15 [6]uint32) SQE {
	return SQE{
		CDW0:  packCDW0(opcode, cid, 0, 0),
		NSID:  nsid,
		PRP1:  prp1,
		PRP2:  prp2,
		CDW10: cdw10_15[0],
		CDW11: cdw10_15[1],
		CDW12: cdw10_15[2],
		CDW13: cdw10_15[3],
		CDW14: cdw10_15[4],
		CDW15: cdw10_15[5],
	}
}
