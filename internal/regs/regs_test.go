package regs

import "testing"

func newTestBAR() []byte {
	return make([]byte, DoorbellBase+0x1000)
}

func TestCAPFields(t *testing.T) {
	bar := newTestBAR()
	w := New(bar)

	// CAP: MQES=127 (0x7f), DSTRD=1, TO=20 (10s).
	var cap uint64
	cap |= 0x7f
	cap |= 1 << 32
	cap |= 20 << 24
	*w.u64(OffCAP) = cap

	if got := w.CAPMaxQueueEntries(); got != 128 {
		t.Errorf("CAPMaxQueueEntries() = %d, want 128", got)
	}
	if got := w.CAPDoorbellStride(); got != 8 {
		t.Errorf("CAPDoorbellStride() = %d, want 8", got)
	}
	if got := w.CAPTimeoutMS(); got != 10000 {
		t.Errorf("CAPTimeoutMS() = %d, want 10000", got)
	}
}

func TestSetCCAndCSTS(t *testing.T) {
	bar := newTestBAR()
	w := New(bar)

	w.SetCC(true, 0, 6, 4)
	cc := *w.u32(OffCC)
	if cc&ccEN == 0 {
		t.Errorf("SetCC(true, ...) did not set EN bit, got %#x", cc)
	}
	if (cc>>16)&0xf != 6 {
		t.Errorf("SetCC iosqes = %#x, want 6", (cc>>16)&0xf)
	}
	if (cc>>20)&0xf != 4 {
		t.Errorf("SetCC iocqes = %#x, want 4", (cc>>20)&0xf)
	}

	*w.u32(OffCSTS) = CSTSRDY
	if w.CSTS()&CSTSRDY == 0 {
		t.Errorf("CSTS() did not reflect RDY bit")
	}
}

func TestSetAQAASQACQ(t *testing.T) {
	bar := newTestBAR()
	w := New(bar)

	w.SetAQA(32, 32)
	aqa := *w.u32(OffAQA)
	if aqa&0xffff != 31 {
		t.Errorf("AQA.ASQS = %#x, want 31", aqa&0xffff)
	}
	if (aqa>>16)&0xffff != 31 {
		t.Errorf("AQA.ACQS = %#x, want 31", (aqa>>16)&0xffff)
	}

	w.SetASQ(0x1000)
	if got := *w.u64(OffASQ); got != 0x1000 {
		t.Errorf("ASQ = %#x, want 0x1000", got)
	}
	w.SetACQ(0x2000)
	if got := *w.u64(OffACQ); got != 0x2000 {
		t.Errorf("ACQ = %#x, want 0x2000", got)
	}
}

func TestDoorbellOffset(t *testing.T) {
	cases := []struct {
		qid        uint16
		completion bool
		stride     uint32
		want       int
	}{
		{0, false, 4, DoorbellBase + 0},
		{0, true, 4, DoorbellBase + 4},
		{1, false, 4, DoorbellBase + 8},
		{1, true, 4, DoorbellBase + 12},
		{1, false, 8, DoorbellBase + 16},
	}
	for _, c := range cases {
		got := doorbellOffset(c.qid, c.completion, c.stride)
		if got != c.want {
			t.Errorf("doorbellOffset(%d, %v, %d) = %#x, want %#x", c.qid, c.completion, c.stride, got, c.want)
		}
	}
}

func TestRingDoorbell(t *testing.T) {
	bar := newTestBAR()
	w := New(bar)

	w.RingDoorbell(1, true, 4, 42)
	off := doorbellOffset(1, true, 4)
	if got := *w.u32(off); got != 42 {
		t.Errorf("RingDoorbell wrote %d at offset %#x, want 42", got, off)
	}
}
