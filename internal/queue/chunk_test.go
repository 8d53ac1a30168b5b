package queue

import (
	"testing"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/dma"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/regs"
)

func newTestQPWithArena(t *testing.T, depth uint16) (*QueuePair, *dma.Arena) {
	t.Helper()
	bar := make([]byte, 0x2000)
	win := regs.New(bar)
	sim := iommu.NewSimulated(make([]byte, 0x2000))
	arena := dma.NewArena(sim, testPageSize, testPageSize*256)
	qp, err := New(0, depth, win, 4, arena, testPageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return qp, arena
}

// completeOutstanding writes a success completion for whatever descriptor
// currently holds a slot of qp's ring (there is only ever one in flight in
// this test harness) and pumps it.
func completeOutstanding(t *testing.T, qp *QueuePair) []*Descriptor {
	t.Helper()
	// Find the single currently-held slot.
	var slot uint16
	found := false
	for i, d := range qp.slotDesc {
		if d != nil {
			slot = uint16(i)
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no outstanding slot to complete")
	}
	cid := packCID(qp.QID, slot)
	writeFakeCompletion(t, qp, int(qp.cqHead), cid, 1)
	return qp.PumpCompletions()
}

func TestSubmitChunkedSingleFragment(t *testing.T) {
	qp, arena := newTestQPWithArena(t, 8)
	buf, err := arena.Alloc(testPageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	d, err := qp.SubmitChunked(true, 1, 0, 8, buf, 256, 512)
	if err != nil {
		t.Fatalf("SubmitChunked: %v", err)
	}
	if d.Pending != 1 {
		t.Fatalf("Pending = %d, want 1 (no fragmentation needed)", d.Pending)
	}

	resolved := completeOutstanding(t, qp)
	if len(resolved) != 1 || resolved[0] != d {
		t.Fatalf("expected descriptor to resolve in one completion")
	}
	if d.Status.Kind != StatusDone {
		t.Errorf("Status.Kind = %v, want StatusDone", d.Status.Kind)
	}
}

func TestSubmitChunkedFragmentsOversizeTransfer(t *testing.T) {
	qp, arena := newTestQPWithArena(t, 8)
	buf, err := arena.Alloc(1024 * 512)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	// maxbpio=256, nlb=1024 -> 4 sub-commands.
	d, err := qp.SubmitChunked(true, 1, 0, 1024, buf, 256, 512)
	if err != nil {
		t.Fatalf("SubmitChunked: %v", err)
	}
	if d.Pending != 4 {
		t.Fatalf("Pending = %d, want 4", d.Pending)
	}

	for i := 0; i < 3; i++ {
		resolved := completeOutstanding(t, qp)
		if len(resolved) != 0 {
			t.Fatalf("descriptor resolved early after %d completions", i+1)
		}
	}
	resolved := completeOutstanding(t, qp)
	if len(resolved) != 1 || resolved[0] != d {
		t.Fatalf("expected descriptor to resolve after 4th completion")
	}
	if d.Status.Kind != StatusDone {
		t.Errorf("Status.Kind = %v, want StatusDone", d.Status.Kind)
	}
	if d.RemainingNLB != 0 {
		t.Errorf("RemainingNLB = %d, want 0", d.RemainingNLB)
	}
}

func TestSubmitChunkedErrorLatches(t *testing.T) {
	qp, arena := newTestQPWithArena(t, 8)
	buf, err := arena.Alloc(1024 * 512)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	d, err := qp.SubmitChunked(true, 1, 0, 1024, buf, 256, 512)
	if err != nil {
		t.Fatalf("SubmitChunked: %v", err)
	}

	var slot uint16
	for i, desc := range qp.slotDesc {
		if desc != nil {
			slot = uint16(i)
		}
	}
	cid := packCID(qp.QID, slot)
	// status code 0x81, status type 2 (media error), phase 1.
	status := uint16(1)
	status |= 0x81 << 1
	status |= 2 << 9
	writeFakeCompletion(t, qp, int(qp.cqHead), cid, status)

	resolved := qp.PumpCompletions()
	if len(resolved) != 1 || resolved[0] != d {
		t.Fatalf("expected descriptor to resolve on first error")
	}
	if d.Status.Kind != StatusError {
		t.Errorf("Status.Kind = %v, want StatusError", d.Status.Kind)
	}
	if d.Status.NVMeStatus != status {
		t.Errorf("NVMeStatus = %#x, want %#x", d.Status.NVMeStatus, status)
	}
}
