package dma

import (
	"testing"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
)

const testPageSize = 4096

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	sim := iommu.NewSimulated(make([]byte, 0x2000))
	return NewArena(sim, testPageSize, testPageSize*8)
}

func TestAllocSingleChunk(t *testing.T) {
	a := newTestArena(t)
	buf, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(buf.Virt) != 100 {
		t.Errorf("Virt length = %d, want 100", len(buf.Virt))
	}
	if !a.Owns(buf.Virt) {
		t.Errorf("Owns() = false for freshly allocated buffer")
	}
}

func TestAllocMultiChunk(t *testing.T) {
	a := newTestArena(t)
	buf, err := a.Alloc(testPageSize*3 + 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if buf.chunks != 4 {
		t.Errorf("chunks = %d, want 4", buf.chunks)
	}
}

func TestAllocGrowsArena(t *testing.T) {
	a := newTestArena(t)
	// region holds 8 chunks; allocate all of them, then one more forces growth.
	for i := 0; i < 8; i++ {
		if _, err := a.Alloc(testPageSize); err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
	}
	if len(a.regions) != 1 {
		t.Fatalf("regions = %d, want 1 before growth", len(a.regions))
	}
	if _, err := a.Alloc(testPageSize); err != nil {
		t.Fatalf("Alloc after exhaustion: %v", err)
	}
	if len(a.regions) != 2 {
		t.Errorf("regions = %d, want 2 after growth", len(a.regions))
	}
}

func TestFreeAndReuse(t *testing.T) {
	a := newTestArena(t)
	buf, err := a.Alloc(testPageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Free(buf); err == nil {
		t.Errorf("double Free should fail with not-owned")
	}

	buf2, err := a.Alloc(testPageSize)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if len(a.regions) != 1 {
		t.Errorf("Alloc after free grew the arena unexpectedly: regions=%d", len(a.regions))
	}
	_ = buf2
}

func TestFreeNotOwned(t *testing.T) {
	a1 := newTestArena(t)
	a2 := newTestArena(t)
	buf, err := a1.Alloc(testPageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a2.Free(buf); err == nil {
		t.Errorf("Free of a buffer from a different arena should fail with not-owned")
	}
}

func TestMapExisting(t *testing.T) {
	a := newTestArena(t)
	external := make([]byte, testPageSize)
	iova, err := a.MapExisting(external)
	if err != nil {
		t.Fatalf("MapExisting: %v", err)
	}
	if iova == 0 {
		t.Errorf("MapExisting returned a zero IOVA")
	}
}
