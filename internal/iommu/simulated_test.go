package iommu

import (
	"testing"
	"unsafe"
)

func TestSimulatedMapUnmap(t *testing.T) {
	s := NewSimulated(make([]byte, 0x2000))
	if err := s.BindFunction("01:00.0"); err != nil {
		t.Fatalf("BindFunction: %v", err)
	}
	if err := s.BindFunction("02:00.0"); err == nil {
		t.Errorf("second BindFunction should fail")
	}

	buf := make([]byte, 4096)
	iova, err := s.MapRegion(unsafe.Pointer(&buf[0]), len(buf))
	if err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := s.UnmapRegion(iova, len(buf)); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}
	if err := s.UnmapRegion(iova, len(buf)); err == nil {
		t.Errorf("double UnmapRegion should fail")
	}
}

func TestSimulatedMapBAR(t *testing.T) {
	bar0 := make([]byte, 0x2000)
	s := NewSimulated(bar0)
	got, err := s.MapBAR(0)
	if err != nil {
		t.Fatalf("MapBAR(0): %v", err)
	}
	if &got[0] != &bar0[0] {
		t.Errorf("MapBAR(0) did not return the configured backing slice")
	}
	if _, err := s.MapBAR(1); err == nil {
		t.Errorf("MapBAR(1) should fail on a single-BAR simulated container")
	}
}
