// Package dma implements the driver's DMA memory manager: a growable arena
// of IOMMU-mapped backing regions, each slab-allocated into fixed-size
// pages, handed out as (virt, iova, length) buffers.
//
// The region/chunk model follows the raw mmap/munmap discipline of
// mmapQueues-style ring allocation, and the hugepage-backed arena concept
// (hugePageDir/hugePagePrefix) from an SPDK-style bdev backend: each region
// here stands in for one hugepage-backed, IOMMU-pinned extent.
package dma

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
)

// Buffer is a handle to one DMA-mapped allocation.
type Buffer struct {
	Virt   []byte
	IOVA   uint64
	Length int

	region *region
	chunk  int // first chunk index within region
	chunks int // number of contiguous chunks held
}

type region struct {
	virt     []byte
	iova     uint64
	pageSize int
	free     []bool // true = chunk is free
}

func (r *region) pages() int { return len(r.free) }

// findRun scans for n contiguous free chunks, returning the starting index
// or -1 if none exist.
func (r *region) findRun(n int) int {
	run := 0
	for i, f := range r.free {
		if f {
			run++
			if run == n {
				return i - n + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}

// Arena owns every DMA region opened for one controller. It is serialized
// with a single short-critical-section mutex.
type Arena struct {
	mu        sync.Mutex
	container iommu.Container
	pageSize  int
	regionLen int
	regions   []*region
}

// NewArena constructs an empty arena. regionLen is the size, in bytes, of
// each backing region mmap'd on growth; pageSize is the slab chunk size
// (normally the host page size, 4096).
func NewArena(container iommu.Container, pageSize, regionLen int) *Arena {
	return &Arena{container: container, pageSize: pageSize, regionLen: regionLen}
}

// Alloc returns a buffer of at least length bytes. Requests at or under
// pageSize are served from a single free chunk; larger requests round up
// to a pageSize multiple and are served from a contiguous run of chunks
// within one region, growing the arena by one region if none has room.
func (a *Arena) Alloc(length int) (*Buffer, error) {
	if length <= 0 {
		return nil, errors.New("dma: Alloc requires length > 0")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	need := (length + a.pageSize - 1) / a.pageSize
	if need < 1 {
		need = 1
	}

	for _, r := range a.regions {
		if start := r.findRun(need); start >= 0 {
			return a.take(r, start, need, length), nil
		}
	}

	r, err := a.growLocked()
	if err != nil {
		return nil, errors.Wrap(err, "dma: Alloc out-of-memory")
	}
	start := r.findRun(need)
	if start < 0 {
		return nil, errors.Errorf("dma: Alloc: region too small for %d chunks", need)
	}
	return a.take(r, start, need, length), nil
}

func (a *Arena) take(r *region, start, need, length int) *Buffer {
	for i := start; i < start+need; i++ {
		r.free[i] = false
	}
	off := start * r.pageSize
	return &Buffer{
		Virt:   r.virt[off : off+need*r.pageSize][:length],
		IOVA:   r.iova + uint64(off),
		Length: length,
		region: r,
		chunk:  start,
		chunks: need,
	}
}

// growLocked mmaps one new anonymous region and maps it into the IOMMU
// container, never returning regions already held while the controller is
// open.
func (a *Arena) growLocked() (*region, error) {
	virt, err := unix.Mmap(-1, 0, a.regionLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap region: %w", err)
	}
	iova, err := a.container.MapRegion(unsafe.Pointer(&virt[0]), a.regionLen)
	if err != nil {
		unix.Munmap(virt)
		return nil, fmt.Errorf("map region into IOMMU: %w", err)
	}
	r := &region{
		virt:     virt,
		iova:     iova,
		pageSize: a.pageSize,
		free:     make([]bool, a.regionLen/a.pageSize),
	}
	for i := range r.free {
		r.free[i] = true
	}
	a.regions = append(a.regions, r)
	return r, nil
}

// Free returns buf's chunks to its region's free-list. It fails with a
// not-owned error if buf was not produced by this arena's Alloc.
func (a *Arena) Free(buf *Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if buf == nil || buf.region == nil {
		return errors.New("dma: Free: buffer not owned by this arena")
	}
	owned := false
	for _, r := range a.regions {
		if r == buf.region {
			owned = true
			break
		}
	}
	if !owned {
		return errors.New("dma: Free: buffer not owned by this arena")
	}
	for i := buf.chunk; i < buf.chunk+buf.chunks; i++ {
		buf.region.free[i] = true
	}
	buf.region = nil
	return nil
}

// MapExisting maps caller-owned memory (not drawn from this arena's slab)
// for DMA, returning its IOVA. Used for one-off regions such as ring
// buffers that have their own lifetime management.
func (a *Arena) MapExisting(virt []byte) (uint64, error) {
	if len(virt) == 0 {
		return 0, errors.New("dma: MapExisting requires a non-empty slice")
	}
	return a.container.MapRegion(unsafe.Pointer(&virt[0]), len(virt))
}

// Owns reports whether ptr lies within any region this arena has mapped;
// used by the debug-mode buffer-provenance check.
func (a *Arena) Owns(virt []byte) bool {
	if len(virt) == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p := uintptr(unsafe.Pointer(&virt[0]))
	for _, r := range a.regions {
		if len(r.virt) == 0 {
			continue
		}
		base := uintptr(unsafe.Pointer(&r.virt[0]))
		if p >= base && p < base+uintptr(len(r.virt)) {
			return true
		}
	}
	return false
}

// Close unmaps every region this arena ever grew.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, r := range a.regions {
		if err := a.container.UnmapRegion(r.iova, len(r.virt)); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := unix.Munmap(r.virt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.regions = nil
	return firstErr
}
