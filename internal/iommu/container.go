// Package iommu defines the external I/O-container collaborator this
// driver depends on but does not implement: binding a PCIe function into
// an IOMMU group, mapping host memory for DMA, and exposing the device's
// BAR and interrupt file descriptors. Provisioning the container itself is
// deliberately out of scope here; this package only specifies the
// interface, plus a minimal real binding and an in-process simulated one
// for tests.
package iommu

import "unsafe"

// Container is the interface the core needs from a user-space I/O
// framework such as VFIO. A real implementation binds one PCIe function
// per Container.
type Container interface {
	// BindFunction attaches the PCIe function identified by a BDF string
	// ("bb:dd.f") to this container.
	BindFunction(bdf string) error

	// MapRegion maps length bytes of host memory at virt for DMA, and
	// returns the IOVA the device will use to address it.
	MapRegion(virt unsafe.Pointer, length int) (iova uint64, err error)

	// UnmapRegion reverses a prior MapRegion.
	UnmapRegion(iova uint64, length int) error

	// MapBAR returns a byte slice backed by the device's given BAR index,
	// suitable for wrapping with regs.New.
	MapBAR(bar int) ([]byte, error)

	// InterruptFDs returns readable file descriptors the device signals
	// on completion interrupts. The reference polling path in this driver
	// does not require them; they exist for implementations that choose
	// interrupt-driven waiting.
	InterruptFDs() ([]int, error)

	// Close releases the container and everything it mapped.
	Close() error
}
