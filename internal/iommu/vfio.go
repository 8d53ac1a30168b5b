//go:build linux

package iommu

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/logging"
)

// VFIO ioctl numbers (linux/vfio.h). Only the subset this driver's
// reference polling path needs is implemented; a production binding would
// also negotiate IOMMU type and group viability before BindFunction.
const (
	vfioGetAPIVersion    = 0x3b64
	vfioCheckExtension   = 0x3b65
	vfioSetIOMMU         = 0x3b66
	vfioGroupGetStatus   = 0x3b67
	vfioGroupSetContainer = 0x3b68
	vfioGroupGetDeviceFD = 0x3b6a
	vfioDeviceGetRegionInfo = 0x3b6c
	vfioDeviceGetIRQInfo = 0x3b6d
	vfioIOMMUMapDMA      = 0x3b71
	vfioIOMMUUnmapDMA    = 0x3b72
)

// VFIOContainer is a deliberately minimal VFIO binding: enough raw ioctl
// and mmap plumbing to attach a single PCIe function and map its BAR and
// DMA memory. It is a real but thin syscall-level implementation, not a
// feature-complete one.
type VFIOContainer struct {
	mu         sync.Mutex
	containerFD int
	groupFD    int
	deviceFD   int
	bdf        string
	nextIOVA   uint64
	log        *logging.Logger
}

// NewVFIOContainer opens /dev/vfio/vfio and prepares an empty container.
// BindFunction must be called before any other method.
func NewVFIOContainer(log *logging.Logger) (*VFIOContainer, error) {
	fd, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("iommu: open /dev/vfio/vfio: %w", err)
	}
	if log == nil {
		log = logging.Default()
	}
	return &VFIOContainer{containerFD: fd, groupFD: -1, deviceFD: -1, nextIOVA: 0x10000, log: log}, nil
}

// BindFunction opens the IOMMU group owning bdf, adds it to the container,
// sets the IOMMU type, and acquires the device file descriptor.
func (c *VFIOContainer) BindFunction(bdf string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	groupPath, err := groupPathForBDF(bdf)
	if err != nil {
		return fmt.Errorf("iommu: resolve group for %s: %w", bdf, err)
	}
	gfd, err := unix.Open(groupPath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("iommu: open %s: %w", groupPath, err)
	}
	if err := ioctl(uintptr(gfd), vfioGroupSetContainer, uintptr(c.containerFD)); err != nil {
		unix.Close(gfd)
		return fmt.Errorf("iommu: VFIO_GROUP_SET_CONTAINER: %w", err)
	}
	if err := ioctl(uintptr(c.containerFD), vfioSetIOMMU, 1 /* VFIO_TYPE1_IOMMU */); err != nil {
		unix.Close(gfd)
		return fmt.Errorf("iommu: VFIO_SET_IOMMU: %w", err)
	}
	devfd, err := ioctlString(uintptr(gfd), vfioGroupGetDeviceFD, bdf)
	if err != nil {
		unix.Close(gfd)
		return fmt.Errorf("iommu: VFIO_GROUP_GET_DEVICE_FD for %s: %w", bdf, err)
	}
	c.groupFD = gfd
	c.deviceFD = devfd
	c.bdf = bdf
	c.log.Info("bound PCIe function", "bdf", bdf)
	return nil
}

// MapRegion maps virt for DMA and returns a monotonically increasing IOVA;
// mapped ranges are never reused even after UnmapRegion.
func (c *VFIOContainer) MapRegion(virt unsafe.Pointer, length int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	iova := c.nextIOVA
	dmaMap := struct {
		ArgSz uint32
		Flags uint32
		VAddr uint64
		IOVA  uint64
		Size  uint64
	}{
		ArgSz: 32,
		Flags: 3, // READ | WRITE
		VAddr: uint64(uintptr(virt)),
		IOVA:  iova,
		Size:  uint64(length),
	}
	if err := ioctlPtr(uintptr(c.containerFD), vfioIOMMUMapDMA, unsafe.Pointer(&dmaMap)); err != nil {
		return 0, fmt.Errorf("iommu: VFIO_IOMMU_MAP_DMA: %w", err)
	}
	c.nextIOVA += uint64(length)
	return iova, nil
}

// UnmapRegion reverses a prior MapRegion.
func (c *VFIOContainer) UnmapRegion(iova uint64, length int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dmaUnmap := struct {
		ArgSz uint32
		Flags uint32
		IOVA  uint64
		Size  uint64
	}{
		ArgSz: 24,
		IOVA:  iova,
		Size:  uint64(length),
	}
	if err := ioctlPtr(uintptr(c.containerFD), vfioIOMMUUnmapDMA, unsafe.Pointer(&dmaUnmap)); err != nil {
		return fmt.Errorf("iommu: VFIO_IOMMU_UNMAP_DMA: %w", err)
	}
	return nil
}

// MapBAR mmaps the given BAR region index off the device file descriptor.
func (c *VFIOContainer) MapBAR(bar int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := struct {
		ArgSz uint32
		Flags uint32
		Index uint32
		Cap   uint32
		Size  uint64
		Offset uint64
	}{ArgSz: 32, Index: uint32(bar)}
	if err := ioctlPtr(uintptr(c.deviceFD), vfioDeviceGetRegionInfo, unsafe.Pointer(&info)); err != nil {
		return nil, fmt.Errorf("iommu: VFIO_DEVICE_GET_REGION_INFO(bar=%d): %w", bar, err)
	}
	mem, err := unix.Mmap(c.deviceFD, int64(info.Offset), int(info.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("iommu: mmap bar %d: %w", bar, err)
	}
	return mem, nil
}

// InterruptFDs is unimplemented in this minimal binding; the reference
// polling path never calls it.
func (c *VFIOContainer) InterruptFDs() ([]int, error) {
	return nil, fmt.Errorf("iommu: interrupt-driven waiting not implemented by VFIOContainer")
}

// Close releases the device, group, and container file descriptors.
func (c *VFIOContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deviceFD >= 0 {
		unix.Close(c.deviceFD)
	}
	if c.groupFD >= 0 {
		unix.Close(c.groupFD)
	}
	return unix.Close(c.containerFD)
}

func groupPathForBDF(bdf string) (string, error) {
	link := fmt.Sprintf("/sys/bus/pci/devices/0000:%s/iommu_group", bdf)
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	group := target
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == '/' {
			group = target[i+1:]
			break
		}
	}
	return "/dev/vfio/" + group, nil
}

func ioctl(fd uintptr, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlString(fd uintptr, req uint, s string) (int, error) {
	cs, err := unix.BytePtrFromString(s)
	if err != nil {
		return 0, err
	}
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(unsafe.Pointer(cs)))
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}
