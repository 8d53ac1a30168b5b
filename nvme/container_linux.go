//go:build linux

package nvme

import (
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/logging"
)

// defaultContainerFactory binds each BDF to its own real VFIO container.
func defaultContainerFactory(log *logging.Logger) containerFactory {
	return func(bdf string) (iommu.Container, error) {
		return iommu.NewVFIOContainer(log)
	}
}
