//go:build !linux

package nvme

import (
	"fmt"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/iommu"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/logging"
)

// defaultContainerFactory has no real VFIO binding outside Linux; callers
// on other platforms must supply OpenOptions.Container (e.g. a simulated
// one for tests).
func defaultContainerFactory(*logging.Logger) containerFactory {
	return func(bdf string) (iommu.Container, error) {
		return nil, fmt.Errorf("nvme: no VFIO container available for %s on this platform", bdf)
	}
}
