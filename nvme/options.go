package nvme

import "github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/logging"

// OpenParams configures device-shape parameters recognized by Open,
// mirroring the "Configuration recognized by open" table: qcount=0 uses
// the device-granted maximum, qsize=0 uses the device maximum, qsize=1 is
// rejected, nsid defaults to 1.
type OpenParams struct {
	NSID   uint32
	QCount uint16
	QSize  uint16
}

// DefaultOpenParams returns device-max queue count and size, namespace 1.
func DefaultOpenParams() OpenParams {
	return OpenParams{NSID: 1, QCount: 0, QSize: 0}
}

// OpenOptions carries cross-cutting concerns that are not part of the
// device's own shape: logging and the IOMMU container factory.
type OpenOptions struct {
	// Logger receives bring-up and teardown log lines; nil uses the
	// package default logger.
	Logger *logging.Logger

	// Container, if non-nil, is used instead of a real VFIO container —
	// tests and cmd/unvme-bench's -simulate flag wire internal/simctrl's
	// simulated container here.
	Container containerFactory
}

// DefaultOpenOptions returns an OpenOptions with no overrides: the default
// logger and a real VFIO container.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{}
}
