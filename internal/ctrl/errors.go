package ctrl

import "fmt"

// These sentinel-shaped error types carry just enough structure for the
// root nvme package to classify them into nvme.ErrCode without ctrl
// importing the root package (which would be a cycle, since the root
// package imports ctrl).

type errDeviceTimeout string

func (e errDeviceTimeout) Error() string { return "ctrl: device-timeout: " + string(e) }

type errFatal string

func (e errFatal) Error() string { return "ctrl: fatal: " + string(e) }

type errOutOfResource string

func (e errOutOfResource) Error() string { return "ctrl: out-of-resource: " + string(e) }

// errNVMeStatus carries a raw CQE status field (type<<9 | code<<1 | ...).
type errNVMeStatus uint16

func (e errNVMeStatus) Error() string {
	code := (uint16(e) >> 1) & 0xff
	typ := (uint16(e) >> 9) & 0x7
	return fmt.Sprintf("ctrl: nvme-status(type=%d, code=%#x)", typ, code)
}

// StatusCode and StatusType decompose an errNVMeStatus for callers that
// need the raw (type, code) pair.
func (e errNVMeStatus) StatusCode() uint16 { return (uint16(e) >> 1) & 0xff }
func (e errNVMeStatus) StatusType() uint16 { return (uint16(e) >> 9) & 0x7 }

// IsDeviceTimeout reports whether err originated from a bring-up timeout.
func IsDeviceTimeout(err error) bool {
	_, ok := err.(errDeviceTimeout)
	return ok
}

// IsFatal reports whether err represents an unrecoverable bring-up failure.
func IsFatal(err error) bool {
	_, ok := err.(errFatal)
	return ok
}

// IsOutOfResource reports whether err originated from a queue-count
// negotiation the device could not satisfy. Queue-full and descriptor-pool
// exhaustion are internal/queue errors, reported by queue.IsOutOfResource.
func IsOutOfResource(err error) bool {
	_, ok := err.(errOutOfResource)
	return ok
}

// AsNVMeStatus extracts the raw (type, code) pair from an NVMe completion
// status error, if err is one.
func AsNVMeStatus(err error) (statusType, statusCode uint16, ok bool) {
	e, ok := err.(errNVMeStatus)
	if !ok {
		return 0, 0, false
	}
	return e.StatusType(), e.StatusCode(), true
}
