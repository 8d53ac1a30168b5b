// Package nvme is the public session/namespace façade: open/close a
// controller by BDF, allocate DMA buffers, and submit/poll async block I/O.
package nvme

import (
	"errors"
	"fmt"

	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/ctrl"
	"github.com/wilkening-mark/RecSSD-UNVMeDriver/internal/queue"
)

// ErrCode is a high-level error category every failure in this package is
// classified into.
type ErrCode string

const (
	ErrCodeInvalidArgument ErrCode = "invalid-argument"
	ErrCodeOutOfResource   ErrCode = "out-of-resource"
	ErrCodeNotOwned        ErrCode = "not-owned"
	ErrCodeDeviceTimeout   ErrCode = "device-timeout"
	ErrCodeNVMeStatus      ErrCode = "nvme-status"
	ErrCodeFatal           ErrCode = "fatal"
)

// Error is a structured error carrying the operation, the device/queue it
// happened on, its category, and (for nvme-status errors) the raw
// completion status.
type Error struct {
	Op         string
	BDF        string
	QID        int // -1 if not applicable
	Code       ErrCode
	StatusType uint16 // valid when Code == ErrCodeNVMeStatus
	StatusCode uint16 // valid when Code == ErrCodeNVMeStatus
	Msg        string
	Inner      error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.BDF != "" {
		parts = append(parts, fmt.Sprintf("bdf=%s", e.BDF))
	}
	if e.QID >= 0 {
		parts = append(parts, fmt.Sprintf("qid=%d", e.QID))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Code == ErrCodeNVMeStatus {
		msg = fmt.Sprintf("%s (type=%d, code=%#x)", msg, e.StatusType, e.StatusCode)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("nvme: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("nvme: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

func newError(op, bdf string, qid int, code ErrCode, msg string) *Error {
	return &Error{Op: op, BDF: bdf, QID: qid, Code: code, Msg: msg}
}

// wrapInternal classifies an error returned by internal/ctrl or
// internal/queue into an *Error, falling back to ErrCodeFatal for anything
// unrecognized (bring-up failures are always fatal to the namespace handle).
func wrapInternal(op, bdf string, qid int, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	if ctrl.IsDeviceTimeout(err) {
		return &Error{Op: op, BDF: bdf, QID: qid, Code: ErrCodeDeviceTimeout, Msg: err.Error(), Inner: err}
	}
	if ctrl.IsFatal(err) {
		return &Error{Op: op, BDF: bdf, QID: qid, Code: ErrCodeFatal, Msg: err.Error(), Inner: err}
	}
	if ctrl.IsOutOfResource(err) || queue.IsOutOfResource(err) {
		return &Error{Op: op, BDF: bdf, QID: qid, Code: ErrCodeOutOfResource, Msg: err.Error(), Inner: err}
	}
	if st, code, ok := ctrl.AsNVMeStatus(err); ok {
		return &Error{Op: op, BDF: bdf, QID: qid, Code: ErrCodeNVMeStatus, StatusType: st, StatusCode: code, Msg: err.Error(), Inner: err}
	}
	return &Error{Op: op, BDF: bdf, QID: qid, Code: ErrCodeFatal, Msg: err.Error(), Inner: err}
}

// nvmeStatusError builds an *Error from a descriptor's resolved
// error status, used by APoll/synchronous wrappers.
func nvmeStatusError(op, bdf string, qid int, status uint16) *Error {
	statusCode := (status >> 1) & 0xff
	statusType := (status >> 9) & 0x7
	return &Error{
		Op: op, BDF: bdf, QID: qid,
		Code:       ErrCodeNVMeStatus,
		StatusType: statusType,
		StatusCode: statusCode,
		Msg:        "completion reported non-zero status",
	}
}

// IsCode reports whether err (or anything it wraps) is an *Error with the
// given category.
func IsCode(err error, code ErrCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// ExitCode computes the failure exit code convention: 0 success, -1
// timeout, positive values are (status-type<<8 | status-code).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case ErrCodeDeviceTimeout:
			return -1
		case ErrCodeNVMeStatus:
			return int(e.StatusType)<<8 | int(e.StatusCode)
		}
	}
	return -1
}
