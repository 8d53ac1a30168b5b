package queue

import "errors"

// IsOutOfResource reports whether err (or anything it wraps) is this
// package's out-of-resource sentinel — a full slot or descriptor pool.
func IsOutOfResource(err error) bool {
	var e errOutOfResource
	return errors.As(err, &e)
}
