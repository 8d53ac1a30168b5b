//go:build !linux || !cgo

package regs

// Sfence is a no-op fallback on platforms without cgo/asm support. The real
// driver only ever runs on Linux/x86-64; this keeps the package buildable
// elsewhere (e.g. for the simulated controller used in tests on other
// platforms).
func Sfence() {}

// Mfence is a no-op fallback; see Sfence.
func Mfence() {}
