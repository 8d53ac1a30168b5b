//go:build linux

package main

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToQueue locks the calling goroutine to its current OS thread and
// pins that thread to CPU (qid mod NumCPU), so one queue pair's
// submitter never migrates mid-run and never shares a core's cache line
// with another queue's doorbell writes.
func pinToQueue(qid int) {
	runtime.LockOSThread()

	ncpu := runtime.NumCPU()
	if ncpu <= 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(qid % ncpu)
	// Best-effort: a sandboxed or restricted-affinity environment may
	// reject this; the thread stays locked to itself either way.
	_ = unix.SchedSetaffinity(0, &set)
}
