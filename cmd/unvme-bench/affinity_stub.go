//go:build !linux

package main

// pinToQueue is a no-op outside Linux: SchedSetaffinity has no portable
// equivalent, and LockOSThread alone doesn't buy queue-pair isolation
// without it.
func pinToQueue(qid int) {}
