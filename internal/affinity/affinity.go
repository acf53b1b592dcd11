// Package affinity pins the calling OS thread to a single CPU core: the
// mechanism behind running parallel OS threads, one per stage, each
// pinned to a configured CPU core. Pinning must happen on the goroutine
// that will run the stage's hot loop — callers should wrap the stage
// entry point in runtime.LockOSThread before calling Pin, matching the
// corpus's use of golang.org/x/sys for direct syscall access
// (IntuitionEngine, sakateka-yanet2) elevated here from an indirect
// dependency of those repos to a direct one of our own.
package affinity

import "golang.org/x/sys/unix"

// Pin binds the current OS thread to core. A negative core disables
// pinning (used for "no assignment configured").
func Pin(core int) error {
	if core < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
