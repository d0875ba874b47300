package kiwiqueue

import "go.uber.org/automaxprocs/maxprocs"

// automaxprocsSet corrects runtime.GOMAXPROCS to match a cgroup CPU quota
// (e.g. inside a container), so the default thread-slot sizing in
// NewQueue (runtime.GOMAXPROCS(0) * defaultThreadSlotMult) reflects the
// CPUs actually available rather than the host's full core count. This is
// a no-op outside a CPU-quota'd environment. Errors are swallowed: a
// failure here should never prevent constructing a queue.
func automaxprocsSet() (undo func(), err error) {
	return maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))
}
