// runtime.go
//
// Process-wide distributed runtime handle. The real collective substrate
// (NCCL-style process groups) lives outside this module; workers receive an
// explicit DistContext instead of reading ambient global state so the core
// stays testable with a single-rank fake.

package prime

// DistContext is the handle to the collective runtime a worker group runs
// under. One worker process per accelerator device; WorldSize is the group
// size and Rank this worker's position in it.
//
// Barrier blocks until every member of the group reaches the same point.
// A member that never arrives stalls the group indefinitely; uniform
// dispatch is the caller's responsibility.
type DistContext interface {
	WorldSize() int
	Rank() int
	Barrier()
}

// LocalContext is a single-rank DistContext for tests and standalone runs.
// Barrier is a no-op: a group of one is always synchronized.
type LocalContext struct{}

// NewLocalContext creates a LocalContext.
func NewLocalContext() *LocalContext {
	return &LocalContext{}
}

func (*LocalContext) WorldSize() int { return 1 }
func (*LocalContext) Rank() int      { return 0 }
func (*LocalContext) Barrier()       {}

// IsCoordinator reports whether this rank performs coordinated side effects
// (checkpoint writes, console reporting). Only rank 0 does, so back-to-back
// saves from a full group produce one file set.
func IsCoordinator(ctx DistContext) bool {
	return ctx.Rank() == 0
}
