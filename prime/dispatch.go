// dispatch.go
//
// Declarative routing table consumed by the remote-dispatch substrate. Each
// exposed worker operation registers its dispatch mode; the substrate uses
// the table to decide whether to broadcast a call or to partition the batch
// across the group.

package prime

import (
	"fmt"
	"sort"
)

// DispatchMode selects how the controller routes one operation to a worker
// group.
type DispatchMode int

const (
	// OneToAll broadcasts the same call verbatim to every worker in the
	// group. Used for initialization and checkpointing.
	OneToAll DispatchMode = iota
	// DPComputeProto partitions the caller's batch across the group before
	// the call and re-gathers results in original order after.
	DPComputeProto
)

func (m DispatchMode) String() string {
	switch m {
	case OneToAll:
		return "ONE_TO_ALL"
	case DPComputeProto:
		return "DP_COMPUTE_PROTO"
	default:
		return fmt.Sprintf("DispatchMode(%d)", int(m))
	}
}

// Canonical operation names shared between workers and the dispatch
// substrate.
const (
	OpInitModel         = "init_model"
	OpUpdateActor       = "update_actor"
	OpGenerateSequences = "generate_sequences"
	OpComputeRefLogProb = "compute_ref_log_prob"
	OpComputeValues     = "compute_values"
	OpUpdateCritic      = "update_critic"
	OpComputeRmScore    = "compute_rm_score"
	OpSaveCheckpoint    = "save_checkpoint"
)

// OpRegistry maps operation names to dispatch modes for one worker type.
type OpRegistry struct {
	modes map[string]DispatchMode
}

// NewOpRegistry creates an empty registry.
func NewOpRegistry() *OpRegistry {
	return &OpRegistry{modes: map[string]DispatchMode{}}
}

// Register declares an operation's dispatch mode. Double registration is a
// programming error.
func (r *OpRegistry) Register(op string, mode DispatchMode) {
	if _, ok := r.modes[op]; ok {
		panic(fmt.Sprintf("dispatch: operation %q registered twice", op))
	}
	r.modes[op] = mode
}

// Mode looks up the dispatch mode for an operation.
func (r *OpRegistry) Mode(op string) (DispatchMode, bool) {
	m, ok := r.modes[op]
	return m, ok
}

// Ops returns registered operation names in sorted order.
func (r *OpRegistry) Ops() []string {
	out := make([]string, 0, len(r.modes))
	for op := range r.modes {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}
