// worker.go
//
// Role definitions and plumbing shared by every worker orchestrator.

package prime

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Role identifies the function a worker performs in the training loop. A
// worker may combine actor, rollout and reference ("hybrid") roles over one
// shared model to save memory.
type Role string

const (
	RoleActor           Role = "actor"
	RoleRollout         Role = "rollout"
	RoleRef             Role = "ref"
	RoleActorRollout    Role = "actor_rollout"
	RoleActorRolloutRef Role = "actor_rollout_ref"
	RoleCritic          Role = "critic"
	RoleRewardModel     Role = "reward_model"
)

// roleFlags decomposes a combined role into capability flags. An
// unrecognized role is a fatal configuration error.
func roleFlags(role Role) (isActor, isRollout, isRef bool, err error) {
	switch role {
	case RoleActor:
		return true, false, false, nil
	case RoleRollout:
		return false, true, false, nil
	case RoleRef:
		return false, false, true, nil
	case RoleActorRollout:
		return true, true, false, nil
	case RoleActorRolloutRef:
		return true, true, true, nil
	default:
		return false, false, false, fmt.Errorf("%w: unknown actor role %q", ErrConfig, role)
	}
}

// logFootprint records a memory-footprint transition point. Residency
// changes are the dominant accelerator-memory events, so each bracket edge
// is tagged.
func logFootprint(stage string, ctx DistContext) {
	logrus.Debugf("[rank %d] %s", ctx.Rank(), stage)
}
