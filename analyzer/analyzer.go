// Package analyzer decides whether a discovered intent is valid and worth
// acting upon
package analyzer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/types"
)

// ErrPolicy is returned for valid intents that the local policy rejects
var ErrPolicy = errors.New("intent rejected by policy")

// Policy holds the economic bounds of the local node. Nil bounds are not
// checked.
type Policy struct {
	// Systems restricts the accepted systems, all are accepted when empty
	Systems []systems.ID
	// MinReward is the lowest maxRewardAmount of an accepted request
	MinReward *big.Int
	// MaxStake is the highest minimumStake of an accepted request
	MaxStake *big.Int
	// MaxReward is the highest rewardAmount of an accepted offer
	MaxReward *big.Int
	// MinStake is the lowest stakeAmount of an accepted offer
	MinStake *big.Int
}

// Analyzer checks intents against the validation config and the Policy
type Analyzer struct {
	cfg    types.ValidationConfig
	policy Policy
}

// New returns a new Analyzer
func New(cfg types.ValidationConfig, policy Policy) *Analyzer {
	return &Analyzer{cfg: cfg, policy: policy}
}

// Analyze returns nil if the intent can be acted upon at latestTs. It
// returns an error wrapping types.ErrValidation for invalid intents and
// ErrPolicy for intents outside the Policy.
func (a *Analyzer) Analyze(latestTs uint64, in types.Intent) error {
	if err := a.checkSystem(in); err != nil {
		return err
	}
	if err := types.Validate(latestTs, in, a.cfg); err != nil {
		return err
	}
	switch c := in.Commitment().(type) {
	case *types.ProofRequest:
		if below(c.MaxRewardAmount, a.policy.MinReward) {
			return fmt.Errorf("%w: max reward %s below %s", ErrPolicy,
				c.MaxRewardAmount, a.policy.MinReward)
		}
		if above(c.MinimumStake, a.policy.MaxStake) {
			return fmt.Errorf("%w: minimum stake %s above %s", ErrPolicy,
				c.MinimumStake, a.policy.MaxStake)
		}
	case *types.ProofOffer:
		if above(c.RewardAmount, a.policy.MaxReward) {
			return fmt.Errorf("%w: reward %s above %s", ErrPolicy,
				c.RewardAmount, a.policy.MaxReward)
		}
		if below(c.StakeAmount, a.policy.MinStake) {
			return fmt.Errorf("%w: stake %s below %s", ErrPolicy,
				c.StakeAmount, a.policy.MinStake)
		}
	}
	return nil
}

func (a *Analyzer) checkSystem(in types.Intent) error {
	// missing params are reported by types.Validate
	if len(a.policy.Systems) == 0 || in.System() == nil {
		return nil
	}
	for _, id := range a.policy.Systems {
		if id == in.SystemID() {
			return nil
		}
	}
	return fmt.Errorf("%w: system %s not accepted", ErrPolicy, in.SystemID())
}

func below(v, bound *big.Int) bool {
	if bound == nil {
		return false
	}
	return v == nil || v.Cmp(bound) < 0
}

func above(v, bound *big.Int) bool {
	if bound == nil || v == nil {
		return false
	}
	return v.Cmp(bound) > 0
}
