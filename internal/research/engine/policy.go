package engine

import (
	"github.com/mohammad-safakhou/researcher/config"
)

// Action is the control decision taken after a cycle.
type Action string

const (
	ActionContinue   Action = "continue"
	ActionBacktrack  Action = "backtrack"
	ActionExploreNew Action = "explore_new"
)

// RandSource yields uniform values in [0,1). *math/rand.Rand satisfies it.
type RandSource interface {
	Float64() float64
}

// Policy maps an evaluation score to the next action.
type Policy struct {
	ContinueThreshold float64
	LowThreshold      float64
	MidContinueProb   float64
	LowBacktrackProb  float64
}

// DefaultPolicy continues on strong results, usually continues on middling ones
// and splits weak ones between backtracking and a fresh branch.
func DefaultPolicy() Policy {
	return Policy{ContinueThreshold: 0.7, LowThreshold: 0.4, MidContinueProb: 0.7, LowBacktrackProb: 0.5}
}

func PolicyFromConfig(c config.PolicyConfig) Policy {
	p := DefaultPolicy()
	if c.ContinueThreshold > 0 {
		p.ContinueThreshold = c.ContinueThreshold
	}
	if c.LowThreshold > 0 {
		p.LowThreshold = c.LowThreshold
	}
	if c.MidContinueProb != nil {
		p.MidContinueProb = *c.MidContinueProb
	}
	if c.LowBacktrackProb != nil {
		p.LowBacktrackProb = *c.LowBacktrackProb
	}
	return p
}

func (p Policy) Decide(score float64, r RandSource) Action {
	switch {
	case score >= p.ContinueThreshold:
		return ActionContinue
	case score >= p.LowThreshold:
		if r.Float64() < p.MidContinueProb {
			return ActionContinue
		}
		return ActionExploreNew
	default:
		if r.Float64() < p.LowBacktrackProb {
			return ActionBacktrack
		}
		return ActionExploreNew
	}
}
