package engine

import "stagegate/internal/domain"

// Progress reports what a progression step changed.
type Progress struct {
	// Activated lists the ids of gates flipped from LOCKED to ACTIVE.
	Activated      []string
	OutcomeChanged bool
	Outcome        string
}

// RecomputeProgression advances inst after a gate changed state. A rejected
// gate rejects the instance; when every gate is satisfied the instance is
// approved; otherwise, once no gate is active, all locked gates of the lowest
// remaining tier open together. Calling it again without an intervening
// change is a no-op.
func RecomputeProgression(inst *domain.Instance) Progress {
	before := inst.Outcome
	finish := func(p Progress) Progress {
		p.Outcome = inst.Outcome
		p.OutcomeChanged = inst.Outcome != before
		return p
	}
	for _, g := range inst.Gates {
		if g.Status == domain.GateRejected {
			inst.Outcome = domain.OutcomeRejected
			return finish(Progress{})
		}
	}
	minTier := 0
	remaining := 0
	for _, g := range inst.Gates {
		if g.Resolved() {
			continue
		}
		if g.Status == domain.GateActive {
			return finish(Progress{})
		}
		if remaining == 0 || g.Tier < minTier {
			minTier = g.Tier
		}
		remaining++
	}
	if remaining == 0 {
		inst.Outcome = domain.OutcomeApproved
		return finish(Progress{})
	}
	var p Progress
	for n := range inst.Gates {
		g := &inst.Gates[n]
		if g.Status == domain.GateLocked && g.Tier == minTier {
			g.Status = domain.GateActive
			p.Activated = append(p.Activated, g.ID)
		}
	}
	return finish(p)
}

// quorumMet reports whether the gate's approvals satisfy its policy.
func quorumMet(g domain.Gate) bool {
	if g.QuorumPolicy == domain.QuorumAll {
		for _, p := range g.RequiredApprovers {
			if !g.HasApproved(p) {
				return false
			}
		}
		return len(g.RequiredApprovers) > 0
	}
	return len(g.ActualApprovers) > 0
}
