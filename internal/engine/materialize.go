package engine

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"stagegate/internal/domain"
)

// MaterializeOptions carries the submission facts frozen into an instance.
type MaterializeOptions struct {
	InstanceID   string
	DocumentID   string
	DocumentKind string
	CompanyID    string
	DepartmentID string
	RequesterID  string
	// Amount is already normalized to Currency, the company reference currency.
	Amount   int64
	Currency string
	// Dynamic maps references such as @manager to the principal they resolved to.
	Dynamic map[string]string
	Now     string
	NewID   func() string
}

// Materialize freezes tpl into a pending instance with its first tier active.
// It returns nil when no gate applies to the amount. Every gate is checked for
// a usable approver set, including gates the amount filters out.
func Materialize(tpl domain.Template, opts MaterializeOptions) (*domain.Instance, error) {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	type candidate struct {
		def       domain.GateDefinition
		position  int
		approvers []string
	}
	var applicable []candidate
	for pos, def := range tpl.Gates {
		approvers := resolveApprovers(def.RequiredApprovers, opts.Dynamic, tpl.ForbidSelfApproval, opts.RequesterID)
		if len(approvers) == 0 {
			return nil, InvalidGateConfigurationError{TemplateID: tpl.ID, Label: def.Label, Tier: def.Tier}
		}
		if def.MinThreshold != nil && opts.Amount < *def.MinThreshold {
			continue
		}
		applicable = append(applicable, candidate{def: def, position: pos, approvers: approvers})
	}
	if len(applicable) == 0 {
		return nil, nil
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].def.Tier != applicable[j].def.Tier {
			return applicable[i].def.Tier < applicable[j].def.Tier
		}
		return applicable[i].position < applicable[j].position
	})

	id := opts.InstanceID
	if id == "" {
		id = newID()
	}
	inst := &domain.Instance{
		ID:              id,
		DocumentID:      opts.DocumentID,
		DocumentKind:    opts.DocumentKind,
		CompanyID:       opts.CompanyID,
		DepartmentID:    opts.DepartmentID,
		RequesterID:     opts.RequesterID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Amount:          opts.Amount,
		Currency:        opts.Currency,
		Outcome:         domain.OutcomePending,
		CreatedAt:       opts.Now,
		UpdatedAt:       opts.Now,
	}
	for n, c := range applicable {
		policy := strings.ToUpper(c.def.QuorumPolicy)
		if policy != domain.QuorumAll {
			policy = domain.QuorumAny
		}
		inst.Gates = append(inst.Gates, domain.Gate{
			ID:                newID(),
			InstanceID:        id,
			Position:          n,
			Tier:              c.def.Tier,
			Label:             c.def.Label,
			QuorumPolicy:      policy,
			RequiredApprovers: c.approvers,
			ActualApprovers:   []string{},
			Status:            domain.GateLocked,
		})
	}
	RecomputeProgression(inst)
	return inst, nil
}

// resolveApprovers expands dynamic references, drops the requester when
// self-approval is forbidden and returns a sorted, de-duplicated copy.
func resolveApprovers(refs []string, dynamic map[string]string, forbidSelf bool, requester string) []string {
	seen := map[string]bool{}
	var out []string
	for _, ref := range refs {
		p := strings.TrimSpace(ref)
		if strings.HasPrefix(p, "@") {
			p = dynamic[p]
		}
		if p == "" || seen[p] {
			continue
		}
		if forbidSelf && p == requester {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// dynamicRefs lists the dynamic references used anywhere in tpl.
func dynamicRefs(tpl domain.Template) []string {
	seen := map[string]bool{}
	var refs []string
	for _, g := range tpl.Gates {
		for _, r := range g.RequiredApprovers {
			r = strings.TrimSpace(r)
			if strings.HasPrefix(r, "@") && !seen[r] {
				seen[r] = true
				refs = append(refs, r)
			}
		}
	}
	return refs
}
