package domain

// Quorum policies for a gate.
const (
	QuorumAny = "ANY"
	QuorumAll = "ALL"
)

// Gate statuses.
const (
	GateLocked    = "LOCKED"
	GateActive    = "ACTIVE"
	GateSatisfied = "SATISFIED"
	GateRejected  = "REJECTED"
)

// Instance outcomes.
const (
	OutcomePending  = "PENDING"
	OutcomeApproved = "APPROVED"
	OutcomeRejected = "REJECTED"
)

// Dynamic approver references resolved through the directory at submission.
const (
	RefManager           = "@manager"
	RefDepartmentManager = "@department_manager"
)

type Template struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	CompanyID          string           `json:"company_id"`
	DepartmentID       string           `json:"department_id,omitempty"`
	Sequence           int              `json:"sequence"`
	Active             bool             `json:"active"`
	Version            int              `json:"version"`
	ForbidSelfApproval bool             `json:"forbid_self_approval"`
	Gates              []GateDefinition `json:"gates"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
	UpdatedAt          string           `json:"updated_at" format:"date-time"`
	// CreatedSeq is the store-assigned creation order. It is unique per store
	// and orders templates created within the same second.
	CreatedSeq int64 `json:"-"`
}

type GateDefinition struct {
	Tier              int      `json:"tier" yaml:"tier" validate:"gte=0"`
	Label             string   `json:"label" yaml:"label" validate:"required"`
	MinThreshold      *int64   `json:"min_threshold,omitempty" yaml:"min_threshold" validate:"omitempty,gte=0"`
	RequiredApprovers []string `json:"required_approvers" yaml:"required_approvers" validate:"required,min=1,dive,required"`
	QuorumPolicy      string   `json:"quorum_policy" yaml:"quorum_policy" enum:"ANY,ALL" validate:"required,oneof=ANY ALL"`
}

type Instance struct {
	ID              string  `json:"id"`
	DocumentID      string  `json:"document_id"`
	DocumentKind    string  `json:"document_kind,omitempty"`
	CompanyID       string  `json:"company_id"`
	DepartmentID    string  `json:"department_id,omitempty"`
	RequesterID     string  `json:"requester_id,omitempty"`
	TemplateID      string  `json:"template_id"`
	TemplateVersion int     `json:"template_version"`
	Amount          int64   `json:"amount"`
	Currency        string  `json:"currency,omitempty"`
	Outcome         string  `json:"outcome" enum:"PENDING,APPROVED,REJECTED"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
	Gates           []Gate  `json:"gates"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	DecidedAt       *string `json:"decided_at,omitempty" format:"date-time"`
}

// Gate returns the gate with the given id.
func (i *Instance) Gate(id string) (*Gate, bool) {
	for n := range i.Gates {
		if i.Gates[n].ID == id {
			return &i.Gates[n], true
		}
	}
	return nil, false
}

// Terminal reports whether the outcome can no longer change.
func (i Instance) Terminal() bool {
	return i.Outcome != OutcomePending
}

// Clone returns a deep copy.
func (i Instance) Clone() Instance {
	out := i
	if i.DecidedAt != nil {
		v := *i.DecidedAt
		out.DecidedAt = &v
	}
	out.Gates = make([]Gate, len(i.Gates))
	for n, g := range i.Gates {
		out.Gates[n] = g.Clone()
	}
	return out
}

type Gate struct {
	ID                string   `json:"id"`
	InstanceID        string   `json:"instance_id"`
	Position          int      `json:"position"`
	Tier              int      `json:"tier"`
	Label             string   `json:"label"`
	QuorumPolicy      string   `json:"quorum_policy" enum:"ANY,ALL"`
	RequiredApprovers []string `json:"required_approvers"`
	ActualApprovers   []string `json:"actual_approvers"`
	Status            string   `json:"status" enum:"LOCKED,ACTIVE,SATISFIED,REJECTED"`
	DecisionAt        *string  `json:"decision_at,omitempty" format:"date-time"`
	RejectedBy        string   `json:"rejected_by,omitempty"`
	RejectionReason   string   `json:"rejection_reason,omitempty"`
}

func (g Gate) Clone() Gate {
	out := g
	out.RequiredApprovers = append([]string{}, g.RequiredApprovers...)
	out.ActualApprovers = append([]string{}, g.ActualApprovers...)
	if g.DecisionAt != nil {
		v := *g.DecisionAt
		out.DecisionAt = &v
	}
	return out
}

// Requires reports whether principal is in the frozen approver set.
func (g Gate) Requires(principal string) bool {
	return contains(g.RequiredApprovers, principal)
}

// HasApproved reports whether principal already approved this gate.
func (g Gate) HasApproved(principal string) bool {
	return contains(g.ActualApprovers, principal)
}

// Resolved reports whether the gate reached a final status.
func (g Gate) Resolved() bool {
	return g.Status == GateSatisfied || g.Status == GateRejected
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// NewEvent is an event to append to the log alongside a state change.
type NewEvent struct {
	Type       string
	CompanyID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    map[string]any
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CompanyID  string `json:"company_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Employee is a directory entry used to resolve dynamic approvers.
type Employee struct {
	ID           string `json:"id" yaml:"id"`
	ManagerID    string `json:"manager_id,omitempty" yaml:"manager_id"`
	DepartmentID string `json:"department_id,omitempty" yaml:"department_id"`
}

type Department struct {
	ID        string `json:"id" yaml:"id"`
	CompanyID string `json:"company_id,omitempty" yaml:"company_id"`
	ManagerID string `json:"manager_id,omitempty" yaml:"manager_id"`
}

// TemplateSpec is the editable part of a template, as imported or posted.
type TemplateSpec struct {
	ID                 string           `json:"id,omitempty" yaml:"id"`
	Name               string           `json:"name" yaml:"name" validate:"required"`
	CompanyID          string           `json:"company_id" yaml:"company_id" validate:"required"`
	DepartmentID       string           `json:"department_id,omitempty" yaml:"department_id"`
	Sequence           int              `json:"sequence,omitempty" yaml:"sequence" validate:"gte=0"`
	ForbidSelfApproval bool             `json:"forbid_self_approval,omitempty" yaml:"forbid_self_approval"`
	Gates              []GateDefinition `json:"gates" yaml:"gates" validate:"required,min=1,dive"`
}
