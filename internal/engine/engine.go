package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"stagegate/internal/config"
	"stagegate/internal/currency"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/repo"
	"stagegate/internal/telemetry"
)

// Store persists templates and instances. MutateInstance must run the
// read-modify-write of one instance atomically with respect to other
// MutateInstance calls on the same id, and write the returned events in
// the same transaction. SaveTemplate inserts version 1 or advances the
// stored version by exactly one, returning repo.ErrConflict otherwise.
type Store interface {
	GetTemplate(ctx context.Context, id string) (domain.Template, error)
	ListTemplates(ctx context.Context, companyID string, includeInactive bool) ([]domain.Template, error)
	ListActiveTemplates(ctx context.Context, companyID string) ([]domain.Template, error)
	SaveTemplate(ctx context.Context, t domain.Template, evt domain.NewEvent) error
	GetInstance(ctx context.Context, id string) (domain.Instance, error)
	InstanceForDocument(ctx context.Context, documentID string) (domain.Instance, error)
	ReplaceInstance(ctx context.Context, documentID string, inst *domain.Instance, evts []domain.NewEvent) (string, error)
	MutateInstance(ctx context.Context, id string, fn func(*domain.Instance) ([]domain.NewEvent, error)) (domain.Instance, error)
	InstancesAwaiting(ctx context.Context, principal string) ([]domain.Instance, error)
	AppendEvents(ctx context.Context, evts ...domain.NewEvent) error
}

// Directory resolves dynamic approver references. Unknown ids resolve to "".
type Directory interface {
	ManagerOf(ctx context.Context, employeeID string) (string, error)
	DepartmentManager(ctx context.Context, departmentID string) (string, error)
}

// OutcomeNotice tells the host document its instance reached a final outcome.
type OutcomeNotice struct {
	InstanceID      string `json:"instance_id"`
	DocumentID      string `json:"document_id"`
	DocumentKind    string `json:"document_kind,omitempty"`
	CompanyID       string `json:"company_id"`
	Outcome         string `json:"outcome"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	DecidedAt       string `json:"decided_at"`
}

// OutcomeHandler is called once per terminal transition, after the change is
// committed and outside the instance lock.
type OutcomeHandler interface {
	OnApprovalOutcome(ctx context.Context, notice OutcomeNotice)
}

// OutcomeFunc adapts a function to OutcomeHandler.
type OutcomeFunc func(ctx context.Context, notice OutcomeNotice)

func (f OutcomeFunc) OnApprovalOutcome(ctx context.Context, notice OutcomeNotice) { f(ctx, notice) }

type Engine struct {
	Store     Store
	Directory Directory
	Currency  currency.Converter
	Outcomes  OutcomeHandler
	Config    *config.Config
	Log       zerolog.Logger
	Metrics   *telemetry.Metrics
	Now       func() time.Time
	NewID     func() string

	locks *instanceLocks
}

func New(store Store, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	rates, err := currency.FromConfig(cfg)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		Store:    store,
		Currency: rates,
		Config:   cfg,
		Log:      zerolog.Nop(),
		Now:      time.Now,
		NewID:    uuid.NewString,
		locks:    newInstanceLocks(),
	}, nil
}

var fallbackLocks = newInstanceLocks()

func (e Engine) lock(instanceID string) func() {
	if e.locks == nil {
		return fallbackLocks.lock(instanceID)
	}
	return e.locks.lock(instanceID)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// SubmitRequest describes a document entering approval.
type SubmitRequest struct {
	DocumentID   string    `json:"document_id"`
	DocumentKind string    `json:"document_kind,omitempty"`
	CompanyID    string    `json:"company_id"`
	DepartmentID string    `json:"department_id,omitempty"`
	RequesterID  string    `json:"requester_id,omitempty"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency,omitempty"`
	AsOf         time.Time `json:"as_of,omitempty"`
	ActorID      string    `json:"-"`
}

// Auto-approve reasons.
const (
	AutoApproveNoTemplate        = "no_template"
	AutoApproveNoApplicableGates = "no_applicable_gates"
)

// Submission is the result of ResolveAndMaterialize. A nil Instance means the
// document is approved without any gate.
type Submission struct {
	Instance            *domain.Instance `json:"instance,omitempty"`
	AutoApproved        bool             `json:"auto_approved"`
	AutoApproveReason   string           `json:"auto_approve_reason,omitempty"`
	TemplateID          string           `json:"template_id,omitempty"`
	Amount              int64            `json:"amount"`
	Currency            string           `json:"currency,omitempty"`
	DiscardedInstanceID string           `json:"discarded_instance_id,omitempty"`
}

// ResolveAndMaterialize selects the governing template for a document and
// freezes it into a new instance, replacing any instance the document had.
func (e Engine) ResolveAndMaterialize(ctx context.Context, req SubmitRequest) (sub Submission, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.submit",
		attribute.String("document_id", req.DocumentID), attribute.String("company_id", req.CompanyID))
	start := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
		e.Metrics.ObserveAction("submit", start)
		switch {
		case err != nil:
			e.Metrics.Submission("error")
		case sub.AutoApproved:
			e.Metrics.Submission("auto_approved")
		default:
			e.Metrics.Submission("instance")
		}
	}()

	req.DocumentID = strings.TrimSpace(req.DocumentID)
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	if req.DocumentID == "" {
		return Submission{}, fmt.Errorf("%w: document_id is required", ErrInvalidInput)
	}
	if req.CompanyID == "" {
		return Submission{}, fmt.Errorf("%w: company_id is required", ErrInvalidInput)
	}
	if req.Amount < 0 {
		return Submission{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}
	amount, cur, err := e.normalize(ctx, req)
	if err != nil {
		return Submission{}, err
	}
	sub = Submission{Amount: amount, Currency: cur}

	templates, err := e.Store.ListActiveTemplates(ctx, req.CompanyID)
	if err != nil {
		return Submission{}, fmt.Errorf("load templates: %w", err)
	}
	tpl := ResolveTemplate(templates, req.CompanyID, req.DepartmentID)
	now := e.timestamp()
	actor := actorOrSystem(req.ActorID)
	if tpl == nil {
		return e.autoApprove(ctx, req, sub, AutoApproveNoTemplate, actor)
	}
	sub.TemplateID = tpl.ID

	dynamic, err := e.resolveDynamic(ctx, *tpl, req)
	if err != nil {
		return Submission{}, err
	}
	inst, err := Materialize(*tpl, MaterializeOptions{
		DocumentID:   req.DocumentID,
		DocumentKind: req.DocumentKind,
		CompanyID:    req.CompanyID,
		DepartmentID: req.DepartmentID,
		RequesterID:  req.RequesterID,
		Amount:       amount,
		Currency:     cur,
		Dynamic:      dynamic,
		Now:          now,
		NewID:        e.newID,
	})
	if err != nil {
		e.Log.Warn().Err(err).Str("document_id", req.DocumentID).Str("template_id", tpl.ID).Msg("submission rejected by template")
		return Submission{}, err
	}
	if inst == nil {
		return e.autoApprove(ctx, req, sub, AutoApproveNoApplicableGates, actor)
	}

	evts := []domain.NewEvent{{
		Type:       events.SubmissionCreated,
		CompanyID:  inst.CompanyID,
		EntityKind: "instance",
		EntityID:   inst.ID,
		ActorID:    actor,
		Payload: map[string]any{
			"document_id":      inst.DocumentID,
			"template_id":      inst.TemplateID,
			"template_version": inst.TemplateVersion,
			"amount":           inst.Amount,
			"currency":         inst.Currency,
			"gates":            len(inst.Gates),
		},
	}}
	evts = append(evts, activationEvents(inst, gateIDs(inst, domain.GateActive), actor)...)
	discarded, err := e.Store.ReplaceInstance(ctx, req.DocumentID, inst, evts)
	if err != nil {
		return Submission{}, err
	}
	sub.Instance = inst
	sub.DiscardedInstanceID = discarded
	e.Log.Info().
		Str("instance_id", inst.ID).
		Str("document_id", inst.DocumentID).
		Str("template_id", inst.TemplateID).
		Int("gates", len(inst.Gates)).
		Str("discarded", discarded).
		Msg("approval instance created")
	return sub, nil
}

func (e Engine) autoApprove(ctx context.Context, req SubmitRequest, sub Submission, reason, actor string) (Submission, error) {
	sub.AutoApproved = true
	sub.AutoApproveReason = reason
	evt := domain.NewEvent{
		Type:       events.SubmissionAutoApproved,
		CompanyID:  req.CompanyID,
		EntityKind: "document",
		EntityID:   req.DocumentID,
		ActorID:    actor,
		Payload: map[string]any{
			"reason":      reason,
			"template_id": sub.TemplateID,
			"amount":      sub.Amount,
			"currency":    sub.Currency,
		},
	}
	discarded, err := e.Store.ReplaceInstance(ctx, req.DocumentID, nil, []domain.NewEvent{evt})
	if err != nil {
		return Submission{}, err
	}
	sub.DiscardedInstanceID = discarded
	e.Log.Info().Str("document_id", req.DocumentID).Str("reason", reason).Msg("document auto-approved")
	return sub, nil
}

// normalize converts the submitted amount to the company reference currency.
// Companies without a configured currency keep the submitted amount as is.
func (e Engine) normalize(ctx context.Context, req SubmitRequest) (int64, string, error) {
	ref := e.Config.CompanyCurrency(req.CompanyID)
	cur := strings.ToUpper(strings.TrimSpace(req.Currency))
	if ref == "" || cur == "" || strings.EqualFold(ref, cur) {
		if cur == "" {
			cur = strings.ToUpper(ref)
		}
		return req.Amount, cur, nil
	}
	if e.Currency == nil {
		return 0, "", fmt.Errorf("no currency converter for %s to %s", cur, ref)
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = e.now()
	}
	amount, err := e.Currency.Convert(ctx, req.Amount, cur, ref, asOf)
	if err != nil {
		return 0, "", fmt.Errorf("normalize amount: %w", err)
	}
	return amount, strings.ToUpper(ref), nil
}

func (e Engine) resolveDynamic(ctx context.Context, tpl domain.Template, req SubmitRequest) (map[string]string, error) {
	refs := dynamicRefs(tpl)
	out := map[string]string{}
	if len(refs) == 0 {
		return out, nil
	}
	if e.Directory == nil {
		return out, nil
	}
	for _, ref := range refs {
		var (
			principal string
			err       error
		)
		switch ref {
		case domain.RefManager:
			principal, err = e.Directory.ManagerOf(ctx, req.RequesterID)
		case domain.RefDepartmentManager:
			principal, err = e.Directory.DepartmentManager(ctx, req.DepartmentID)
		default:
			e.Log.Warn().Str("template_id", tpl.ID).Str("ref", ref).Msg("unknown approver reference")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ref, err)
		}
		out[ref] = principal
	}
	return out, nil
}

func (e Engine) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	return e.Store.GetInstance(ctx, id)
}

func (e Engine) InstanceForDocument(ctx context.Context, documentID string) (domain.Instance, error) {
	return e.Store.InstanceForDocument(ctx, documentID)
}

// ActionableGate is an active gate awaiting a principal's decision.
type ActionableGate struct {
	InstanceID string      `json:"instance_id"`
	DocumentID string      `json:"document_id"`
	CompanyID  string      `json:"company_id"`
	Amount     int64       `json:"amount"`
	Currency   string      `json:"currency,omitempty"`
	Gate       domain.Gate `json:"gate"`
}

// ListActionable returns every gate principal can approve or reject right now.
func (e Engine) ListActionable(ctx context.Context, principal string) ([]ActionableGate, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	insts, err := e.Store.InstancesAwaiting(ctx, principal)
	if err != nil {
		return nil, err
	}
	res := []ActionableGate{}
	for _, inst := range insts {
		for _, g := range inst.Gates {
			if checkAction(inst, g.ID, principal) != nil {
				continue
			}
			res = append(res, ActionableGate{
				InstanceID: inst.ID,
				DocumentID: inst.DocumentID,
				CompanyID:  inst.CompanyID,
				Amount:     inst.Amount,
				Currency:   inst.Currency,
				Gate:       g,
			})
		}
	}
	return res, nil
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "system"
	}
	return actor
}

func gateIDs(inst *domain.Instance, status string) []string {
	var ids []string
	for _, g := range inst.Gates {
		if g.Status == status {
			ids = append(ids, g.ID)
		}
	}
	return ids
}

func activationEvents(inst *domain.Instance, ids []string, actor string) []domain.NewEvent {
	var evts []domain.NewEvent
	for _, id := range ids {
		g, ok := inst.Gate(id)
		if !ok {
			continue
		}
		evts = append(evts, domain.NewEvent{
			Type:       events.GateActivated,
			CompanyID:  inst.CompanyID,
			EntityKind: "gate",
			EntityID:   g.ID,
			ActorID:    actor,
			Payload: map[string]any{
				"instance_id":        inst.ID,
				"document_id":        inst.DocumentID,
				"label":              g.Label,
				"tier":               g.Tier,
				"required_approvers": g.RequiredApprovers,
			},
		})
	}
	return evts
}

// isNotFound is true for store lookups that found nothing.
func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
