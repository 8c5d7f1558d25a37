package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/repo"
	"stagegate/internal/telemetry"
)

const (
	actionApprove = "approve"
	actionReject  = "reject"
)

// RecordApproval adds principal's approval to an active gate. A gate whose
// quorum is met becomes SATISFIED and the instance progresses.
func (e Engine) RecordApproval(ctx context.Context, instanceID, gateID, principal string) (domain.Instance, error) {
	return e.act(ctx, actionApprove, instanceID, gateID, principal, "")
}

// RecordRejection rejects an active gate, which rejects the whole instance.
func (e Engine) RecordRejection(ctx context.Context, instanceID, gateID, principal, reason string) (domain.Instance, error) {
	if strings.TrimSpace(reason) == "" {
		e.Metrics.Decision(actionReject, "invalid")
		return domain.Instance{}, ErrReasonRequired
	}
	return e.act(ctx, actionReject, instanceID, gateID, principal, strings.TrimSpace(reason))
}

// CanAct reports whether principal may approve or reject the gate now.
func (e Engine) CanAct(ctx context.Context, instanceID, gateID, principal string) (bool, error) {
	inst, err := e.Store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if err := checkAction(inst, gateID, strings.TrimSpace(principal)); err != nil {
		if isNotFound(err) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// checkAction validates an approve or reject attempt against the current state.
func checkAction(inst domain.Instance, gateID, principal string) error {
	if inst.Outcome != domain.OutcomePending {
		return NotActionableError{InstanceID: inst.ID, GateID: gateID, Reason: "instance is " + inst.Outcome}
	}
	g, ok := inst.Gate(gateID)
	if !ok {
		return fmt.Errorf("gate %s on instance %s: %w", gateID, inst.ID, repo.ErrNotFound)
	}
	if g.Status != domain.GateActive {
		return NotActionableError{InstanceID: inst.ID, GateID: gateID, Reason: "gate is " + g.Status}
	}
	if principal == "" || !g.Requires(principal) {
		return UnauthorizedError{InstanceID: inst.ID, GateID: gateID, Principal: principal}
	}
	if g.QuorumPolicy == domain.QuorumAll && g.HasApproved(principal) {
		return NotActionableError{InstanceID: inst.ID, GateID: gateID, Reason: "already approved by " + principal}
	}
	return nil
}

func (e Engine) act(ctx context.Context, action, instanceID, gateID, principal, reason string) (inst domain.Instance, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine."+action,
		attribute.String("instance_id", instanceID), attribute.String("gate_id", gateID))
	start := time.Now()
	principal = strings.TrimSpace(principal)
	defer func() {
		telemetry.EndSpan(span, err)
		e.Metrics.ObserveAction(action, start)
		e.Metrics.Decision(action, resultLabel(err))
	}()

	var progress Progress
	unlock := e.lock(instanceID)
	inst, err = e.Store.MutateInstance(ctx, instanceID, func(cur *domain.Instance) ([]domain.NewEvent, error) {
		if err := checkAction(*cur, gateID, principal); err != nil {
			return nil, err
		}
		now := e.timestamp()
		g, _ := cur.Gate(gateID)
		var evts []domain.NewEvent
		switch action {
		case actionApprove:
			g.ActualApprovers = append(g.ActualApprovers, principal)
			g.DecisionAt = &now
			evts = append(evts, gateEvent(events.GateApproved, cur, g, principal, nil))
			if quorumMet(*g) {
				g.Status = domain.GateSatisfied
				evts = append(evts, gateEvent(events.GateSatisfied, cur, g, principal, nil))
			}
		case actionReject:
			g.Status = domain.GateRejected
			g.DecisionAt = &now
			g.RejectedBy = principal
			g.RejectionReason = reason
			cur.RejectionReason = reason
			evts = append(evts, gateEvent(events.GateRejected, cur, g, principal, map[string]any{"reason": reason}))
		}
		progress = RecomputeProgression(cur)
		cur.UpdatedAt = now
		evts = append(evts, activationEvents(cur, progress.Activated, principal)...)
		if progress.OutcomeChanged {
			cur.DecidedAt = &now
			evts = append(evts, domain.NewEvent{
				Type:       events.InstanceOutcome,
				CompanyID:  cur.CompanyID,
				EntityKind: "instance",
				EntityID:   cur.ID,
				ActorID:    principal,
				Payload: map[string]any{
					"document_id":      cur.DocumentID,
					"document_kind":    cur.DocumentKind,
					"outcome":          cur.Outcome,
					"rejection_reason": cur.RejectionReason,
				},
			})
		}
		return evts, nil
	})
	unlock()
	if err != nil {
		e.Log.Debug().Err(err).Str("instance_id", instanceID).Str("gate_id", gateID).Str("principal", principal).Str("action", action).Msg("action refused")
		return domain.Instance{}, err
	}
	e.Log.Info().
		Str("instance_id", inst.ID).
		Str("gate_id", gateID).
		Str("principal", principal).
		Str("action", action).
		Int("activated", len(progress.Activated)).
		Msg("gate decision recorded")
	if progress.OutcomeChanged {
		e.Metrics.Outcome(inst.Outcome)
		e.Log.Info().Str("instance_id", inst.ID).Str("document_id", inst.DocumentID).Str("outcome", inst.Outcome).Msg("instance decided")
		e.notifyOutcome(ctx, inst)
	}
	return inst, nil
}

func (e Engine) notifyOutcome(ctx context.Context, inst domain.Instance) {
	if e.Outcomes == nil {
		return
	}
	decided := ""
	if inst.DecidedAt != nil {
		decided = *inst.DecidedAt
	}
	e.Outcomes.OnApprovalOutcome(ctx, OutcomeNotice{
		InstanceID:      inst.ID,
		DocumentID:      inst.DocumentID,
		DocumentKind:    inst.DocumentKind,
		CompanyID:       inst.CompanyID,
		Outcome:         inst.Outcome,
		RejectionReason: inst.RejectionReason,
		DecidedAt:       decided,
	})
}

func gateEvent(typ string, inst *domain.Instance, g *domain.Gate, actor string, extra map[string]any) domain.NewEvent {
	payload := map[string]any{
		"instance_id": inst.ID,
		"document_id": inst.DocumentID,
		"label":       g.Label,
		"tier":        g.Tier,
		"status":      g.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return domain.NewEvent{
		Type:       typ,
		CompanyID:  inst.CompanyID,
		EntityKind: "gate",
		EntityID:   g.ID,
		ActorID:    actor,
		Payload:    payload,
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isNotFound(err):
		return "not_found"
	case errors.Is(err, ErrNotActionable):
		return "not_actionable"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}
