package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/repo"
)

// CreateTemplate stores a new active template at version 1.
func (e Engine) CreateTemplate(ctx context.Context, spec domain.TemplateSpec, actorID string) (domain.Template, error) {
	spec = normalizeSpec(spec)
	if err := config.ValidateTemplate(spec); err != nil {
		return domain.Template{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	id := spec.ID
	if id == "" {
		id = e.newID()
	} else if _, err := e.Store.GetTemplate(ctx, id); err == nil {
		return domain.Template{}, fmt.Errorf("%w: %s", ErrTemplateExists, id)
	} else if !isNotFound(err) {
		return domain.Template{}, err
	}
	now := e.timestamp()
	t := domain.Template{
		ID:                 id,
		Name:               spec.Name,
		CompanyID:          spec.CompanyID,
		DepartmentID:       spec.DepartmentID,
		Sequence:           spec.Sequence,
		Active:             true,
		Version:            1,
		ForbidSelfApproval: spec.ForbidSelfApproval,
		Gates:              copyDefinitions(spec.Gates),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Store.SaveTemplate(ctx, t, templateEvent(events.TemplateSaved, t, actorID)); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Template{}, fmt.Errorf("%w: %s", ErrTemplateExists, id)
		}
		return domain.Template{}, err
	}
	e.Log.Info().Str("template_id", t.ID).Str("company_id", t.CompanyID).Int("gates", len(t.Gates)).Msg("template created")
	return t, nil
}

// UpdateTemplate replaces a template's definition and bumps its version.
// Instances already materialized keep the definition they were frozen with.
// The active flag is left as is; a deactivated template stays out of
// resolution until ActivateTemplate. A concurrent edit that saved first makes
// this one fail with repo.ErrConflict.
func (e Engine) UpdateTemplate(ctx context.Context, id string, spec domain.TemplateSpec, actorID string) (domain.Template, error) {
	spec = normalizeSpec(spec)
	if err := config.ValidateTemplate(spec); err != nil {
		return domain.Template{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t, err := e.Store.GetTemplate(ctx, id)
	if err != nil {
		return domain.Template{}, err
	}
	t.Name = spec.Name
	t.CompanyID = spec.CompanyID
	t.DepartmentID = spec.DepartmentID
	t.Sequence = spec.Sequence
	t.ForbidSelfApproval = spec.ForbidSelfApproval
	t.Gates = copyDefinitions(spec.Gates)
	t.Version++
	t.UpdatedAt = e.timestamp()
	if err := e.Store.SaveTemplate(ctx, t, templateEvent(events.TemplateSaved, t, actorID)); err != nil {
		return domain.Template{}, err
	}
	e.Log.Info().Str("template_id", t.ID).Int("version", t.Version).Msg("template updated")
	return t, nil
}

// DeactivateTemplate removes a template from resolution without touching its instances.
func (e Engine) DeactivateTemplate(ctx context.Context, id, actorID string) (domain.Template, error) {
	return e.setActive(ctx, id, false, actorID)
}

// ActivateTemplate puts a deactivated template back into resolution.
func (e Engine) ActivateTemplate(ctx context.Context, id, actorID string) (domain.Template, error) {
	return e.setActive(ctx, id, true, actorID)
}

func (e Engine) setActive(ctx context.Context, id string, active bool, actorID string) (domain.Template, error) {
	t, err := e.Store.GetTemplate(ctx, id)
	if err != nil {
		return domain.Template{}, err
	}
	if t.Active == active {
		return t, nil
	}
	t.Active = active
	t.Version++
	t.UpdatedAt = e.timestamp()
	typ := events.TemplateDeactivated
	if active {
		typ = events.TemplateActivated
	}
	if err := e.Store.SaveTemplate(ctx, t, templateEvent(typ, t, actorID)); err != nil {
		return domain.Template{}, err
	}
	e.Log.Info().Str("template_id", t.ID).Bool("active", t.Active).Int("version", t.Version).Msg("template activation changed")
	return t, nil
}

// ImportTemplates creates templates without an existing id and updates the rest.
func (e Engine) ImportTemplates(ctx context.Context, specs []domain.TemplateSpec, actorID string) ([]domain.Template, error) {
	var out []domain.Template
	for i, spec := range specs {
		var (
			t   domain.Template
			err error
		)
		if spec.ID != "" {
			t, err = e.UpdateTemplate(ctx, spec.ID, spec, actorID)
			if isNotFound(err) {
				t, err = e.CreateTemplate(ctx, spec, actorID)
			}
		} else {
			t, err = e.CreateTemplate(ctx, spec, actorID)
		}
		if err != nil {
			return out, fmt.Errorf("template %d (%s): %w", i, spec.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (e Engine) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	return e.Store.GetTemplate(ctx, id)
}

func (e Engine) ListTemplates(ctx context.Context, companyID string, includeInactive bool) ([]domain.Template, error) {
	return e.Store.ListTemplates(ctx, companyID, includeInactive)
}

func normalizeSpec(spec domain.TemplateSpec) domain.TemplateSpec {
	spec.ID = strings.TrimSpace(spec.ID)
	spec.Name = strings.TrimSpace(spec.Name)
	spec.CompanyID = strings.TrimSpace(spec.CompanyID)
	spec.DepartmentID = strings.TrimSpace(spec.DepartmentID)
	for i := range spec.Gates {
		spec.Gates[i].QuorumPolicy = strings.ToUpper(strings.TrimSpace(spec.Gates[i].QuorumPolicy))
		spec.Gates[i].Label = strings.TrimSpace(spec.Gates[i].Label)
	}
	return spec
}

func copyDefinitions(defs []domain.GateDefinition) []domain.GateDefinition {
	out := make([]domain.GateDefinition, len(defs))
	for i, d := range defs {
		out[i] = d
		out[i].RequiredApprovers = append([]string{}, d.RequiredApprovers...)
		if d.MinThreshold != nil {
			v := *d.MinThreshold
			out[i].MinThreshold = &v
		}
	}
	return out
}

func templateEvent(typ string, t domain.Template, actorID string) domain.NewEvent {
	return domain.NewEvent{
		Type:       typ,
		CompanyID:  t.CompanyID,
		EntityKind: "template",
		EntityID:   t.ID,
		ActorID:    actorOrSystem(actorID),
		Payload: map[string]any{
			"name":    t.Name,
			"version": t.Version,
			"active":  t.Active,
			"gates":   len(t.Gates),
		},
	}
}
