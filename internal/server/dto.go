package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

// Request payloads

type SubmitRequest struct {
	DocumentID   string `json:"document_id"`
	DocumentKind string `json:"document_kind,omitempty"`
	CompanyID    string `json:"company_id"`
	DepartmentID string `json:"department_id,omitempty"`
	// RequesterID defaults to the caller.
	RequesterID string `json:"requester_id,omitempty"`
	Amount      int64  `json:"amount" minimum:"0" doc:"Amount in minor units"`
	Currency    string `json:"currency,omitempty" example:"EUR"`
	AsOf        string `json:"as_of,omitempty" doc:"Rate date, YYYY-MM-DD or RFC3339; defaults to now"`
}

func (r SubmitRequest) toEngine(actorID string) (engine.SubmitRequest, error) {
	req := engine.SubmitRequest{
		DocumentID:   r.DocumentID,
		DocumentKind: r.DocumentKind,
		CompanyID:    r.CompanyID,
		DepartmentID: r.DepartmentID,
		RequesterID:  r.RequesterID,
		Amount:       r.Amount,
		Currency:     r.Currency,
		ActorID:      actorID,
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		req.RequesterID = actorID
	}
	if r.AsOf != "" {
		asOf, err := parseAsOf(r.AsOf)
		if err != nil {
			return req, err
		}
		req.AsOf = asOf
	}
	return req, nil
}

func parseAsOf(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: as_of must be YYYY-MM-DD or RFC3339", engine.ErrInvalidInput)
	}
	return t, nil
}

type RejectRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type templatePath struct {
	TemplateID string `path:"template_id"`
}

type gatePath struct {
	InstanceID string `path:"instance_id"`
	GateID     string `path:"gate_id"`
}

type templateOutput struct {
	Body domain.Template `json:"body"`
}

type instanceOutput struct {
	Body domain.Instance `json:"body"`
}

type TemplateList struct {
	Items []domain.Template `json:"items"`
}

type InboxResponse struct {
	Principal string                  `json:"principal"`
	Items     []engine.ActionableGate `json:"items"`
}

type CanActResponse struct {
	Principal string `json:"principal"`
	Allowed   bool   `json:"allowed"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		CompanyID:  evt.CompanyID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
