package stagegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal stagegate HTTP API client for host document services.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set (development servers only).
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Gate struct {
	ID                string   `json:"id"`
	InstanceID        string   `json:"instance_id"`
	Position          int      `json:"position"`
	Tier              int      `json:"tier"`
	Label             string   `json:"label"`
	QuorumPolicy      string   `json:"quorum_policy"`
	RequiredApprovers []string `json:"required_approvers"`
	ActualApprovers   []string `json:"actual_approvers"`
	Status            string   `json:"status"`
	DecisionAt        string   `json:"decision_at,omitempty"`
	RejectedBy        string   `json:"rejected_by,omitempty"`
	RejectionReason   string   `json:"rejection_reason,omitempty"`
}

// Instance is a document's approval run.
type Instance struct {
	ID              string `json:"id"`
	DocumentID      string `json:"document_id"`
	DocumentKind    string `json:"document_kind,omitempty"`
	CompanyID       string `json:"company_id"`
	RequesterID     string `json:"requester_id,omitempty"`
	TemplateID      string `json:"template_id"`
	TemplateVersion int    `json:"template_version"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency,omitempty"`
	Outcome         string `json:"outcome"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	Gates           []Gate `json:"gates"`
	CreatedAt       string `json:"created_at"`
	DecidedAt       string `json:"decided_at,omitempty"`
}

// ActiveGates returns the gates currently open for decisions.
func (i Instance) ActiveGates() []Gate {
	var out []Gate
	for _, g := range i.Gates {
		if g.Status == "ACTIVE" {
			out = append(out, g)
		}
	}
	return out
}

type SubmitRequest struct {
	DocumentID   string `json:"document_id"`
	DocumentKind string `json:"document_kind,omitempty"`
	CompanyID    string `json:"company_id"`
	DepartmentID string `json:"department_id,omitempty"`
	RequesterID  string `json:"requester_id,omitempty"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency,omitempty"`
	AsOf         string `json:"as_of,omitempty"`
}

// Submission is the result of submitting a document. A nil Instance means
// the document was approved without any gate.
type Submission struct {
	Instance            *Instance `json:"instance,omitempty"`
	AutoApproved        bool      `json:"auto_approved"`
	AutoApproveReason   string    `json:"auto_approve_reason,omitempty"`
	TemplateID          string    `json:"template_id,omitempty"`
	Amount              int64     `json:"amount"`
	Currency            string    `json:"currency,omitempty"`
	DiscardedInstanceID string    `json:"discarded_instance_id,omitempty"`
}

type ActionableGate struct {
	InstanceID string `json:"instance_id"`
	DocumentID string `json:"document_id"`
	CompanyID  string `json:"company_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency,omitempty"`
	Gate       Gate   `json:"gate"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's error code, such as
// not_actionable or unauthorized_approver, when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Submit sends a document into approval.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, "v0/submissions", req, &resp)
	return resp, err
}

// Instance fetches an instance by id.
func (c *Client) Instance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, "v0/instances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// InstanceForDocument fetches the current instance of a document.
func (c *Client) InstanceForDocument(ctx context.Context, documentID string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/documents/%s/instance", url.PathEscape(documentID)), nil, &resp)
	return resp, err
}

// Approve records the caller's approval on a gate.
func (c *Client) Approve(ctx context.Context, instanceID, gateID string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, gatePath(instanceID, gateID, "approve"), nil, &resp)
	return resp, err
}

// Reject rejects a gate, and with it the instance.
func (c *Client) Reject(ctx context.Context, instanceID, gateID, reason string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, gatePath(instanceID, gateID, "reject"), map[string]string{"reason": reason}, &resp)
	return resp, err
}

// CanAct asks whether principal may act on the gate; empty means the caller.
func (c *Client) CanAct(ctx context.Context, instanceID, gateID, principal string) (bool, error) {
	endpoint := gatePath(instanceID, gateID, "can-act")
	if principal != "" {
		endpoint += "?principal=" + url.QueryEscape(principal)
	}
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Allowed, err
}

// Inbox lists the gates awaiting the caller.
func (c *Client) Inbox(ctx context.Context) ([]ActionableGate, error) {
	var resp struct {
		Items []ActionableGate `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/inbox", nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, companyID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if companyID != "" {
		q.Set("company_id", companyID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func gatePath(instanceID, gateID, action string) string {
	return fmt.Sprintf("v0/instances/%s/gates/%s/%s", url.PathEscape(instanceID), url.PathEscape(gateID), action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
