package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"stagegate/internal/app"
	"stagegate/internal/currency"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
	"stagegate/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Events   app.EventLog
	Metrics  *telemetry.Metrics
	Log      zerolog.Logger
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_actionable"`
	Message string         `json:"message" example:"gate is LOCKED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"gate_id\":\"g-1\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// ForbiddenError is returned when the caller lacks a permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("missing permission %s", e.Permission)
}

// Permission needed to create, edit or deactivate templates.
const permTemplateWrite = "template.write"

// New returns an HTTP handler exposing the stagegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		l := telemetry.Component(cfg.Log, "auth")
		cfg.Auth.Logger = &l
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Stagegate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Metrics)
	registerHealth(group)
	registerTemplates(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerEvents(group, cfg.Events)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ue engine.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "unauthorized_approver", err.Error(), map[string]any{
			"instance_id": ue.InstanceID,
			"gate_id":     ue.GateID,
			"principal":   ue.Principal,
		})
	}
	var na engine.NotActionableError
	if errors.As(err, &na) {
		return newAPIError(http.StatusConflict, "not_actionable", err.Error(), map[string]any{
			"instance_id": na.InstanceID,
			"gate_id":     na.GateID,
			"reason":      na.Reason,
		})
	}
	var ig engine.InvalidGateConfigurationError
	if errors.As(err, &ig) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_gate_configuration", err.Error(), map[string]any{
			"template_id": ig.TemplateID,
			"label":       ig.Label,
			"tier":        ig.Tier,
		})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrTemplateExists):
		return newAPIError(http.StatusConflict, "template_exists", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrReasonRequired):
		return newAPIError(http.StatusBadRequest, "reason_required", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, currency.ErrNoRate):
		return newAPIError(http.StatusUnprocessableEntity, "no_rate", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// requirePermission checks the caller's token claims. Principals from the
// legacy actor header are local development callers and pass.
func requirePermission(ctx context.Context, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if principal.Source == sourceLegacyHeader {
		return principal, nil
	}
	if hasPermission(principal.Permissions, perm) || hasPermission(principal.Roles, "admin") {
		return principal, nil
	}
	return Principal{}, ForbiddenError{Permission: perm}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, m *telemetry.Metrics) {
	if m == nil {
		return
	}
	r.Handle("/metrics", m.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stagegate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-template",
		Method:      http.MethodPost,
		Path:        "/templates",
		Summary:     "Create approval template",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body domain.TemplateSpec `json:"body"`
	}) (*templateOutput, error) {
		principal, err := requirePermission(ctx, permTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTemplate(ctx, input.Body, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, input *struct {
		CompanyID       string `query:"company_id"`
		IncludeInactive bool   `query:"include_inactive"`
	}) (*struct {
		Body TemplateList `json:"body"`
	}, error) {
		items, err := e.ListTemplates(ctx, input.CompanyID, input.IncludeInactive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateList `json:"body"`
		}{Body: TemplateList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*templateOutput, error) {
		t, err := e.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPut,
		Path:        "/templates/{template_id}",
		Summary:     "Replace template definition",
		Description: "Bumps the template version. Existing instances keep the definition they were created with.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string              `path:"template_id"`
		Body       domain.TemplateSpec `json:"body"`
	}) (*templateOutput, error) {
		principal, err := requirePermission(ctx, permTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.UpdateTemplate(ctx, input.TemplateID, input.Body, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-template",
		Method:      http.MethodPost,
		Path:        "/templates/{template_id}/deactivate",
		Summary:     "Deactivate template",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*templateOutput, error) {
		principal, err := requirePermission(ctx, permTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.DeactivateTemplate(ctx, input.TemplateID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-template",
		Method:      http.MethodPost,
		Path:        "/templates/{template_id}/activate",
		Summary:     "Reactivate a deactivated template",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*templateOutput, error) {
		principal, err := requirePermission(ctx, permTemplateWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.ActivateTemplate(ctx, input.TemplateID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-document",
		Method:      http.MethodPost,
		Path:        "/submissions",
		Summary:     "Submit a document for approval",
		Description: "Resolves the governing template and creates an approval instance. Resubmitting a document discards its previous instance.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body engine.Submission `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := input.Body.toEngine(principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		sub, err := e.ResolveAndMaterialize(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Submission `json:"body"`
		}{Body: sub}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get approval instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*instanceOutput, error) {
		inst, err := e.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &instanceOutput{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document-instance",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/instance",
		Summary:     "Get the current instance of a document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*instanceOutput, error) {
		inst, err := e.InstanceForDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &instanceOutput{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/inbox",
		Summary:     "Gates awaiting the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body InboxResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListActionable(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InboxResponse `json:"body"`
		}{Body: InboxResponse{Principal: actorID, Items: nonNilSlice(items)}}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	actionErrors := []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict}

	huma.Register(api, huma.Operation{
		OperationID: "approve-gate",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/gates/{gate_id}/approve",
		Summary:     "Approve a gate as the caller",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *gatePath) (*instanceOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.RecordApproval(ctx, input.InstanceID, input.GateID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &instanceOutput{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-gate",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/gates/{gate_id}/reject",
		Summary:     "Reject a gate as the caller",
		Description: "A rejection rejects the whole instance. A reason is required.",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string        `path:"instance_id"`
		GateID     string        `path:"gate_id"`
		Body       RejectRequest `json:"body"`
	}) (*instanceOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.RecordRejection(ctx, input.InstanceID, input.GateID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &instanceOutput{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-act",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/gates/{gate_id}/can-act",
		Summary:     "Check whether a principal may act on a gate",
		Description: "Defaults to the caller when principal is omitted.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		GateID     string `path:"gate_id"`
		Principal  string `query:"principal"`
	}) (*struct {
		Body CanActResponse `json:"body"`
	}, error) {
		principal := strings.TrimSpace(input.Principal)
		if principal == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			principal = actorID
		}
		ok, err := e.CanAct(ctx, input.InstanceID, input.GateID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CanActResponse `json:"body"`
		}{Body: CanActResponse{Principal: principal, Allowed: ok}}, nil
	})
}

func registerEvents(api huma.API, log app.EventLog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CompanyID  string `query:"company_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"template,document,instance,gate"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if log == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "event log unavailable", nil)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := log.LatestEvents(ctx, limit+1, cursorID, repo.EventFilters{
			CompanyID:  input.CompanyID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.EnableDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
