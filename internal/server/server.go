package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"careline/internal/dispatch"
	"careline/internal/domain"
	"careline/internal/repo"
	"careline/internal/sweep"
)

// Config for the HTTP API handler.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Sweeper    *sweep.Sweeper
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"collision"`
	Message string         `json:"message" example:"task is held by another caregiver"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Careline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Dispatcher.Repo))
	hcfg := huma.DefaultConfig("Careline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Dispatcher)
	registerResidents(group, cfg.Dispatcher)
	registerCareStates(group, cfg.Dispatcher)
	registerTasks(group, cfg.Dispatcher)
	registerEscalations(group, cfg.Dispatcher)
	registerAudit(group, cfg.Dispatcher)
	registerSweep(group, cfg.Sweeper)
	registerStream(router, basePath, cfg.Dispatcher)
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
	var coll *dispatch.CollisionError
	if errors.As(err, &coll) {
		return newAPIError(http.StatusConflict, "collision", err.Error(), map[string]any{
			"owner_id":   coll.Owner,
			"claimed_at": coll.ClaimedAt.Format(time.RFC3339),
			"held_for":   coll.HeldFor.Round(time.Second).String(),
		})
	}
	var wc *dispatch.WriteConflictError
	if errors.As(err, &wc) {
		return newAPIError(http.StatusConflict, "write_conflict", err.Error(), map[string]any{
			"retry_after": wc.RetryAfter.String(),
		})
	}
	var denied *dispatch.BrainDeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusUnprocessableEntity, "brain_denied", err.Error(), map[string]any{
			"from":        denied.From,
			"to":          denied.To,
			"fired_rules": denied.FiredRules,
		})
	}
	var invalid *dispatch.InvalidTransitionError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"entity": invalid.Entity,
			"from":   invalid.From,
			"to":     invalid.To,
		})
	}
	var notOwner *dispatch.NotOwnerError
	if errors.As(err, &notOwner) {
		return newAPIError(http.StatusForbidden, "not_owner", err.Error(), map[string]any{
			"owner_id": notOwner.Owner,
		})
	}
	var validation *dispatch.ValidationError
	if errors.As(err, &validation) {
		var details map[string]any
		if validation.Field != "" {
			details = map[string]any{"field": validation.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	switch {
	case errors.Is(err, dispatch.ErrVersionMismatch):
		return newAPIError(http.StatusConflict, "version_mismatch", err.Error(), nil)
	case errors.Is(err, dispatch.ErrSameState):
		return newAPIError(http.StatusConflict, "same_state", err.Error(), nil)
	case errors.Is(err, dispatch.ErrOverrideLimit):
		return newAPIError(http.StatusConflict, "override_limit", err.Error(), nil)
	case errors.Is(err, dispatch.ErrBlockedByEmergency):
		return newAPIError(http.StatusUnprocessableEntity, "emergency_block", err.Error(), nil)
	case errors.Is(err, dispatch.ErrEvidenceRequired):
		return newAPIError(http.StatusUnprocessableEntity, "evidence_required", err.Error(), nil)
	case errors.Is(err, dispatch.ErrTerminalTask):
		return newAPIError(http.StatusUnprocessableEntity, "terminal_task", err.Error(), nil)
	case errors.Is(err, dispatch.ErrEscalationResolved):
		return newAPIError(http.StatusUnprocessableEntity, "escalation_resolved", err.Error(), nil)
	case errors.Is(err, dispatch.ErrResidentInactive):
		return newAPIError(http.StatusUnprocessableEntity, "resident_inactive", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Careline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerStatus(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Facility status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := d.Repo.CountTasksByState(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		open, err := d.Repo.ListEscalations(ctx, repo.EscalationFilters{OpenOnly: true})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"facility_id":      d.Config.Facility.ID,
			"task_counts":      counts,
			"open_escalations": len(open),
		}}, nil
	})
}

func registerResidents(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID:   "onboard-resident",
		Method:        http.MethodPost,
		Path:          "/residents",
		Summary:       "Onboard resident",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body OnboardResidentRequest `json:"body"`
	}) (*struct {
		Body ResidentResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		res, err := d.OnboardResident(ctx, dispatch.OnboardResidentParams{
			ID:      input.Body.ID,
			Name:    input.Body.Name,
			Unit:    input.Body.Unit,
			ActorID: principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResidentResponse `json:"body"`
		}{Body: residentResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-residents",
		Method:      http.MethodGet,
		Path:        "/residents",
		Summary:     "List residents",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"Only active residents"`
	}) (*struct {
		Body []ResidentResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := d.Repo.ListResidents(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ResidentResponse, 0, len(items))
		for _, r := range items {
			out = append(out, residentResponse(r))
		}
		return &struct {
			Body []ResidentResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-resident",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}",
		Summary:     "Get resident",
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
	}) (*struct {
		Body ResidentResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := d.Repo.GetResident(ctx, input.ResidentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResidentResponse `json:"body"`
		}{Body: residentResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-resident",
		Method:      http.MethodDelete,
		Path:        "/residents/{resident_id}",
		Summary:     "Deactivate resident",
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
	}) (*struct {
		Body ResidentResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := d.DeactivateResident(ctx, input.ResidentID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		res, err := d.Repo.GetResident(ctx, input.ResidentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResidentResponse `json:"body"`
		}{Body: residentResponse(res)}, nil
	})
}

func registerCareStates(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "get-care-state",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}/care-state",
		Summary:     "Get care state",
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
	}) (*struct {
		Body CareStateResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		cs, err := d.Repo.GetCareState(ctx, input.ResidentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CareStateResponse `json:"body"`
		}{Body: careStateResponse(cs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-care-state",
		Method:      http.MethodPost,
		Path:        "/residents/{resident_id}/care-state/transition",
		Summary:     "Transition care state",
		Errors: []int{
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ResidentID string            `path:"resident_id"`
		Body       TransitionRequest `json:"body"`
	}) (*struct {
		Body CareStateResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ToState == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_state is required", nil)
		}
		if input.Body.ReadVersion <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "read_version is required", nil)
		}
		cs, err := d.TransitionCareState(ctx, dispatch.TransitionParams{
			ResidentID:  input.ResidentID,
			ToState:     input.Body.ToState,
			ReadVersion: input.Body.ReadVersion,
			ActorID:     principal.ActorID,
			Reason:      input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CareStateResponse `json:"body"`
		}{Body: careStateResponse(cs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-emergency",
		Method:      http.MethodPost,
		Path:        "/residents/{resident_id}/care-state/emergency",
		Summary:     "Set or clear emergency",
	}, func(ctx context.Context, input *struct {
		ResidentID string           `path:"resident_id"`
		Body       EmergencyRequest `json:"body"`
	}) (*struct {
		Body CareStateResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cs, err := d.SetEmergency(ctx, input.ResidentID, input.Body.Emergency, principal.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CareStateResponse `json:"body"`
		}{Body: careStateResponse(cs)}, nil
	})
}

func registerTasks(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/residents/{resident_id}/tasks",
		Summary:       "Schedule task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ResidentID string            `path:"resident_id"`
		Body       CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.ScheduledStart == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "scheduled_start is required", nil)
		}
		t, err := d.NewTask(ctx, dispatch.NewTaskParams{
			ID:               input.Body.ID,
			ResidentID:       input.ResidentID,
			Name:             input.Body.Name,
			Description:      input.Body.Description,
			Category:         input.Body.Category,
			Priority:         input.Body.Priority,
			RiskLevel:        input.Body.RiskLevel,
			ScheduledStart:   input.Body.ScheduledStart,
			ScheduledEnd:     input.Body.ScheduledEnd,
			RequiresEvidence: input.Body.RequiresEvidence,
			ActorID:          principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ResidentID string `query:"resident_id"`
		State      string `query:"state"`
		OwnerID    string `query:"owner_id"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor" doc:"Opaque page cursor from a previous response"`
	}) (*struct {
		Body TaskPageResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		filters := repo.TaskFilters{
			ResidentID: input.ResidentID,
			State:      input.State,
			OwnerID:    input.OwnerID,
			Limit:      input.Limit,
		}
		if input.Cursor != "" {
			createdAt, id, ok := strings.Cut(input.Cursor, ",")
			if !ok {
				return nil, handleError(&dispatch.ValidationError{Field: "cursor", Message: "malformed cursor"})
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := d.Repo.ListTasks(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		out := TaskPageResponse{Items: make([]TaskResponse, 0, len(items))}
		for _, t := range items {
			out.Items = append(out.Items, taskResponse(t))
		}
		// a full page gets a cursor pointing past its last row
		if filters.Limit > 0 && len(items) == filters.Limit {
			last := items[len(items)-1]
			out.NextCursor = last.CreatedAt + "," + last.ID
		}
		return &struct {
			Body TaskPageResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := d.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim task",
		Errors: []int{
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   ClaimTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := d.ClaimTask(ctx, dispatch.ClaimParams{
			TaskID:   input.TaskID,
			ActorID:  principal.ActorID,
			Override: input.Body.Override,
			Reason:   input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task",
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := d.CompleteTask(ctx, dispatch.CompleteParams{
			TaskID:    input.TaskID,
			ActorID:   principal.ActorID,
			ActorRole: principal.Role,
			Outcome:   input.Body.Outcome,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/skip",
		Summary:     "Skip task",
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   SkipTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		t, err := d.SkipTask(ctx, dispatch.SkipParams{
			TaskID:    input.TaskID,
			ActorID:   principal.ActorID,
			ActorRole: principal.Role,
			Reason:    input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-evidence",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/evidence",
		Summary:     "Attach evidence",
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   EvidenceRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := d.AddEvidence(ctx, input.TaskID, principal.ActorID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "escalate-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/escalate",
		Summary:       "Escalate task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   EscalateTaskRequest `json:"body"`
	}) (*struct {
		Body EscalationResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		esc, err := d.EscalateTask(ctx, dispatch.EscalateParams{
			TaskID:  input.TaskID,
			ActorID: principal.ActorID,
			Reason:  input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationResponse `json:"body"`
		}{Body: escalationResponse(esc, d.Now().UTC())}, nil
	})
}

func registerEscalations(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
	}, func(ctx context.Context, input *struct {
		ResidentID string `query:"resident_id"`
		Status     string `query:"status"`
		Kind       string `query:"kind"`
		Open       bool   `query:"open" doc:"Only unresolved escalations"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []EscalationResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := d.Repo.ListEscalations(ctx, repo.EscalationFilters{
			ResidentID: input.ResidentID,
			Status:     input.Status,
			Kind:       input.Kind,
			OpenOnly:   input.Open,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		now := d.Now().UTC()
		out := make([]EscalationResponse, 0, len(items))
		for _, e := range items {
			out = append(out, escalationResponse(e, now))
		}
		return &struct {
			Body []EscalationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escalation",
		Method:      http.MethodGet,
		Path:        "/escalations/{escalation_id}",
		Summary:     "Get escalation",
	}, func(ctx context.Context, input *struct {
		EscalationID string `path:"escalation_id"`
	}) (*struct {
		Body EscalationResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		esc, err := d.Repo.GetEscalation(ctx, input.EscalationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationResponse `json:"body"`
		}{Body: escalationResponse(esc, d.Now().UTC())}, nil
	})

	type escalationAction struct {
		EscalationID string                  `path:"escalation_id"`
		Body         EscalationActionRequest `json:"body"`
	}
	register := func(opID, pathSuffix, summary string, fn func(context.Context, dispatch.EscalationActionParams) (domain.Escalation, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/escalations/{escalation_id}/" + pathSuffix,
			Summary:     summary,
		}, func(ctx context.Context, input *escalationAction) (*struct {
			Body EscalationResponse `json:"body"`
		}, error) {
			principal, authErr := requirePrincipal(ctx)
			if authErr != nil {
				return nil, authErr
			}
			esc, err := fn(ctx, dispatch.EscalationActionParams{
				EscalationID: input.EscalationID,
				ActorID:      principal.ActorID,
				Note:         input.Body.Note,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body EscalationResponse `json:"body"`
			}{Body: escalationResponse(esc, d.Now().UTC())}, nil
		})
	}
	register("acknowledge-escalation", "acknowledge", "Acknowledge escalation", d.AcknowledgeEscalation)
	register("start-escalation", "start", "Start escalation response", d.StartEscalation)
	register("resolve-escalation", "resolve", "Resolve escalation", d.ResolveEscalation)
}

func registerAudit(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-entries",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		ResidentID string `query:"resident_id"`
		ActorID    string `query:"actor_id"`
		Action     string `query:"action"`
		AfterID    int64  `query:"after_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := d.Repo.ListAuditEntries(ctx, repo.AuditFilters{
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ResidentID: input.ResidentID,
			ActorID:    input.ActorID,
			Action:     input.Action,
			AfterID:    input.AfterID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEntryResponse, 0, len(items))
		for _, a := range items {
			out = append(out, auditEntryResponse(a))
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerSweep(api huma.API, s *sweep.Sweeper) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run one sweep pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sweep.Stats `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		st, err := s.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sweep.Stats `json:"body"`
		}{Body: st}, nil
	})
}
