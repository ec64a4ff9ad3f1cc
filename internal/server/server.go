package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/handoff"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_checkpoint"`
	Message string         `json:"message" example:"checkpoint is not the task's current checkpoint"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
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
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerChecklist(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerProofs(group, cfg.Engine)
	registerEscalations(group, cfg.Engine)
	registerHandoffs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var unsat *engine.CriteriaUnsatisfiedError
	if errors.As(err, &unsat) {
		return newAPIError(http.StatusUnprocessableEntity, "criteria_unsatisfied", err.Error(), map[string]any{
			"checkpoint": unsat.Checkpoint,
			"missing":    unsat.Missing,
		})
	}
	var roleErr handoff.ErrInvalidRoleTransition
	if errors.As(err, &roleErr) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_role_transition", err.Error(), nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidCheckpoint):
		return newAPIError(http.StatusConflict, "invalid_checkpoint", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskEscalated):
		return newAPIError(http.StatusConflict, "escalation_pending", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskTerminal):
		return newAPIError(http.StatusConflict, "task_terminal", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateEscalation):
		return newAPIError(http.StatusConflict, "duplicate_escalation", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
    <title>Gateline API Docs</title>
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

func registerChecklist(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-checklist",
		Method:      http.MethodGet,
		Path:        "/checklist",
		Summary:     "Static checkpoint checklist",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ChecklistResponse `json:"body"`
	}, error) {
		return &struct {
			Body ChecklistResponse `json:"body"`
		}{Body: checklistResponse(e.Config)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t, err := e.CreateTask(ctx, input.Body.Title, actorID)
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
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Checkpoint string `query:"checkpoint"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status:          input.Status,
			Checkpoint:      input.Checkpoint,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit].CreatedAt, tasks[limit].ID)
			tasks = tasks[:limit]
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task with attempt counters and open escalation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskViewResponse `json:"body"`
	}, error) {
		view, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskViewResponse `json:"body"`
		}{Body: taskViewResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/advance",
		Summary:     "Advance past the current checkpoint when criteria hold",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Advance(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/abandon",
		Summary:     "Abandon task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Abandon(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerProofs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-proofs",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/proofs",
		Summary:     "Submit proofs for the task's current checkpoint",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SubmitProofsRequest `json:"body"`
	}) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		subs := make([]engine.ProofSubmission, 0, len(input.Body.Proofs))
		for _, p := range input.Body.Proofs {
			subs = append(subs, engine.ProofSubmission{
				Kind:        p.Kind,
				Result:      p.Result,
				Ref:         p.Ref,
				SubmittedBy: domain.Role(p.SubmittedBy),
			})
		}
		res, err := e.SubmitProofs(ctx, input.ID, domain.Checkpoint(input.Body.Checkpoint), subs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: evaluationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proofs",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/proofs",
		Summary:     "List proofs for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		Checkpoint string `query:"checkpoint"`
	}) (*struct {
		Body []ProofResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		proofs, err := e.Repo.ListProofs(ctx, repo.ProofFilters{TaskID: input.ID, Checkpoint: input.Checkpoint})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProofResponse `json:"body"`
		}{Body: mapProofs(proofs)}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "escalate-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/escalate",
		Summary:       "Raise a manual escalation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EscalateRequest `json:"body"`
	}) (*struct {
		Body EscalationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := e.Escalate(ctx, input.ID, input.Body.Reason, input.Body.RiskTag, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationResponse `json:"body"`
		}{Body: escalationResponse(esc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
	}, func(ctx context.Context, input *struct {
		TaskID     string `query:"task_id"`
		Unresolved bool   `query:"unresolved"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EscalationResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEscalations(ctx, repo.EscalationFilters{
			TaskID:     input.TaskID,
			Unresolved: input.Unresolved,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EscalationResponse `json:"body"`
		}{Body: mapEscalations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{id}/resolve",
		Summary:     "Record a human decision on an escalation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body ResolveEscalationRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Resolve(ctx, input.ID, input.Body.Decision, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerHandoffs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-handoffs",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/handoffs",
		Summary:     "List handoff records for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []HandoffResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListHandoffs(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HandoffResponse `json:"body"`
		}{Body: mapHandoffs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-handoff-record",
		Method:      http.MethodGet,
		Path:        "/handoffs/{id}/record",
		Summary:     "Handoff record in its YAML wire format",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		h, err := e.Repo.GetHandoff(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := handoff.Encode(handoff.FromHandoff(h))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "application/yaml", Body: data}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
