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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"planline/internal/delegate"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/export"
	"planline/internal/loader"
	"planline/internal/planner"
	"planline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"session_locked"`
	Message string         `json:"message" example:"session is confirmed and locked"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"session_id\":\"a1b2\"}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Planline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Planline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerAnalyses(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerRevisions(group, cfg.Engine)
	registerExports(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrSessionLocked) {
		return newAPIError(http.StatusConflict, "session_locked", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrSessionBusy) {
		return newAPIError(http.StatusConflict, "session_busy", err.Error(), nil)
	}
	if errors.Is(err, planner.ErrEmptyPlan) {
		return newAPIError(http.StatusUnprocessableEntity, "empty_plan", err.Error(), nil)
	}
	if errors.Is(err, delegate.ErrTimeout) {
		return newAPIError(http.StatusGatewayTimeout, "delegate_timeout", err.Error(), nil)
	}
	if errors.Is(err, delegate.ErrMalformed) {
		return newAPIError(http.StatusBadGateway, "delegate_malformed", err.Error(), nil)
	}
	var re planner.RevisionError
	if errors.As(err, &re) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_revision", err.Error(), map[string]any{"reason": re.Reason})
	}
	var ve loader.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"input": ve.Input})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusBadGateway:
		return "delegate_malformed"
	case http.StatusGatewayTimeout:
		return "delegate_timeout"
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Planline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		sessions, err := e.Repo.ListSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counts := map[string]int{}
		for _, s := range sessions {
			counts[s.Status]++
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"sessions":       len(sessions),
			"session_counts": counts,
			"model":          e.Config.Delegate.Model,
		}}, nil
	})
}

func registerAnalyses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-analysis",
		Method:        http.MethodPost,
		Path:          "/analyses",
		Summary:       "Analyze a feature list into a costed plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body AnalyzeRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.Features) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "features is required", nil)
		}
		if input.Body.RosterCSV == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "roster_csv is required", nil)
		}
		if input.Body.DeadlineSprints < 1 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "deadline_sprints must be at least 1", nil)
		}
		snap, diags, err := buildSnapshot(e, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.AnalyzeOptions{Snapshot: snap, Diagnostics: diags}
		if input.Body.SessionID != nil {
			opts.SessionID = *input.Body.SessionID
		}
		s, err := e.Analyze(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func buildSnapshot(e engine.Engine, req AnalyzeRequest) (domain.Snapshot, []string, error) {
	staff, rosterDiags, err := loader.LoadRoster(strings.NewReader(req.RosterCSV), e.Config.Planning.DefaultCapacityHours)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}

	var (
		budget      loader.Budget
		budgetDiags []string
	)
	if req.BudgetCSV != "" {
		budget, budgetDiags, err = loader.LoadBudget(strings.NewReader(req.BudgetCSV))
		if err != nil {
			return domain.Snapshot{}, nil, err
		}
	}
	ceiling := budget.Ceiling
	if req.BudgetCeiling != nil {
		ceiling = *req.BudgetCeiling
	}

	features := make([]domain.Feature, 0, len(req.Features))
	for _, f := range req.Features {
		features = append(features, domain.Feature{Name: f.Name, Priority: f.Priority})
	}
	snap := domain.Snapshot{
		PRDText:         req.PRDText,
		Features:        features,
		Staff:           staff,
		LineItems:       budget.LineItems,
		BudgetCeiling:   ceiling,
		DeadlineSprints: req.DeadlineSprints,
	}
	return snap, append(rosterDiags, budgetDiags...), nil
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SessionSummaryResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionSummaryResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/plan",
		Summary:     "Get the session's committed plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.Plan == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session has no committed plan", nil)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: *s.Plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/chat",
		Summary:     "Send a revision message",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Message) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		res, err := e.Chat(ctx, input.ID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: chatResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/confirm",
		Summary:     "Confirm and lock the session's plan",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		res, err := e.Confirm(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: chatResponse(res)}, nil
	})
}

func registerRevisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-revision",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/revisions",
		Summary:     "Apply a structured revision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviseRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if !domain.KnownIntent(input.Body.Intent) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown intent", map[string]any{"intent": input.Body.Intent})
		}
		instr := domain.Instruction{Intent: input.Body.Intent, Params: input.Body.Params}
		res, err := e.Revise(ctx, input.ID, instr)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: chatResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-revisions",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/revisions",
		Summary:     "List applied revisions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []RevisionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRevisions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RevisionResponse `json:"body"`
		}{Body: mapRevisions(items)}, nil
	})
}

func registerExports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-jira",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/export/jira",
		Summary:     "Export the plan as issue-tracker inputs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID          string `path:"id"`
		ProjectKey  string `query:"project_key" default:"PLAN"`
		ProjectName string `query:"project_name" default:"Delivery Plan"`
	}) (*struct {
		Body export.JiraInputs `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.Plan == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session has no committed plan", nil)
		}
		out, err := export.BuildJiraInputs(s, input.ProjectKey, input.ProjectName, e.Config.Planning.SprintDays, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body export.JiraInputs `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-report",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/report",
		Summary:     "Plan summary report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body export.Report `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.Plan == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session has no committed plan", nil)
		}
		out, err := export.BuildReport(s, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body export.Report `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.SessionID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
