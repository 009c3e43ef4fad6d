package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reportflow/internal/domain"
	"reportflow/internal/engine"
	"reportflow/internal/locator"
	"reportflow/internal/logging"
	"reportflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"no report bundle found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":\"email\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the reportflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("reportflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, logger: logging.OrDiscard(cfg.Logger)}
	registerDocs(router, basePath)
	registerHealth(group)
	registerRuns(group, h)
	registerStages(group, h)
	registerEvents(group, h)
	registerBundles(group, h)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

type handlers struct {
	engine engine.Engine
	logger *slog.Logger
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
	var nf *locator.NotFoundError
	if errors.As(err, &nf) {
		details := map[string]any{"root": nf.Root}
		if nf.ID != "" {
			details["id"] = nf.ID
		}
		return newAPIError(http.StatusNotFound, "bundle_not_found", err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrUnknownStage) {
		return newAPIError(http.StatusNotFound, "unknown_stage", err.Error(), map[string]any{"stages": engine.StageNames})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "config."):
		return newAPIError(http.StatusUnprocessableEntity, "config_invalid", msg, nil)
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
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>reportflow API Docs</title>
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

func registerRuns(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "trigger-run",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Run the full pipeline",
		Description: "Runs generate, train_and_report and email in order. A failed stage is reported in the run body.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body *TriggerRequest
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := h.engine.TriggerRun(ctx, input.Body.conf())
		if run.ID == "" {
			return nil, handleError(err)
		}
		if err != nil {
			h.logger.Warn("pipeline run failed", "run_id", run.ID, "err", err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,succeeded,failed,canceled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		items, err := h.engine.Repo.ListRuns(ctx, repo.RunFilters{Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: paginatedRuns{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get run with stage results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := h.engine.Repo.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerStages(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "trigger-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stage}/trigger",
		Summary:     "Run a single stage",
		Description: "Manual trigger. conf carries the handoff, e.g. reportDirectory for the email stage.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Stage string `path:"stage" doc:"generate, train_and_report or email"`
		Body  *TriggerRequest
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := h.engine.TriggerStage(ctx, input.Stage, input.Body.conf())
		if run.ID == "" {
			return nil, handleError(err)
		}
		if err != nil {
			h.logger.Warn("stage run failed", "run_id", run.ID, "stage", input.Stage, "err", err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

type eventsInput struct {
	Type   string `query:"type" enum:"run.started,stage.finished,run.finished"`
	Limit  int    `query:"limit" default:"50"`
	Cursor string `query:"cursor"`
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *eventsInput) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp, err := h.listEvents(ctx, "", input)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/events",
		Summary:     "List events of one run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Type   string `query:"type" enum:"run.started,stage.finished,run.finished"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := h.engine.Repo.GetRun(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		resp, err := h.listEvents(ctx, input.ID, &eventsInput{Type: input.Type, Limit: input.Limit, Cursor: input.Cursor})
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) listEvents(ctx context.Context, runID string, input *eventsInput) (paginatedEvents, error) {
	limit := normalizeLimit(input.Limit)
	var cursorID int64
	if input.Cursor != "" {
		parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
		if err != nil {
			return paginatedEvents{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		cursorID = parsed
	}
	items, err := h.engine.Repo.LatestEventsFrom(ctx, limit+1, cursorID, runID, input.Type)
	if err != nil {
		return paginatedEvents{}, handleError(err)
	}
	resp := paginatedEvents{Items: []EventResponse{}}
	if len(items) > limit {
		resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		items = items[:limit]
	}
	for _, evt := range items {
		resp.Items = append(resp.Items, eventResponse(evt))
	}
	return resp, nil
}

func registerBundles(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-bundles",
		Method:      http.MethodGet,
		Path:        "/bundles",
		Summary:     "List report bundles, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body bundleList `json:"body"`
	}, error) {
		items, err := h.engine.ListBundles(normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body bundleList `json:"body"`
		}{Body: bundleList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-bundle",
		Method:      http.MethodGet,
		Path:        "/bundles/latest",
		Summary:     "Resolve the bundle the email stage would send",
		Description: "With id set, resolves that bundle and falls back to the newest one when it is missing.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `query:"id"`
	}) (*struct {
		Body domain.BundleSummary `json:"body"`
	}, error) {
		summary, err := h.engine.ResolveBundle(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BundleSummary `json:"body"`
		}{Body: summary}, nil
	})
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
