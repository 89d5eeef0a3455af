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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"clipline/internal/engine"
	"clipline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"work package wp-1 already claimed by alice"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type correlationKey struct{}

const correlationHeader = "X-Correlation-Id"

func correlationFromContext(ctx context.Context) string {
	if cid, ok := ctx.Value(correlationKey{}).(string); ok {
		return cid
	}
	return ""
}

// New returns an HTTP handler exposing the Clipline API.
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
	// Every request carries a correlation id, echoed on the response and
	// threaded through into audit events.
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cid := strings.TrimSpace(r.Header.Get(correlationHeader))
			if cid == "" {
				cid = uuid.New().String()
			}
			w.Header().Set(correlationHeader, cid)
			ctx := context.WithValue(r.Context(), correlationKey{}, cid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Clipline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkPackages(group, cfg.Engine)
	registerLeases(group, cfg.Engine)
	registerScripts(group, cfg.Engine)
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		details := map[string]any{}
		if ce.HeldBy != "" {
			details["held_by"] = ce.HeldBy
		}
		return newAPIError(http.StatusConflict, "conflict", err.Error(), details)
	}
	var oe engine.NotOwnerError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusForbidden, "not_owner", err.Error(), map[string]any{"owner": oe.Owner})
	}
	var ae engine.NotAssignedError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusConflict, "not_assigned", err.Error(), nil)
	}
	var se engine.NoScriptError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadRequest, "no_script", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	// Store failures are retryable by the caller.
	return newAPIError(http.StatusInternalServerError, "db_error", "store error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "db_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerWorkPackages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-package",
		Method:        http.MethodPost,
		Path:          "/work-packages",
		Summary:       "Create work package",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkPackageRequest `json:"body"`
	}) (*struct {
		Body WorkPackageResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.WorkPackageCreateOptions{
			Title:         input.Body.Title,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		wp, err := e.CreateWorkPackage(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkPackageResponse `json:"body"`
		}{Body: workPackageResponse(wp, correlationFromContext(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-packages",
		Method:      http.MethodGet,
		Path:        "/work-packages",
		Summary:     "List work packages",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status"`
		AssignmentState string `query:"assignment_state"`
		AssignedTo      string `query:"assigned_to"`
		Limit           int    `query:"limit"`
	}) (*struct {
		Body []WorkPackageResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkPackages(ctx, repo.WorkPackageFilters{
			Status:          input.Status,
			AssignmentState: input.AssignmentState,
			AssignedTo:      input.AssignedTo,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkPackageResponse `json:"body"`
		}{Body: mapWorkPackages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-package",
		Method:      http.MethodGet,
		Path:        "/work-packages/{work_package_id}",
		Summary:     "Get work package",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string `path:"work_package_id"`
	}) (*struct {
		Body WorkPackageResponse `json:"body"`
	}, error) {
		wp, err := e.Repo.GetWorkPackage(ctx, input.WorkPackageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkPackageResponse `json:"body"`
		}{Body: workPackageResponse(wp, correlationFromContext(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-work-package-status",
		Method:      http.MethodPatch,
		Path:        "/work-packages/{work_package_id}/status",
		Summary:     "Set pipeline status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string           `path:"work_package_id"`
		Body          SetStatusRequest `json:"body"`
	}) (*struct {
		Body WorkPackageResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wp, err := e.SetStatus(ctx, input.WorkPackageID, input.Body.Status, actorID, correlationFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkPackageResponse `json:"body"`
		}{Body: workPackageResponse(wp, correlationFromContext(ctx))}, nil
	})
}

func registerLeases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-work-package",
		Method:      http.MethodPost,
		Path:        "/work-packages/{work_package_id}/claim",
		Summary:     "Claim a lease on a work package",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string       `path:"work_package_id"`
		Body          ClaimRequest `json:"body"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		actorID, authErr := resolveActor(ctx, input.Body.Actor)
		if authErr != nil {
			return nil, authErr
		}
		wp, err := e.Claim(ctx, engine.ClaimOptions{
			WorkPackageID: input.WorkPackageID,
			ActorID:       actorID,
			Role:          input.Body.Role,
			TTL:           time.Duration(input.Body.TTLSeconds) * time.Second,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: leaseResponse(wp, correlationFromContext(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-work-package",
		Method:      http.MethodPost,
		Path:        "/work-packages/{work_package_id}/release",
		Summary:     "Release an active lease",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string         `path:"work_package_id"`
		Body          ReleaseRequest `json:"body"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		admin := false
		if p, ok := principalFromContext(ctx); ok {
			admin = p.IsAdmin()
		}
		if input.Body.Actor != nil && *input.Body.Actor != "" {
			resolved, authErr := resolveActor(ctx, input.Body.Actor)
			if authErr != nil {
				return nil, authErr
			}
			actorID = resolved
		}
		wp, err := e.Release(ctx, engine.ReleaseOptions{
			WorkPackageID: input.WorkPackageID,
			ActorID:       actorID,
			AdminOverride: admin,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: leaseResponse(wp, correlationFromContext(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lease",
		Method:      http.MethodGet,
		Path:        "/work-packages/{work_package_id}/lease",
		Summary:     "Current lease snapshot",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string `path:"work_package_id"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		wp, err := e.Lease(ctx, input.WorkPackageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: leaseResponse(wp, correlationFromContext(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reclaim-expired",
		Method:      http.MethodPost,
		Path:        "/work-packages/reclaim-expired",
		Summary:     "Sweep expired leases (admin)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReclaimResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := e.ReclaimExpired(ctx, actorID, correlationFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReclaimResponse `json:"body"`
		}{Body: reclaimResponse(result, correlationFromContext(ctx))}, nil
	})
}

func registerScripts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-current-script",
		Method:      http.MethodGet,
		Path:        "/work-packages/{work_package_id}/script",
		Summary:     "Current (unlocked) script version",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string `path:"work_package_id"`
	}) (*struct {
		Body ScriptVersionResponse `json:"body"`
	}, error) {
		v, err := e.CurrentScript(ctx, input.WorkPackageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScriptVersionResponse `json:"body"`
		}{Body: scriptVersionResponse(v, correlationFromContext(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-script-version",
		Method:        http.MethodPost,
		Path:          "/work-packages/{work_package_id}/script",
		Summary:       "Append a script version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string              `path:"work_package_id"`
		Body          CreateScriptRequest `json:"body"`
	}) (*struct {
		Body ScriptVersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CreateScriptVersion(ctx, engine.ScriptCreateOptions{
			WorkPackageID: input.WorkPackageID,
			Content:       input.Body.Content,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScriptVersionResponse `json:"body"`
		}{Body: scriptVersionResponse(v, correlationFromContext(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-script-versions",
		Method:      http.MethodGet,
		Path:        "/work-packages/{work_package_id}/script/versions",
		Summary:     "List script versions",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string `path:"work_package_id"`
	}) (*struct {
		Body []ScriptVersionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkPackage(ctx, input.WorkPackageID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListScriptVersions(ctx, input.WorkPackageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ScriptVersionResponse `json:"body"`
		}{Body: mapScriptVersions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lock-script",
		Method:      http.MethodPost,
		Path:        "/work-packages/{work_package_id}/script/lock",
		Summary:     "Lock the current script version (idempotent)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string            `path:"work_package_id"`
		Body          LockScriptRequest `json:"body"`
	}) (*struct {
		Body ScriptVersionResponse `json:"body"`
	}, error) {
		actorID, authErr := resolveActor(ctx, input.Body.Actor)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.LockCurrentVersion(ctx, engine.LockOptions{
			WorkPackageID: input.WorkPackageID,
			ActorID:       actorID,
			CorrelationID: correlationFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScriptVersionResponse `json:"body"`
		}{Body: scriptVersionResponse(v, correlationFromContext(ctx))}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		WorkPackageID string `query:"work_package_id"`
		Type          string `query:"type"`
		Limit         int    `query:"limit"`
		Cursor        int64  `query:"cursor"`
	}) (*struct {
		Body []AuditEventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAuditEvents(ctx, repo.AuditEventFilters{
			WorkPackageID: input.WorkPackageID,
			Type:          input.Type,
			Limit:         input.Limit,
			Cursor:        input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEventResponse `json:"body"`
		}{Body: mapAuditEvents(items)}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Clipline API Docs</title>
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
