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
	"github.com/google/uuid"

	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid milestone transition approved -> in_progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Siteline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Siteline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerScopes(group, cfg.Engine)
	registerContracts(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerChangeOrders(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerPunchList(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"entity": te.Entity, "from": te.From, "to": te.To,
		})
	}
	var ie *engine.InvariantError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "invariant_violation", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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
		return "invalid_transition"
	case http.StatusUnprocessableEntity:
		return "invariant_violation"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
    <title>Siteline API Docs</title>
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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:             strOrEmpty(input.Body.ID),
			OwnerID:        input.Body.OwnerID,
			OwnerName:      strOrEmpty(input.Body.OwnerName),
			ContractorID:   input.Body.ContractorID,
			ContractorName: strOrEmpty(input.Body.ContractorName),
			Title:          input.Body.Title,
			Description:    strOrEmpty(input.Body.Description),
			StartDate:      strOrEmpty(input.Body.StartDate),
			EndDate:        strOrEmpty(input.Body.EndDate),
			TotalAmount:    input.Body.TotalAmount,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "award-project",
		Method:        http.MethodPost,
		Path:          "/projects/award",
		Summary:       "Award project from accepted bid",
		Description:   "Creates the project, scope v1, executed contract and schedule milestones atomically.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body AwardProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AwardOptions{
			Project: engine.ProjectCreateOptions{
				ID:             strOrEmpty(input.Body.Project.ID),
				OwnerID:        input.Body.Project.OwnerID,
				OwnerName:      strOrEmpty(input.Body.Project.OwnerName),
				ContractorID:   input.Body.Project.ContractorID,
				ContractorName: strOrEmpty(input.Body.Project.ContractorName),
				Title:          input.Body.Project.Title,
				Description:    strOrEmpty(input.Body.Project.Description),
				StartDate:      strOrEmpty(input.Body.Project.StartDate),
				EndDate:        strOrEmpty(input.Body.Project.EndDate),
				TotalAmount:    input.Body.Project.TotalAmount,
			},
			Scope: engine.ScopeCreateOptions{
				WorkBreakdown: input.Body.Scope.WorkBreakdown,
				Materials:     strOrEmpty(input.Body.Scope.Materials),
				Requirements:  strOrEmpty(input.Body.Scope.Requirements),
				Exclusions:    strOrEmpty(input.Body.Scope.Exclusions),
			},
			Schedule: input.Body.Schedule,
			ActorID:  actorID,
		}
		if input.Body.Contract != nil {
			opts.Contract = engine.ContractCreateOptions{
				ContractType:          strOrEmpty(input.Body.Contract.ContractType),
				Terms:                 strOrEmpty(input.Body.Contract.Terms),
				WarrantyTerms:         strOrEmpty(input.Body.Contract.WarrantyTerms),
				DisputeResolution:     strOrEmpty(input.Body.Contract.DisputeResolution),
				InsuranceRequirements: strOrEmpty(input.Body.Contract.InsuranceRequirements),
			}
			if len(opts.Schedule) == 0 {
				opts.Schedule = input.Body.Contract.PaymentSchedule
			}
		}
		p, err := e.AwardProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id" doc:"Filter to projects where the user is owner or contractor"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		var items []domain.Project
		var err error
		if input.UserID != "" {
			items, err = e.Repo.ListUserProjects(ctx, input.UserID)
		} else {
			items, err = e.Repo.ListProjects(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project settlement status",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.StatusReport `json:"body"`
	}, error) {
		rep, err := e.ProjectStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/complete",
		Summary:     "Complete project",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CompleteProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerScopes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-scope",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/scopes",
		Summary:       "Create scope of work version",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Body      ScopeRequest `json:"body"`
	}) (*struct {
		Body domain.ScopeOfWork `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateScopeOfWork(ctx, engine.ScopeCreateOptions{
			ProjectID:     input.ProjectID,
			WorkBreakdown: input.Body.WorkBreakdown,
			Materials:     strOrEmpty(input.Body.Materials),
			Requirements:  strOrEmpty(input.Body.Requirements),
			Exclusions:    strOrEmpty(input.Body.Exclusions),
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ScopeOfWork `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scopes",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/scopes",
		Summary:     "List scope versions, newest first",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.ScopeOfWork `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListScopes(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ScopeOfWork `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-scope",
		Method:      http.MethodPost,
		Path:        "/scopes/{scope_id}/approve",
		Summary:     "Approve a scope version",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ScopeID string              `path:"scope_id"`
		Body    ApproveScopeRequest `json:"body"`
	}) (*struct {
		Body domain.ScopeOfWork `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ApproveScope(ctx, input.ScopeID, input.Body.Party, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ScopeOfWork `json:"body"`
		}{Body: s}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/contract",
		Summary:       "Create the project contract",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      ContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateContract(ctx, engine.ContractCreateOptions{
			ProjectID:             input.ProjectID,
			ContractType:          strOrEmpty(input.Body.ContractType),
			Terms:                 strOrEmpty(input.Body.Terms),
			Schedule:              input.Body.PaymentSchedule,
			WarrantyTerms:         strOrEmpty(input.Body.WarrantyTerms),
			DisputeResolution:     strOrEmpty(input.Body.DisputeResolution),
			InsuranceRequirements: strOrEmpty(input.Body.InsuranceRequirements),
			ActorID:               actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/contract",
		Summary:     "Get the project contract",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetContractByProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/sign",
		Summary:     "Sign the contract",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string              `path:"contract_id"`
		Body       SignContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SignContract(ctx, input.ContractID, input.Body.Party, strOrEmpty(input.Body.Signature), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-milestone",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/milestones",
		Summary:       "Create milestone",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      CreateMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMilestone(ctx, engine.MilestoneCreateOptions{
			ProjectID:          input.ProjectID,
			Title:              input.Body.Title,
			Description:        strOrEmpty(input.Body.Description),
			DueDate:            strOrEmpty(input.Body.DueDate),
			PaymentAmount:      input.Body.PaymentAmount,
			Deliverables:       strOrEmpty(input.Body.Deliverables),
			AcceptanceCriteria: strOrEmpty(input.Body.AcceptanceCriteria),
			OrderNumber:        intOrZero(input.Body.OrderNumber),
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/milestones",
		Summary:     "List milestones in schedule order",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Milestone `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMilestones(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Milestone `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-milestone-status",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/status",
		Summary:     "Move milestone through review lifecycle",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MilestoneID string                 `path:"milestone_id"`
		Body        MilestoneStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMilestoneStatus(ctx, engine.MilestoneStatusOptions{
			MilestoneID:     input.MilestoneID,
			Status:          input.Body.Status,
			RejectionReason: strOrEmpty(input.Body.RejectionReason),
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-payment",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/payments",
		Summary:       "Create pending escrow payment",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      CreatePaymentRequest `json:"body"`
	}) (*struct {
		Body domain.Payment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePayment(ctx, engine.PaymentCreateOptions{
			ProjectID:   input.ProjectID,
			MilestoneID: strOrEmpty(input.Body.MilestoneID),
			Amount:      input.Body.Amount,
			Method:      strOrEmpty(input.Body.Method),
			Reference:   strOrEmpty(input.Body.Reference),
			Settle:      input.Body.Settle,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Payment `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/payments",
		Summary:     "List payments, newest first",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Payment `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPayments(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Payment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-payment",
		Method:      http.MethodPost,
		Path:        "/payments/{payment_id}/release",
		Summary:     "Release a pending payment from escrow",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		PaymentID string `path:"payment_id"`
	}) (*struct {
		Body domain.Payment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ReleasePayment(ctx, input.PaymentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Payment `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deposit-escrow",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/escrow/deposits",
		Summary:       "Deposit funds into project escrow",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      DepositEscrowRequest `json:"body"`
	}) (*struct {
		Body domain.EscrowEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.DepositEscrow(ctx, input.ProjectID, input.Body.Amount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscrowEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escrow-entries",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/escrow",
		Summary:     "Escrow ledger in append order",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.EscrowEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEscrowEntries(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.EscrowEntry `json:"body"`
		}{Body: items}, nil
	})
}

func registerChangeOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-change-order",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/change-orders",
		Summary:       "File change order",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      CreateChangeOrderRequest `json:"body"`
	}) (*struct {
		Body domain.ChangeOrder `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		co, err := e.CreateChangeOrder(ctx, engine.ChangeOrderCreateOptions{
			ProjectID:          input.ProjectID,
			Description:        input.Body.Description,
			Reason:             strOrEmpty(input.Body.Reason),
			CostImpact:         input.Body.CostImpact,
			ScheduleImpactDays: intOrZero(input.Body.ScheduleImpactDays),
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChangeOrder `json:"body"`
		}{Body: co}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-change-orders",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/change-orders",
		Summary:     "List change orders, newest first",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.ChangeOrder `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChangeOrders(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChangeOrder `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-change-order-status",
		Method:      http.MethodPost,
		Path:        "/change-orders/{change_order_id}/status",
		Summary:     "Approve, reject or implement a change order",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ChangeOrderID string                   `path:"change_order_id"`
		Body          ChangeOrderStatusRequest `json:"body"`
	}) (*struct {
		Body domain.ChangeOrder `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		co, err := e.UpdateChangeOrderStatus(ctx, input.ChangeOrderID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChangeOrder `json:"body"`
		}{Body: co}, nil
	})
}

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "file-dispute",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/disputes",
		Summary:       "File dispute",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      FileDisputeRequest `json:"body"`
	}) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DisputeFileOptions{
			ProjectID:         input.ProjectID,
			MilestoneID:       strOrEmpty(input.Body.MilestoneID),
			FiledBy:           actorID,
			DisputeType:       strOrEmpty(input.Body.DisputeType),
			Description:       input.Body.Description,
			AmountDisputed:    input.Body.AmountDisputed,
			DesiredResolution: strOrEmpty(input.Body.DesiredResolution),
		}
		if len(input.Body.Evidence) > 0 {
			data, err := json.Marshal(input.Body.Evidence)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid evidence", nil)
			}
			opts.EvidenceJSON = string(data)
		}
		d, err := e.FileDispute(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/disputes",
		Summary:     "List disputes, newest first",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Dispute `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDisputes(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dispute `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-dispute-status",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/status",
		Summary:     "Move dispute through its lifecycle",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		DisputeID string               `path:"dispute_id"`
		Body      DisputeStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateDisputeStatus(ctx, engine.DisputeStatusOptions{
			DisputeID:  input.DisputeID,
			Status:     input.Body.Status,
			Resolution: strOrEmpty(input.Body.Resolution),
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/escalate",
		Summary:     "Escalate dispute to the next resolution stage",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		DisputeID string `path:"dispute_id"`
	}) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.EscalateDispute(ctx, input.DisputeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})
}

func registerPunchList(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-punch-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/punch-list",
		Summary:       "Add punch list item",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      CreatePunchItemRequest `json:"body"`
	}) (*struct {
		Body domain.PunchListItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.AddPunchItem(ctx, input.ProjectID, input.Body.Title, strOrEmpty(input.Body.Location), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PunchListItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-punch-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/punch-list",
		Summary:     "List punch list items",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.PunchListItem `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPunchItems(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PunchListItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-punch-item",
		Method:      http.MethodPost,
		Path:        "/punch-list/{item_id}/complete",
		Summary:     "Complete punch list item",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.PunchListItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.CompletePunchItem(ctx, input.ItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PunchListItem `json:"body"`
		}{Body: it}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Latest project events",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     int64  `query:"cursor" doc:"Return events older than this ID"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Register API key",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Name:    strOrEmpty(input.Body.Name),
			KeyHash: repo.HashAPIKey(input.Body.Key),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.APIKey `json:"body"`
		}{Body: stored}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
