// Package server exposes the engine over HTTP. Every operation responds
// with the {body, code, error} envelope so callers can distinguish success,
// domain errors and the "not yet initialized" state of a policy whose
// instance is not running.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guardian/internal/ledger"
	"guardian/internal/policy"
	"guardian/internal/scheduler"
	"guardian/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Service   policy.Service
	Scheduler *scheduler.Scheduler
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"policy not found"`
}

// apiError models transport-level failures (auth, malformed requests).
// Domain results travel inside the envelope instead.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

// envelope is the uniform operation result.
type envelope struct {
	Body  any    `json:"body,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Code  int    `json:"code"`
	Error string `json:"error,omitempty"`
}

type response struct {
	Body envelope
}

func ok(v any) (*response, error) {
	return &response{Body: envelope{Body: v, Code: http.StatusOK}}, nil
}

func notInitialized() (*response, error) {
	return &response{Body: envelope{
		Code:  http.StatusServiceUnavailable,
		Error: "policy instance not initialized",
	}}, nil
}

func fail(err error) (*response, error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, policy.ErrActionFailed):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ledger.ErrTransient):
		code = http.StatusServiceUnavailable
	}
	return &response{Body: envelope{Code: code, Error: err.Error()}}, nil
}

// New returns an HTTP handler exposing the Guardian API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Guardian API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPolicies(group, cfg)
	registerBlocks(group, cfg)
	return router, nil
}

func registerHealth(api huma.API) {
	type healthOut struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOut, error) {
		out := &healthOut{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerPolicies(api huma.API, cfg Config) {
	type listIn struct{}
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies",
	}, func(ctx context.Context, _ *listIn) (*response, error) {
		policies, err := cfg.Service.List(ctx, "")
		if err != nil {
			return fail(err)
		}
		return ok(map[string]any{"policies": policies})
	})

	type importIn struct {
		Body struct {
			Name       string          `json:"name" minLength:"1"`
			Version    string          `json:"version" minLength:"1"`
			Definition json.RawMessage `json:"definition"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "import-policy",
		Method:      http.MethodPost,
		Path:        "/policies/import",
		Summary:     "Import a policy definition as a draft",
	}, func(ctx context.Context, in *importIn) (*response, error) {
		did, authErr := actorDIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := cfg.Service.Import(ctx, in.Body.Name, in.Body.Version, did, in.Body.Definition)
		if err != nil {
			return fail(err)
		}
		return ok(p)
	})

	type idIn struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{id}",
		Summary:     "Get one policy",
	}, func(ctx context.Context, in *idIn) (*response, error) {
		p, err := cfg.Service.Get(ctx, in.ID)
		if err != nil {
			return fail(err)
		}
		return ok(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-policy",
		Method:      http.MethodPost,
		Path:        "/policies/{id}/publish",
		Summary:     "Validate, anchor and publish a draft policy",
	}, func(ctx context.Context, in *idIn) (*response, error) {
		if _, authErr := actorDIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := cfg.Service.Publish(ctx, in.ID)
		if err != nil {
			return fail(err)
		}
		return ok(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-policy",
		Method:      http.MethodPost,
		Path:        "/policies/{id}/sync",
		Summary:     "Replay the policy's instance topic into local state",
	}, func(ctx context.Context, in *idIn) (*response, error) {
		if _, authErr := actorDIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		inst, running := cfg.Scheduler.Get(in.ID)
		if !running {
			return notInitialized()
		}
		if err := inst.Sync(ctx); err != nil {
			return fail(err)
		}
		return ok(map[string]any{"synced": true})
	})

	type provenanceIn struct {
		MessageID string `path:"messageId"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-provenance",
		Method:      http.MethodGet,
		Path:        "/provenance/{messageId}",
		Summary:     "List documents that depend on a ledger message",
	}, func(ctx context.Context, in *provenanceIn) (*response, error) {
		docs, err := cfg.Service.Provenance(ctx, in.MessageID)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]any{"documents": docs})
	})
}

func registerBlocks(api huma.API, cfg Config) {
	type blockIn struct {
		ID  string `path:"id"`
		Tag string `path:"tag"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-block-data",
		Method:      http.MethodGet,
		Path:        "/policies/{id}/blocks/{tag}",
		Summary:     "Get a block's per-actor view",
	}, func(ctx context.Context, in *blockIn) (*response, error) {
		did, authErr := actorDIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, running := cfg.Scheduler.Get(in.ID)
		if !running {
			return notInitialized()
		}
		data, err := inst.GetBlockData(ctx, did, in.Tag)
		if err != nil {
			return fail(err)
		}
		return ok(data)
	})

	type blockSetIn struct {
		ID   string `path:"id"`
		Tag  string `path:"tag"`
		Body json.RawMessage
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-block-data",
		Method:      http.MethodPost,
		Path:        "/policies/{id}/blocks/{tag}",
		Summary:     "Submit actor input to a block",
	}, func(ctx context.Context, in *blockSetIn) (*response, error) {
		did, authErr := actorDIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, running := cfg.Scheduler.Get(in.ID)
		if !running {
			return notInitialized()
		}
		data, err := inst.SetBlockData(ctx, did, in.Tag, in.Body)
		if err != nil {
			return fail(err)
		}
		return ok(data)
	})
}
