package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tunnelhub/internal/controller"
	"github.com/dgnsrekt/tunnelhub/internal/fanout"
	"github.com/dgnsrekt/tunnelhub/internal/mirror"
	"github.com/dgnsrekt/tunnelhub/internal/supervisor"
	"github.com/dgnsrekt/tunnelhub/internal/upstream"
)

type Service interface {
	SubscribeGlobal() (*controller.Subscription, error)
	SubscribeTunnel(instanceID string) (*controller.Subscription, error)
	Subscribers() []fanout.SubscriberInfo
	Stats() controller.Stats
	Status() supervisor.Status
	EndpointStatus(id string) (upstream.Health, error)
	EndpointConnectionDetails(id string) (supervisor.ConnectionDetails, error)
	Mirror(endpointID string) ([]mirror.Instance, error)
	Initialize(ctx context.Context) (int, error)
	Reset() int
	Reload(ctx context.Context) (int, error)
	ResetEndpoint(id string) error
	RemoveEndpoint(id string) error
	Probe(ctx context.Context, baseURL, apiPath, apiKey string) (upstream.ProbeResult, error)
	ProbeEndpoint(ctx context.Context, id string) (upstream.ProbeResult, error)
}

// Options configures the HTTP surface.
type Options struct {
	// KeepAlive is the interval between keep-alive frames on streams.
	KeepAlive time.Duration
	// DetachStreams leaves the stream routes off the main router so they can
	// be served from a separate listener via NewStreamServer.
	DetachStreams bool
}

type endpointIDInput struct {
	EndpointID string `path:"endpoint_id" doc:"Upstream endpoint identifier"`
}

type startedOutput struct {
	Body struct {
		Started int    `json:"started"`
		Status  string `json:"status"`
	}
}

type stoppedOutput struct {
	Body struct {
		Stopped int    `json:"stopped"`
		Status  string `json:"status"`
	}
}

type probeOutput struct {
	Body upstream.ProbeResult
}

// NewServer returns the main router: introspection operations, docs and,
// unless detached, the stream routes.
func NewServer(svc Service, opts Options) http.Handler {
	router := newRouter()

	cfg := huma.DefaultConfig("TunnelHub API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	registerStatusHandlers(api, svc)
	registerEndpointHandlers(api, svc)
	registerSupervisorHandlers(api, svc)
	registerSubscriberHandlers(api, svc)

	if !opts.DetachStreams {
		mountStreams(router, svc, opts.KeepAlive)
	}
	return router
}

// NewStreamServer returns a router serving only the stream routes.
func NewStreamServer(svc Service, opts Options) http.Handler {
	router := newRouter()
	mountStreams(router, svc, opts.KeepAlive)
	return router
}

func newRouter() *chi.Mux {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	return router
}

func registerStatusHandlers(api huma.API, svc Service) {
	type statusOutput struct {
		Body supervisor.Status
	}
	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Aggregated connector health", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.Status()}, nil
		})

	type statsOutput struct {
		Body controller.Stats
	}
	huma.Register(api, huma.Operation{OperationID: "get-stats", Method: http.MethodGet, Path: "/api/v1/stats", Summary: "Subscriber, classifier and persistence counters", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			return &statsOutput{Body: svc.Stats()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "probe", Method: http.MethodPost, Path: "/api/v1/probe", Summary: "Test connectivity to an upstream endpoint", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct {
			Body struct {
				URL     string `json:"url" doc:"Upstream base URL"`
				APIPath string `json:"api_path,omitempty" doc:"API path prefix, e.g. /api/v1"`
				APIKey  string `json:"api_key,omitempty" doc:"Credential sent as X-API-Key"`
			}
		}) (*probeOutput, error) {
			res, err := svc.Probe(ctx, input.Body.URL, input.Body.APIPath, input.Body.APIKey)
			if err != nil {
				return nil, mapErr(err)
			}
			return &probeOutput{Body: res}, nil
		})
}

func registerEndpointHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body upstream.Health
	}
	huma.Register(api, huma.Operation{OperationID: "get-endpoint-status", Method: http.MethodGet, Path: "/api/v1/endpoints/{endpoint_id}/status", Summary: "Connector health of one endpoint", Tags: []string{"Endpoints"}},
		func(ctx context.Context, input *endpointIDInput) (*healthOutput, error) {
			h, err := svc.EndpointStatus(input.EndpointID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &healthOutput{Body: h}, nil
		})

	type detailsOutput struct {
		Body supervisor.ConnectionDetails
	}
	huma.Register(api, huma.Operation{OperationID: "get-endpoint-details", Method: http.MethodGet, Path: "/api/v1/endpoints/{endpoint_id}/details", Summary: "Connection details with masked credential", Tags: []string{"Endpoints"}},
		func(ctx context.Context, input *endpointIDInput) (*detailsOutput, error) {
			d, err := svc.EndpointConnectionDetails(input.EndpointID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &detailsOutput{Body: d}, nil
		})

	type instancesOutput struct {
		Body struct {
			EndpointID string            `json:"endpointId"`
			Instances  []mirror.Instance `json:"instances"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-endpoint-instances", Method: http.MethodGet, Path: "/api/v1/endpoints/{endpoint_id}/instances", Summary: "Mirrored instance state of one endpoint", Tags: []string{"Endpoints"}},
		func(ctx context.Context, input *endpointIDInput) (*instancesOutput, error) {
			list, err := svc.Mirror(input.EndpointID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &instancesOutput{}
			out.Body.EndpointID = input.EndpointID
			out.Body.Instances = list
			return out, nil
		})

	type endpointActionOutput struct {
		Body struct {
			EndpointID string `json:"endpointId"`
			Status     string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "reset-endpoint", Method: http.MethodPost, Path: "/api/v1/endpoints/{endpoint_id}/reset", Summary: "Restart one connector with a cleared failure counter", Tags: []string{"Endpoints"}},
		func(ctx context.Context, input *endpointIDInput) (*endpointActionOutput, error) {
			if err := svc.ResetEndpoint(input.EndpointID); err != nil {
				return nil, mapErr(err)
			}
			out := &endpointActionOutput{}
			out.Body.EndpointID = input.EndpointID
			out.Body.Status = "reset"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "remove-endpoint", Method: http.MethodDelete, Path: "/api/v1/endpoints/{endpoint_id}", Summary: "Stop and forget a deleted endpoint", Tags: []string{"Endpoints"}},
		func(ctx context.Context, input *endpointIDInput) (*endpointActionOutput, error) {
			if err := svc.RemoveEndpoint(input.EndpointID); err != nil {
				return nil, mapErr(err)
			}
			out := &endpointActionOutput{}
			out.Body.EndpointID = input.EndpointID
			out.Body.Status = "removed"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "probe-endpoint", Method: http.MethodPost, Path: "/api/v1/endpoints/{endpoint_id}/probe", Summary: "Test connectivity with the configured credential", Tags: []string{"Endpoints"}},
		func(ctx context.Context, input *endpointIDInput) (*probeOutput, error) {
			res, err := svc.ProbeEndpoint(ctx, input.EndpointID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &probeOutput{Body: res}, nil
		})
}

func registerSupervisorHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "initialize", Method: http.MethodPost, Path: "/api/v1/supervisor/initialize", Summary: "Start connectors for endpoints that have none", Tags: []string{"Supervisor"}},
		func(ctx context.Context, input *struct{}) (*startedOutput, error) {
			n, err := svc.Initialize(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &startedOutput{}
			out.Body.Started = n
			out.Body.Status = "initialized"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "reset", Method: http.MethodPost, Path: "/api/v1/supervisor/reset", Summary: "Stop and discard every connector", Tags: []string{"Supervisor"}},
		func(ctx context.Context, input *struct{}) (*stoppedOutput, error) {
			out := &stoppedOutput{}
			out.Body.Stopped = svc.Reset()
			out.Body.Status = "reset"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "reload", Method: http.MethodPost, Path: "/api/v1/supervisor/reload", Summary: "Reset and re-read the endpoint list", Tags: []string{"Supervisor"}},
		func(ctx context.Context, input *struct{}) (*startedOutput, error) {
			n, err := svc.Reload(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &startedOutput{}
			out.Body.Started = n
			out.Body.Status = "reloaded"
			return out, nil
		})
}

func registerSubscriberHandlers(api huma.API, svc Service) {
	type subscribersOutput struct {
		Body struct {
			Subscribers []fanout.SubscriberInfo `json:"subscribers"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-subscribers", Method: http.MethodGet, Path: "/api/v1/subscribers", Summary: "Registered downstream subscribers", Tags: []string{"Subscribers"}},
		func(ctx context.Context, input *struct{}) (*subscribersOutput, error) {
			out := &subscribersOutput{}
			out.Body.Subscribers = svc.Subscribers()
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *upstream.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case upstream.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case upstream.CodeEndpointNotFound:
			return huma.Error404NotFound(coded.Message)
		case upstream.CodeDuplicateSubscriber:
			return huma.Error409Conflict(coded.Message)
		case upstream.CodeRegistryClosed:
			return huma.Error503ServiceUnavailable(coded.Message)
		case upstream.CodeProbeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case upstream.CodeProbeHTTPStatus, upstream.CodeProbeNetwork:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, supervisor.ErrShutdown) {
		return huma.Error503ServiceUnavailable(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
