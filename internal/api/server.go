package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/cssinjector/internal/bridge"
	"github.com/dgnsrekt/cssinjector/internal/cdpcontrol"
	"github.com/dgnsrekt/cssinjector/internal/controller"
	"github.com/dgnsrekt/cssinjector/internal/relay"
)

type Service interface {
	ListTabs(ctx context.Context) ([]controller.TabSummary, error)
	TabStatus(ctx context.Context, tabID string) (controller.TabDetail, error)
	InjectCSS(ctx context.Context, tabID string) (bridge.Result, error)
	GetConfig(ctx context.Context, tabID string) (bridge.Result, error)
	InjectBackground(ctx context.Context, tabID string) (bridge.Result, error)
	Reinject(ctx context.Context, tabID string) (bool, error)
	Assets(ctx context.Context) (controller.AssetsInfo, error)
}

type tabIDInput struct {
	TabID string `path:"tab_id" doc:"CDP target ID of the attached tab"`
}

type bridgeOutput struct {
	Body bridge.Result
}

// NewServer builds the HTTP API. events may be nil, which leaves the live
// injection feed unrouted.
func NewServer(svc Service, events *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("CSS Injector API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("Docs response write failed", "error", err)
		}
	})

	if events != nil {
		router.Get("/api/v1/events", relay.SSEHandler(events))
	}

	registerTabHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTabNotFound, cdpcontrol.CodeConfigUnavailable, cdpcontrol.CodeTargetNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeNoBackground:
			return huma.Error409Conflict(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
