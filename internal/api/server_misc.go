package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/cssinjector/internal/controller"
)

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type assetsOutput struct {
		Body controller.AssetsInfo
	}
	huma.Register(api, huma.Operation{OperationID: "get-assets", Method: http.MethodGet, Path: "/api/v1/assets", Summary: "Describe the cached stylesheet and config", Tags: []string{"Assets"}},
		func(ctx context.Context, input *struct{}) (*assetsOutput, error) {
			info, err := svc.Assets(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &assetsOutput{Body: info}, nil
		})
}
