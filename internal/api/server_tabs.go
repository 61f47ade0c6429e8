package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/cssinjector/internal/controller"
)

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []controller.TabSummary `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List attached tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type tabStatusOutput struct {
		Body controller.TabDetail
	}
	huma.Register(api, huma.Operation{OperationID: "get-tab", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}", Summary: "Get injection state of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabStatusOutput, error) {
			detail, err := svc.TabStatus(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabStatusOutput{Body: detail}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "inject-css", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/inject-css", Summary: "Re-apply the stylesheet", Tags: []string{"Bridge"}},
		func(ctx context.Context, input *tabIDInput) (*bridgeOutput, error) {
			res, err := svc.InjectCSS(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &bridgeOutput{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-config", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/config", Summary: "Get the config delivered to the tab", Tags: []string{"Bridge"}},
		func(ctx context.Context, input *tabIDInput) (*bridgeOutput, error) {
			res, err := svc.GetConfig(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &bridgeOutput{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "inject-background", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/inject-background", Summary: "Re-apply the background color", Tags: []string{"Bridge"}},
		func(ctx context.Context, input *tabIDInput) (*bridgeOutput, error) {
			res, err := svc.InjectBackground(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &bridgeOutput{Body: res}, nil
		})

	type reinjectOutput struct {
		Body struct {
			TabID   string `json:"tab_id"`
			Started bool   `json:"started" doc:"False when a retry run was already in flight"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "reinject", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/reinject", Summary: "Start a fresh retry run", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*reinjectOutput, error) {
			started, err := svc.Reinject(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &reinjectOutput{}
			out.Body.TabID = input.TabID
			out.Body.Started = started
			return out, nil
		})
}
