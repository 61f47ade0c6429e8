// Package bridge exposes injectCSS, getConfig and injectBackground to callers
// in the page and to the HTTP API.
package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgnsrekt/cssinjector/internal/assets"
)

const (
	ActionInjectCSS        = "injectCSS"
	ActionGetConfig        = "getConfig"
	ActionInjectBackground = "injectBackground"
)

const (
	MsgCSSInjected         = "CSS injected"
	MsgBackgroundInjected  = "Background injected"
	MsgConfigNotAvailable  = "Config not available"
	MsgNoBackgroundColor   = "No background color"
	unknownActionMsgPrefix = "Unknown action: "
)

// Injector applies fragments asynchronously on the engine's loop.
type Injector interface {
	InjectStylesheet(trigger string)
	InjectBackground(trigger string) error
}

// ConfigSource is the asset cache as seen by getConfig.
type ConfigSource interface {
	Bundle() assets.Bundle
	ReloadConfig(ctx context.Context) assets.Bundle
}

// Result is the outcome of one bridge operation. Failed results carry the
// failure reason in Message.
type Result struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Payload is what a page caller receives: the config for getConfig, the
// message otherwise.
func (r Result) Payload() any {
	if r.Config != nil {
		return r.Config
	}
	return r.Message
}

func success(msg string) Result { return Result{OK: true, Message: msg} }
func failure(msg string) Result { return Result{Message: msg} }

type Bridge struct {
	tabID   string
	inject  Injector
	configs ConfigSource
}

func New(tabID string, inject Injector, configs ConfigSource) *Bridge {
	return &Bridge{tabID: tabID, inject: inject, configs: configs}
}

// InjectCSS is fire-and-forget and always reports success.
func (b *Bridge) InjectCSS(_ context.Context) Result {
	b.inject.InjectStylesheet("bridge")
	return success(MsgCSSInjected)
}

// GetConfig returns the cached config, attempting one reload when absent.
// The reload attempt is not shared with injection bursts. It may block on
// asset I/O.
func (b *Bridge) GetConfig(ctx context.Context) Result {
	bundle := b.configs.Bundle()
	if !bundle.HasConfig() {
		bundle = b.configs.ReloadConfig(ctx)
	}
	cfg := bundle.ConfigWithBackground()
	if cfg == nil {
		slog.Warn("Bridge config request failed", "tab_id", b.tabID)
		return failure(MsgConfigNotAvailable)
	}
	return Result{OK: true, Config: cfg}
}

func (b *Bridge) InjectBackground(_ context.Context) Result {
	if err := b.inject.InjectBackground("bridge"); err != nil {
		return failure(MsgNoBackgroundColor)
	}
	return success(MsgBackgroundInjected)
}

// ErrUnknownAction marks results for unsupported action names.
var ErrUnknownAction = errors.New("bridge: unknown action")

// Dispatch routes an action name to its operation.
func (b *Bridge) Dispatch(ctx context.Context, action string) (Result, error) {
	switch action {
	case ActionInjectCSS:
		return b.InjectCSS(ctx), nil
	case ActionGetConfig:
		return b.GetConfig(ctx), nil
	case ActionInjectBackground:
		return b.InjectBackground(ctx), nil
	default:
		return failure(unknownActionMsgPrefix + action), ErrUnknownAction
	}
}
