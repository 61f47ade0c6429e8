package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgnsrekt/cssinjector/internal/surface"
)

const (
	BindingName  = "__cssInjectorBridge"
	ResolverName = "__cssInjectorBridgeResolve"
)

// ShimScript defines window.CSSInjector with Promise-returning methods that
// call the binding and wait for the resolver.
func ShimScript() string {
	return "(function(){if(window.CSSInjector&&window.CSSInjector.__native){return;}" +
		"var pending={};var seq=0;" +
		"function call(action){return new Promise(function(resolve,reject){" +
		"var id=++seq;pending[id]={resolve:resolve,reject:reject};" +
		"try{window['" + BindingName + "'](JSON.stringify({id:id,action:action}));}" +
		"catch(e){delete pending[id];reject(e);}});}" +
		"window['" + ResolverName + "']=function(id,ok,payload){var p=pending[id];if(!p){return;}delete pending[id];if(ok){p.resolve(payload);}else{p.reject(payload);}};" +
		"window.CSSInjector={__native:true," +
		"injectCSS:function(){return call('" + ActionInjectCSS + "');}," +
		"getConfig:function(){return call('" + ActionGetConfig + "');}," +
		"injectBackground:function(){return call('" + ActionInjectBackground + "');}};" +
		"})();"
}

type request struct {
	ID     int64  `json:"id"`
	Action string `json:"action"`
}

// PageBinding connects the bridge to a surface's page.
type PageBinding struct {
	bridge  *Bridge
	surf    surface.Surface
	timeout time.Duration
}

func NewPageBinding(b *Bridge, surf surface.Surface, timeout time.Duration) *PageBinding {
	return &PageBinding{bridge: b, surf: surf, timeout: timeout}
}

// Install exposes the binding and the shim. A surface without binding
// support leaves the bridge reachable only through the HTTP API.
func (p *PageBinding) Install(ctx context.Context) error {
	host, ok := p.surf.(surface.BindingHost)
	if !ok {
		return surface.ErrCapabilityAbsent
	}
	if err := host.ExposeBinding(ctx, BindingName, func(payload string) {
		go p.Handle(payload)
	}); err != nil {
		return fmt.Errorf("expose binding: %w", err)
	}
	if installer, ok := p.surf.(surface.DocumentStartInstaller); ok {
		if _, err := installer.AddDocumentStartScript(ctx, ShimScript()); err != nil && !errors.Is(err, surface.ErrCapabilityAbsent) {
			slog.Warn("Failed to install bridge shim for new documents", "tab_id", p.surf.ID(), "error", err)
		}
	}
	if err := p.surf.Evaluate(ctx, ShimScript()); err != nil {
		slog.Warn("Failed to install bridge shim in current document", "tab_id", p.surf.ID(), "error", err)
	}
	slog.Info("Bridge exposed to page", "tab_id", p.surf.ID(), "binding", BindingName)
	return nil
}

// Handle decodes one binding call, runs it and resolves the page promise.
func (p *PageBinding) Handle(payload string) {
	var req request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		slog.Warn("Malformed bridge request", "tab_id", p.surf.ID(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	res, err := p.bridge.Dispatch(ctx, req.Action)
	if err != nil {
		slog.Warn("Bridge request rejected", "tab_id", p.surf.ID(), "action", req.Action, "error", err)
	} else {
		slog.Debug("Bridge request handled", "tab_id", p.surf.ID(), "action", req.Action, "ok", res.OK)
	}

	script, err := ResolveScript(req.ID, res)
	if err != nil {
		slog.Error("Failed to encode bridge reply", "tab_id", p.surf.ID(), "error", err)
		return
	}
	if err := p.surf.Evaluate(ctx, script); err != nil {
		slog.Warn("Failed to deliver bridge reply", "tab_id", p.surf.ID(), "action", req.Action, "error", err)
	}
}

// ResolveScript settles the page promise for request id.
func ResolveScript(id int64, res Result) (string, error) {
	data, err := json.Marshal(res.Payload())
	if err != nil {
		return "", err
	}
	fn := "window['" + ResolverName + "']"
	return fn + "&&" + fn + "(" + strconv.FormatInt(id, 10) + "," + strconv.FormatBool(res.OK) + "," + string(data) + ");", nil
}
