// Package engine orchestrates the full request lifecycle of spec.md §2:
// G → C → D → E (loop → B → A → F) → G. Edge handlers call Engine.Handle /
// Engine.HandleStream; everything else (model resolution, credential
// selection, fallback, wire-format translation, streaming) happens here.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/executor"
	"github.com/nodebridge/airouter/internal/fallback"
	"github.com/nodebridge/airouter/internal/registry"
	"github.com/nodebridge/airouter/internal/resolver"
	"github.com/nodebridge/airouter/internal/translator"
)

// Engine ties the Model Resolver (C), Credential Manager (D), Fallback
// Controller (E, which itself drives B and A), and Streaming Pipe (F)
// together behind two entrypoints the Edge Handlers (G) call.
type Engine struct {
	Store      config.Store
	Fallback   *fallback.Controller
	ModelField string // name of the JSON model field, "model" for all current dialects; the edge handlers read "model" directly and do not consult it.
}

func New(store config.Store, fb *fallback.Controller) *Engine {
	return &Engine{Store: store, Fallback: fb, ModelField: "model"}
}

// specializedInternalTranslation lists providers whose executor already
// performs its own req.SourceFormat <-> wire-format translation internally
// (antigravity's gemini wire, copilot's dual-endpoint openai-chat/responses,
// codex's responses normalisation, cursor's protobuf, and any
// cross-provider-* alias). The engine must NOT translate the payload
// again for these — it passes req.SourceFormat through untouched and
// expects the executor's response already back in that dialect.
func specializedInternalTranslation(provider string) bool {
	switch provider {
	case "cursor", "copilot", "codex", "antigravity":
		return true
	}
	return strings.HasPrefix(provider, "cross-provider-")
}

// wireFormatFor returns the wire dialect DefaultExecutor-style providers
// (openai, anthropic, openrouter, glm, kimi, minimax, iflow, kiro,
// openai-compatible-*, anthropic-compatible-*) expect their body in,
// since those executors pass the body through untouched rather than
// translating it themselves (spec.md §4.B's DefaultExecutor definition).
func wireFormatFor(provider string) registry.Format {
	if provider == "anthropic" || strings.HasPrefix(provider, "anthropic-compatible") {
		return registry.FormatClaude
	}
	return registry.FormatOpenAIChat
}

// Handle resolves model, selects a credential, drives the fallback loop,
// and returns a single non-streaming response already translated back
// into sourceFormat.
func (e *Engine) Handle(ctx context.Context, machineID string, sourceFormat registry.Format, modelString string, body []byte) (executor.Response, error) {
	rec, err := e.Store.Get(ctx, machineID)
	if err != nil {
		return executor.Response{}, fmt.Errorf("engine: load machine record: %w", err)
	}

	targets, err := resolver.Resolve(rec, modelString)
	if err != nil {
		return executor.Response{}, err
	}

	var lastErr error
	for _, target := range targets {
		resp, err := e.dispatch(ctx, machineID, sourceFormat, target, body, false)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return executor.Response{}, lastErr
}

// HandleStream is Handle's streaming counterpart, returning a channel of
// already-translated SSE chunks in sourceFormat.
func (e *Engine) HandleStream(ctx context.Context, machineID string, sourceFormat registry.Format, modelString string, body []byte) (<-chan executor.StreamChunk, error) {
	rec, err := e.Store.Get(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("engine: load machine record: %w", err)
	}

	targets, err := resolver.Resolve(rec, modelString)
	if err != nil {
		return nil, err
	}

	// Combo mode concatenates each target's stream in sequence; the common
	// case is a single target, which is just that stream.
	if !resolver.IsCombo(targets) {
		return e.dispatchStream(ctx, machineID, sourceFormat, targets[0], body)
	}

	out := make(chan executor.StreamChunk)
	go func() {
		defer close(out)
		for _, target := range targets {
			sub, err := e.dispatchStream(ctx, machineID, sourceFormat, target, body)
			if err != nil {
				out <- executor.StreamChunk{Err: err}
				return
			}
			for chunk := range sub {
				out <- chunk
				if chunk.Err != nil {
					return
				}
			}
		}
	}()
	return out, nil
}

func (e *Engine) dispatch(ctx context.Context, machineID string, sourceFormat registry.Format, target resolver.Target, body []byte, stream bool) (executor.Response, error) {
	req, err := e.buildRequest(target, sourceFormat, target.Model, body, stream)
	if err != nil {
		return executor.Response{}, err
	}
	resp, err := e.Fallback.Run(ctx, machineID, target.Provider, req)
	if err != nil {
		return executor.Response{}, err
	}
	if specializedInternalTranslation(target.Provider) {
		return resp, nil
	}
	translated, err := translator.TranslateNonStream(wireFormatFor(target.Provider), sourceFormat, resp.Payload, target.Model)
	if err != nil {
		return executor.Response{}, err
	}
	return executor.Response{Status: resp.Status, Payload: translated}, nil
}

func (e *Engine) dispatchStream(ctx context.Context, machineID string, sourceFormat registry.Format, target resolver.Target, body []byte) (<-chan executor.StreamChunk, error) {
	req, err := e.buildRequest(target, sourceFormat, target.Model, body, true)
	if err != nil {
		return nil, err
	}
	raw, err := e.Fallback.RunStream(ctx, machineID, target.Provider, req)
	if err != nil {
		return nil, err
	}
	if specializedInternalTranslation(target.Provider) {
		return raw, nil
	}

	out := make(chan executor.StreamChunk)
	go func() {
		defer close(out)
		state := translator.NewState(target.Model, target.Model)
		wire := wireFormatFor(target.Provider)
		for chunk := range raw {
			if chunk.Err != nil {
				out <- chunk
				return
			}
			translated, err := translator.TranslateStreamChunk(wire, sourceFormat, chunk.Payload, state)
			if err != nil {
				out <- executor.StreamChunk{Err: err}
				return
			}
			if translated != nil {
				out <- executor.StreamChunk{Payload: translated}
			}
		}
	}()
	return out, nil
}

func (e *Engine) buildRequest(target resolver.Target, sourceFormat registry.Format, model string, body []byte, stream bool) (executor.Request, error) {
	payload := body
	if !specializedInternalTranslation(target.Provider) {
		translated, err := translator.TranslateRequest(sourceFormat, wireFormatFor(target.Provider), model, body, stream)
		if err != nil {
			return executor.Request{}, err
		}
		payload = translated
	}
	return executor.Request{
		Model:        target.Model,
		Payload:      payload,
		Stream:       stream,
		SourceFormat: sourceFormat,
	}, nil
}
