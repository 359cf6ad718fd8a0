package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nodebridge/airouter/internal/registry"
	"github.com/nodebridge/airouter/internal/stream"
	"github.com/nodebridge/airouter/internal/translator"
)

const codexDefaultBase = "https://chatgpt.com/backend-api/codex"

var codexDisallowedParams = []string{
	"temperature", "top_p", "frequency_penalty", "presence_penalty", "n", "seed",
	"max_tokens", "user", "metadata", "stream_options", "prompt_cache_retention",
	"safety_identifier", "logprobs", "top_logprobs",
}

var codexReasoningSuffix = regexp.MustCompile(`-(low|medium|high|xhigh)$`)

const codexDefaultInstructions = "You are Codex, a coding agent based on a large language model. Follow the user's instructions precisely and use the available tools to complete the task."

// CodexExecutor drives the OpenAI Responses API normalization rules of
// spec.md §4.B: default instructions injection, forced streaming/no-store,
// string→array input, reasoning-effort suffix mapping, disallowed-param
// stripping, a fresh session_id header per request, and conditional
// reasoning.encrypted_content inclusion.
type CodexExecutor struct {
	HTTPClient *http.Client
}

func NewCodexExecutor() *CodexExecutor {
	return &CodexExecutor{HTTPClient: &http.Client{Timeout: 180 * time.Second}}
}

func (e *CodexExecutor) Identifier() string { return "codex" }

func (e *CodexExecutor) NeedsRefresh(cred Credentials) bool {
	return DefaultNeedsRefresh(cred)
}

func (e *CodexExecutor) RefreshCredentials(_ context.Context, cred Credentials) (Credentials, error) {
	return cred, nil
}

// normalizeCodexRequest applies the Responses-API-specific request rules
// on top of the openai-responses wire body the translator already produced.
func normalizeCodexRequest(body []byte, model string) ([]byte, string, error) {
	baseModel, effort := splitReasoningSuffix(model)

	var err error
	body, err = sjson.SetBytes(body, "model", baseModel)
	if err != nil {
		return nil, "", err
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, "", err
	}
	body, err = sjson.SetBytes(body, "store", false)
	if err != nil {
		return nil, "", err
	}

	for _, p := range codexDisallowedParams {
		body, _ = sjson.DeleteBytes(body, p)
	}

	if in := gjson.GetBytes(body, "input"); in.Type == gjson.String {
		item := []map[string]any{{
			"type":    "message",
			"role":    "user",
			"content": []map[string]any{{"type": "input_text", "text": in.String()}},
		}}
		body, err = sjson.SetBytes(body, "input", item)
		if err != nil {
			return nil, "", err
		}
	}

	if instr := gjson.GetBytes(body, "instructions").String(); instr == "" {
		body, err = sjson.SetBytes(body, "instructions", codexDefaultInstructions)
		if err != nil {
			return nil, "", err
		}
	}

	if effort != "" && effort != "none" {
		body, err = sjson.SetBytes(body, "reasoning.effort", effort)
		if err != nil {
			return nil, "", err
		}
		body, err = sjson.SetBytes(body, "include", []string{"reasoning.encrypted_content"})
		if err != nil {
			return nil, "", err
		}
	}

	return body, baseModel, nil
}

func splitReasoningSuffix(model string) (base, effort string) {
	if m := codexReasoningSuffix.FindStringSubmatch(model); m != nil {
		return strings.TrimSuffix(model, "-"+m[1]), m[1]
	}
	return model, ""
}

func (e *CodexExecutor) buildRequest(ctx context.Context, cred Credentials, body []byte) (*http.Request, error) {
	base := strings.TrimSuffix(cred.BaseURL, "/")
	if base == "" {
		base = codexDefaultBase
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("session_id", uuid.NewString())
	httpReq.Header.Set("OpenAI-Beta", "responses=experimental")
	return httpReq, nil
}

func (e *CodexExecutor) Execute(ctx context.Context, cred Credentials, req Request) (Response, error) {
	responsesBody, err := translator.TranslateRequest(req.SourceFormat, registry.FormatOpenAIResponses, req.Model, req.Payload, false)
	if err != nil {
		return Response{}, err
	}
	normalized, baseModel, err := normalizeCodexRequest(responsesBody, req.Model)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := e.buildRequest(ctx, cred, normalized)
	if err != nil {
		return Response{}, err
	}
	httpResp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		return Response{}, StatusError{Code: httpResp.StatusCode, Message: string(data)}
	}

	// Codex always streams even when the caller asked for a non-streaming
	// response; collapse the event sequence here (spec.md §4.F).
	collapsed, err := stream.CollapseResponsesStream(httpResp.Body, baseModel)
	if err != nil {
		return Response{}, err
	}
	translated, err := translator.TranslateNonStream(registry.FormatOpenAIResponses, req.SourceFormat, collapsed, req.Model)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: http.StatusOK, Payload: translated}, nil
}

func (e *CodexExecutor) ExecuteStream(ctx context.Context, cred Credentials, req Request) (<-chan StreamChunk, error) {
	responsesBody, err := translator.TranslateRequest(req.SourceFormat, registry.FormatOpenAIResponses, req.Model, req.Payload, true)
	if err != nil {
		return nil, err
	}
	normalized, _, err := normalizeCodexRequest(responsesBody, req.Model)
	if err != nil {
		return nil, err
	}

	httpReq, err := e.buildRequest(ctx, cred, normalized)
	if err != nil {
		return nil, err
	}
	httpResp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return nil, StatusError{Code: httpResp.StatusCode, Message: string(data)}
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = httpResp.Body.Close() }()

		state := translator.NewState(req.Model, req.Model)
		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))
			if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
				continue
			}
			chunk, terr := translator.TranslateStreamChunk(registry.FormatOpenAIResponses, req.SourceFormat, data, state)
			if terr != nil {
				out <- StreamChunk{Err: terr}
				return
			}
			if chunk != nil {
				out <- StreamChunk{Payload: chunk}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("codex executor: stream read: %w", err)}
		}
	}()
	return out, nil
}
