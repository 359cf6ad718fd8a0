package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/nodebridge/airouter/internal/registry"
	"github.com/nodebridge/airouter/internal/translator"
)

func attachProject(body []byte, projectID string) ([]byte, error) {
	return sjson.SetBytes(body, "project", projectID)
}

const antigravityDefaultBase = "https://cloudcode-pa.googleapis.com"

// AntigravityExecutor drives Google's internal Code Assist / Antigravity
// endpoint: project-ID resolution via ProjectResolver, then a
// generateContent/streamGenerateContent call translated through the
// gemini dialect. Grounded on antigravity_executor_v2.go's
// ensureAntigravityProjectID + Execute/ExecuteStream structure.
type AntigravityExecutor struct {
	HTTPClient *http.Client
	Projects   *ProjectResolver
}

func NewAntigravityExecutor(projects *ProjectResolver) *AntigravityExecutor {
	return &AntigravityExecutor{
		HTTPClient: &http.Client{Timeout: 180 * time.Second},
		Projects:   projects,
	}
}

func (e *AntigravityExecutor) Identifier() string { return "antigravity" }

func (e *AntigravityExecutor) NeedsRefresh(cred Credentials) bool {
	return DefaultNeedsRefresh(cred)
}

func (e *AntigravityExecutor) RefreshCredentials(_ context.Context, cred Credentials) (Credentials, error) {
	return cred, nil
}

func (e *AntigravityExecutor) endpoint(base, model string, stream bool) string {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		base = antigravityDefaultBase
	}
	verb := "generateContent"
	if stream {
		verb = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/v1internal/models/%s:%s", base, model, verb)
	if stream {
		url += "?alt=sse"
	}
	return url
}

func (e *AntigravityExecutor) buildBody(ctx context.Context, cred Credentials, req Request, stream bool) ([]byte, error) {
	projectID := cred.ProjectID
	if projectID == "" && e.Projects != nil {
		id, err := e.Projects.Resolve(ctx, cred.ConnectionID, cred.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("antigravity executor: resolve project id: %w", err)
		}
		projectID = id
	}

	body, err := translator.TranslateRequest(req.SourceFormat, registry.FormatGemini, req.Model, req.Payload, stream)
	if err != nil {
		return nil, err
	}
	if projectID != "" {
		body, err = attachProject(body, projectID)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (e *AntigravityExecutor) do(ctx context.Context, cred Credentials, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	return e.HTTPClient.Do(httpReq)
}

func (e *AntigravityExecutor) Execute(ctx context.Context, cred Credentials, req Request) (Response, error) {
	body, err := e.buildBody(ctx, cred, req, false)
	if err != nil {
		return Response{}, err
	}
	httpResp, err := e.do(ctx, cred, e.endpoint(cred.BaseURL, req.Model, false), body)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		if ms, ok := ParseAntigravityRetryTime(string(data)); ok {
			d := time.Duration(ms) * time.Millisecond
			return Response{}, StatusError{Code: httpResp.StatusCode, Message: string(data), RetryAfter: &d}
		}
		return Response{}, StatusError{Code: httpResp.StatusCode, Message: string(data)}
	}

	translated, err := translator.TranslateNonStream(registry.FormatGemini, req.SourceFormat, data, req.Model)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: http.StatusOK, Payload: translated}, nil
}

func (e *AntigravityExecutor) ExecuteStream(ctx context.Context, cred Credentials, req Request) (<-chan StreamChunk, error) {
	body, err := e.buildBody(ctx, cred, req, true)
	if err != nil {
		return nil, err
	}
	httpResp, err := e.do(ctx, cred, e.endpoint(cred.BaseURL, req.Model, true), body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		if ms, ok := ParseAntigravityRetryTime(string(data)); ok {
			d := time.Duration(ms) * time.Millisecond
			return nil, StatusError{Code: httpResp.StatusCode, Message: string(data), RetryAfter: &d}
		}
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
			chunk, terr := translator.TranslateStreamChunk(registry.FormatGemini, req.SourceFormat, data, state)
			if terr != nil {
				out <- StreamChunk{Err: terr}
				return
			}
			if chunk != nil {
				out <- StreamChunk{Payload: chunk}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("antigravity executor: stream read: %w", err)}
		}
	}()
	return out, nil
}
