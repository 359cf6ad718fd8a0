// Package executor implements the per-provider Executors of spec.md §4.B:
// URL/header construction, request transform, upstream invocation, response
// post-processing, and credential refresh.
package executor

import (
	"context"
	"time"

	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/registry"
)

// Credentials is the per-connection credential union (API key or OAuth
// triple) an executor needs to authenticate a request, detached from the
// config.Store so executors never need to know how a connection persists.
type Credentials struct {
	ConnectionID string
	APIKey       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	IDToken      string
	Scope        string
	TokenType    string

	ProviderSpecificData map[string]any
	ProjectID            string

	BaseURL string
}

// FromConnection builds Credentials from a persisted ProviderConnection.
func FromConnection(c *config.ProviderConnection) Credentials {
	baseURL := ""
	if c.ProviderSpecificData != nil {
		if v, ok := c.ProviderSpecificData["baseUrl"].(string); ok {
			baseURL = v
		}
	}
	return Credentials{
		ConnectionID:         c.ID,
		APIKey:               c.APIKey,
		AccessToken:          c.AccessToken,
		RefreshToken:         c.RefreshToken,
		ExpiresAt:            c.ExpiresAt,
		IDToken:              c.IDToken,
		Scope:                c.Scope,
		TokenType:            c.TokenType,
		ProviderSpecificData: c.ProviderSpecificData,
		ProjectID:            c.ProjectID,
		BaseURL:              baseURL,
	}
}

// Request is one executor invocation.
type Request struct {
	Model        string
	Payload      []byte // provider-wire-format body; the caller's untranslated body for executors that translate internally
	Stream       bool
	SourceFormat registry.Format
	Metadata     map[string]any
}

// Response is a non-streaming executor result: status plus the body. The
// default executors return the raw upstream body, which the engine
// translates back to the caller's dialect; executors that translate
// internally return it already in that dialect.
type Response struct {
	Status  int
	Headers map[string]string
	Payload []byte
}

// StreamChunk is one item of a streaming executor result: either an output
// chunk (an upstream JSON payload or the [DONE] marker from the default
// executors, an already translated chunk from the others) or a terminal
// error.
type StreamChunk struct {
	Payload []byte
	Err     error
}

// Executor is the per-provider adapter contract of spec.md §4.B.
type Executor interface {
	Identifier() string

	NeedsRefresh(cred Credentials) bool
	RefreshCredentials(ctx context.Context, cred Credentials) (Credentials, error)

	Execute(ctx context.Context, cred Credentials, req Request) (Response, error)
	ExecuteStream(ctx context.Context, cred Credentials, req Request) (<-chan StreamChunk, error)
}

// StatusError carries an upstream HTTP status and body through the
// fallback loop's error classification (spec.md §4.E).
type StatusError struct {
	Code       int
	Message    string
	RetryAfter *time.Duration
}

func (e StatusError) Error() string {
	return e.Message
}

// defaultRefreshWindow is the default "needs refresh" lookahead:
// spec.md §4.B "default: expiresAt − now < 5 min".
const defaultRefreshWindow = 5 * time.Minute

// DefaultNeedsRefresh implements the default needsRefresh rule shared by
// every OAuth-based executor.
func DefaultNeedsRefresh(cred Credentials) bool {
	if cred.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(cred.ExpiresAt) < defaultRefreshWindow
}
