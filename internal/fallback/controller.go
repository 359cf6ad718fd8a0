package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/credential"
	"github.com/nodebridge/airouter/internal/executor"
)

// AllRateLimitedError is returned when every connection for a provider is
// currently cooling down; Controller callers surface it as HTTP 429 with a
// Retry-After header set from RetryAfter.
type AllRateLimitedError struct {
	RetryAfter time.Duration
	LastError  string
}

func (e *AllRateLimitedError) Error() string {
	return fmt.Sprintf("all connections rate limited, retry after %s: %s", e.RetryAfter, e.LastError)
}

// NoCredentialsError is returned when a provider has no usable connection
// at all; callers surface it as HTTP 400.
type NoCredentialsError struct{ Provider string }

func (e *NoCredentialsError) Error() string {
	return fmt.Sprintf("no credentials available for provider %q", e.Provider)
}

// Controller drives selectCredential → executor.execute → classify →
// retry-or-return, per spec.md §4.E.
type Controller struct {
	Credentials *credential.Manager
	Store       config.Store
	Executors   credential.Executors
}

func NewController(cm *credential.Manager, store config.Store, executors credential.Executors) *Controller {
	return &Controller{Credentials: cm, Store: store, Executors: executors}
}

// Run executes a non-streaming request against provider, falling back
// across connections per the error-classification table until one
// succeeds, every candidate is exhausted, or a non-retryable error returns.
func (c *Controller) Run(ctx context.Context, machineID, provider string, req executor.Request) (executor.Response, error) {
	exec := c.Executors.Get(provider)
	if exec == nil {
		return executor.Response{}, fmt.Errorf("fallback controller: no executor registered for provider %q", provider)
	}

	excluded := map[string]bool{}
	refreshedOnce := map[string]bool{}
	for {
		sel, err := c.Credentials.Select(ctx, machineID, provider, excluded)
		if err != nil {
			return executor.Response{}, err
		}
		switch sel.Outcome {
		case credential.OutcomeNone:
			return executor.Response{}, &NoCredentialsError{Provider: provider}
		case credential.OutcomeAllRateLimited:
			return executor.Response{}, &AllRateLimitedError{RetryAfter: sel.RetryAfter, LastError: sel.LastError}
		}

		resp, execErr := exec.Execute(ctx, sel.Credentials, req)
		if execErr == nil {
			c.clearAccountError(ctx, machineID, sel.Connection)
			return resp, nil
		}

		status, errText, retryAfter := classifyInputs(execErr)

		if isAuthStatus(status) && !refreshedOnce[sel.Connection.ID] {
			refreshedOnce[sel.Connection.ID] = true
			resp, execErr, status, errText, retryAfter = c.retryAfterRefresh(ctx, machineID, sel, exec, req, resp, execErr, status, errText, retryAfter)
			if execErr == nil {
				c.clearAccountError(ctx, machineID, sel.Connection)
				return resp, nil
			}
		}

		decision := ClassifyError(status, errText, sel.Connection.BackoffLevel, retryAfter)
		if !decision.ShouldFallback {
			return executor.Response{}, execErr
		}

		log.Warnf("fallback controller: connection %s failed (%d), cooling down %s", sel.Connection.ID, status, decision.Cooldown)
		c.markUnavailable(ctx, machineID, sel.Connection, status, errText, decision)
		excluded[sel.Connection.ID] = true
	}
}

// isAuthStatus reports whether status is the 401/403 range spec.md §4.E
// marks as "fallback-eligible only after one in-place refresh attempt".
func isAuthStatus(status int) bool {
	return status == 401 || status == 403
}

// retryAfterRefresh attempts a single in-place credential refresh on the
// same connection and retries the call once before the caller falls
// through to the usual cooldown/exclude path. On refresh failure, or if
// the retried call still errors, it returns the (possibly updated)
// status/errText/retryAfter for ClassifyError to judge as normal.
func (c *Controller) retryAfterRefresh(ctx context.Context, machineID string, sel credential.Selection, exec executor.Executor, req executor.Request, resp executor.Response, execErr error, status int, errText string, retryAfter *time.Duration) (executor.Response, error, int, string, *time.Duration) {
	refreshed, refreshErr := c.Credentials.ForceRefresh(ctx, machineID, sel.Connection)
	if refreshErr != nil {
		log.Warnf("fallback controller: in-place refresh failed for connection %s: %v", sel.Connection.ID, refreshErr)
		return resp, execErr, status, errText, retryAfter
	}

	retryResp, retryErr := exec.Execute(ctx, refreshed, req)
	if retryErr == nil {
		return retryResp, nil, 0, "", nil
	}

	newStatus, newErrText, newRetryAfter := classifyInputs(retryErr)
	return executor.Response{}, retryErr, newStatus, newErrText, newRetryAfter
}

// RunStream is Run's streaming counterpart. Because the upstream
// connection is only proven good once the first chunk arrives, fallback
// here is limited to the initial Execute/ExecuteStream call; mid-stream
// failures surface as a terminal StreamChunk.Err to the caller.
func (c *Controller) RunStream(ctx context.Context, machineID, provider string, req executor.Request) (<-chan executor.StreamChunk, error) {
	exec := c.Executors.Get(provider)
	if exec == nil {
		return nil, fmt.Errorf("fallback controller: no executor registered for provider %q", provider)
	}

	excluded := map[string]bool{}
	refreshedOnce := map[string]bool{}
	for {
		sel, err := c.Credentials.Select(ctx, machineID, provider, excluded)
		if err != nil {
			return nil, err
		}
		switch sel.Outcome {
		case credential.OutcomeNone:
			return nil, &NoCredentialsError{Provider: provider}
		case credential.OutcomeAllRateLimited:
			return nil, &AllRateLimitedError{RetryAfter: sel.RetryAfter, LastError: sel.LastError}
		}

		stream, execErr := exec.ExecuteStream(ctx, sel.Credentials, req)
		if execErr == nil {
			c.clearAccountError(ctx, machineID, sel.Connection)
			return stream, nil
		}

		status, errText, retryAfter := classifyInputs(execErr)

		if isAuthStatus(status) && !refreshedOnce[sel.Connection.ID] {
			refreshedOnce[sel.Connection.ID] = true
			stream, execErr, status, errText, retryAfter = c.retryStreamAfterRefresh(ctx, machineID, sel, exec, req, execErr, status, errText, retryAfter)
			if execErr == nil {
				c.clearAccountError(ctx, machineID, sel.Connection)
				return stream, nil
			}
		}

		decision := ClassifyError(status, errText, sel.Connection.BackoffLevel, retryAfter)
		if !decision.ShouldFallback {
			return nil, execErr
		}

		log.Warnf("fallback controller: connection %s stream-open failed (%d), cooling down %s", sel.Connection.ID, status, decision.Cooldown)
		c.markUnavailable(ctx, machineID, sel.Connection, status, errText, decision)
		excluded[sel.Connection.ID] = true
	}
}

// retryStreamAfterRefresh is retryAfterRefresh's streaming counterpart.
func (c *Controller) retryStreamAfterRefresh(ctx context.Context, machineID string, sel credential.Selection, exec executor.Executor, req executor.Request, execErr error, status int, errText string, retryAfter *time.Duration) (<-chan executor.StreamChunk, error, int, string, *time.Duration) {
	refreshed, refreshErr := c.Credentials.ForceRefresh(ctx, machineID, sel.Connection)
	if refreshErr != nil {
		log.Warnf("fallback controller: in-place refresh failed for connection %s: %v", sel.Connection.ID, refreshErr)
		return nil, execErr, status, errText, retryAfter
	}

	retryStream, retryErr := exec.ExecuteStream(ctx, refreshed, req)
	if retryErr == nil {
		return retryStream, nil, 0, "", nil
	}

	newStatus, newErrText, newRetryAfter := classifyInputs(retryErr)
	return nil, retryErr, newStatus, newErrText, newRetryAfter
}

func (c *Controller) clearAccountError(ctx context.Context, machineID string, conn *config.ProviderConnection) {
	zero := time.Time{}
	zeroBackoff := 0
	activeStatus := config.StatusActive
	empty := ""
	if err := c.Store.UpdateProviderConnection(ctx, machineID, conn.ID, config.ProviderConnectionUpdate{
		Status:           &activeStatus,
		LastError:        &empty,
		RateLimitedUntil: &zero,
		BackoffLevel:     &zeroBackoff,
	}); err != nil {
		log.Warnf("fallback controller: failed to clear account error for %s: %v", conn.ID, err)
	}
}

func (c *Controller) markUnavailable(ctx context.Context, machineID string, conn *config.ProviderConnection, status int, errText string, decision Decision) {
	rateLimitedUntil := time.Now().Add(decision.Cooldown)
	code := status
	if err := c.Store.UpdateProviderConnection(ctx, machineID, conn.ID, config.ProviderConnectionUpdate{
		LastError:        &errText,
		ErrorCode:        &code,
		RateLimitedUntil: &rateLimitedUntil,
		BackoffLevel:     &decision.NewBackoffLevel,
	}); err != nil {
		log.Warnf("fallback controller: failed to mark connection %s unavailable: %v", conn.ID, err)
	}
}

// classifyInputs extracts (status, errorText, retryAfter) from an executor
// error: a executor.StatusError carries the upstream status verbatim (and
// an optional pre-parsed retry duration, e.g. Antigravity's quota
// message); anything else is treated as a network/timeout failure (status
// 0) when it looks like one, else as a non-retryable local error.
func classifyInputs(err error) (status int, errorText string, retryAfter *time.Duration) {
	var statusErr executor.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code, statusErr.Message, statusErr.RetryAfter
	}
	if IsNetworkError(err) {
		return 0, err.Error(), nil
	}
	return -1, err.Error(), nil
}
