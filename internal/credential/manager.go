// Package credential implements selectCredential (spec.md §4.D): picking
// an active, non-excluded, non-rate-limited connection for a provider,
// proactively refreshing its token when near expiry, and persisting the
// refreshed fields back through config.Store.
package credential

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/executor"
)

// Outcome tags the three terminal states selectCredential can return.
type Outcome int

const (
	OutcomeSelected Outcome = iota
	OutcomeAllRateLimited
	OutcomeNone
)

// Selection is selectCredential's result.
type Selection struct {
	Outcome      Outcome
	Connection   *config.ProviderConnection
	Credentials  executor.Credentials
	RetryAfter   time.Duration // set when Outcome == OutcomeAllRateLimited
	LastError    string
}

// Executors resolves a provider tag to its Executor, matching
// executor.Registry's Get signature without importing it directly (keeps
// this package testable against a fake).
type Executors interface {
	Get(provider string) executor.Executor
}

// Manager implements selectCredential, deduplicating concurrent token
// refreshes for the same connection with a singleflight group keyed by
// connectionId, per spec.md §5's "recommended but not required" note.
type Manager struct {
	Store     config.Store
	Executors Executors

	refreshGroup singleflight.Group
}

func NewManager(store config.Store, executors Executors) *Manager {
	return &Manager{Store: store, Executors: executors}
}

// Select implements selectCredential(machineId, provider, exclude).
func (m *Manager) Select(ctx context.Context, machineID, provider string, exclude map[string]bool) (Selection, error) {
	rec, err := m.Store.Get(ctx, machineID)
	if err != nil {
		return Selection{}, fmt.Errorf("credential manager: load machine record: %w", err)
	}

	now := time.Now()
	var candidates []*config.ProviderConnection
	var rateLimited []*config.ProviderConnection
	for _, conn := range rec.Providers {
		if conn.Provider != provider || !conn.IsActive || exclude[conn.ID] {
			continue
		}
		if !conn.RateLimitedUntil.IsZero() && conn.RateLimitedUntil.After(now) {
			rateLimited = append(rateLimited, conn)
			continue
		}
		candidates = append(candidates, conn)
	}

	if len(candidates) == 0 {
		if len(rateLimited) == 0 {
			return Selection{Outcome: OutcomeNone}, nil
		}
		sort.Slice(rateLimited, func(i, j int) bool {
			return rateLimited[i].RateLimitedUntil.Before(rateLimited[j].RateLimitedUntil)
		})
		earliest := rateLimited[0]
		return Selection{
			Outcome:    OutcomeAllRateLimited,
			Connection: earliest,
			RetryAfter: earliest.RateLimitedUntil.Sub(now),
			LastError:  earliest.LastError,
		}, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := priorityOf(candidates[i]), priorityOf(candidates[j])
		if pi != pj {
			return pi < pj
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})

	head := candidates[0]
	exec := m.Executors.Get(provider)
	if exec == nil {
		return Selection{}, fmt.Errorf("credential manager: no executor registered for provider %q", provider)
	}

	cred := executor.FromConnection(head)
	if exec.NeedsRefresh(cred) {
		refreshed, err := m.refresh(ctx, exec, machineID, head, cred)
		if err != nil {
			log.Warnf("credential manager: refresh failed for connection %s: %v", head.ID, err)
			if markErr := m.Store.UpdateProviderConnection(ctx, machineID, head.ID, config.ProviderConnectionUpdate{
				Status:    statusPtr(config.StatusUnavailable),
				LastError: strPtr(err.Error()),
			}); markErr != nil {
				log.Warnf("credential manager: failed to mark connection %s unavailable: %v", head.ID, markErr)
			}
			newExclude := cloneExclude(exclude)
			newExclude[head.ID] = true
			return m.Select(ctx, machineID, provider, newExclude)
		}
		cred = refreshed
	}

	return Selection{Outcome: OutcomeSelected, Connection: head, Credentials: cred}, nil
}

// ForceRefresh performs an unconditional in-place credential refresh for
// conn, independent of NeedsRefresh's expiry-lookahead check. Used by the
// fallback controller's single refresh-and-retry attempt on a 401/403
// before it falls through to excluding the connection (spec.md §4.E).
func (m *Manager) ForceRefresh(ctx context.Context, machineID string, conn *config.ProviderConnection) (executor.Credentials, error) {
	exec := m.Executors.Get(conn.Provider)
	if exec == nil {
		return executor.Credentials{}, fmt.Errorf("credential manager: no executor registered for provider %q", conn.Provider)
	}
	cred := executor.FromConnection(conn)
	return m.refresh(ctx, exec, machineID, conn, cred)
}

// refresh calls executor.RefreshCredentials, deduplicating concurrent
// refreshes of the same connection via singleflight, and persists the
// merged result through the config store.
func (m *Manager) refresh(ctx context.Context, exec executor.Executor, machineID string, conn *config.ProviderConnection, cred executor.Credentials) (executor.Credentials, error) {
	v, err, _ := m.refreshGroup.Do(conn.ID, func() (any, error) {
		refreshed, err := exec.RefreshCredentials(ctx, cred)
		if err != nil {
			return executor.Credentials{}, err
		}
		update := config.ProviderConnectionUpdate{
			AccessToken:      strPtrIfSet(refreshed.AccessToken),
			RefreshToken:     strPtrIfSet(refreshed.RefreshToken),
			ExpiresAt:        timePtr(refreshed.ExpiresAt),
			IDToken:          strPtrIfSet(refreshed.IDToken),
			ProviderSpecific: refreshed.ProviderSpecificData,
			ProjectID:        strPtrIfSet(refreshed.ProjectID),
		}
		if err := m.Store.UpdateProviderConnection(ctx, machineID, conn.ID, update); err != nil {
			return executor.Credentials{}, fmt.Errorf("persist refreshed credentials: %w", err)
		}
		return refreshed, nil
	})
	if err != nil {
		return executor.Credentials{}, err
	}
	return v.(executor.Credentials), nil
}

func priorityOf(c *config.ProviderConnection) int {
	if c.Priority == 0 {
		return 999
	}
	return c.Priority
}

func cloneExclude(src map[string]bool) map[string]bool {
	dst := make(map[string]bool, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func strPtr(s string) *string { return &s }

func strPtrIfSet(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func statusPtr(s config.ConnectionStatus) *config.ConnectionStatus { return &s }
