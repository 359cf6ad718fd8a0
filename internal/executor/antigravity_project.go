package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	loadCodeAssistURL        = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"
	onboardUserURL           = "https://cloudcode-pa.googleapis.com/v1internal:onboardUser"
	antigravityProjectTTL    = 1 * time.Hour
	antigravitySweepInterval = 10 * time.Minute
	antigravityOrphanAge     = 2 * time.Minute
	onboardMaxAttempts       = 5
	onboardPollInterval      = 2 * time.Second
	onboardAttemptTimeout    = 30 * time.Second
)

// projectCacheEntry is one connectionId's cached Google project binding.
type projectCacheEntry struct {
	projectID string
	fetchedAt time.Time
	startedAt time.Time
}

// ProjectResolver resolves and caches the Google Code Assist project ID a
// connection must bind to, per spec.md §4.B: loadCodeAssist → onboardUser
// polling, 1-hour TTL cache, singleflight-deduplicated concurrent fetches,
// a 10-minute sweeper evicting expired rows and aborting orphan fetches
// older than 2 minutes. Grounded on the teacher's
// antigravity_executor_v2.go ensureAntigravityProjectID / thought-signature
// cache TTL-sweeper pattern.
type ProjectResolver struct {
	HTTPClient *http.Client

	mu      sync.Mutex
	cache   map[string]projectCacheEntry
	cancels map[string]context.CancelFunc
	group   singleflight.Group

	stopSweep chan struct{}
}

// NewProjectResolver builds a ProjectResolver and starts its sweeper.
func NewProjectResolver() *ProjectResolver {
	r := &ProjectResolver{
		HTTPClient: &http.Client{Timeout: onboardAttemptTimeout},
		cache:      make(map[string]projectCacheEntry),
		cancels:    make(map[string]context.CancelFunc),
		stopSweep:  make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Stop halts the background sweeper.
func (r *ProjectResolver) Stop() {
	close(r.stopSweep)
}

// Remove evicts a connection's cached project ID and aborts any in-flight
// fetch for it, per spec.md's connectionRemoved(connectionId) hook.
func (r *ProjectResolver) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, connectionID)
	if cancel, ok := r.cancels[connectionID]; ok {
		cancel()
		delete(r.cancels, connectionID)
	}
}

// Resolve returns the cached project ID for connectionID, fetching (and
// deduplicating concurrent fetches) when absent or expired.
func (r *ProjectResolver) Resolve(ctx context.Context, connectionID, accessToken string) (string, error) {
	r.mu.Lock()
	entry, ok := r.cache[connectionID]
	r.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < antigravityProjectTTL {
		return entry.projectID, nil
	}

	v, err, _ := r.group.Do(connectionID, func() (any, error) {
		fetchCtx, cancel := context.WithCancel(context.Background())
		r.mu.Lock()
		r.cancels[connectionID] = cancel
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.cancels, connectionID)
			r.mu.Unlock()
			cancel()
		}()

		projectID, err := r.fetchProjectID(fetchCtx, accessToken)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[connectionID] = projectCacheEntry{projectID: projectID, fetchedAt: time.Now(), startedAt: time.Now()}
		r.mu.Unlock()
		return projectID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *ProjectResolver) fetchProjectID(ctx context.Context, accessToken string) (string, error) {
	loaded, err := r.loadCodeAssist(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if loaded != "" {
		return loaded, nil
	}

	for attempt := 0; attempt < onboardMaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, onboardAttemptTimeout)
		projectID, done, err := r.onboardUser(attemptCtx, accessToken)
		cancel()
		if err != nil {
			return "", err
		}
		if done && projectID != "" {
			return projectID, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(onboardPollInterval):
		}
	}
	return "", fmt.Errorf("antigravity: onboardUser did not complete after %d attempts", onboardMaxAttempts)
}

func (r *ProjectResolver) loadCodeAssist(ctx context.Context, accessToken string) (string, error) {
	var resp struct {
		CloudaicompanionProject string `json:"cloudaicompanionProject"`
	}
	if err := r.postJSON(ctx, loadCodeAssistURL, accessToken, map[string]any{}, &resp); err != nil {
		return "", err
	}
	return resp.CloudaicompanionProject, nil
}

func (r *ProjectResolver) onboardUser(ctx context.Context, accessToken string) (projectID string, done bool, err error) {
	var resp struct {
		Done     bool `json:"done"`
		Response struct {
			CloudaicompanionProject struct {
				ID string `json:"id"`
			} `json:"cloudaicompanionProject"`
		} `json:"response"`
	}
	if err := r.postJSON(ctx, onboardUserURL, accessToken, map[string]any{}, &resp); err != nil {
		return "", false, err
	}
	return resp.Response.CloudaicompanionProject.ID, resp.Done, nil
}

func (r *ProjectResolver) postJSON(ctx context.Context, url, accessToken string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := r.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusError{Code: resp.StatusCode, Message: "antigravity project resolver: non-2xx response"}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *ProjectResolver) sweepLoop() {
	ticker := time.NewTicker(antigravitySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *ProjectResolver) sweep() {
	now := time.Now()
	r.mu.Lock()
	for id, entry := range r.cache {
		if now.Sub(entry.fetchedAt) >= antigravityProjectTTL {
			delete(r.cache, id)
		}
	}
	for id, cancel := range r.cancels {
		entry, ok := r.cache[id]
		if !ok || now.Sub(entry.startedAt) > antigravityOrphanAge {
			cancel()
			delete(r.cancels, id)
		}
	}
	r.mu.Unlock()
}

// antigravityQuotaDuration matches human-readable quota-exhaustion
// durations like "reset after 2h7m23s".
var antigravityQuotaDuration = regexp.MustCompile(`reset after (\d+h)?(\d+m)?(\d+s)?`)

// ParseAntigravityRetryTime parses a quota-exhaustion message's embedded
// duration into milliseconds, or returns ok=false when no duration is
// present (spec.md §8 scenario: `parseAntigravityRetryTime("no match") = null`).
func ParseAntigravityRetryTime(message string) (ms int64, ok bool) {
	m := antigravityQuotaDuration.FindStringSubmatch(message)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, false
	}
	var total time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1][:len(m[1])-1])
		total += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		mm, _ := strconv.Atoi(m[2][:len(m[2])-1])
		total += time.Duration(mm) * time.Minute
	}
	if m[3] != "" {
		s, _ := strconv.Atoi(m[3][:len(m[3])-1])
		total += time.Duration(s) * time.Second
	}
	return total.Milliseconds(), true
}
