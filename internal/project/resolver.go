// Package project resolves the cloud project id every upstream request must
// carry. Resolution is cached per refresh token and deduplicated so that
// concurrent requests for the same account share one in-flight discovery.
package project

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/opencode-tools/antigravity-broker/internal/auth"
	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/constant"
)

// discoveryTimeout bounds each loadCodeAssist call.
const discoveryTimeout = 10 * time.Second

// onboardMaxAttempts and onboardDelay bound the onboardUser polling loop.
const (
	onboardMaxAttempts = 10
	onboardDelay       = 2 * time.Second
)

// Persister writes a discovered managed project id back onto an account.
type Persister func(accountIndex int, managedProjectID string)

// Resolver caches project resolution per refresh token. The pending map
// ensures concurrent calls for the same token share one network round trip.
type Resolver struct {
	httpClient    *http.Client
	userProjectID string
	persist       Persister

	mu      sync.Mutex
	cache   map[string]string
	pending map[string]chan struct{}
}

// NewResolver builds a resolver. userProjectID may be empty; persist may be
// nil.
func NewResolver(httpClient *http.Client, userProjectID string, persist Persister) *Resolver {
	return &Resolver{
		httpClient:    httpClient,
		userProjectID: userProjectID,
		cache:         map[string]string{},
		pending:       map[string]chan struct{}{},
	}
}

// SetPersister installs the write-back callback after construction.
func (r *Resolver) SetPersister(persist Persister) {
	r.persist = persist
}

// Resolve returns the effective project id for the account, in order: the
// account's known managed project, a freshly discovered one, the user
// supplied project, then the hard-coded fallback. Resolve never fails; a
// discovery error degrades to the fallback chain.
func (r *Resolver) Resolve(ctx context.Context, account *auth.Account, accessToken string, style constant.HeaderStyle) string {
	if account.ManagedProjectID != "" {
		return account.ManagedProjectID
	}

	if discovered := r.discoverDeduped(ctx, account, accessToken, style); discovered != "" {
		return discovered
	}
	if account.ProjectID != "" {
		return account.ProjectID
	}
	if r.userProjectID != "" {
		return r.userProjectID
	}
	return config.DefaultProjectID
}

// discoverDeduped wraps discovery in the pending-map guard keyed by refresh
// token. Late arrivals wait for the in-flight resolution and read its cached
// result.
func (r *Resolver) discoverDeduped(ctx context.Context, account *auth.Account, accessToken string, style constant.HeaderStyle) string {
	token := account.RefreshToken

	r.mu.Lock()
	if cached, ok := r.cache[token]; ok {
		r.mu.Unlock()
		return cached
	}
	if wait, inFlight := r.pending[token]; inFlight {
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ""
		}
		r.mu.Lock()
		cached := r.cache[token]
		r.mu.Unlock()
		return cached
	}
	done := make(chan struct{})
	r.pending[token] = done
	r.mu.Unlock()

	discovered := r.discover(ctx, accessToken, style)

	r.mu.Lock()
	if discovered != "" {
		r.cache[token] = discovered
	}
	delete(r.pending, token)
	close(done)
	r.mu.Unlock()

	if discovered != "" && r.persist != nil {
		r.persist(account.Index, discovered)
	}
	return discovered
}

// discover posts loadCodeAssist to each discovery endpoint until one returns
// a cloudaicompanionProject.
func (r *Resolver) discover(ctx context.Context, accessToken string, style constant.HeaderStyle) string {
	body := `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`
	if r.userProjectID != "" {
		body, _ = sjson.Set(body, "metadata.duetProject", r.userProjectID)
	}

	for _, endpoint := range config.DiscoveryEndpoints {
		projectID, err := r.loadCodeAssist(ctx, endpoint, accessToken, style, []byte(body))
		if err != nil {
			log.Debugf("loadCodeAssist on %s failed: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			log.Infof("discovered managed project %s via %s", projectID, endpoint)
			return projectID
		}
	}
	return ""
}

func (r *Resolver) loadCodeAssist(ctx context.Context, endpoint, accessToken string, style constant.HeaderStyle, body []byte) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, config.InternalURL(endpoint, "loadCodeAssist"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	applyHeaders(req, accessToken, style)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loadCodeAssist returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	return companionProject(respBody), nil
}

// companionProject extracts cloudaicompanionProject, which the upstream
// returns either as a bare string or as an object with an id field.
func companionProject(body []byte) string {
	field := gjson.GetBytes(body, "cloudaicompanionProject")
	if field.Type == gjson.String {
		return field.String()
	}
	if field.IsObject() {
		return field.Get("id").String()
	}
	return ""
}

// Onboard posts onboardUser and polls until the long-running operation
// reports done. Used only during out-of-band account setup.
func (r *Resolver) Onboard(ctx context.Context, endpoint, accessToken string, style constant.HeaderStyle, tierID, projectID string) error {
	body := `{}`
	body, _ = sjson.Set(body, "tierId", tierID)
	body, _ = sjson.Set(body, "cloudaicompanionProject", projectID)
	body, _ = sjson.Set(body, "metadata.ideType", "IDE_UNSPECIFIED")
	body, _ = sjson.Set(body, "metadata.platform", "PLATFORM_UNSPECIFIED")
	body, _ = sjson.Set(body, "metadata.pluginType", "GEMINI")

	for attempt := 0; attempt < onboardMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.InternalURL(endpoint, "onboardUser"), bytes.NewReader([]byte(body)))
		if err != nil {
			return err
		}
		applyHeaders(req, accessToken, style)

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return err
		}
		respBody, errRead := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if errRead != nil {
			return errRead
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("onboardUser returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
		}
		if gjson.GetBytes(respBody, "done").Bool() {
			return nil
		}

		select {
		case <-time.After(onboardDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("onboardUser did not complete after %d attempts", onboardMaxAttempts)
}

func applyHeaders(req *http.Request, accessToken string, style constant.HeaderStyle) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	for name, value := range style.Headers() {
		req.Header.Set(name, value)
	}
}
