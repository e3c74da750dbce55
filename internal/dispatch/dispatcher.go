// Package dispatch composes account selection, project resolution, request
// preparation, and response transformation into the request path a host call
// travels end to end.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/account"
	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/constant"
	"github.com/opencode-tools/antigravity-broker/internal/project"
	"github.com/opencode-tools/antigravity-broker/internal/transform"
)

// maxAccountAttempts bounds rotation retries after rate limits.
const maxAccountAttempts = 3

// Dispatcher owns the full request path.
type Dispatcher struct {
	cfg         *config.Config
	manager     *account.Manager
	projects    *project.Resolver
	transformer *transform.Transformer
	responses   *transform.ResponseTransformer
	httpClient  *http.Client
}

// NewDispatcher wires the request path together.
func NewDispatcher(cfg *config.Config, manager *account.Manager, projects *project.Resolver,
	transformer *transform.Transformer, responses *transform.ResponseTransformer, httpClient *http.Client) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		manager:     manager,
		projects:    projects,
		transformer: transformer,
		responses:   responses,
		httpClient:  httpClient,
	}
}

// Handle serves one intercepted host call, writing the transformed upstream
// response directly to w.
func (d *Dispatcher) Handle(ctx context.Context, path string, body []byte, w http.ResponseWriter) {
	modelName, _, err := transform.ParseModelAction(path)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	family := constant.FamilyForModel(modelName)

	forceThinkingRecovery := false
	for attempt := 0; attempt < maxAccountAttempts; attempt++ {
		selection, errSelect := d.manager.Select(ctx, family)
		if errSelect != nil {
			d.writeSelectionError(w, errSelect)
			return
		}

		done, retry := d.tryAccount(ctx, path, body, w, selection, family, &forceThinkingRecovery)
		if done {
			return
		}
		if !retry {
			return
		}
	}

	// Every attempt hit a rate limit; tell the host when to come back.
	waitMs := d.manager.MinWaitMs(family)
	w.Header().Set("Retry-After", strconv.FormatInt(waitMs/1000, 10))
	writeJSONError(w, http.StatusTooManyRequests, "all accounts rate-limited")
}

// tryAccount runs one account's attempt across the endpoint fallback chain.
// done means the response was written; retry means the caller should rotate
// to another account.
func (d *Dispatcher) tryAccount(ctx context.Context, path string, body []byte, w http.ResponseWriter,
	selection *account.Selection, family constant.ModelFamily, forceThinkingRecovery *bool) (done, retry bool) {

	projectID := d.projects.Resolve(ctx, selection.Account, selection.Account.AccessToken, selection.Style)

	var lastErr error
	for _, endpoint := range config.GenerationEndpoints {
		in := transform.Input{
			Path:                  path,
			Body:                  body,
			AccessToken:           selection.Account.AccessToken,
			ProjectID:             projectID,
			Endpoint:              endpoint,
			Style:                 selection.Style,
			ForceThinkingRecovery: *forceThinkingRecovery,
		}
		prepared, errPrepare := d.transformer.Prepare(in)
		if errPrepare != nil {
			writeJSONError(w, http.StatusBadRequest, errPrepare.Error())
			return true, false
		}

		if prepared.NeedsWarmup {
			d.warmup(ctx, prepared, in)
		}

		outcome, errSend := d.send(ctx, prepared, w)
		if errSend == nil {
			return true, false
		}

		var thinkingErr *transform.ThinkingRecoveryError
		if errors.As(errSend, &thinkingErr) {
			// One transformer-level retry with the destructive rewrite.
			if *forceThinkingRecovery {
				writeJSONError(w, http.StatusBadGateway, "thinking recovery failed twice")
				return true, false
			}
			*forceThinkingRecovery = true
			log.Info("retrying request with forced thinking recovery")
			return d.tryAccount(ctx, path, body, w, selection, family, forceThinkingRecovery)
		}

		if outcome != nil && outcome.RateLimited {
			resetMs := int64(0)
			if outcome.RetryAfterMs > 0 {
				resetMs = time.Now().UnixMilli() + outcome.RetryAfterMs
			}
			d.manager.MarkRateLimited(selection.Account.Index, selection.Quota, resetMs)
			return false, true
		}

		var netErr *endpointError
		if errors.As(errSend, &netErr) {
			lastErr = errSend
			log.Warnf("endpoint %s failed, trying next: %v", endpoint, errSend)
			continue
		}

		// Classified upstream error, already written to the host.
		return true, false
	}

	writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("all endpoints failed: %v", lastErr))
	return true, false
}

// endpointError marks transport-level failures that justify trying the next
// endpoint.
type endpointError struct{ err error }

func (e *endpointError) Error() string { return e.err.Error() }
func (e *endpointError) Unwrap() error { return e.err }

// send performs the upstream call and writes the transformed response.
// Returns a *transform.ErrorOutcome alongside the error when the upstream
// answered with a classified error.
func (d *Dispatcher) send(ctx context.Context, prepared *transform.Prepared, w http.ResponseWriter) (*transform.ErrorOutcome, error) {
	meta := transform.ErrorMeta{
		Model:    prepared.Model.ActualModel,
		Project:  prepared.ProjectID,
		Endpoint: prepared.URL,
	}

	attempts := d.cfg.EmptyResponseMaxAttempts
	if prepared.Stream {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := d.do(ctx, prepared)
		if err != nil {
			return nil, &endpointError{err: err}
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			outcome, errClassify := d.responses.HandleError(resp.StatusCode, body, meta)
			if errClassify != nil {
				return nil, errClassify
			}
			if outcome.RateLimited {
				return outcome, fmt.Errorf("upstream rate limit (%d)", resp.StatusCode)
			}
			for name, value := range outcome.Headers {
				w.Header().Set(name, value)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.StatusCode)
			_, _ = w.Write(outcome.Body)
			return outcome, fmt.Errorf("upstream error %d", resp.StatusCode)
		}

		if prepared.Stream {
			defer func() { _ = resp.Body.Close() }()
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			if prepared.ToolDebugMissing > 0 {
				w.Header().Set("X-Tool-Debug-Missing", strconv.Itoa(prepared.ToolDebugMissing))
			}
			w.WriteHeader(http.StatusOK)
			if errStream := d.responses.TransformStream(resp.Body, w, prepared.SessionKey, d.debugBlob(prepared)); errStream != nil {
				log.Debugf("stream ended with error: %v", errStream)
			}
			return nil, nil
		}

		body, errRead := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if errRead != nil {
			return nil, &endpointError{err: errRead}
		}

		if transform.IsEmpty(body) {
			log.Warnf("empty upstream response, attempt %d/%d", attempt, attempts)
			if attempt < attempts {
				select {
				case <-time.After(time.Duration(d.cfg.EmptyResponseRetryDelayMs) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			err := &transform.EmptyResponseError{Attempts: attempts}
			writeJSONError(w, http.StatusBadGateway, err.Error())
			return nil, nil
		}

		transformed, usageHeaders := d.responses.HandleSuccess(body, prepared.SessionKey)
		for name, value := range usageHeaders {
			w.Header().Set(name, value)
		}
		if prepared.ToolDebugMissing > 0 {
			w.Header().Set("X-Tool-Debug-Missing", strconv.Itoa(prepared.ToolDebugMissing))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(transformed)
		return nil, nil
	}
	return nil, nil
}

func (d *Dispatcher) do(ctx context.Context, prepared *transform.Prepared) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, prepared.URL, bytes.NewReader(prepared.Body))
	if err != nil {
		return nil, err
	}
	for name, value := range prepared.Headers {
		req.Header.Set(name, value)
	}
	return d.httpClient.Do(req)
}

// warmup sends the minimal thinking request and harvests its signature into
// the cache. Failures are logged and ignored; the main request may still
// succeed or will trigger recovery.
func (d *Dispatcher) warmup(ctx context.Context, prepared *transform.Prepared, in transform.Input) {
	warmupReq := d.transformer.BuildWarmup(prepared, in)
	resp, err := d.do(ctx, warmupReq)
	if err != nil {
		log.Debugf("warmup request failed: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	body, errRead := io.ReadAll(resp.Body)
	if errRead != nil || resp.StatusCode != http.StatusOK {
		log.Debugf("warmup response unusable (status %d)", resp.StatusCode)
		return
	}
	// HandleSuccess harvests any signature in the body into the cache.
	_, _ = d.responses.HandleSuccess(body, warmupReq.SessionKey)
	log.Debug("warmup request completed")
}

func (d *Dispatcher) debugBlob(prepared *transform.Prepared) []byte {
	if !d.cfg.Debug {
		return nil
	}
	return []byte(fmt.Sprintf(`{"debug":{"model":%q,"url":%q,"sessionKey":%q}}`,
		prepared.Model.ActualModel, prepared.URL, prepared.SessionKey))
}

func (d *Dispatcher) writeSelectionError(w http.ResponseWriter, err error) {
	var limited *account.AllRateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.FormatInt(limited.WaitMs/1000, 10))
		writeJSONError(w, http.StatusTooManyRequests, limited.Error())
		return
	}
	if errors.Is(err, account.ErrNoAccounts) {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSONError(w, http.StatusBadGateway, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, status, message)
}
