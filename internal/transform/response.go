package transform

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/signature"
)

// ThinkingRecoveryError signals that the upstream rejected the thinking block
// order and the request should be re-prepared once with the crash-and-restart
// rewrite forced.
type ThinkingRecoveryError struct {
	StatusCode int
	Body       []byte
}

func (e *ThinkingRecoveryError) Error() string {
	return fmt.Sprintf("thinking block order rejected (status %d)", e.StatusCode)
}

// EmptyResponseError is raised after the configured number of attempts all
// returned a body with no candidates.
type EmptyResponseError struct {
	Attempts int
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("upstream returned empty responses %d time(s)", e.Attempts)
}

// thinkingOrderPhrases identify the upstream's thinking-ordering rejection.
// "preceeding" is the upstream's own spelling.
var thinkingOrderPhrases = []string{
	"first block",
	"must start with",
	"preceeding",
	"expected `thinking` or `redacted_thinking`, but found",
}

// ErrorMeta annotates upstream error messages so a user can tell which
// account and endpoint misbehaved.
type ErrorMeta struct {
	Model    string
	Project  string
	Endpoint string
}

// ResponseTransformer rewrites upstream responses for the host and harvests
// thinking signatures into the cache as they stream past.
type ResponseTransformer struct {
	cfg   *config.Config
	cache *signature.Cache
}

// NewResponseTransformer builds a response transformer.
func NewResponseTransformer(cfg *config.Config, cache *signature.Cache) *ResponseTransformer {
	return &ResponseTransformer{cfg: cfg, cache: cache}
}

// flusher matches http.Flusher without importing net/http here.
type flusher interface {
	Flush()
}

// TransformStream copies an SSE byte stream from the upstream to the host,
// unwrapping each data: event's response envelope, rewriting thinking parts
// into the host's canonical shape, and capturing signatures. Non-data lines
// pass through verbatim.
func (t *ResponseTransformer) TransformStream(reader io.Reader, writer io.Writer, sessionKey string, debugBlob []byte) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	// thinking text accumulates per candidate index until its signature
	// arrives.
	accumulated := map[int]*strings.Builder{}
	emittedDebug := false

	flush := func() {
		if f, ok := writer.(flusher); ok {
			f.Flush()
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			if _, err := writer.Write(append(line, '\n')); err != nil {
				return err
			}
			continue
		}

		payload := bytes.TrimSpace(line[len("data:"):])
		response := gjson.GetBytes(payload, "response")
		if !response.Exists() {
			if _, err := writer.Write(append(line, '\n')); err != nil {
				return err
			}
			flush()
			continue
		}

		unwrapped := t.rewriteEvent([]byte(response.Raw), sessionKey, accumulated)

		if t.cfg.Debug && !emittedDebug && len(debugBlob) > 0 {
			emittedDebug = true
			if _, err := fmt.Fprintf(writer, "data: %s\n\n", debugBlob); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(writer, "data: %s\n", unwrapped); err != nil {
			return err
		}
		flush()
	}
	return scanner.Err()
}

// rewriteEvent rewrites thinking parts and harvests signatures from one
// unwrapped response object.
func (t *ResponseTransformer) rewriteEvent(event []byte, sessionKey string, accumulated map[int]*strings.Builder) []byte {
	candidates := gjson.GetBytes(event, "candidates")
	if !candidates.Exists() {
		return event
	}

	candidates.ForEach(func(candidateIndex, candidate gjson.Result) bool {
		ci := int(candidateIndex.Int())
		candidate.Get("content.parts").ForEach(func(partIndex, part gjson.Result) bool {
			base := fmt.Sprintf("candidates.%d.content.parts.%d", ci, partIndex.Int())

			if part.Get("thought").Bool() {
				text := part.Get("text").String()
				if accumulated[ci] == nil {
					accumulated[ci] = &strings.Builder{}
				}
				accumulated[ci].WriteString(text)

				rewritten := []byte(`{"type":"reasoning"}`)
				rewritten, _ = sjson.SetBytes(rewritten, "text", text)
				if sig := part.Get("thoughtSignature").String(); sig != "" {
					rewritten, _ = sjson.SetBytes(rewritten, "thoughtSignature", sig)
				}
				event, _ = sjson.SetRawBytes(event, base, rewritten)
			}

			sig := part.Get("thoughtSignature").String()
			if sig == "" {
				sig = part.Get("signature").String()
			}
			if len(sig) >= config.MinSignatureLength && t.cache != nil && t.cfg.CacheEnabled() {
				if builder := accumulated[ci]; builder != nil && builder.Len() > 0 {
					t.cache.Store(sessionKey, builder.String(), sig)
					t.cache.StoreLast(sessionKey, builder.String(), sig)
				}
			}
			return true
		})
		return true
	})
	return event
}

// HandleSuccess post-processes a buffered non-streaming success body:
// unwraps the response envelope, rewrites the preview-access 404 message, and
// returns usage headers for the host's cache metering.
func (t *ResponseTransformer) HandleSuccess(body []byte, sessionKey string) ([]byte, map[string]string) {
	response := gjson.GetBytes(body, "response")
	unwrapped := body
	if response.Exists() {
		unwrapped = []byte(response.Raw)
	}

	if respErr := gjson.GetBytes(unwrapped, "error"); respErr.Exists() {
		if respErr.Get("code").Int() == 404 && strings.Contains(strings.ToLower(respErr.Get("message").String()), "preview") {
			unwrapped, _ = sjson.SetBytes(unwrapped, "error.message",
				"This model requires preview access that the active account does not have. Switch accounts or request access.")
		}
	}

	accumulated := map[int]*strings.Builder{}
	unwrapped = t.rewriteEvent(unwrapped, sessionKey, accumulated)

	return unwrapped, usageHeaders(unwrapped)
}

// IsEmpty reports whether a success body carries no candidates or choices.
func IsEmpty(body []byte) bool {
	root := gjson.ParseBytes(body)
	response := root.Get("response")
	if response.Exists() {
		root = response
	}
	return len(root.Get("candidates").Array()) == 0 && len(root.Get("choices").Array()) == 0
}

// usageHeaders copies token counts onto response headers.
func usageHeaders(body []byte) map[string]string {
	usage := gjson.GetBytes(body, "usageMetadata")
	if !usage.Exists() {
		return nil
	}
	headers := map[string]string{}
	for field, header := range map[string]string{
		"cachedContentTokenCount": "X-Usage-Cached-Content-Tokens",
		"totalTokenCount":         "X-Usage-Total-Tokens",
		"promptTokenCount":        "X-Usage-Prompt-Tokens",
		"candidatesTokenCount":    "X-Usage-Candidates-Tokens",
	} {
		if value := usage.Get(field); value.Exists() {
			headers[header] = strconv.FormatInt(value.Int(), 10)
		}
	}
	return headers
}

// ErrorOutcome is the classified result of an upstream error response.
type ErrorOutcome struct {
	// Body is the error body with the debug footer attached.
	Body []byte

	// Headers carries Retry-After echoes when the upstream supplied
	// RetryInfo.
	Headers map[string]string

	// RetryAfterMs is the parsed retry delay, zero when absent.
	RetryAfterMs int64

	// RateLimited is true for 429 and for 5xx responses carrying RetryInfo.
	RateLimited bool
}

// HandleError classifies an upstream error response. A thinking-ordering
// rejection returns a ThinkingRecoveryError instead of an outcome.
func (t *ResponseTransformer) HandleError(statusCode int, body []byte, meta ErrorMeta) (*ErrorOutcome, error) {
	message := gjson.GetBytes(body, "error.message").String()

	if isThinkingOrderError(message) {
		log.Debugf("thinking order rejection from upstream: %s", truncate(message, 200))
		return nil, &ThinkingRecoveryError{StatusCode: statusCode, Body: body}
	}

	outcome := &ErrorOutcome{Headers: map[string]string{}}

	footer := fmt.Sprintf(" [model=%s project=%s endpoint=%s status=%d]", meta.Model, meta.Project, meta.Endpoint, statusCode)
	annotated := body
	if message != "" {
		annotated, _ = sjson.SetBytes(body, "error.message", message+footer)
	} else if len(bytes.TrimSpace(body)) == 0 {
		annotated = []byte(fmt.Sprintf(`{"error":{"code":%d,"message":%q}}`, statusCode, "upstream error"+footer))
	}
	outcome.Body = annotated

	if delay := retryDelay(body); delay > 0 {
		outcome.RetryAfterMs = delay.Milliseconds()
		outcome.Headers["Retry-After"] = strconv.FormatInt(int64(delay/time.Second), 10)
		outcome.Headers["retry-after-ms"] = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	outcome.RateLimited = statusCode == 429 || (statusCode >= 500 && outcome.RetryAfterMs > 0)
	return outcome, nil
}

func isThinkingOrderError(message string) bool {
	lower := strings.ToLower(message)
	if !strings.Contains(lower, "thinking") {
		return false
	}
	for _, phrase := range thinkingOrderPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// retryDelay extracts RetryInfo.retryDelay ("3s", "2.5s") from the error
// details.
func retryDelay(body []byte) time.Duration {
	var delay time.Duration
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if !strings.Contains(detail.Get("@type").String(), "RetryInfo") {
			return true
		}
		raw := detail.Get("retryDelay").String()
		if parsed, err := time.ParseDuration(raw); err == nil {
			delay = parsed
			return false
		}
		return true
	})
	return delay
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
