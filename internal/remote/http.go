// Package remote provides clients for the authoritative remote service.
//
// HTTPClient talks to the deployed backend through its function-call API:
//
//	POST {base}/api/mutation  {"path":"moods:create","args":{...}}
//	POST {base}/api/query     {"path":"moods:listSince","args":{"since":1000,"limit":100}}
//
// Responses are {"status":"success","value":...} or
// {"status":"error","errorMessage":"..."}.
//
// Memory is an in-process implementation used by tests, benchmarks and
// offline demos.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// StatusError is returned for non-2xx responses and application-level errors.
type StatusError struct {
	Code    int
	Path    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Path, e.Code, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Options configures an HTTPClient.
type Options struct {
	// BaseURL of the deployment, e.g. https://happy-otter-123.example.cloud
	BaseURL string
	// Token is the bearer token of the signed-in identity
	Token string
	// Timeout bounds each HTTP request (default: 15s)
	Timeout time.Duration
	// MaxElapsed bounds transport retries of one call (default: 10s, 0 disables retry)
	MaxElapsed time.Duration
	// HTTPClient overrides the underlying client
	HTTPClient *http.Client
}

// HTTPClient calls the remote service over HTTP.
type HTTPClient struct {
	base       string
	http       *http.Client
	maxElapsed time.Duration

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates a client. It reports Ready only once a base URL and
// token are both set.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPClient{
		base:       strings.TrimRight(opts.BaseURL, "/"),
		http:       hc,
		maxElapsed: opts.MaxElapsed,
		token:      opts.Token,
	}
}

// SetToken replaces the bearer token, e.g. after the user signs in again.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Ready reports whether the client is configured and authenticated.
func (c *HTTPClient) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base != "" && c.token != ""
}

// Create calls <family>:create and returns the new document id. A create is
// not idempotent, so it is sent exactly once; the outbox retries it on a
// later pass.
func (c *HTTPClient) Create(ctx context.Context, coll schema.Collection, doc map[string]any) (string, error) {
	var id string
	if err := c.send(ctx, "/api/mutation", functionPath(coll, "create"), doc, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%s: empty id in create response", coll)
	}
	return id, nil
}

// Delete calls <family>:remove. The backend treats unknown ids as already removed.
func (c *HTTPClient) Delete(ctx context.Context, coll schema.Collection, serverID string) error {
	return c.call(ctx, "/api/mutation", functionPath(coll, "remove"), map[string]any{"id": serverID}, nil)
}

// ListSince calls <family>:listSince for documents created after since.
func (c *HTTPClient) ListSince(ctx context.Context, coll schema.Collection, since int64, limit int) ([]schema.RemoteRecord, error) {
	args := map[string]any{"since": since, "limit": limit}
	if chatType := coll.ChatType(); chatType != "" {
		args["chatType"] = chatType
	}

	var docs []map[string]any
	if err := c.call(ctx, "/api/query", functionPath(coll, "listSince"), args, &docs); err != nil {
		return nil, err
	}

	out := make([]schema.RemoteRecord, 0, len(docs))
	for _, d := range docs {
		rec := schema.RemoteRecord{Fields: make(map[string]any, len(d))}
		for k, v := range d {
			switch k {
			case "_id":
				rec.ID, _ = v.(string)
			case "_creationTime":
				rec.CreationTime = creationMillis(v)
			default:
				rec.Fields[k] = v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

type callRequest struct {
	Path   string `json:"path"`
	Args   any    `json:"args"`
	Format string `json:"format"`
}

type callResponse struct {
	Status       string          `json:"status"`
	Value        json.RawMessage `json:"value"`
	ErrorMessage string          `json:"errorMessage"`
}

// call performs an idempotent function call, retrying transport failures
// and retryable status codes with exponential backoff.
func (c *HTTPClient) call(ctx context.Context, endpoint, path string, args, out any) error {
	body, err := encodeCall(path, args)
	if err != nil {
		return err
	}
	if c.maxElapsed <= 0 {
		return c.do(ctx, endpoint, path, body, out)
	}

	op := func() error {
		err := c.do(ctx, endpoint, path, body, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// send performs a function call once, for mutations the backend may have
// committed even when the response is lost.
func (c *HTTPClient) send(ctx context.Context, endpoint, path string, args, out any) error {
	body, err := encodeCall(path, args)
	if err != nil {
		return err
	}
	return c.do(ctx, endpoint, path, body, out)
}

func encodeCall(path string, args any) ([]byte, error) {
	body, err := json.Marshal(callRequest{Path: path, Args: args, Format: "json"})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s args: %w", path, err)
	}
	return body, nil
}

func (c *HTTPClient) do(ctx context.Context, endpoint, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		var cr callResponse
		if json.Unmarshal(data, &cr) == nil && cr.ErrorMessage != "" {
			msg = cr.ErrorMessage
		}
		return &StatusError{Code: resp.StatusCode, Path: path, Message: msg}
	}

	var cr callResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", path, err)
	}
	if cr.Status != "success" {
		return &StatusError{Path: path, Message: cr.ErrorMessage}
	}
	if out != nil && len(cr.Value) > 0 {
		if err := json.Unmarshal(cr.Value, out); err != nil {
			return fmt.Errorf("%s: failed to decode value: %w", path, err)
		}
	}
	return nil
}

// isRetryable reports whether err is a transport failure or a retryable status.
func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "i/o timeout", "broken pipe", "eof"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// creationMillis reads a _creationTime value. Fractional milliseconds round
// up so a watermark taken from it excludes the document on the next fetch.
func creationMillis(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(math.Ceil(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(math.Ceil(f))
		}
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// functionPath maps a collection to the backend function name, e.g.
// "chat:coach" + "create" -> "chat:create".
func functionPath(c schema.Collection, fn string) string {
	family := string(c.Family())
	if family == "" {
		family = string(c)
	}
	return family + ":" + fn
}
