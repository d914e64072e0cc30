package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 4096

// APIClient is a small JSON client for provider control planes. Non-2xx
// responses and transport failures are returned as PROVIDER_ERROR.
type APIClient struct {
	BaseURL   string
	Token     string
	UserAgent string
	HTTP      *http.Client
}

// NewAPIClient returns a client for baseURL with the given bearer token.
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APIClient{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Token:     token,
		UserAgent: "froyobox",
		HTTP:      &http.Client{Timeout: timeout},
	}
}

// Do sends a JSON request and decodes a JSON response into out when out is
// non-nil. op names the provider operation in returned errors.
func (c *APIClient) Do(ctx context.Context, op, method, path string, in, out interface{}) error {
	_, err := c.do(ctx, op, method, path, in, out)
	return err
}

// DoStatus is like Do but also returns the HTTP status code. A 404 is
// returned as a PROVIDER_ERROR with status 404; use IsUpstreamNotFound.
func (c *APIClient) DoStatus(ctx context.Context, op, method, path string, in, out interface{}) (int, error) {
	return c.do(ctx, op, method, path, in, out)
}

func (c *APIClient) do(ctx context.Context, op, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, engine.InternalError(fmt.Sprintf("%s: failed to encode request", op), err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, engine.InternalError(fmt.Sprintf("%s: failed to build request", op), err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, engine.ProviderError(op, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, engine.ProviderError(op, resp.StatusCode, upstreamMessage(raw), nil)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp.StatusCode, engine.ProviderError(op, resp.StatusCode, "invalid response body", err)
	}
	return resp.StatusCode, nil
}

// upstreamMessage extracts a message from common JSON error shapes, falling
// back to the trimmed body.
func upstreamMessage(raw []byte) string {
	var shaped struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &shaped) == nil {
		if shaped.Message != "" {
			return shaped.Message
		}
		if shaped.Error != "" {
			return shaped.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

// IsUpstreamNotFound reports whether err is a provider error for an upstream 404.
func IsUpstreamNotFound(err error) bool {
	return UpstreamStatus(err) == http.StatusNotFound
}

// UpstreamStatus returns the upstream HTTP status carried by a provider
// error, or 0.
func UpstreamStatus(err error) int {
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeProvider {
		return 0
	}
	if status, ok := ee.Details["status"].(int); ok {
		return status
	}
	return 0
}
