package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/froyobox/pkg/cronjobs"
	"github.com/openfroyo/froyobox/pkg/engine"
)

// maxErrorBody bounds how much of a non-JSON error body is kept.
const maxErrorBody = 4096

// Client calls the froyobox API on behalf of one owner. API errors are
// returned as *engine.EngineError so the engine predicates work on them.
type Client struct {
	BaseURL string
	OwnerID string
	APIKey  string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL acting as ownerID.
func NewClient(baseURL, ownerID, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		OwnerID: ownerID,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Health checks /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// CreateBox registers a new box.
func (c *Client) CreateBox(ctx context.Context, name string, skills []string) (*engine.Box, error) {
	var box engine.Box
	err := c.do(ctx, http.MethodPost, "/v1/boxes", createBoxRequest{Name: name, Skills: skills}, &box)
	return &box, err
}

// ListBoxes returns the caller's live boxes.
func (c *Client) ListBoxes(ctx context.Context) ([]*engine.Box, error) {
	var list []*engine.Box
	err := c.do(ctx, http.MethodGet, "/v1/boxes", nil, &list)
	return list, err
}

// GetBox returns one box.
func (c *Client) GetBox(ctx context.Context, id string) (*engine.Box, error) {
	var box engine.Box
	err := c.do(ctx, http.MethodGet, "/v1/boxes/"+url.PathEscape(id), nil, &box)
	return &box, err
}

// DeployBox starts a deployment attempt.
func (c *Client) DeployBox(ctx context.Context, id string) (*engine.Box, error) {
	var box engine.Box
	err := c.do(ctx, http.MethodPost, "/v1/boxes/"+url.PathEscape(id)+"/deploy", nil, &box)
	return &box, err
}

// DeleteBox marks a box deleted and tears down its instance.
func (c *Client) DeleteBox(ctx context.Context, id string) (*engine.Box, error) {
	var box engine.Box
	err := c.do(ctx, http.MethodDelete, "/v1/boxes/"+url.PathEscape(id), nil, &box)
	return &box, err
}

// Steps returns the ledger of one attempt, or every attempt when attempt is 0.
func (c *Client) Steps(ctx context.Context, id string, attempt int) ([]*engine.DeployStep, error) {
	path := "/v1/boxes/" + url.PathEscape(id) + "/steps"
	if attempt > 0 {
		path += "?attempt=" + strconv.Itoa(attempt)
	}
	var steps []*engine.DeployStep
	err := c.do(ctx, http.MethodGet, path, nil, &steps)
	return steps, err
}

// Plan returns the DOT rendering of the next deploy DAG of a box.
func (c *Client) Plan(ctx context.Context, id string) (string, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "/v1/boxes/"+url.PathEscape(id)+"/plan", nil, &buf)
	return buf.String(), err
}

// History returns the audit trail of a box.
func (c *Client) History(ctx context.Context, id string, limit int) ([]*engine.AuditEntry, error) {
	var entries []*engine.AuditEntry
	err := c.do(ctx, http.MethodGet, "/v1/boxes/"+url.PathEscape(id)+"/history"+limitQuery(limit), nil, &entries)
	return entries, err
}

// WaitForBox polls a box until it leaves the deploying status.
func (c *Client) WaitForBox(ctx context.Context, id string, interval time.Duration) (*engine.Box, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		box, err := c.GetBox(ctx, id)
		if err != nil {
			return nil, err
		}
		if box.Status != engine.BoxStatusDeploying {
			return box, nil
		}

		select {
		case <-ctx.Done():
			return box, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateCronjob adds a cronjob to a box. req.BoxID is ignored.
func (c *Client) CreateCronjob(ctx context.Context, boxID string, req cronjobs.CreateRequest) (*engine.Cronjob, error) {
	body := createCronjobRequest{
		Name:     req.Name,
		Schedule: req.Schedule,
		Timezone: req.Timezone,
		Command:  req.Command,
		Enabled:  req.Enabled,
	}
	var cj engine.Cronjob
	err := c.do(ctx, http.MethodPost, "/v1/boxes/"+url.PathEscape(boxID)+"/cronjobs", body, &cj)
	return &cj, err
}

// ListCronjobs returns the cronjobs of a box.
func (c *Client) ListCronjobs(ctx context.Context, boxID string) ([]*engine.Cronjob, error) {
	var list []*engine.Cronjob
	err := c.do(ctx, http.MethodGet, "/v1/boxes/"+url.PathEscape(boxID)+"/cronjobs", nil, &list)
	return list, err
}

// GetCronjob returns one cronjob.
func (c *Client) GetCronjob(ctx context.Context, id string) (*engine.Cronjob, error) {
	var cj engine.Cronjob
	err := c.do(ctx, http.MethodGet, "/v1/cronjobs/"+url.PathEscape(id), nil, &cj)
	return &cj, err
}

// UpdateCronjob changes the set fields of a cronjob.
func (c *Client) UpdateCronjob(ctx context.Context, id string, req cronjobs.UpdateRequest) (*engine.Cronjob, error) {
	var cj engine.Cronjob
	err := c.do(ctx, http.MethodPatch, "/v1/cronjobs/"+url.PathEscape(id), req, &cj)
	return &cj, err
}

// ToggleCronjob enables or disables a cronjob.
func (c *Client) ToggleCronjob(ctx context.Context, id string, enabled bool) (*engine.Cronjob, error) {
	var cj engine.Cronjob
	err := c.do(ctx, http.MethodPost, "/v1/cronjobs/"+url.PathEscape(id)+"/toggle", toggleRequest{Enabled: &enabled}, &cj)
	return &cj, err
}

// DeleteCronjob removes a cronjob.
func (c *Client) DeleteCronjob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/cronjobs/"+url.PathEscape(id), nil, nil)
}

// CronjobRuns returns the latest executions of a cronjob.
func (c *Client) CronjobRuns(ctx context.Context, id string, limit int) ([]*engine.CronjobExecution, error) {
	var runs []*engine.CronjobExecution
	err := c.do(ctx, http.MethodGet, "/v1/cronjobs/"+url.PathEscape(id)+"/runs"+limitQuery(limit), nil, &runs)
	return runs, err
}

// do sends a request and decodes the response into out. A *bytes.Buffer out
// receives the raw body.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.OwnerID != "" {
		req.Header.Set(OwnerHeader, c.OwnerID)
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	switch dst := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *bytes.Buffer:
		_, err := dst.ReadFrom(resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
}

// decodeError turns an error response into an *engine.EngineError. Bodies
// that are not API errors keep their status in the details.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != nil && er.Error.Code != "" {
		return er.Error
	}

	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return engine.NewTransientError(msg, nil).
		WithCode(engine.ErrCodeInternal).
		WithDetail("status", resp.StatusCode)
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}
