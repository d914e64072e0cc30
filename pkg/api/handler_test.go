package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/cronjobs"
	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/telemetry"
)

type testServer struct {
	backend *fakeBackend
	server  *httptest.Server
	metrics *telemetry.Metrics
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "froyobox", Path: "/metrics"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	backend := newFakeBackend()
	router := NewRouter(RouterConfig{
		Boxes:       backend,
		Deployments: backend,
		Cronjobs:    cronService{f: backend},
		APIKey:      apiKey,
		Logger:      zerolog.Nop(),
		Metrics:     metrics,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{backend: backend, server: server, metrics: metrics}
}

func (ts *testServer) client(owner string) *Client {
	return NewClient(ts.server.URL, owner, "", 5*time.Second)
}

func TestBoxLifecycle(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	c := ts.client("user-1")

	box, err := c.CreateBox(ctx, "dev", []string{"git"})
	if err != nil {
		t.Fatalf("CreateBox() error: %v", err)
	}
	if box.Status != engine.BoxStatusPending || box.OwnerID != "user-1" {
		t.Errorf("created box = %+v", box)
	}

	list, err := c.ListBoxes(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListBoxes() = %d boxes, %v", len(list), err)
	}

	deployed, err := c.DeployBox(ctx, box.ID)
	if err != nil {
		t.Fatalf("DeployBox() error: %v", err)
	}
	if deployed.Status != engine.BoxStatusDeploying {
		t.Errorf("status after deploy = %s", deployed.Status)
	}

	// A second deploy while deploying is a conflict.
	_, err = c.DeployBox(ctx, box.ID)
	if !engine.IsInvalidStatus(err) {
		t.Errorf("second DeployBox() error = %v, want INVALID_STATUS", err)
	}

	steps, err := c.Steps(ctx, box.ID, 1)
	if err != nil || len(steps) != 1 || steps[0].StepKey != engine.StepCreateInstance {
		t.Errorf("Steps() = %v, %v", steps, err)
	}
	steps, err = c.Steps(ctx, box.ID, 2)
	if err != nil || len(steps) != 0 {
		t.Errorf("Steps(attempt 2) = %v, %v", steps, err)
	}

	plan, err := c.Plan(ctx, box.ID)
	if err != nil || !strings.HasPrefix(plan, "digraph deploy") {
		t.Errorf("Plan() = %q, %v", plan, err)
	}

	history, err := c.History(ctx, box.ID, 1)
	if err != nil || len(history) != 1 || history[0].Action != "box.deploy" {
		t.Errorf("History() = %v, %v", history, err)
	}

	deleted, err := c.DeleteBox(ctx, box.ID)
	if err != nil || deleted.Status != engine.BoxStatusDeleted {
		t.Errorf("DeleteBox() = %+v, %v", deleted, err)
	}
}

func TestOwnerIsolation(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()

	box, err := ts.client("alice").CreateBox(ctx, "dev", nil)
	if err != nil {
		t.Fatalf("CreateBox() error: %v", err)
	}

	bob := ts.client("bob")
	if _, err := bob.GetBox(ctx, box.ID); !engine.IsNotFound(err) {
		t.Errorf("GetBox() as another owner error = %v, want NOT_FOUND", err)
	}
	if _, err := bob.DeployBox(ctx, box.ID); !engine.IsNotFound(err) {
		t.Errorf("DeployBox() as another owner error = %v, want NOT_FOUND", err)
	}
	if _, err := bob.CreateCronjob(ctx, box.ID, cronjobs.CreateRequest{Name: "x", Schedule: "* * * * *", Command: "true"}); !engine.IsNotFound(err) {
		t.Errorf("CreateCronjob() as another owner error = %v, want NOT_FOUND", err)
	}
	list, err := bob.ListBoxes(ctx)
	if err != nil || len(list) != 0 {
		t.Errorf("ListBoxes() as another owner = %v, %v", list, err)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", engine.ValidationError("bad"), http.StatusBadRequest},
		{"not found", engine.NotFoundError("box", "b"), http.StatusNotFound},
		{"already exists", engine.AlreadyExistsError("cronjob", "c"), http.StatusConflict},
		{"invalid status", engine.InvalidStatusError("b", engine.BoxStatusRunning, engine.BoxStatusDeploying), http.StatusConflict},
		{"provider", engine.ProviderError("create instance", 503, "down", nil), http.StatusBadGateway},
		{"timeout", engine.TimeoutError("health check", 2*time.Minute), http.StatusGatewayTimeout},
		{"internal", engine.InternalError("db", errors.New("locked")), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.backend.deployErr = tt.err
			box, err := ts.client("u").CreateBox(context.Background(), "b", nil)
			if err != nil {
				t.Fatalf("CreateBox() error: %v", err)
			}

			req, _ := http.NewRequest(http.MethodPost, ts.server.URL+"/v1/boxes/"+box.ID+"/deploy", nil)
			req.Header.Set(OwnerHeader, "u")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestClientDecodesErrors(t *testing.T) {
	ts := newTestServer(t, "")
	ts.backend.deployErr = engine.ProviderError("create instance", 503, "capacity exhausted", errors.New("secret upstream detail"))
	ctx := context.Background()
	c := ts.client("u")

	box, err := c.CreateBox(ctx, "b", nil)
	if err != nil {
		t.Fatalf("CreateBox() error: %v", err)
	}

	_, err = c.DeployBox(ctx, box.ID)
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("DeployBox() error %T is not an EngineError", err)
	}
	if ee.Code != engine.ErrCodeProvider || ee.Class != engine.ErrorClassTransient {
		t.Errorf("decoded error = %+v", ee)
	}
	if !strings.Contains(ee.Message, "capacity exhausted") || strings.Contains(err.Error(), "secret") {
		t.Errorf("message = %q", err.Error())
	}

	// Unclassified errors do not leak their text.
	ts.backend.deployErr = errors.New("database is locked")
	_, err = c.DeployBox(ctx, box.ID)
	if engine.CodeOf(err) != engine.ErrCodeInternal || strings.Contains(err.Error(), "locked") {
		t.Errorf("internal error = %v", err)
	}
}

func TestWaitForBox(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	c := ts.client("u")

	box, _ := c.CreateBox(ctx, "b", nil)
	if _, err := c.DeployBox(ctx, box.ID); err != nil {
		t.Fatalf("DeployBox() error: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		ts.backend.setStatus(box.ID, engine.BoxStatusRunning)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := c.WaitForBox(waitCtx, box.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForBox() error: %v", err)
	}
	if got.Status != engine.BoxStatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestCronjobRoutes(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	c := ts.client("u")

	box, _ := c.CreateBox(ctx, "b", nil)

	if _, err := c.CreateCronjob(ctx, box.ID, cronjobs.CreateRequest{Name: "bad", Schedule: "not a schedule", Command: "true"}); !engine.IsValidation(err) {
		t.Errorf("CreateCronjob() with bad schedule error = %v", err)
	}

	cj, err := c.CreateCronjob(ctx, box.ID, cronjobs.CreateRequest{Name: "backup", Schedule: "0 3 * * *", Timezone: "UTC", Command: "backup.sh"})
	if err != nil {
		t.Fatalf("CreateCronjob() error: %v", err)
	}
	if cj.BoxID != box.ID || !cj.Enabled {
		t.Errorf("created cronjob = %+v", cj)
	}

	list, err := c.ListCronjobs(ctx, box.ID)
	if err != nil || len(list) != 1 {
		t.Errorf("ListCronjobs() = %v, %v", list, err)
	}

	schedule := "*/5 * * * *"
	updated, err := c.UpdateCronjob(ctx, cj.ID, cronjobs.UpdateRequest{Schedule: &schedule})
	if err != nil || updated.Schedule != schedule {
		t.Errorf("UpdateCronjob() = %+v, %v", updated, err)
	}

	toggled, err := c.ToggleCronjob(ctx, cj.ID, false)
	if err != nil || toggled.Enabled {
		t.Errorf("ToggleCronjob() = %+v, %v", toggled, err)
	}

	exitCode := 0
	ts.backend.runs[cj.ID] = []*engine.CronjobExecution{
		{ID: "run-2", CronjobID: cj.ID, Status: engine.ExecutionStatusCompleted, ExitCode: &exitCode},
		{ID: "run-1", CronjobID: cj.ID, Status: engine.ExecutionStatusFailed},
	}
	runs, err := c.CronjobRuns(ctx, cj.ID, 1)
	if err != nil || len(runs) != 1 || runs[0].ID != "run-2" {
		t.Errorf("CronjobRuns() = %v, %v", runs, err)
	}

	// Cronjobs of other owners are hidden.
	if _, err := ts.client("other").GetCronjob(ctx, cj.ID); !engine.IsNotFound(err) {
		t.Errorf("GetCronjob() as another owner error = %v", err)
	}
	if err := ts.client("other").DeleteCronjob(ctx, cj.ID); !engine.IsNotFound(err) {
		t.Errorf("DeleteCronjob() as another owner error = %v", err)
	}

	if err := c.DeleteCronjob(ctx, cj.ID); err != nil {
		t.Fatalf("DeleteCronjob() error: %v", err)
	}
	if _, err := c.GetCronjob(ctx, cj.ID); !engine.IsNotFound(err) {
		t.Errorf("GetCronjob() after delete error = %v", err)
	}
}

func TestToggleRequiresEnabled(t *testing.T) {
	ts := newTestServer(t, "")
	box, _ := ts.client("u").CreateBox(context.Background(), "b", nil)
	cj, _ := ts.client("u").CreateCronjob(context.Background(), box.ID, cronjobs.CreateRequest{Name: "n", Schedule: "@daily", Command: "true"})

	req, _ := http.NewRequest(http.MethodPost, ts.server.URL+"/v1/cronjobs/"+cj.ID+"/toggle", strings.NewReader(`{}`))
	req.Header.Set(OwnerHeader, "u")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		ctype  string
		want   int
	}{
		{"invalid json", http.MethodPost, "/v1/boxes", "{", "application/json", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/boxes", `{"name":"x","owner_id":"y"}`, "application/json", http.StatusBadRequest},
		{"wrong content type", http.MethodPost, "/v1/boxes", `name=x`, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"bad attempt", http.MethodGet, "/v1/boxes/box-1/steps?attempt=x", "", "", http.StatusBadRequest},
		{"unknown box", http.MethodGet, "/v1/boxes/missing", "", "", http.StatusNotFound},
		{"oversized body", http.MethodPost, "/v1/boxes", `{"name":"` + strings.Repeat("a", maxRequestBodySize) + `"}`, "application/json", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.server.URL+tt.path, bytes.NewBufferString(tt.body))
			req.Header.Set(OwnerHeader, "u")
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
