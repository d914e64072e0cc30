package commands

import (
	"context"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/api"
	"github.com/openfroyo/froyobox/pkg/config"
	"github.com/openfroyo/froyobox/pkg/engine"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand("test", "none", "today")

	want := map[string][]string{
		"box":     {"create", "delete", "deploy", "get", "list", "plan", "steps"},
		"cron":    {"create", "delete", "list", "runs", "toggle", "update"},
		"catalog": {"validate"},
	}
	for parent, children := range want {
		cmd, _, err := root.Find([]string{parent})
		if err != nil || cmd.Name() != parent {
			t.Fatalf("command %q not found: %v", parent, err)
		}
		var got []string
		for _, c := range cmd.Commands() {
			got = append(got, c.Name())
		}
		if !reflect.DeepEqual(got, children) {
			t.Errorf("%s subcommands = %v, want %v", parent, got, children)
		}
	}

	for _, name := range []string{"serve", "migrate"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not found: %v", name, err)
		}
	}
}

func TestProviderRegistry(t *testing.T) {
	r := newProviderRegistry(config.Default().Provider, zerolog.Nop())
	if got, want := r.Names(), []string{"docker", "fleet", "paas"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestAppServesAPI(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Provider.Type = "paas"
	cfg.Provider.Paas.APIURL = "http://127.0.0.1:1"
	cfg.Telemetry.Logging.Level = "error"
	cfg.Telemetry.Metrics.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.close(closeCtx)
	})

	server := httptest.NewServer(a.handler())
	t.Cleanup(server.Close)

	c := api.NewClient(server.URL, "user-1", "", 5*time.Second)
	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health() error: %v", err)
	}

	box, err := c.CreateBox(ctx, "dev box", []string{"git"})
	if err != nil {
		t.Fatalf("CreateBox() error: %v", err)
	}
	if box.Provider != "paas" || box.Status != engine.BoxStatusPending {
		t.Errorf("box = %+v", box)
	}

	if _, err := c.CreateBox(ctx, "other", []string{"cobol"}); !engine.IsValidation(err) {
		t.Errorf("CreateBox() with unknown skill error = %v, want VALIDATION_FAILED", err)
	}

	plan, err := c.Plan(ctx, box.ID)
	if err != nil || plan == "" {
		t.Errorf("Plan() = %q, %v", plan, err)
	}
}
