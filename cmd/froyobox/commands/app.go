package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/api"
	"github.com/openfroyo/froyobox/pkg/boxes"
	"github.com/openfroyo/froyobox/pkg/catalog"
	"github.com/openfroyo/froyobox/pkg/config"
	"github.com/openfroyo/froyobox/pkg/cronjobs"
	"github.com/openfroyo/froyobox/pkg/deploy"
	"github.com/openfroyo/froyobox/pkg/policy"
	"github.com/openfroyo/froyobox/pkg/providers"
	"github.com/openfroyo/froyobox/pkg/providers/docker"
	"github.com/openfroyo/froyobox/pkg/providers/fleet"
	"github.com/openfroyo/froyobox/pkg/providers/paas"
	"github.com/openfroyo/froyobox/pkg/stores"
	"github.com/openfroyo/froyobox/pkg/telemetry"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

// app is the fully wired server process.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	store     *stores.SQLiteStore
	provider  providers.Provider
	workflow  *workflow.Engine
	policy    *policy.Engine
	boxes     *boxes.Service
	deploy    *deploy.Orchestrator
	cronjobs  *cronjobs.Scheduler
}

// loadConfig loads the file named by --config, if any.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newProviderRegistry registers every compute backend. Only the one named
// by provider.type is opened.
func newProviderRegistry(cfg config.ProviderConfig, logger zerolog.Logger) *providers.Registry {
	r := providers.NewRegistry()
	_ = r.Register(docker.Name, func(ctx context.Context) (providers.Provider, error) {
		return docker.New(cfg.Docker, logger)
	})
	_ = r.Register(fleet.Name, func(ctx context.Context) (providers.Provider, error) {
		return fleet.New(cfg.Fleet, logger), nil
	})
	_ = r.Register(paas.Name, func(ctx context.Context) (providers.Provider, error) {
		return paas.New(cfg.Paas, logger), nil
	})
	return r
}

// newApp wires the store, provider, workflow engine and services. The
// returned app must be closed.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	if a.store, err = openStore(ctx, cfg.Database); err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	raw, err := newProviderRegistry(cfg.Provider, tel.Logger.Component("provider")).Open(ctx, cfg.Provider.Type)
	if err != nil {
		return nil, err
	}
	a.provider = providers.Instrument(raw, a.logger, tel.Metrics, tel.Tracer)

	a.policy, err = policy.NewEngine(ctx, cfg.Policy, a.logger, tel.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if cfg.Policy.Watch {
		if err := a.policy.Watch(ctx); err != nil {
			return nil, fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	wfCfg := cfg.Workflow
	if cfg.Cronjobs.Concurrency > 0 {
		if wfCfg.Concurrency == nil {
			wfCfg.Concurrency = make(map[string]int)
		}
		if _, set := wfCfg.Concurrency[cronjobs.Queue]; !set {
			wfCfg.Concurrency[cronjobs.Queue] = cfg.Cronjobs.Concurrency
		}
	}
	a.workflow = workflow.NewEngine(wfCfg, a.logger, tel.Metrics, tel.Tracer)

	a.cronjobs, err = cronjobs.NewScheduler(a.store, a.workflow, a.provider, cfg.Cronjobs, a.logger, tel.Metrics)
	if err != nil {
		return nil, err
	}

	a.deploy, err = deploy.NewOrchestrator(deploy.Dependencies{
		Store:    a.store,
		Workflow: a.workflow,
		Provider: a.provider,
		Catalog:  cat,
		Env:      catalog.NewEnvEvaluator(cfg.Catalog.EnvScriptTimeout),
		Policy:   a.policy,
		Cronjobs: a.cronjobs,
		Layout:   cfg.Deploy.Layout(),
		Config:   cfg.Deploy.Config,
		Logger:   a.logger,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
	})
	if err != nil {
		return nil, err
	}

	a.boxes = boxes.NewService(a.store, cat, a.provider.Name(), a.logger, tel.Metrics)

	if err := a.cronjobs.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to schedule cronjobs: %w", err)
	}

	return a, nil
}

// handler returns the HTTP API of the app.
func (a *app) handler() http.Handler {
	return api.NewRouter(api.RouterConfig{
		Boxes:       a.boxes,
		Deployments: a.deploy,
		Cronjobs:    a.cronjobs,
		Ready: func(r *http.Request) error {
			return a.store.HealthCheck(r.Context())
		},
		APIKey:  a.cfg.Server.APIKey,
		Logger:  a.logger,
		Metrics: a.telemetry.Metrics,
		Tracer:  a.telemetry.Tracer,
	})
}

// close stops the workflow engine, the policy watcher, the provider and the
// store, in that order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.workflow != nil {
		if err := a.workflow.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workflow: %w", err))
		}
	}
	if a.policy != nil {
		if err := a.policy.Close(); err != nil {
			errs = append(errs, fmt.Errorf("policy: %w", err))
		}
	}
	if a.provider != nil {
		var p providers.Provider = a.provider
		if inst, ok := p.(*providers.Instrumented); ok {
			p = inst.Unwrap()
		}
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("provider: %w", err))
			}
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
