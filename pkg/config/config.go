package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyobox/pkg/catalog"
	"github.com/openfroyo/froyobox/pkg/cronjobs"
	"github.com/openfroyo/froyobox/pkg/deploy"
	"github.com/openfroyo/froyobox/pkg/policy"
	"github.com/openfroyo/froyobox/pkg/providers/docker"
	"github.com/openfroyo/froyobox/pkg/providers/fleet"
	"github.com/openfroyo/froyobox/pkg/providers/paas"
	"github.com/openfroyo/froyobox/pkg/stores"
	"github.com/openfroyo/froyobox/pkg/telemetry"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FROYOBOX_"

// Config is the complete froyobox configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  stores.Config    `yaml:"database"`
	Provider  ProviderConfig   `yaml:"provider"`
	Workflow  workflow.Config  `yaml:"workflow"`
	Deploy    DeployConfig     `yaml:"deploy"`
	Cronjobs  cronjobs.Config  `yaml:"cronjobs"`
	Catalog   catalog.Config   `yaml:"catalog"`
	Policy    policy.Config    `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Address is the listen address of the API server.
	Address string `yaml:"address" validate:"required,hostname_port"`

	// ReadTimeout and WriteTimeout bound each request.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// APIKey, when set, is required as a bearer token on /v1 routes.
	APIKey string `yaml:"api_key"`
}

// ProviderConfig selects the compute backend. Only the section named by
// Type is used.
type ProviderConfig struct {
	Type   string        `yaml:"type" validate:"required,oneof=docker fleet paas"`
	Docker docker.Config `yaml:"docker"`
	Fleet  fleet.Config  `yaml:"fleet"`
	Paas   paas.Config   `yaml:"paas"`
}

// DeployConfig configures deployments.
type DeployConfig struct {
	deploy.Config `yaml:",inline"`

	// Stages overrides the stage order of the deploy DAG.
	Stages []deploy.Stage `yaml:"stages"`

	// After makes a stage depend on an earlier stage instead of its
	// predecessor.
	After map[deploy.Stage]deploy.Stage `yaml:"after"`
}

// Layout returns the configured DAG layout.
func (d DeployConfig) Layout() deploy.Layout {
	if len(d.Stages) == 0 {
		l := deploy.DefaultLayout()
		l.After = d.After
		return l
	}
	return deploy.Layout{Stages: d.Stages, After: d.After}
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1:8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: stores.Config{
			Path:        "froyobox.db",
			BusyTimeout: 5 * time.Second,
		},
		Provider: ProviderConfig{
			Type:   "docker",
			Docker: docker.DefaultConfig(),
			Fleet:  fleet.DefaultConfig(),
			Paas:   paas.DefaultConfig(),
		},
		Workflow:  workflow.DefaultConfig(),
		Deploy:    DeployConfig{Config: deploy.DefaultConfig()},
		Cronjobs:  cronjobs.DefaultConfig(),
		Catalog:   catalog.DefaultConfig(),
		Policy:    policy.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it. Environment
// overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration, including the section of the selected
// provider and the deploy layout.
func (c *Config) Validate() error {
	v := validator.New()

	type section struct {
		name string
		val  interface{}
	}
	sections := []section{
		{"server", c.Server},
		{"database", c.Database},
		{"workflow", c.Workflow},
		{"deploy", c.Deploy.Config},
		{"cronjobs", c.Cronjobs},
		{"policy", c.Policy},
	}
	switch c.Provider.Type {
	case "docker":
		sections = append(sections, section{"provider.docker", c.Provider.Docker})
	case "fleet":
		sections = append(sections, section{"provider.fleet", c.Provider.Fleet})
	case "paas":
		sections = append(sections, section{"provider.paas", c.Provider.Paas})
	default:
		return fmt.Errorf("invalid config: provider.type must be one of docker, fleet, paas (got %q)", c.Provider.Type)
	}

	for _, s := range sections {
		if err := v.Struct(s.val); err != nil {
			return fmt.Errorf("invalid config: %s: %w", s.name, err)
		}
	}
	if err := c.Deploy.Layout().Validate(); err != nil {
		return fmt.Errorf("invalid config: deploy: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: telemetry: %w", err)
	}
	return nil
}

// envOverride maps one environment variable to a field.
type envOverride struct {
	name  string
	apply func(c *Config, value string) error
}

var envOverrides = []envOverride{
	{"SERVER_ADDRESS", func(c *Config, v string) error { c.Server.Address = v; return nil }},
	{"API_KEY", func(c *Config, v string) error { c.Server.APIKey = v; return nil }},
	{"DATABASE_PATH", func(c *Config, v string) error { c.Database.Path = v; return nil }},
	{"PROVIDER", func(c *Config, v string) error { c.Provider.Type = v; return nil }},
	{"DOCKER_HOST", func(c *Config, v string) error { c.Provider.Docker.Host = v; return nil }},
	{"DOCKER_IMAGE", func(c *Config, v string) error { c.Provider.Docker.Image = v; return nil }},
	{"BASE_DOMAIN", func(c *Config, v string) error { c.Provider.Docker.BaseDomain = v; return nil }},
	{"FLEET_API_URL", func(c *Config, v string) error { c.Provider.Fleet.APIURL = v; return nil }},
	{"FLEET_TOKEN", func(c *Config, v string) error { c.Provider.Fleet.Token = v; return nil }},
	{"PAAS_API_URL", func(c *Config, v string) error { c.Provider.Paas.APIURL = v; return nil }},
	{"PAAS_TOKEN", func(c *Config, v string) error { c.Provider.Paas.Token = v; return nil }},
	{"CATALOG_PATH", func(c *Config, v string) error { c.Catalog.Path = v; return nil }},
	{"POLICY_PATHS", func(c *Config, v string) error { c.Policy.Paths = splitList(v); return nil }},
	{"POLICY_WATCH", func(c *Config, v string) error { return parseBool(v, &c.Policy.Watch) }},
	{"HEALTH_TIMEOUT", func(c *Config, v string) error { return parseDuration(v, &c.Deploy.Health.Timeout) }},
	{"HEALTH_POLL_INTERVAL", func(c *Config, v string) error { return parseDuration(v, &c.Deploy.Health.PollInterval) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = v; return nil }},
	{"TRACING_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
		return nil
	}},
}

// ApplyEnv applies FROYOBOX_* overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

// EnvNames returns the supported environment variables.
func EnvNames() []string {
	names := make([]string, len(envOverrides))
	for i, o := range envOverrides {
		names[i] = EnvPrefix + o.name
	}
	return names
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
