// Package paas implements the compute provider on a hosted container
// platform. Each box instance is one platform service. The platform has no
// file API, so files move through its exec endpoint as base64.
package paas

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
)

// Name is the provider discriminator stored on boxes.
const Name = "paas"

// fileEnv carries file content into the write script.
const fileEnv = "FROYOBOX_FILE_B64"

// Config holds configuration for the PaaS provider.
type Config struct {
	// APIURL is the base URL of the platform API.
	APIURL string `yaml:"api_url" validate:"required,url"`

	// Token is the bearer token for the platform API.
	Token string `yaml:"token"`

	// Project groups every box service on the platform.
	Project string `yaml:"project" validate:"required"`

	// Image is the default box image.
	Image string `yaml:"image" validate:"required"`

	// Region is the platform region, when it has more than one.
	Region string `yaml:"region"`

	// RequestTimeout bounds each control plane request. Exec requests get
	// the command timeout on top.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ExecTimeout is the default command timeout.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Project:        "froyobox",
		Image:          "ghcr.io/openfroyo/box:latest",
		RequestTimeout: 30 * time.Second,
		ExecTimeout:    5 * time.Minute,
	}
}

type service struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	URL    string `json:"url"`
	Public bool   `json:"public"`
}

type createServiceRequest struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Region    string            `json:"region,omitempty"`
	Subdomain string            `json:"subdomain"`
	Env       map[string]string `json:"env,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Public    bool              `json:"public"`
}

type execRequest struct {
	Argv           []string          `json:"argv"`
	Env            map[string]string `json:"env,omitempty"`
	WorkDir        string            `json:"workdir,omitempty"`
	User           string            `json:"user,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Provider implements providers.Provider on the platform API.
type Provider struct {
	api     *providers.APIClient
	execAPI *providers.APIClient
	cfg     Config
	logger  zerolog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New builds a provider for the platform at cfg.APIURL.
func New(cfg Config, logger zerolog.Logger) *Provider {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	// Exec calls are bounded by their context instead of the client timeout.
	execAPI := providers.NewAPIClient(cfg.APIURL, cfg.Token, cfg.RequestTimeout)
	execAPI.HTTP = &http.Client{}

	return &Provider{
		api:     providers.NewAPIClient(cfg.APIURL, cfg.Token, cfg.RequestTimeout),
		execAPI: execAPI,
		cfg:     cfg,
		logger:  logger.With().Str("component", "paas-provider").Logger(),
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) servicesPath() string {
	return "/v1/projects/" + url.PathEscape(p.cfg.Project) + "/services"
}

func servicePath(handle string) string {
	return "/v1/services/" + url.PathEscape(handle)
}

// CreateInstance deploys a private service for spec. A name conflict
// returns the existing service.
func (p *Provider) CreateInstance(ctx context.Context, spec providers.InstanceSpec) (*providers.Instance, error) {
	img := spec.Image
	if img == "" {
		img = p.cfg.Image
	}

	labels := map[string]string{"froyobox.box-id": spec.BoxID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	req := createServiceRequest{
		Name:      spec.Name,
		Image:     img,
		Region:    p.cfg.Region,
		Subdomain: spec.Subdomain,
		Env:       spec.Env,
		Labels:    labels,
	}

	var svc service
	err := p.api.Do(ctx, "create_instance", http.MethodPost, p.servicesPath(), req, &svc)
	if providers.UpstreamStatus(err) == http.StatusConflict {
		err = p.api.Do(ctx, "create_instance", http.MethodGet, p.servicesPath()+"/"+url.PathEscape(spec.Name), nil, &svc)
		if err == nil {
			p.logger.Info().Str("service", spec.Name).Str("id", svc.ID).Msg("reusing existing service")
		}
	}
	if err != nil {
		return nil, err
	}

	return &providers.Instance{Handle: svc.ID, URL: svc.URL, Status: svc.Status}, nil
}

// ExecCommand runs cmd through the platform's exec endpoint.
func (p *Provider) ExecCommand(ctx context.Context, handle string, cmd providers.Command) (*providers.ExecResult, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = p.cfg.ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+p.cfg.RequestTimeout)
	defer cancel()

	req := execRequest{
		Argv:           cmd.Args(),
		Env:            cmd.Env,
		WorkDir:        cmd.WorkDir,
		User:           cmd.User,
		TimeoutSeconds: int(timeout.Seconds()),
	}

	start := time.Now()
	var resp execResponse
	if err := p.execAPI.Do(ctx, "exec", http.MethodPost, servicePath(handle)+"/exec", req, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, engine.TimeoutError("exec", timeout)
		}
		return nil, err
	}

	return &providers.ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: time.Since(start),
	}, nil
}

// WriteFile decodes data from the command environment into filePath.
func (p *Provider) WriteFile(ctx context.Context, handle, filePath string, data []byte, opts providers.FileOptions) error {
	if !path.IsAbs(filePath) {
		return engine.ValidationError("file path must be absolute: %q", filePath)
	}

	quoted := providers.ShellQuote(filePath)
	script := fmt.Sprintf(`mkdir -p %s && printf '%%s' "$%s" | base64 -d > %s && chmod %o %s`,
		providers.ShellQuote(path.Dir(filePath)), fileEnv, quoted, opts.FileMode(), quoted)
	if opts.Owner != "" {
		script += " && chown " + providers.ShellQuote(opts.Owner) + " " + quoted
	}

	res, err := p.ExecCommand(ctx, handle, providers.Command{
		Shell: script,
		Env:   map[string]string{fileEnv: base64.StdEncoding.EncodeToString(data)},
	})
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return engine.ProviderError("write_file", 0, strings.TrimSpace(res.Stderr), nil)
	}
	return nil
}

// ReadFile base64-encodes the file remotely and decodes the output.
func (p *Provider) ReadFile(ctx context.Context, handle, filePath string) ([]byte, error) {
	quoted := providers.ShellQuote(filePath)
	res, err := p.ExecCommand(ctx, handle, providers.ShellCommand(
		fmt.Sprintf("test -f %s || exit 44; base64 < %s", quoted, quoted)))
	if err != nil {
		return nil, err
	}
	switch {
	case res.ExitCode == 44:
		return nil, engine.ProviderError("read_file", http.StatusNotFound, "file not found: "+filePath, nil)
	case !res.Succeeded():
		return nil, engine.ProviderError("read_file", 0, strings.TrimSpace(res.Stderr), nil)
	}

	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(res.Stdout), ""))
	if err != nil {
		return nil, engine.ProviderError("read_file", 0, "invalid base64 output", err)
	}
	return data, nil
}

// GetStatus returns the platform status of the service.
func (p *Provider) GetStatus(ctx context.Context, handle string) (string, error) {
	var svc service
	if err := p.api.Do(ctx, "get_status", http.MethodGet, servicePath(handle), nil, &svc); err != nil {
		return "", err
	}
	return svc.Status, nil
}

// SetPublicAccess toggles the service's public route.
func (p *Provider) SetPublicAccess(ctx context.Context, handle string, public bool) error {
	body := struct {
		Public bool `json:"public"`
	}{Public: public}
	return p.api.Do(ctx, "set_public_access", http.MethodPatch, servicePath(handle), body, nil)
}

// DeleteInstance removes the service. A missing service is not an error.
func (p *Provider) DeleteInstance(ctx context.Context, handle string) error {
	err := p.api.Do(ctx, "delete_instance", http.MethodDelete, servicePath(handle), nil, nil)
	if err != nil && !providers.IsUpstreamNotFound(err) {
		return err
	}
	return nil
}
