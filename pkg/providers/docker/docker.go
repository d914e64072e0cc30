// Package docker implements the compute provider on a local Docker engine.
// Each box instance is one long-running container. Public access is granted
// by attaching the container to the ingress network.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
)

// Name is the provider discriminator stored on boxes.
const Name = "docker"

const (
	labelManagedBy = "managed-by"
	labelBoxID     = "froyobox.box-id"
	managedBy      = "froyobox"
)

// Config holds configuration for the Docker provider.
type Config struct {
	// Host overrides DOCKER_HOST. Empty uses the environment.
	Host string `yaml:"host"`

	// Image is the default box image.
	Image string `yaml:"image" validate:"required"`

	// Network is the private network every instance joins at creation.
	Network string `yaml:"network"`

	// PublicNetwork is the ingress network joined when access is enabled.
	PublicNetwork string `yaml:"public_network" validate:"required"`

	// BaseDomain is appended to the box subdomain to build its URL.
	BaseDomain string `yaml:"base_domain" validate:"required,hostname_rfc1123"`

	// URLScheme is the scheme of instance URLs (default https).
	URLScheme string `yaml:"url_scheme" validate:"omitempty,oneof=http https"`

	// MemoryMB and CPUs bound each instance. Zero means unlimited.
	MemoryMB int64   `yaml:"memory_mb" validate:"gte=0"`
	CPUs     float64 `yaml:"cpus" validate:"gte=0"`

	// PullImage pulls the image when it is missing locally.
	PullImage bool `yaml:"pull_image"`

	// ExecTimeout is the default command timeout.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Image:         "ghcr.io/openfroyo/box:latest",
		PublicNetwork: "froyobox-ingress",
		BaseDomain:    "boxes.localhost",
		URLScheme:     "https",
		PullImage:     true,
		ExecTimeout:   5 * time.Minute,
	}
}

// API is the subset of the Docker client used by the provider.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// Provider implements providers.Provider using Docker.
type Provider struct {
	api    API
	cfg    Config
	logger zerolog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New connects to the Docker daemon.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewWithAPI(dockerClient, cfg, logger), nil
}

// NewWithAPI builds a provider on an existing client.
func NewWithAPI(api API, cfg Config, logger zerolog.Logger) *Provider {
	if cfg.URLScheme == "" {
		cfg.URLScheme = "https"
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 5 * time.Minute
	}
	return &Provider{
		api:    api,
		cfg:    cfg,
		logger: logger.With().Str("component", "docker-provider").Logger(),
	}
}

func (p *Provider) Name() string { return Name }

// CreateInstance creates and starts the container for spec. A container that
// already exists under spec.Name is reused and started if needed.
func (p *Provider) CreateInstance(ctx context.Context, spec providers.InstanceSpec) (*providers.Instance, error) {
	img := spec.Image
	if img == "" {
		img = p.cfg.Image
	}

	if p.cfg.PullImage {
		if err := p.pullImageIfNeeded(ctx, img); err != nil {
			return nil, wrapErr("pull_image", err)
		}
	}

	labels := map[string]string{
		labelManagedBy: managedBy,
		labelBoxID:     spec.BoxID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerConfig := &container.Config{
		Image:    img,
		Env:      envList(spec.Env),
		Hostname: spec.Subdomain,
		Labels:   labels,
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyOnFailure, MaximumRetryCount: 5},
		Resources: container.Resources{
			NanoCPUs: int64(p.cfg.CPUs * 1e9),
			Memory:   p.cfg.MemoryMB * 1024 * 1024,
		},
	}
	var networking *network.NetworkingConfig
	if p.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(p.cfg.Network)
		networking = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				p.cfg.Network: {Aliases: []string{spec.Subdomain}},
			},
		}
	}

	id := ""
	resp, err := p.api.ContainerCreate(ctx, containerConfig, hostConfig, networking, nil, spec.Name)
	switch {
	case err == nil:
		id = resp.ID
	case cerrdefs.IsConflict(err):
		existing, inspectErr := p.api.ContainerInspect(ctx, spec.Name)
		if inspectErr != nil {
			return nil, wrapErr("create_instance", inspectErr)
		}
		p.logger.Info().Str("container", spec.Name).Msg("reusing existing container")
		id = existing.ID
	default:
		return nil, wrapErr("create_instance", err)
	}

	if err := p.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, wrapErr("start_instance", err)
	}

	status, err := p.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}

	return &providers.Instance{
		Handle: id,
		URL:    fmt.Sprintf("%s://%s.%s", p.cfg.URLScheme, spec.Subdomain, p.cfg.BaseDomain),
		Status: status,
	}, nil
}

func (p *Provider) pullImageIfNeeded(ctx context.Context, img string) error {
	if _, err := p.api.ImageInspect(ctx, img); err == nil {
		return nil
	}

	reader, err := p.api.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// ExecCommand runs cmd in the container and collects its output.
func (p *Provider) ExecCommand(ctx context.Context, handle string, cmd providers.Command) (*providers.ExecResult, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = p.cfg.ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	created, err := p.api.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          cmd.Args(),
		Env:          envList(cmd.Env),
		WorkingDir:   cmd.WorkDir,
		User:         cmd.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, wrapErr("exec", err)
	}

	attach, err := p.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, wrapErr("exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return nil, engine.TimeoutError("exec", timeout)
		}
		return nil, wrapErr("exec", err)
	}

	inspect, err := p.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, wrapErr("exec", err)
	}

	return &providers.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

// WriteFile copies data into the container as a single-entry tar archive.
func (p *Provider) WriteFile(ctx context.Context, handle, filePath string, data []byte, opts providers.FileOptions) error {
	dir, name := path.Split(path.Clean(filePath))
	if name == "" || !path.IsAbs(filePath) {
		return engine.ValidationError("file path must be absolute: %q", filePath)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    int64(opts.FileMode()),
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return engine.InternalError("failed to build archive", err)
	}
	if _, err := tw.Write(data); err != nil {
		return engine.InternalError("failed to build archive", err)
	}
	if err := tw.Close(); err != nil {
		return engine.InternalError("failed to build archive", err)
	}

	if err := p.ensureDir(ctx, handle, dir); err != nil {
		return err
	}
	if err := p.api.CopyToContainer(ctx, handle, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return wrapErr("write_file", err)
	}

	if opts.Owner != "" {
		res, err := p.ExecCommand(ctx, handle, providers.Command{Argv: []string{"chown", opts.Owner, filePath}})
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return engine.ProviderError("write_file", 0, strings.TrimSpace(res.Stderr), nil)
		}
	}
	return nil
}

func (p *Provider) ensureDir(ctx context.Context, handle, dir string) error {
	if dir == "/" || dir == "" {
		return nil
	}
	res, err := p.ExecCommand(ctx, handle, providers.Command{Argv: []string{"mkdir", "-p", dir}})
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return engine.ProviderError("write_file", 0, strings.TrimSpace(res.Stderr), nil)
	}
	return nil
}

// ReadFile copies a single file out of the container.
func (p *Provider) ReadFile(ctx context.Context, handle, filePath string) ([]byte, error) {
	rc, _, err := p.api.CopyFromContainer(ctx, handle, filePath)
	if err != nil {
		return nil, wrapErr("read_file", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, engine.ProviderError("read_file", 404, "file not found in archive", nil)
		}
		if err != nil {
			return nil, wrapErr("read_file", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, wrapErr("read_file", err)
		}
		return data, nil
	}
}

// GetStatus returns the container state, with the health check status in
// parentheses when the image defines one, e.g. "running (starting)".
func (p *Provider) GetStatus(ctx context.Context, handle string) (string, error) {
	inspect, err := p.api.ContainerInspect(ctx, handle)
	if err != nil {
		return "", wrapErr("get_status", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return "", nil
	}

	state := inspect.State
	status := string(state.Status)
	if state.Restarting {
		status = "restarting"
	}
	if state.Health != nil && state.Health.Status != "" && state.Health.Status != "none" {
		status = fmt.Sprintf("%s (%s)", status, state.Health.Status)
	}
	return status, nil
}

// SetPublicAccess attaches or detaches the container from the public network.
func (p *Provider) SetPublicAccess(ctx context.Context, handle string, public bool) error {
	inspect, err := p.api.ContainerInspect(ctx, handle)
	if err != nil {
		return wrapErr("set_public_access", err)
	}

	connected := false
	if inspect.NetworkSettings != nil {
		_, connected = inspect.NetworkSettings.Networks[p.cfg.PublicNetwork]
	}

	switch {
	case public && !connected:
		err = p.api.NetworkConnect(ctx, p.cfg.PublicNetwork, handle, &network.EndpointSettings{})
	case !public && connected:
		err = p.api.NetworkDisconnect(ctx, p.cfg.PublicNetwork, handle, true)
	}
	if err != nil {
		return wrapErr("set_public_access", err)
	}
	return nil
}

// DeleteInstance force-removes the container. A missing container is not an error.
func (p *Provider) DeleteInstance(ctx context.Context, handle string) error {
	err := p.api.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return wrapErr("delete_instance", err)
	}
	return nil
}

// wrapErr maps Docker errdefs classes to upstream HTTP statuses so retry
// classification matches the HTTP backends.
func wrapErr(op string, err error) error {
	status := 0
	switch {
	case cerrdefs.IsNotFound(err):
		status = 404
	case cerrdefs.IsConflict(err), cerrdefs.IsAlreadyExists(err):
		status = 409
	case cerrdefs.IsInvalidArgument(err):
		status = 400
	case cerrdefs.IsPermissionDenied(err), cerrdefs.IsUnauthorized(err):
		status = 403
	case cerrdefs.IsResourceExhausted(err):
		status = 429
	case cerrdefs.IsUnavailable(err), cerrdefs.IsInternal(err):
		status = 503
	}
	return engine.ProviderError(op, status, err.Error(), err)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
