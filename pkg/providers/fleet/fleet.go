// Package fleet implements the compute provider on a VM fleet. Machines are
// managed through the fleet's HTTP control plane. Commands and files go over
// SSH to the machine's address.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
	sshtransport "github.com/openfroyo/froyobox/pkg/transports/ssh"
)

// Name is the provider discriminator stored on boxes.
const Name = "fleet"

// Config holds configuration for the fleet provider.
type Config struct {
	// APIURL is the base URL of the fleet control plane.
	APIURL string `yaml:"api_url" validate:"required,url"`

	// Token is the bearer token for the control plane.
	Token string `yaml:"token"`

	// Region and Size select where and how large machines are.
	Region string `yaml:"region"`
	Size   string `yaml:"size"`

	// Image is the default machine image.
	Image string `yaml:"image" validate:"required"`

	// RequestTimeout bounds each control plane request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ExecTimeout is the default command timeout.
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	// SSH is shared by every machine; the host comes from the machine.
	SSH sshtransport.Config `yaml:"ssh"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Image:          "froyobox-box",
		RequestTimeout: 30 * time.Second,
		ExecTimeout:    5 * time.Minute,
		SSH:            sshtransport.DefaultConfig("box"),
	}
}

// Session is a connected shell on one machine.
type Session interface {
	Exec(ctx context.Context, cmd string, stdin io.Reader) (*sshtransport.ExecResult, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Connector hands out sessions by machine address.
type Connector interface {
	Get(ctx context.Context, host string) (Session, error)
	Forget(host string)
	Close() error
}

// PoolConnector adapts an SSH connection pool to Connector.
type PoolConnector struct {
	Pool *sshtransport.Pool
}

func (c PoolConnector) Get(ctx context.Context, host string) (Session, error) {
	client, err := c.Pool.Get(ctx, host)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c PoolConnector) Forget(host string) { c.Pool.Forget(host) }

func (c PoolConnector) Close() error { return c.Pool.Close() }

// machine is the control plane's machine resource.
type machine struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Status  string            `json:"status"`
	Address string            `json:"address"`
	URL     string            `json:"url"`
	Public  bool              `json:"public"`
	Labels  map[string]string `json:"labels,omitempty"`
}

type createMachineRequest struct {
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	Region   string            `json:"region,omitempty"`
	Size     string            `json:"size,omitempty"`
	Hostname string            `json:"hostname"`
	Env      map[string]string `json:"env,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Provider implements providers.Provider on the fleet.
type Provider struct {
	api    *providers.APIClient
	conns  Connector
	cfg    Config
	logger zerolog.Logger

	// machine id -> address
	addrMu sync.RWMutex
	addrs  map[string]string
}

var _ providers.Provider = (*Provider)(nil)

// New builds a provider that reaches machines through an SSH pool.
func New(cfg Config, logger zerolog.Logger) *Provider {
	return NewWithConnector(cfg, PoolConnector{Pool: sshtransport.NewPool(cfg.SSH)}, logger)
}

// NewWithConnector builds a provider on an existing connector.
func NewWithConnector(cfg Config, conns Connector, logger zerolog.Logger) *Provider {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 5 * time.Minute
	}
	return &Provider{
		api:    providers.NewAPIClient(cfg.APIURL, cfg.Token, cfg.RequestTimeout),
		conns:  conns,
		cfg:    cfg,
		logger: logger.With().Str("component", "fleet-provider").Logger(),
		addrs:  make(map[string]string),
	}
}

func (p *Provider) Name() string { return Name }

// Close releases pooled SSH connections.
func (p *Provider) Close() error {
	return p.conns.Close()
}

// CreateInstance creates the machine for spec. When the control plane
// reports a name conflict the existing machine is returned.
func (p *Provider) CreateInstance(ctx context.Context, spec providers.InstanceSpec) (*providers.Instance, error) {
	img := spec.Image
	if img == "" {
		img = p.cfg.Image
	}

	labels := map[string]string{"froyobox.box-id": spec.BoxID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	req := createMachineRequest{
		Name:     spec.Name,
		Image:    img,
		Region:   p.cfg.Region,
		Size:     p.cfg.Size,
		Hostname: spec.Subdomain,
		Env:      spec.Env,
		Labels:   labels,
	}

	var m machine
	err := p.api.Do(ctx, "create_instance", http.MethodPost, "/v1/machines", req, &m)
	if providers.UpstreamStatus(err) == http.StatusConflict {
		existing, lookupErr := p.machineByName(ctx, spec.Name)
		if lookupErr != nil {
			return nil, lookupErr
		}
		p.logger.Info().Str("machine", spec.Name).Str("id", existing.ID).Msg("reusing existing machine")
		m, err = *existing, nil
	}
	if err != nil {
		return nil, err
	}

	p.remember(m)
	return &providers.Instance{Handle: m.ID, URL: m.URL, Status: m.Status}, nil
}

func (p *Provider) machineByName(ctx context.Context, name string) (*machine, error) {
	var list struct {
		Machines []machine `json:"machines"`
	}
	if err := p.api.Do(ctx, "create_instance", http.MethodGet, "/v1/machines?name="+url.QueryEscape(name), nil, &list); err != nil {
		return nil, err
	}
	for i := range list.Machines {
		if list.Machines[i].Name == name {
			return &list.Machines[i], nil
		}
	}
	return nil, engine.ProviderError("create_instance", http.StatusConflict, fmt.Sprintf("machine %s conflicts but was not found", name), nil)
}

func (p *Provider) getMachine(ctx context.Context, op, handle string) (*machine, error) {
	var m machine
	if err := p.api.Do(ctx, op, http.MethodGet, "/v1/machines/"+url.PathEscape(handle), nil, &m); err != nil {
		return nil, err
	}
	p.remember(m)
	return &m, nil
}

func (p *Provider) remember(m machine) {
	if m.ID == "" || m.Address == "" {
		return
	}
	p.addrMu.Lock()
	p.addrs[m.ID] = m.Address
	p.addrMu.Unlock()
}

// address resolves the SSH address of a machine, asking the control plane
// when the machine has not been seen yet or had no address then.
func (p *Provider) address(ctx context.Context, op, handle string) (string, error) {
	p.addrMu.RLock()
	addr, ok := p.addrs[handle]
	p.addrMu.RUnlock()
	if ok {
		return addr, nil
	}

	m, err := p.getMachine(ctx, op, handle)
	if err != nil {
		return "", err
	}
	if m.Address == "" {
		return "", engine.ProviderError(op, http.StatusServiceUnavailable, fmt.Sprintf("machine %s has no address yet", handle), nil)
	}
	return m.Address, nil
}

func (p *Provider) session(ctx context.Context, op, handle string) (Session, error) {
	addr, err := p.address(ctx, op, handle)
	if err != nil {
		return nil, err
	}
	sess, err := p.conns.Get(ctx, addr)
	if err != nil {
		return nil, transportErr(op, err)
	}
	return sess, nil
}

// ExecCommand runs cmd on the machine over SSH.
func (p *Provider) ExecCommand(ctx context.Context, handle string, cmd providers.Command) (*providers.ExecResult, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = p.cfg.ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := p.session(ctx, "exec", handle)
	if err != nil {
		return nil, err
	}

	res, err := sess.Exec(ctx, cmd.ShellLine(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.TimeoutError("exec", timeout)
		}
		return nil, transportErr("exec", err)
	}

	return &providers.ExecResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	}, nil
}

// WriteFile uploads data over SFTP and applies the requested owner.
func (p *Provider) WriteFile(ctx context.Context, handle, filePath string, data []byte, opts providers.FileOptions) error {
	if !path.IsAbs(filePath) {
		return engine.ValidationError("file path must be absolute: %q", filePath)
	}

	sess, err := p.session(ctx, "write_file", handle)
	if err != nil {
		return err
	}

	if err := sess.WriteFile(ctx, filePath, data, os.FileMode(opts.FileMode())); err != nil {
		return transportErr("write_file", err)
	}

	if opts.Owner != "" {
		res, err := sess.Exec(ctx, "chown "+providers.ShellQuote(opts.Owner)+" "+providers.ShellQuote(filePath), nil)
		if err != nil {
			return transportErr("write_file", err)
		}
		if res.ExitCode != 0 {
			return engine.ProviderError("write_file", 0, res.Stderr, nil)
		}
	}
	return nil
}

// ReadFile downloads a file over SFTP.
func (p *Provider) ReadFile(ctx context.Context, handle, filePath string) ([]byte, error) {
	sess, err := p.session(ctx, "read_file", handle)
	if err != nil {
		return nil, err
	}

	data, err := sess.ReadFile(ctx, filePath)
	if err != nil {
		return nil, transportErr("read_file", err)
	}
	return data, nil
}

// GetStatus returns the control plane's status for the machine.
func (p *Provider) GetStatus(ctx context.Context, handle string) (string, error) {
	m, err := p.getMachine(ctx, "get_status", handle)
	if err != nil {
		return "", err
	}
	return m.Status, nil
}

// SetPublicAccess toggles the machine's public endpoint.
func (p *Provider) SetPublicAccess(ctx context.Context, handle string, public bool) error {
	body := struct {
		Public bool `json:"public"`
	}{Public: public}
	return p.api.Do(ctx, "set_public_access", http.MethodPatch, "/v1/machines/"+url.PathEscape(handle)+"/access", body, nil)
}

// DeleteInstance destroys the machine. A machine that is already gone is
// not an error.
func (p *Provider) DeleteInstance(ctx context.Context, handle string) error {
	err := p.api.Do(ctx, "delete_instance", http.MethodDelete, "/v1/machines/"+url.PathEscape(handle), nil, nil)
	if err != nil && !providers.IsUpstreamNotFound(err) {
		return err
	}

	p.addrMu.Lock()
	addr, ok := p.addrs[handle]
	delete(p.addrs, handle)
	p.addrMu.Unlock()
	if ok {
		p.conns.Forget(addr)
	}
	return nil
}

// transportErr maps SSH failures onto provider errors. Missing files keep a
// 404 so callers can tell them apart.
func transportErr(op string, err error) error {
	var te *sshtransport.TransportError
	if errors.As(err, &te) {
		switch {
		case te.IsNotFound:
			return engine.ProviderError(op, http.StatusNotFound, "file not found", err)
		case te.IsAuthError:
			return engine.ProviderError(op, http.StatusForbidden, "ssh authentication failed", err)
		}
	}
	return engine.ProviderError(op, 0, "", err)
}
