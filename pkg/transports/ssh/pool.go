package ssh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Pool keeps one connected Client per instance address and closes clients
// that sit idle longer than Config.PoolIdleTimeout.
type Pool struct {
	base Config

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool

	// dial is swapped in tests.
	dial func(ctx context.Context, cfg *Config) (*Client, error)
}

// NewPool returns a pool that connects with base, overriding the host per call.
func NewPool(base Config) *Pool {
	return &Pool{
		base:    base,
		clients: make(map[string]*Client),
		dial:    dialClient,
	}
}

func dialClient(ctx context.Context, cfg *Config) (*Client, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Get returns a connected client for host, dialing if there is no live one.
func (p *Pool) Get(ctx context.Context, host string) (*Client, error) {
	cfg := p.base.ForHost(host)
	key := cfg.Address()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &TransportError{Op: "pool-get", Err: errPoolClosed}
	}
	p.evictIdleLocked()
	if client, ok := p.clients[key]; ok {
		if client.HealthCheck(ctx) == nil {
			p.mu.Unlock()
			return client, nil
		}
		log.Debug().Str("address", key).Msg("dropping dead pooled connection")
		_ = client.Close()
		delete(p.clients, key)
	}
	p.mu.Unlock()

	client, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = client.Close()
		return nil, &TransportError{Op: "pool-get", Err: errPoolClosed}
	}
	// Another caller may have connected first.
	if existing, ok := p.clients[key]; ok {
		_ = client.Close()
		return existing, nil
	}
	p.clients[key] = client
	return client, nil
}

// Forget closes and drops the client for host, if any.
func (p *Pool) Forget(host string) {
	key := p.base.ForHost(host).Address()

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[key]; ok {
		_ = client.Close()
		delete(p.clients, key)
	}
}

// Len returns the number of pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every pooled client. Later Gets fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for key, client := range p.clients {
		_ = client.Close()
		delete(p.clients, key)
	}
	return nil
}

func (p *Pool) evictIdleLocked() {
	if p.base.PoolIdleTimeout <= 0 {
		return
	}
	now := time.Now()
	for key, client := range p.clients {
		if now.Sub(client.LastUsed()) > p.base.PoolIdleTimeout {
			log.Debug().Str("address", key).Msg("closing idle SSH connection")
			_ = client.Close()
			delete(p.clients, key)
		}
	}
}
