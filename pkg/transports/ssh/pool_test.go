package ssh

import (
	"context"
	"testing"
	"time"
)

func TestPoolReusesClients(t *testing.T) {
	server := newTestSSHServer(t)
	base, host := testConfig(server)

	pool := NewPool(base)
	defer pool.Close()
	ctx := context.Background()

	first, err := pool.Get(ctx, host)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	second, err := pool.Get(ctx, host)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if first != second {
		t.Error("expected the pooled client to be reused")
	}
	if pool.Len() != 1 {
		t.Errorf("expected 1 pooled client, got %d", pool.Len())
	}

	result, err := second.Exec(ctx, "true", nil)
	if err != nil || result.ExitCode != 0 {
		t.Fatalf("exec on pooled client failed: %v %+v", err, result)
	}

	pool.Forget(host)
	if pool.Len() != 0 {
		t.Errorf("expected empty pool after Forget, got %d", pool.Len())
	}
	if first.IsConnected() {
		t.Error("expected forgotten client to be closed")
	}
}

func TestPoolReplacesDeadAndIdleClients(t *testing.T) {
	server := newTestSSHServer(t)
	base, host := testConfig(server)
	base.PoolIdleTimeout = time.Minute

	pool := NewPool(base)
	defer pool.Close()
	ctx := context.Background()

	first, err := pool.Get(ctx, host)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	first.Close()

	second, err := pool.Get(ctx, host)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if second == first {
		t.Error("expected a closed client to be replaced")
	}

	second.connMu.Lock()
	second.lastUsedAt = time.Now().Add(-2 * time.Minute)
	second.connMu.Unlock()

	third, err := pool.Get(ctx, host)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if third == second {
		t.Error("expected an idle client to be evicted")
	}
	if second.IsConnected() {
		t.Error("expected the evicted client to be closed")
	}
}

func TestPoolClose(t *testing.T) {
	server := newTestSSHServer(t)
	base, host := testConfig(server)

	pool := NewPool(base)
	client, err := pool.Get(context.Background(), host)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected pooled client to be closed")
	}
	if _, err := pool.Get(context.Background(), host); err == nil {
		t.Error("expected Get on a closed pool to fail")
	}
}
