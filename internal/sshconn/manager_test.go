package sshconn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/vault"
)

type stubConn struct {
	healthy bool
	closed  bool
}

func (c *stubConn) Start(ctx context.Context, cmd, stdin string, onChunk func([]byte, bool)) (Proc, error) {
	return nil, errors.New("not implemented")
}
func (c *stubConn) Healthy() bool { return c.healthy }
func (c *stubConn) Close() error  { c.closed = true; return nil }

type stubDialer struct {
	conns   []*stubConn
	cfgs    []*ssh.ClientConfig
	err     error
	failFor int
	healthy bool
}

func (d *stubDialer) dial(ctx context.Context, host *model.Host, cfg *ssh.ClientConfig) (Conn, error) {
	d.cfgs = append(d.cfgs, cfg)
	if d.err != nil && (d.failFor == 0 || len(d.cfgs) <= d.failFor) {
		return nil, d.err
	}
	c := &stubConn{healthy: d.healthy}
	d.conns = append(d.conns, c)
	return c, nil
}

func testManager(t *testing.T, d *stubDialer) (*Manager, *vault.Vault) {
	t.Helper()
	v, err := vault.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	m := NewManager(v, nil, zerolog.Nop())
	m.dial = d.dial
	return m, v
}

func passwordHost(t *testing.T, v *vault.Vault) *model.Host {
	t.Helper()
	enc, err := v.EncryptString("hunter2")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	return &model.Host{ID: "h1", Address: "10.0.0.1", Username: "ops", PasswordEncrypted: enc}
}

func TestAcquireReusesHealthyConnection(t *testing.T) {
	d := &stubDialer{healthy: true}
	m, v := testManager(t, d)
	host := passwordHost(t, v)

	c1, rel1, err := m.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	rel1()
	c2, rel2, err := m.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	rel2()

	if c1 != c2 {
		t.Fatal("second acquire did not reuse the pooled connection")
	}
	if len(d.conns) != 1 {
		t.Fatalf("dialed %d times, want 1", len(d.conns))
	}
	if d.conns[0].closed {
		t.Fatal("pooled connection must survive release")
	}
}

func TestSaturatedPoolHandsOutTemporaryConnection(t *testing.T) {
	d := &stubDialer{healthy: false}
	m, v := testManager(t, d)
	host := passwordHost(t, v)

	// Unhealthy conns are never reused, so each acquire dials until the
	// pool hits its cap.
	for i := 0; i < 3; i++ {
		if _, rel, err := m.Acquire(context.Background(), host); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		} else {
			rel()
		}
	}
	if len(d.conns) != 3 {
		t.Fatalf("dialed %d times, want 3", len(d.conns))
	}

	_, rel, err := m.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire over cap: %v", err)
	}
	if len(d.conns) != 4 {
		t.Fatalf("dialed %d times, want a 4th temporary connection", len(d.conns))
	}
	rel()
	if !d.conns[3].closed {
		t.Fatal("temporary connection must die on release")
	}
	for i := 0; i < 3; i++ {
		if d.conns[i].closed {
			t.Fatalf("pooled connection %d closed by a temp release", i)
		}
	}
}

func TestEvictClosesAndRemoves(t *testing.T) {
	d := &stubDialer{healthy: true}
	m, v := testManager(t, d)
	host := passwordHost(t, v)

	c, rel, err := m.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	rel()
	m.Evict(host, c)

	if !d.conns[0].closed {
		t.Fatal("evicted connection not closed")
	}
	if _, rel2, err := m.Acquire(context.Background(), host); err != nil {
		t.Fatalf("Acquire after evict: %v", err)
	} else {
		rel2()
	}
	if len(d.conns) != 2 {
		t.Fatalf("dialed %d times, eviction should force a fresh dial", len(d.conns))
	}
}

func TestConnectRetriesAfterTransientFailure(t *testing.T) {
	d := &stubDialer{healthy: true, err: errors.New("connection refused"), failFor: 1}
	m, v := testManager(t, d)
	host := passwordHost(t, v)

	if _, rel, err := m.Acquire(context.Background(), host); err != nil {
		t.Fatalf("Acquire: %v", err)
	} else {
		rel()
	}
	if len(d.cfgs) != 2 {
		t.Fatalf("dialed %d times, want a retry after the first failure", len(d.cfgs))
	}
}

func TestConnectExhaustsRetries(t *testing.T) {
	d := &stubDialer{err: errors.New("connection refused")}
	m, v := testManager(t, d)
	host := passwordHost(t, v)

	_, _, err := m.Acquire(context.Background(), host)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if len(d.cfgs) != connectRetries {
		t.Fatalf("dialed %d times, want %d", len(d.cfgs), connectRetries)
	}
}

func TestKeyAuthTriedBeforePassword(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("MarshalPrivateKey: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d := &stubDialer{healthy: true}
	m, v := testManager(t, d)
	host := passwordHost(t, v)
	host.SSHKeyPath = keyPath

	if _, rel, err := m.Acquire(context.Background(), host); err != nil {
		t.Fatalf("Acquire: %v", err)
	} else {
		rel()
	}
	if len(d.cfgs) != 1 {
		t.Fatalf("dialed %d times, key auth should succeed on the first dial", len(d.cfgs))
	}
	if len(d.cfgs[0].Auth) != 1 {
		t.Fatalf("auth methods = %d, want the key signer only", len(d.cfgs[0].Auth))
	}
}

func TestNoCredentialsFailsWithoutDialing(t *testing.T) {
	d := &stubDialer{healthy: true}
	m, _ := testManager(t, d)
	host := &model.Host{ID: "h1", Address: "10.0.0.1", Username: "ops"}

	_, _, err := m.Acquire(context.Background(), host)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if len(d.cfgs) != 0 {
		t.Fatal("a host without credentials must not be dialed")
	}
}
