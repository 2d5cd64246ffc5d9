// Package sshconn manages pooled SSH connections to managed hosts:
// bounded per-host pools, throttled health checks, exponential backoff
// on connect, and key-then-password authentication.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/scriptherd/scriptherd/internal/audit"
	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/observability"
	"github.com/scriptherd/scriptherd/internal/vault"
)

// ErrConnection is returned when a host cannot be reached or
// authenticated after all retries.
var ErrConnection = errors.New("sshconn: connection failed")

const (
	maxPerHost          = 3
	connectTimeout      = 30 * time.Second
	healthCheckInterval = 5 * time.Minute
	connectRetries      = 3
	retryBaseDelay      = time.Second
)

type dialFunc func(ctx context.Context, host *model.Host, cfg *ssh.ClientConfig) (Conn, error)

// Manager hands out pooled connections keyed by (address, username).
type Manager struct {
	vault *vault.Vault
	audit *audit.Sink
	log   zerolog.Logger
	dial  dialFunc

	mu    sync.Mutex
	pools map[string]*hostPool
}

type hostPool struct {
	mu          sync.Mutex
	conns       []Conn
	lastHealthy time.Time
}

// NewManager builds a Manager using the real SSH dialer.
func NewManager(v *vault.Vault, sink *audit.Sink, log zerolog.Logger) *Manager {
	return &Manager{
		vault: v,
		audit: sink,
		log:   log.With().Str("component", "sshconn").Logger(),
		dial:  dialSSH,
		pools: make(map[string]*hostPool),
	}
}

func poolKey(h *model.Host) string {
	return h.Address + ":" + h.Username
}

// Acquire returns a connection to the host and a release func that must
// be called when the caller is done with it. Pooled connections are
// reused; releases of pooled connections are no-ops, temporary
// connections beyond the pool cap are closed on release.
func (m *Manager) Acquire(ctx context.Context, host *model.Host) (Conn, func(), error) {
	pool := m.pool(poolKey(host))
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if time.Since(pool.lastHealthy) > healthCheckInterval {
		m.sweep(host, pool)
		pool.lastHealthy = time.Now()
	}

	for _, c := range pool.conns {
		if c.Healthy() {
			return c, func() {}, nil
		}
	}

	if len(pool.conns) < maxPerHost {
		c, err := m.connect(ctx, host)
		if err != nil {
			return nil, nil, err
		}
		pool.conns = append(pool.conns, c)
		observability.SSHPoolSize.WithLabelValues(host.Address).Set(float64(len(pool.conns)))
		return c, func() {}, nil
	}

	// Pool is at cap with nothing healthy. Hand out a temporary
	// connection that dies on release rather than a known-dead pooled
	// one; the next sweep clears the dead entries.
	c, err := m.connect(ctx, host)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { c.Close() }, nil
}

// Evict drops a broken connection from the host's pool.
func (m *Manager) Evict(host *model.Host, conn Conn) {
	pool := m.pool(poolKey(host))
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for i, c := range pool.conns {
		if c == conn {
			c.Close()
			pool.conns = append(pool.conns[:i], pool.conns[i+1:]...)
			observability.SSHPoolSize.WithLabelValues(host.Address).Set(float64(len(pool.conns)))
			return
		}
	}
}

// CloseAll closes every pooled connection. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, pool := range m.pools {
		pool.mu.Lock()
		for _, c := range pool.conns {
			c.Close()
		}
		pool.conns = nil
		pool.mu.Unlock()
		delete(m.pools, key)
	}
}

func (m *Manager) pool(key string) *hostPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[key]
	if !ok {
		p = &hostPool{}
		m.pools[key] = p
	}
	return p
}

// sweep drops connections whose transport no longer answers. Caller
// holds pool.mu.
func (m *Manager) sweep(host *model.Host, pool *hostPool) {
	alive := pool.conns[:0]
	for _, c := range pool.conns {
		if c.Healthy() {
			alive = append(alive, c)
		} else {
			c.Close()
		}
	}
	pool.conns = alive
	observability.SSHPoolSize.WithLabelValues(host.Address).Set(float64(len(pool.conns)))
}

// connect dials with exponential backoff, trying key auth before
// password auth on each attempt.
func (m *Manager) connect(ctx context.Context, host *model.Host) (Conn, error) {
	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		c, err := m.connectOnce(ctx, host)
		if err == nil {
			observability.SSHConnects.WithLabelValues("success").Inc()
			m.audit.AuthSucceeded(host.ID, host.Address, host.Username)
			return c, nil
		}
		lastErr = err
		observability.SSHConnects.WithLabelValues("failure").Inc()
		m.log.Warn().Err(err).Str("host", host.Address).Int("attempt", attempt+1).Msg("connect attempt failed")
	}
	m.audit.AuthFailed(host.ID, host.Address, host.Username, lastErr)
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrConnection, host.Address, connectRetries, lastErr)
}

func (m *Manager) connectOnce(ctx context.Context, host *model.Host) (Conn, error) {
	var authErrs []error

	if host.SSHKeyPath != "" {
		if cfg, err := m.keyConfig(host); err != nil {
			authErrs = append(authErrs, err)
		} else if c, err := m.dial(ctx, host, cfg); err != nil {
			authErrs = append(authErrs, fmt.Errorf("key auth: %w", err))
		} else {
			return c, nil
		}
	}

	if host.PasswordEncrypted != "" {
		password, err := m.vault.DecryptString(host.PasswordEncrypted)
		if err != nil {
			authErrs = append(authErrs, err)
		} else {
			cfg := m.baseConfig(host)
			cfg.Auth = []ssh.AuthMethod{ssh.Password(password)}
			if c, err := m.dial(ctx, host, cfg); err != nil {
				authErrs = append(authErrs, fmt.Errorf("password auth: %w", err))
			} else {
				return c, nil
			}
		}
	}

	if len(authErrs) == 0 {
		return nil, errors.New("host has no credentials configured")
	}
	return nil, errors.Join(authErrs...)
}

func (m *Manager) baseConfig(host *model.Host) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            host.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}
}

func (m *Manager) keyConfig(host *model.Host) (*ssh.ClientConfig, error) {
	raw, err := os.ReadFile(host.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", host.SSHKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", host.SSHKeyPath, err)
	}
	cfg := m.baseConfig(host)
	cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	return cfg, nil
}

func dialSSH(ctx context.Context, host *model.Host, cfg *ssh.ClientConfig) (Conn, error) {
	addr := host.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sc, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return &sshConn{client: ssh.NewClient(sc, chans, reqs)}, nil
}
