// pkg/tor/tor.go
package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const defaultStartTimeout = 3 * time.Minute

var ErrClosed = errors.New("tor: manager closed")

type Options struct {
	// ExePath is the tor binary. Empty means "tor" on PATH.
	ExePath string
	// DataDir is kept across runs when set, which keeps onion keys stable.
	// Empty means a temporary directory removed on Close.
	DataDir      string
	StartTimeout time.Duration
	Logger       logrus.FieldLogger
}

// Manager runs a tor process and hands out a SOCKS5 dialer and onion
// listeners backed by it.
type Manager struct {
	tor       *tor.Tor
	socksAddr string
	log       logrus.FieldLogger

	mu       sync.Mutex
	services []*tor.OnionService
	closed   bool
}

// Start launches tor, waits for it to bootstrap and discovers the SOCKS
// port it picked.
func Start(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	log := opts.Logger.WithField("component", "tor")
	ctx, cancel := context.WithTimeout(ctx, opts.StartTimeout)
	defer cancel()

	log.Info("Starting tor")
	t, err := tor.Start(ctx, &tor.StartConf{
		ExePath: opts.ExePath,
		DataDir: opts.DataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("tor: start: %w", err)
	}

	log.Debug("Enabling network")
	if err := t.EnableNetwork(ctx, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("tor: enable network: %w", err)
	}

	info, err := t.Control.GetInfo("net/listeners/socks")
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("tor: query socks listener: %w", err)
	}
	var socksAddr string
	for _, kv := range info {
		if kv.Key == "net/listeners/socks" {
			socksAddr = parseSocksListeners(kv.Val)
		}
	}
	if socksAddr == "" {
		t.Close()
		return nil, errors.New("tor: no socks listener reported")
	}
	if err := waitForSocks5Proxy(ctx, socksAddr); err != nil {
		t.Close()
		return nil, err
	}

	log.WithField("socks", socksAddr).Info("Tor ready")
	return &Manager{tor: t, socksAddr: socksAddr, log: log}, nil
}

// parseSocksListeners picks the first address from a GETINFO reply such
// as `"127.0.0.1:9050" "[::1]:9050"`.
func parseSocksListeners(val string) string {
	for _, f := range strings.Fields(val) {
		addr := strings.Trim(f, `"`)
		if addr == "" {
			continue
		}
		if _, port, err := net.SplitHostPort(addr); err == nil {
			if _, err := strconv.Atoi(port); err == nil {
				return addr
			}
		}
	}
	return ""
}

// waitForSocks5Proxy polls until the SOCKS port accepts connections.
func waitForSocks5Proxy(ctx context.Context, address string) error {
	var d net.Dialer
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("tor: socks proxy %s not reachable: %w", address, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Manager) SocksAddr() string {
	return m.socksAddr
}

// Dialer returns a context-aware SOCKS5 dialer through tor. It satisfies
// network.Dialer.
func (m *Manager) Dialer() (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", m.socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("tor: socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("tor: socks5 dialer does not support contexts")
	}
	return cd, nil
}

// Listen publishes a v3 onion service forwarding port to a local
// listener. The returned address is host:port with the .onion host.
func (m *Manager) Listen(ctx context.Context, port int) (net.Listener, string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, "", ErrClosed
	}
	m.mu.Unlock()

	svc, err := m.tor.Listen(ctx, &tor.ListenConf{
		RemotePorts: []int{port},
		Version3:    true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("tor: create onion service: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		svc.Close()
		return nil, "", ErrClosed
	}
	m.services = append(m.services, svc)
	m.mu.Unlock()

	addr := net.JoinHostPort(svc.ID+".onion", strconv.Itoa(port))
	m.log.WithField("onion", addr).Info("Onion service published")
	return svc, addr, nil
}

// Close removes every onion service and stops tor.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	services := m.services
	m.services = nil
	m.mu.Unlock()

	for _, svc := range services {
		if err := svc.Close(); err != nil {
			m.log.WithError(err).Debug("Closing onion service")
		}
	}
	m.log.Info("Stopping tor")
	return m.tor.Close()
}
