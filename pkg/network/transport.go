// pkg/network/transport.go
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// AcceptFunc receives every session a listener establishes. It runs on
// its own goroutine.
type AcceptFunc func(*Session)

// Transport accepts and dials sessions that share one Config.
type Transport struct {
	cfg Config
	log logrus.FieldLogger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool
	wg        sync.WaitGroup
}

func NewTransport(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "transport"),
		listeners: make(map[net.Listener]struct{}),
	}
}

func (t *Transport) Config() Config {
	return t.cfg
}

// Listen binds a TCP address and serves it until ctx ends or the
// transport is closed.
func (t *Transport) Listen(ctx context.Context, addr string, accept AcceptFunc) (net.Addr, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := t.Serve(ctx, ln, accept); err != nil {
		return nil, err
	}
	return ln.Addr(), nil
}

// Serve accepts sessions from an existing listener, such as a Tor onion
// service. The listener is closed with the transport or when ctx ends.
func (t *Transport) Serve(ctx context.Context, ln net.Listener, accept AcceptFunc) error {
	if err := t.cfg.validate(); err != nil {
		ln.Close()
		return err
	}
	ln = netutil.LimitListener(ln, t.cfg.MaxConns)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ln.Close()
		return ErrConnectionClosed
	}
	t.listeners[ln] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	t.log.WithField("addr", ln.Addr()).Info("Listening")
	go t.acceptLoop(ctx, ln, accept)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener, accept AcceptFunc) {
	defer t.wg.Done()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer func() {
		stop()
		t.mu.Lock()
		delete(t.listeners, ln)
		t.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.log.WithError(err).Error("Failed to accept connection")
			return
		}

		t.wg.Add(1)
		go t.handleConnection(ctx, conn, accept)
	}
}

func (t *Transport) handleConnection(ctx context.Context, conn net.Conn, accept AcceptFunc) {
	defer t.wg.Done()
	log := t.log.WithField("remote", conn.RemoteAddr())
	log.Debug("Accepted connection")

	s, err := Server(ctx, conn, t.cfg)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			log.Warn("Rejected peer: authentication failed")
		} else {
			log.WithError(err).Warn("Handshake failed")
		}
		return
	}
	go accept(s)
}

// Dial connects to addr through the configured Dialer and runs the
// client handshake.
func (t *Transport) Dial(ctx context.Context, addr string) (*Session, error) {
	if err := t.cfg.validate(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrConnectionClosed
	}

	dialer := t.cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: connTimeout}
	}
	log := t.log.WithField("remote", addr)
	log.Debug("Dialing")
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	s, err := Client(ctx, conn, t.cfg)
	if err != nil {
		log.WithError(err).Warn("Handshake failed")
		return nil, err
	}
	return s, nil
}

// Close stops every listener and waits for in-flight handshakes. Sessions
// already handed out stay open.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var errs []error
	for ln := range t.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	t.mu.Unlock()
	t.wg.Wait()
	return errors.Join(errs...)
}
