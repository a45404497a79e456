package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/capstone/pkg/crypto"
	"github.com/busybox42/capstone/pkg/types"
	"github.com/sirupsen/logrus"
)

// Session is an authenticated, encrypted link to one peer. A reader and
// a writer goroutine own the connection; any failure in either closes
// the whole session.
type Session struct {
	conn     net.Conn
	cfg      Config
	isClient bool
	remote   *types.Peer
	log      logrus.FieldLogger

	state atomic.Int32

	sealer *crypto.Sealer
	opener *crypto.Opener

	outbound chan []byte
	inbound  chan []byte

	closeOnce sync.Once
	done      chan struct{}
	err       error
	wg        sync.WaitGroup
}

// Client runs the client side of the handshake over conn. On failure the
// connection is closed and no session is returned.
func Client(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	return establish(ctx, conn, cfg, true)
}

// Server runs the server side of the handshake over conn.
func Server(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	return establish(ctx, conn, cfg, false)
}

func establish(ctx context.Context, conn net.Conn, cfg Config, isClient bool) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		conn.Close()
		return nil, err
	}
	s := &Session{
		conn:     conn,
		cfg:      cfg,
		isClient: isClient,
		outbound: make(chan []byte, cfg.QueueSize),
		inbound:  make(chan []byte, cfg.QueueSize),
		done:     make(chan struct{}),
		log: cfg.Logger.WithFields(logrus.Fields{
			"remote": conn.RemoteAddr(),
			"client": isClient,
		}),
	}
	s.setState(Connecting)

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	s.setState(Authenticating)
	var (
		res *handshakeResult
		err error
	)
	if isClient {
		res, err = clientHandshake(conn, cfg)
	} else {
		res, err = serverHandshake(conn, cfg)
	}
	stopped := stop()
	if err == nil && !stopped {
		err = ctx.Err()
	}
	if err != nil {
		s.setState(Closed)
		conn.Close()
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, ErrAuthFailed) {
			return nil, fmt.Errorf("handshake: %w", cerr)
		}
		return nil, fmt.Errorf("handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})

	send, recv := res.keys.Local(isClient)
	if s.sealer, err = crypto.NewSealer(send); err != nil {
		conn.Close()
		return nil, err
	}
	if s.opener, err = crypto.NewOpener(recv); err != nil {
		conn.Close()
		return nil, err
	}
	s.remote = types.NewPeer(res.remoteKey, conn.RemoteAddr())
	s.log = s.log.WithField("peer", s.remote.ID)
	s.setState(Established)
	s.log.Info("Session established")

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.WithField("state", st).Debug("Session state")
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) RemotePeer() types.PeerID {
	return s.remote.ID
}

func (s *Session) RemoteKey() ed25519.PublicKey {
	return s.remote.PublicKey
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// MaxPayload is the largest payload Send accepts.
func (s *Session) MaxPayload() int {
	return int(s.cfg.MaxFrameSize)
}

// Send queues payload for the writer. It blocks while the queue is full.
// An oversized payload is refused without closing the session.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if uint64(len(payload)) > uint64(s.cfg.MaxFrameSize) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	select {
	case s.outbound <- p:
		return nil
	case <-s.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next payload in arrival order.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrConnectionClosed
	default:
	}
	select {
	case p := <-s.inbound:
		return p, nil
	case <-s.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) Close() error {
	s.closeWithError(nil)
	s.wg.Wait()
	return nil
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session closed; nil for a local Close or while open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.setState(Closed)
		close(s.done)
		s.conn.Close()
		if err != nil {
			s.log.WithError(err).Info("Session closed")
		} else {
			s.log.Info("Session closed")
		}
	})
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	limit := s.cfg.MaxFrameSize + crypto.TagSize
	for {
		if s.cfg.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		frame, err := readFrame(s.conn, limit)
		if err != nil {
			s.closeWithError(s.ioError(err))
			return
		}
		payload, err := s.opener.Open(frame)
		if err != nil {
			s.log.WithError(err).Error("Dropping session on bad frame")
			s.closeWithError(err)
			return
		}
		select {
		case s.inbound <- payload:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case p := <-s.outbound:
			frame, err := s.sealer.Seal(p)
			if err != nil {
				s.closeWithError(err)
				return
			}
			if s.cfg.IdleTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
			}
			if err := writeFrame(s.conn, frame); err != nil {
				s.closeWithError(s.ioError(err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// ioError hides the error from a read or write that failed because we
// closed the connection ourselves.
func (s *Session) ioError(err error) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) String() string {
	if s.remote == nil {
		return fmt.Sprintf("session(%s)", s.conn.RemoteAddr())
	}
	return fmt.Sprintf("session(%s %s)", s.remote.ID, s.conn.RemoteAddr())
}
