// pkg/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/busybox42/capstone/internal/config"
	"github.com/busybox42/capstone/internal/store"
	"github.com/busybox42/capstone/pkg/crypto"
	"github.com/busybox42/capstone/pkg/fs"
	"github.com/busybox42/capstone/pkg/network"
	"github.com/busybox42/capstone/pkg/process"
	"github.com/busybox42/capstone/pkg/protocol"
	"github.com/busybox42/capstone/pkg/registry"
	"github.com/busybox42/capstone/pkg/tor"
	"github.com/busybox42/capstone/pkg/types"
	"github.com/sirupsen/logrus"
)

// FSName is the registry name the file provider is seeded under.
const FSName = "fs"

var ErrShutdown = errors.New("server: node is shut down")

// Node is one runtime: a process store with its registry and optional file
// provider, a lump store and the connections to other nodes. Every
// connection exports the local registry as its bootstrap capability.
type Node struct {
	cfg  config.Config
	log  logrus.FieldLogger
	keys *crypto.KeyPair

	lumps     *store.Lumps
	procs     *process.Store
	registry  *registry.Service
	fs        *fs.Service
	transport *network.Transport
	tor       *tor.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[*protocol.Connection]struct{}
	onion  string
	closed bool
}

// New builds a node from cfg. Nothing listens until Listen is called.
func New(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	keys, err := loadKeys(cfg.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}
	log := logger.WithField("node", keys.PeerID())

	lumpOpts := []store.LumpOption{store.WithLogger(log)}
	if cfg.LumpDir != "" {
		lumpOpts = append(lumpOpts, store.WithDir(cfg.LumpDir))
	}
	lumps, err := store.NewLumps(lumpOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open lump store: %w", err)
	}

	procs := process.NewStore(keys.PeerID(), process.Options{Mailbox: cfg.Mailbox(), Logger: log})
	table := registry.NewTable(cfg.RegistryReadOnly)
	reg := registry.NewService(procs, table, log)

	n := &Node{
		cfg:      cfg,
		log:      log,
		keys:     keys,
		lumps:    lumps,
		procs:    procs,
		registry: reg,
		conns:    make(map[*protocol.Connection]struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.run(reg.Run)

	if cfg.FSRoot != "" {
		svc, err := fs.NewService(procs, fs.ServiceOptions{
			Root:   cfg.FSRoot,
			Lumps:  lumps,
			Logger: log,
		})
		if err != nil {
			n.Shutdown()
			return nil, fmt.Errorf("failed to start file provider: %w", err)
		}
		n.fs = svc
		n.run(svc.Run)
		table.Seed(FSName, svc.Capability())
	}

	netCfg := cfg.Network(keys, log)
	if cfg.UseTor {
		m, err := tor.Start(ctx, tor.Options{DataDir: cfg.TorDataDir, Logger: log})
		if err != nil {
			n.Shutdown()
			return nil, fmt.Errorf("failed to start Tor: %w", err)
		}
		n.tor = m
		dialer, err := m.Dialer()
		if err != nil {
			n.Shutdown()
			return nil, err
		}
		netCfg.Dialer = dialer
	}
	n.transport = network.NewTransport(netCfg)

	log.Info("Node initialized")
	return n, nil
}

func loadKeys(dir string) (*crypto.KeyPair, error) {
	if dir == "" {
		return crypto.GenerateKeyPair()
	}
	return crypto.LoadOrCreateKeyPair(dir)
}

func (n *Node) run(fn func(context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := fn(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.log.WithError(err).Error("Service stopped")
		}
	}()
}

func (n *Node) PeerID() types.PeerID {
	return n.keys.PeerID()
}

func (n *Node) Lumps() *store.Lumps {
	return n.lumps
}

func (n *Node) Processes() *process.Store {
	return n.procs
}

// Registry returns a client for the local registry.
func (n *Node) Registry() *registry.Client {
	return registry.NewClient(n.registry.Capability(), n.procs)
}

func (n *Node) RegistryTable() *registry.Table {
	return n.registry.Table()
}

// Spawn starts a local process whose ambient registry is the node's.
func (n *Node) Spawn(mailbox *process.MailboxOptions) *process.Process {
	return n.procs.Spawn(process.SpawnOptions{
		Mailbox:  mailbox,
		Registry: n.registry.Capability(),
	})
}

// OnionAddr is the published onion address, empty without Tor.
func (n *Node) OnionAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.onion
}

// Listen serves the configured address, plus an onion service on the same
// port when Tor is enabled.
func (n *Node) Listen(ctx context.Context) (net.Addr, error) {
	if n.isClosed() {
		return nil, ErrShutdown
	}
	addr, err := n.transport.Listen(n.ctx, n.cfg.Listen, n.accept)
	if err != nil {
		return nil, err
	}
	if n.tor == nil {
		return addr, nil
	}

	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr, nil
	}
	ln, onion, err := n.tor.Listen(ctx, tcp.Port)
	if err != nil {
		return nil, err
	}
	if err := n.transport.Serve(n.ctx, ln, n.accept); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.onion = onion
	n.mu.Unlock()
	return addr, nil
}

func (n *Node) accept(s *network.Session) {
	if _, err := n.attach(s); err != nil {
		s.Close()
	}
}

// Connect dials addr and starts the capability protocol on the session.
func (n *Node) Connect(ctx context.Context, addr string) (*protocol.Connection, error) {
	if n.isClosed() {
		return nil, ErrShutdown
	}
	s, err := n.transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	conn, err := n.attach(s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return conn, nil
}

func (n *Node) attach(s *network.Session) (*protocol.Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrShutdown
	}
	conn := protocol.New(s, protocol.Options{
		Bootstrap: n.registry.Capability(),
		Lumps:     n.lumps,
		Logger:    n.log,
	})
	n.conns[conn] = struct{}{}
	n.log.WithFields(logrus.Fields{"peer": s.RemotePeer(), "remote": s.RemoteAddr()}).Info("Connection established")

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-conn.Done()
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
	}()
	return conn, nil
}

// Connections returns the open connections.
func (n *Node) Connections() []*protocol.Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*protocol.Connection, 0, len(n.conns))
	for c := range n.conns {
		out = append(out, c)
	}
	return out
}

// ConnectionTo finds the open connection with peer.
func (n *Node) ConnectionTo(peer types.PeerID) (*protocol.Connection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.conns {
		if c.RemotePeer() == peer {
			return c, true
		}
	}
	return nil, false
}

// RemoteRegistry returns a client for the registry conn's peer bootstraps.
func (n *Node) RemoteRegistry(conn *protocol.Connection) *registry.Client {
	return registry.NewClient(conn.Bootstrap(), n.procs)
}

// FetchFile looks up the peer's file provider, asks it for target and
// pulls the resulting lump over conn.
func (n *Node) FetchFile(ctx context.Context, conn *protocol.Connection, target string) (types.LumpID, []byte, error) {
	provider, ok, err := n.RemoteRegistry(conn).Get(ctx, FSName)
	if err != nil {
		return types.LumpID{}, nil, err
	}
	if !ok {
		return types.LumpID{}, nil, fmt.Errorf("peer %s has no file provider", conn.RemotePeer())
	}
	defer provider.Release()

	id, err := fs.NewClient(provider, n.procs).Get(ctx, target)
	if err != nil {
		return types.LumpID{}, nil, err
	}
	data, err := conn.FetchLump(ctx, id)
	if err != nil {
		return id, nil, err
	}
	return id, data, nil
}

// ListFiles asks the peer's file provider for the entries of target.
func (n *Node) ListFiles(ctx context.Context, conn *protocol.Connection, target string) ([]fs.FileInfo, error) {
	provider, ok, err := n.RemoteRegistry(conn).Get(ctx, FSName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("peer %s has no file provider", conn.RemotePeer())
	}
	defer provider.Release()
	return fs.NewClient(provider, n.procs).List(ctx, target)
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Status is a snapshot for operators.
type Status struct {
	Peer        types.PeerID
	Onion       string
	Processes   int
	Lumps       int
	Names       int
	Connections []ConnStatus
}

type ConnStatus struct {
	Peer    types.PeerID
	Exports int
	Imports int
}

func (n *Node) Status() Status {
	st := Status{
		Peer:      n.PeerID(),
		Onion:     n.OnionAddr(),
		Processes: n.procs.Len(),
		Lumps:     n.lumps.Len(),
		Names:     n.registry.Table().Len(),
	}
	for _, c := range n.Connections() {
		st.Connections = append(st.Connections, ConnStatus{
			Peer:    c.RemotePeer(),
			Exports: c.Exports(),
			Imports: c.Imports(),
		})
	}
	return st
}

func (st Status) String() string {
	s := fmt.Sprintf("peer %s: %d processes, %d lumps, %d names, %d connections",
		st.Peer, st.Processes, st.Lumps, st.Names, len(st.Connections))
	if st.Onion != "" {
		s += ", onion " + st.Onion
	}
	return s
}

// Shutdown closes every connection and listener, stops the services and
// Tor, then waits for background work.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	conns := make([]*protocol.Connection, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	n.log.Info("Shutting down")
	var errs []error
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stopping transport: %w", err))
		}
	}
	for _, c := range conns {
		c.Close()
	}
	n.cancel()
	if n.tor != nil {
		if err := n.tor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stopping Tor: %w", err))
		}
	}
	n.wg.Wait()
	return errors.Join(errs...)
}
