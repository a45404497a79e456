package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/busybox42/capstone/internal/store"
	"github.com/busybox42/capstone/pkg/network"
	"github.com/busybox42/capstone/pkg/process"
	"github.com/busybox42/capstone/pkg/types"
	"github.com/sirupsen/logrus"
)

// lumpOverhead is room left in a frame for the LumpData envelope.
const lumpOverhead = 128

const notifyTimeout = 5 * time.Second

// Link is the established, ordered message stream a Connection runs
// over. *network.Session implements it.
type Link interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
	Done() <-chan struct{}
	Err() error
	RemotePeer() types.PeerID
	MaxPayload() int
}

// LumpStore is the subset of the lump store the protocol needs.
type LumpStore interface {
	Add(data []byte) types.LumpID
	Get(id types.LumpID) ([]byte, bool)
}

type Options struct {
	// Bootstrap is exported at index 0 for the peer.
	Bootstrap process.Capability
	Lumps     LumpStore
	Logger    logrus.FieldLogger
}

type lumpFetch struct {
	done chan struct{}
	err  error
}

type watch struct {
	watcher process.Capability
	subject *proxy
}

// Connection speaks the capability protocol over one Link. It owns the
// export and import tables for that link.
type Connection struct {
	link  Link
	lumps LumpStore
	log   logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	exports   *exportTable
	imports   *importTable
	bootstrap *proxy
	pending   map[types.LumpID]*lumpFetch
	watches   []watch
	closed    bool
	err       error
	done      chan struct{}

	ctrlMu   sync.Mutex
	ctrlQ    []*Operation
	ctrlWake chan struct{}

	wg sync.WaitGroup
}

// New starts serving link. The connection closes itself on any link
// error or protocol fault.
func New(link Link, opts Options) *Connection {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Lumps == nil {
		opts.Lumps = store.NewMemoryLumps(opts.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		link:     link,
		lumps:    opts.Lumps,
		log:      opts.Logger.WithField("peer", link.RemotePeer()),
		ctx:      ctx,
		cancel:   cancel,
		exports:  newExportTable(opts.Bootstrap),
		imports:  newImportTable(),
		pending:  make(map[types.LumpID]*lumpFetch),
		done:     make(chan struct{}),
		ctrlWake: make(chan struct{}, 1),
	}
	c.bootstrap = &proxy{conn: c, index: BootstrapIndex}

	c.wg.Add(2)
	go c.readLoop()
	go c.ctrlLoop()
	return c
}

func (c *Connection) RemotePeer() types.PeerID {
	return c.link.RemotePeer()
}

// Bootstrap returns the peer's index-0 export.
func (c *Connection) Bootstrap() process.Capability {
	return process.NewCapability(c.bootstrap, process.PermSend|process.PermMonitor)
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the connection closed, nil after a local Close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

// Exports and Imports report live table sizes, bootstrap included.
func (c *Connection) Exports() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exports.len()
}

func (c *Connection) Imports() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imports.len()
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	for {
		b, err := c.link.Recv(c.ctx)
		if err != nil {
			if lerr := c.link.Err(); lerr != nil {
				err = lerr
			} else if errors.Is(err, network.ErrConnectionClosed) || c.ctx.Err() != nil {
				err = nil
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.shutdown(err)
			return
		}
		op, err := Unmarshal(b)
		if err != nil {
			c.shutdown(&ProtocolError{Err: err})
			return
		}
		if err := c.handle(op); err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Connection) handle(op *Operation) error {
	c.log.WithFields(logrus.Fields{"op": op.Kind, "index": op.Target}).Debug("Operation received")
	switch op.Kind {
	case OpInvoke:
		return c.handleInvoke(op)
	case OpRelease:
		c.mu.Lock()
		freed, err := c.exports.release(op.Target, op.Count)
		c.mu.Unlock()
		if err != nil {
			return &ProtocolError{Op: op.Kind, Index: op.Target, Err: err}
		}
		freed.Release()
		return nil
	case OpLumpWant:
		c.handleLumpWant(op.LumpID())
		return nil
	case OpLumpData:
		return c.handleLumpData(op)
	case OpLumpMissing:
		c.finishFetch(op.LumpID(), ErrLumpNotFound)
		return nil
	}
	return &ProtocolError{Op: op.Kind, Err: ErrMalformedOperation}
}

func (c *Connection) handleInvoke(op *Operation) error {
	c.mu.Lock()
	target, ok := c.exports.get(op.Target)
	if !ok {
		c.mu.Unlock()
		return &ProtocolError{Op: op.Kind, Index: op.Target, Err: ErrUnknownIndex}
	}
	if !target.Perms().Has(process.PermSend) {
		c.mu.Unlock()
		return &ProtocolError{Op: op.Kind, Index: op.Target, Err: ErrPermission}
	}
	if op.Signal == process.SignalDown && !reportsOwnDown(op) {
		c.mu.Unlock()
		return &ProtocolError{Op: op.Kind, Index: op.Target, Err: ErrForgedDown}
	}

	caps := make([]process.Capability, 0, len(op.Caps))
	var returned []process.Capability
	for _, ref := range op.Caps {
		switch ref.Side {
		case SenderHosted:
			p := c.bootstrap
			if ref.Index != BootstrapIndex {
				p = c.imports.receive(ref.Index, func() *proxy {
					return &proxy{conn: c, index: ref.Index}
				})
			}
			caps = append(caps, process.NewCapability(p, ref.Perms))
		case ReceiverHosted:
			exported, ok := c.exports.get(ref.Index)
			if !ok {
				c.mu.Unlock()
				process.Signal{Caps: caps}.ReleaseCaps()
				return &ProtocolError{Op: op.Kind, Index: ref.Index, Err: ErrUnknownIndex}
			}
			returned = append(returned, exported.Demote(ref.Perms))
		}
	}
	c.mu.Unlock()

	// Cloned outside the lock: the capability may be a proxy on another
	// connection.
	for _, r := range returned {
		caps = append(caps, r.Clone())
	}

	sig := process.Signal{Kind: op.Signal, Payload: op.Payload, Caps: caps}
	if err := target.Target().Deliver(c.ctx, sig); err != nil {
		log := c.log.WithFields(logrus.Fields{"index": op.Target, "error": err})
		if errors.Is(err, process.ErrNotFound) {
			log.Debug("Invoke target is gone")
		} else {
			log.Warn("Invoke delivery failed")
		}
	}
	return nil
}

// reportsOwnDown accepts a Down only when its subject is an object the
// sending peer hosts. A peer cannot speak for the liveness of anything
// else, least of all our own processes.
func reportsOwnDown(op *Operation) bool {
	if len(op.Caps) != 1 {
		return false
	}
	ref := op.Caps[0]
	return ref.Side == SenderHosted && ref.Perms == process.PermNone
}

func (c *Connection) handleLumpWant(id types.LumpID) {
	data, ok := c.lumps.Get(id)
	if !ok {
		c.queue(LumpMissing(id))
		return
	}
	if len(data)+lumpOverhead > c.link.MaxPayload() {
		c.log.WithFields(logrus.Fields{"lump": id, "size": len(data)}).Warn("Lump too large for one frame")
		c.queue(LumpMissing(id))
		return
	}
	c.queue(LumpData(id, data))
}

func (c *Connection) handleLumpData(op *Operation) error {
	id := op.LumpID()
	c.mu.Lock()
	_, wanted := c.pending[id]
	c.mu.Unlock()
	if !wanted {
		c.log.WithField("lump", id).Debug("Ignoring unsolicited lump")
		return nil
	}
	if types.SumLump(op.Data) != id {
		c.finishFetch(id, ErrLumpMismatch)
		return &ProtocolError{Op: op.Kind, Err: fmt.Errorf("%w: %s", ErrLumpMismatch, id)}
	}
	c.lumps.Add(op.Data)
	c.finishFetch(id, nil)
	return nil
}

func (c *Connection) finishFetch(id types.LumpID, err error) {
	c.mu.Lock()
	f, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		f.err = err
		close(f.done)
	}
}

// FetchLump returns the lump from the local store, asking the peer for it
// when missing. Concurrent fetches of one id share a single request.
func (c *Connection) FetchLump(ctx context.Context, id types.LumpID) ([]byte, error) {
	if data, ok := c.lumps.Get(id); ok {
		return data, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, network.ErrConnectionClosed
	}
	f, inflight := c.pending[id]
	if !inflight {
		f = &lumpFetch{done: make(chan struct{})}
		c.pending[id] = f
	}
	c.mu.Unlock()

	if !inflight {
		c.log.WithField("lump", id).Debug("Requesting lump")
		if err := c.send(ctx, LumpWant(id)); err != nil {
			c.finishFetch(id, err)
			return nil, err
		}
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	data, ok := c.lumps.Get(id)
	if !ok {
		return nil, ErrLumpNotFound
	}
	return data, nil
}

func (c *Connection) send(ctx context.Context, op *Operation) error {
	b, err := Marshal(op)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op.Kind, err)
	}
	return c.link.Send(ctx, b)
}

// queue hands op to the control writer so the read loop never blocks on
// its own replies.
func (c *Connection) queue(op *Operation) {
	c.ctrlMu.Lock()
	c.ctrlQ = append(c.ctrlQ, op)
	c.ctrlMu.Unlock()
	select {
	case c.ctrlWake <- struct{}{}:
	default:
	}
}

func (c *Connection) ctrlLoop() {
	defer c.wg.Done()
	for {
		c.ctrlMu.Lock()
		q := c.ctrlQ
		c.ctrlQ = nil
		c.ctrlMu.Unlock()

		for _, op := range q {
			err := c.send(c.ctx, op)
			switch {
			case err == nil:
			case errors.Is(err, network.ErrFrameTooLarge):
				c.log.WithError(err).WithField("op", op.Kind).Warn("Control operation dropped")
			case c.ctx.Err() != nil || errors.Is(err, network.ErrConnectionClosed):
				return
			default:
				c.shutdown(err)
				return
			}
		}
		if len(q) > 0 {
			continue
		}
		select {
		case <-c.ctrlWake:
		case <-c.done:
			return
		}
	}
}

// invoke sends sig to the export behind p.
func (c *Connection) invoke(ctx context.Context, p *proxy, sig process.Signal) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sig.ReleaseCaps()
		return network.ErrConnectionClosed
	}
	if p != c.bootstrap {
		if _, ok := c.imports.live(p); !ok {
			c.mu.Unlock()
			sig.ReleaseCaps()
			return ErrStaleProxy
		}
	}

	refs := make([]CapRef, 0, len(sig.Caps))
	var (
		exported []uint64
		dups     []process.Capability
		after    []process.Capability
		bad      error
	)
	for _, cp := range sig.Caps {
		if !cp.Valid() {
			bad = process.ErrInvalidCapability
			break
		}
		if own, ok := cp.Target().(*proxy); ok && own.conn == c {
			if own != c.bootstrap {
				if _, live := c.imports.live(own); !live {
					bad = ErrStaleProxy
					break
				}
			}
			refs = append(refs, CapRef{Side: ReceiverHosted, Index: own.index, Perms: cp.Perms()})
			after = append(after, cp)
			continue
		}
		idx, dup := c.exports.export(cp)
		if dup {
			dups = append(dups, cp)
		}
		exported = append(exported, idx)
		refs = append(refs, CapRef{Side: SenderHosted, Index: idx, Perms: cp.Perms()})
	}
	c.mu.Unlock()

	for _, d := range dups {
		d.Release()
	}

	err := bad
	if err == nil {
		err = c.send(ctx, Invoke(p.index, sig.Kind, sig.Payload, refs))
	}
	if err != nil {
		c.rollback(exported)
		// Whatever was not folded into the export table is still ours.
		for _, cp := range sig.Caps[len(exported)+len(after):] {
			cp.Release()
		}
	}
	for _, a := range after {
		a.Release()
	}
	return err
}

func (c *Connection) rollback(exported []uint64) {
	var freed []process.Capability
	c.mu.Lock()
	for _, idx := range exported {
		if cp, err := c.exports.release(idx, 1); err == nil && cp.Valid() {
			freed = append(freed, cp)
		}
	}
	c.mu.Unlock()
	for _, cp := range freed {
		cp.Release()
	}
}

func (c *Connection) retain(p *proxy) {
	if p == c.bootstrap {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.imports.retain(p)
}

func (c *Connection) release(p *proxy) {
	if p == c.bootstrap {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	count, last := c.imports.release(p)
	c.mu.Unlock()
	if last {
		c.queue(Release(p.index, count))
	}
}

func (c *Connection) watch(ctx context.Context, p *proxy, watcher process.Capability) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		defer watcher.Release()
		return process.NotifyDown(ctx, watcher, process.NewCapability(p, process.PermNone))
	}
	c.watches = append(c.watches, watch{watcher: watcher, subject: p})
	c.mu.Unlock()
	return nil
}

func (c *Connection) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	exported := c.exports.drain()
	c.imports.drain()
	pending := c.pending
	c.pending = make(map[types.LumpID]*lumpFetch)
	watches := c.watches
	c.watches = nil
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	c.link.Close()

	if err != nil {
		c.log.WithError(err).Error("Connection closed")
	} else {
		c.log.Info("Connection closed")
	}

	for _, cp := range exported {
		cp.Release()
	}
	for _, f := range pending {
		f.err = network.ErrConnectionClosed
		close(f.done)
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	for _, w := range watches {
		subject := process.NewCapability(w.subject, process.PermNone)
		if err := process.NotifyDown(ctx, w.watcher, subject); err != nil {
			c.log.WithError(err).Debug("Down notification failed")
		}
		w.watcher.Release()
	}
}
