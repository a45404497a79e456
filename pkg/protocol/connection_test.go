package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/busybox42/capstone/internal/store"
	"github.com/busybox42/capstone/pkg/network"
	"github.com/busybox42/capstone/pkg/process"
	"github.com/busybox42/capstone/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLink is one end of an in-memory Link pair.
type memLink struct {
	peer  types.PeerID
	in    chan []byte
	other *memLink
	done  chan struct{}
	once  sync.Once
}

func linkPair(a, b types.PeerID) (*memLink, *memLink) {
	la := &memLink{peer: b, in: make(chan []byte, 64), done: make(chan struct{})}
	lb := &memLink{peer: a, in: make(chan []byte, 64), done: make(chan struct{})}
	la.other, lb.other = lb, la
	return la, lb
}

func (l *memLink) Send(ctx context.Context, payload []byte) error {
	if len(payload) > l.MaxPayload() {
		return network.ErrFrameTooLarge
	}
	select {
	case <-l.done:
		return network.ErrConnectionClosed
	case <-l.other.done:
		return network.ErrConnectionClosed
	default:
	}
	select {
	case l.other.in <- append([]byte(nil), payload...):
		return nil
	case <-l.done:
		return network.ErrConnectionClosed
	case <-l.other.done:
		return network.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *memLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-l.in:
		return b, nil
	case <-l.done:
		return nil, network.ErrConnectionClosed
	case <-l.other.done:
		return nil, network.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *memLink) Done() <-chan struct{} { return l.done }
func (l *memLink) Err() error { return nil }
func (l *memLink) RemotePeer() types.PeerID { return l.peer }
func (l *memLink) MaxPayload() int { return 1 << 16 }

func (l *memLink) sendOp(t *testing.T, op *Operation) {
	t.Helper()
	b, err := Marshal(op)
	require.NoError(t, err)
	require.NoError(t, l.Send(context.Background(), b))
}

func (l *memLink) recvOp(t *testing.T) *Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := l.Recv(ctx)
	require.NoError(t, err)
	op, err := Unmarshal(b)
	require.NoError(t, err)
	return op
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

type side struct {
	store *process.Store
	lumps *store.Lumps
	boot  *process.Process
	conn  *Connection
}

func peerID(b byte) types.PeerID {
	var id types.PeerID
	id[0] = b
	return id
}

func newSide(t *testing.T, id types.PeerID) *side {
	t.Helper()
	lumps, err := store.NewLumps()
	require.NoError(t, err)
	ps := process.NewStore(id, process.Options{Logger: testLogger()})
	return &side{store: ps, lumps: lumps, boot: ps.Spawn(process.SpawnOptions{})}
}

func connectSides(t *testing.T) (*side, *side) {
	t.Helper()
	a := newSide(t, peerID(1))
	b := newSide(t, peerID(2))
	la, lb := linkPair(peerID(1), peerID(2))
	a.conn = New(la, Options{Bootstrap: a.boot.Self.Demote(process.PermSend), Lumps: a.lumps, Logger: testLogger()})
	b.conn = New(lb, Options{Bootstrap: b.boot.Self.Demote(process.PermSend), Lumps: b.lumps, Logger: testLogger()})
	t.Cleanup(func() {
		a.conn.Close()
		b.conn.Close()
	})
	return a, b
}

func recv(t *testing.T, p *process.Process) process.Signal {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sig, err := p.Recv(ctx)
	require.NoError(t, err)
	return sig
}

func TestConnectionInvokeBootstrap(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	require.NoError(t, b.conn.Bootstrap().Send(ctx, []byte("Hello, world!")))
	sig := recv(t, a.boot)
	assert.Equal(t, process.SignalMessage, sig.Kind)
	assert.Equal(t, "Hello, world!", string(sig.Payload))
	assert.Empty(t, sig.Caps)
	assert.Equal(t, peerID(1), b.conn.RemotePeer())
}

func TestConnectionPassesCapabilities(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	reply := b.store.Spawn(process.SpawnOptions{})
	require.NoError(t, b.conn.Bootstrap().Send(ctx, []byte("ping"), reply.Self.Demote(process.PermSend)))

	sig := recv(t, a.boot)
	require.Len(t, sig.Caps, 1)
	back := sig.Caps[0]
	assert.Equal(t, process.PermSend, back.Perms())
	assert.Equal(t, 1, a.conn.Imports())
	assert.Equal(t, 2, b.conn.Exports())

	require.NoError(t, back.Send(ctx, []byte("pong")))
	got := recv(t, reply)
	assert.Equal(t, "pong", string(got.Payload))

	back.Release()
	assert.Equal(t, 0, a.conn.Imports())
	assert.Eventually(t, func() bool { return b.conn.Exports() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The dropped copy fails locally and never reaches the wire.
	assert.ErrorIs(t, back.Send(ctx, []byte("late")), ErrStaleProxy)
	assert.ErrorIs(t, back.Send(ctx, []byte("late")), process.ErrInvalidCapability)
}

func TestConnectionDedupesExports(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	target := b.store.Spawn(process.SpawnOptions{})
	c := target.Self.Demote(process.PermSend)
	require.NoError(t, b.conn.Bootstrap().Send(ctx, []byte("1"), c))
	require.NoError(t, b.conn.Bootstrap().Send(ctx, []byte("2"), c))

	first := recv(t, a.boot)
	second := recv(t, a.boot)
	assert.Equal(t, first.Caps[0].Target(), second.Caps[0].Target())
	assert.Equal(t, 2, b.conn.Exports())
	assert.Equal(t, 1, a.conn.Imports())

	first.ReleaseCaps()
	assert.Equal(t, 1, a.conn.Imports())
	second.ReleaseCaps()
	assert.Eventually(t, func() bool { return b.conn.Exports() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionReturnsCapabilityHome(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	mine := b.store.Spawn(process.SpawnOptions{})
	require.NoError(t, b.conn.Bootstrap().Send(ctx, nil, mine.Self.Demote(process.PermSend|process.PermMonitor)))
	sig := recv(t, a.boot)
	proxyCap := sig.Caps[0]

	// A hands B's own capability back, narrowed to SEND.
	require.NoError(t, a.conn.Bootstrap().Send(ctx, []byte("yours"), proxyCap.Demote(process.PermSend)))
	got := recv(t, b.boot)
	require.Len(t, got.Caps, 1)
	assert.Equal(t, mine.Self.Target(), got.Caps[0].Target(), "no proxy round trip")
	assert.Equal(t, process.PermSend, got.Caps[0].Perms())

	assert.Eventually(t, func() bool { return a.conn.Imports() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionDeliveryNotFoundIsNotFatal(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	require.NoError(t, a.boot.Exit(ctx))
	require.NoError(t, b.conn.Bootstrap().Send(ctx, []byte("anyone?")))

	select {
	case <-a.conn.Done():
		t.Fatal("connection closed on a delivery miss")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionReleaseReturnsAttachedCapsOnMiss(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	require.NoError(t, a.boot.Exit(ctx))
	extra := b.store.Spawn(process.SpawnOptions{})
	require.NoError(t, b.conn.Bootstrap().Send(ctx, nil, extra.Self.Demote(process.PermSend)))

	assert.Eventually(t, func() bool { return b.conn.Exports() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, a.conn.Imports())
}

func TestConnectionProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		op   *Operation
		want error
	}{
		{"invoke unknown index", Invoke(99, process.SignalMessage, nil, nil), ErrUnknownIndex},
		{"release unknown index", Release(99, 1), ErrUnknownIndex},
		{"release never exported", Release(BootstrapIndex+1, 1), ErrUnknownIndex},
		{"unknown returned ref", Invoke(BootstrapIndex, process.SignalMessage, nil, []CapRef{{Side: ReceiverHosted, Index: 42}}), ErrUnknownIndex},
		{"down with permissions", Invoke(BootstrapIndex, process.SignalDown, nil, []CapRef{{Side: SenderHosted, Index: 5, Perms: process.PermSend}}), ErrForgedDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newSide(t, peerID(1))
			la, raw := linkPair(peerID(1), peerID(2))
			conn := New(la, Options{Bootstrap: a.boot.Self.Demote(process.PermSend), Lumps: a.lumps, Logger: testLogger()})
			defer conn.Close()

			raw.sendOp(t, tt.op)
			select {
			case <-conn.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("connection stayed open")
			}
			var perr *ProtocolError
			require.ErrorAs(t, conn.Err(), &perr)
			assert.ErrorIs(t, conn.Err(), tt.want)
		})
	}
}

func TestConnectionOverRelease(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	target := b.store.Spawn(process.SpawnOptions{})
	require.NoError(t, b.conn.Bootstrap().Send(ctx, nil, target.Self.Demote(process.PermSend)))
	recv(t, a.boot)

	// Pretend A gives back more than it got.
	raw := a.conn.link.(*memLink)
	raw.sendOp(t, Release(BootstrapIndex+1, 5))
	select {
	case <-b.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("over-release did not close the connection")
	}
	assert.ErrorIs(t, b.conn.Err(), ErrOverRelease)
}

func TestConnectionInvokeWithoutSendPermission(t *testing.T) {
	a := newSide(t, peerID(1))
	la, raw := linkPair(peerID(1), peerID(2))
	conn := New(la, Options{Bootstrap: a.boot.Self.Demote(process.PermMonitor), Lumps: a.lumps, Logger: testLogger()})
	defer conn.Close()

	raw.sendOp(t, Invoke(BootstrapIndex, process.SignalMessage, []byte("x"), nil))
	<-conn.Done()
	assert.ErrorIs(t, conn.Err(), ErrPermission)
	_, ok := a.boot.TryRecv()
	assert.False(t, ok)
}

func TestConnectionMalformedBytesClose(t *testing.T) {
	a := newSide(t, peerID(1))
	la, raw := linkPair(peerID(1), peerID(2))
	conn := New(la, Options{Lumps: a.lumps, Logger: testLogger()})
	defer conn.Close()

	require.NoError(t, raw.Send(context.Background(), []byte{0xff, 0x00}))
	<-conn.Done()
	assert.ErrorIs(t, conn.Err(), ErrMalformedOperation)
}

func TestConnectionFetchLump(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	data := []byte("the lump")
	id := a.lumps.Add(data)

	got, err := b.conn.FetchLump(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, b.lumps.Has(id))

	_, err = b.conn.FetchLump(ctx, types.SumLump([]byte("nobody has this")))
	assert.ErrorIs(t, err, ErrLumpNotFound)
}

func TestConnectionFetchLumpSingleRequest(t *testing.T) {
	a := newSide(t, peerID(1))
	la, raw := linkPair(peerID(1), peerID(2))
	conn := New(la, Options{Lumps: a.lumps, Logger: testLogger()})
	defer conn.Close()

	data := []byte("shared")
	id := types.SumLump(data)
	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			results[i], _ = conn.FetchLump(ctx, id)
		}(i)
	}

	want := raw.recvOp(t)
	assert.Equal(t, OpLumpWant, want.Kind)
	assert.Equal(t, id, want.LumpID())
	// Give the other fetchers time to pile onto the same request.
	time.Sleep(50 * time.Millisecond)
	raw.sendOp(t, LumpData(id, data))
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, data, r)
	}
	select {
	case b := <-raw.in:
		t.Fatalf("unexpected second request: %x", b)
	default:
	}
}

func TestConnectionLumpMismatchCloses(t *testing.T) {
	a := newSide(t, peerID(1))
	la, raw := linkPair(peerID(1), peerID(2))
	conn := New(la, Options{Lumps: a.lumps, Logger: testLogger()})
	defer conn.Close()

	id := types.SumLump([]byte("expected"))
	errc := make(chan error, 1)
	go func() {
		_, err := conn.FetchLump(context.Background(), id)
		errc <- err
	}()
	raw.recvOp(t)
	raw.sendOp(t, LumpData(id, []byte("forged")))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrLumpMismatch)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not fail")
	}
	<-conn.Done()
	assert.ErrorIs(t, conn.Err(), ErrLumpMismatch)
	assert.False(t, a.lumps.Has(id))
}

func TestConnectionIgnoresUnsolicitedLump(t *testing.T) {
	a := newSide(t, peerID(1))
	la, raw := linkPair(peerID(1), peerID(2))
	conn := New(la, Options{Lumps: a.lumps, Logger: testLogger()})
	defer conn.Close()

	data := []byte("unasked")
	raw.sendOp(t, LumpData(types.SumLump(data), data))
	raw.sendOp(t, LumpData(types.SumLump([]byte("x")), []byte("forged too")))

	select {
	case <-conn.Done():
		t.Fatal("unsolicited lump closed the connection")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, a.lumps.Len())
}

func TestConnectionMonitorAndClose(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	watcher := b.store.Spawn(process.SpawnOptions{})
	require.NoError(t, b.conn.Bootstrap().Monitor(ctx, watcher.Self.Demote(process.PermSend)))

	pending := make(chan error, 1)
	go func() {
		_, err := b.conn.FetchLump(ctx, types.SumLump([]byte("never")))
		pending <- err
	}()

	require.NoError(t, a.conn.Close())

	sig := recv(t, watcher)
	assert.Equal(t, process.SignalDown, sig.Kind)
	require.Len(t, sig.Caps, 1)
	assert.Equal(t, process.PermNone, sig.Caps[0].Perms())

	<-b.conn.Done()
	assert.NoError(t, b.conn.Err())
	assert.ErrorIs(t, b.conn.Bootstrap().Send(ctx, []byte("x")), network.ErrConnectionClosed)

	select {
	case err := <-pending:
		// Either the peer answered before closing or the close failed the fetch.
		if err != nil {
			assert.True(t, err == ErrLumpNotFound || err == network.ErrConnectionClosed, "got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending fetch not failed by close")
	}

	late := b.store.Spawn(process.SpawnOptions{})
	require.NoError(t, b.conn.Bootstrap().Monitor(ctx, late.Self))
	assert.Equal(t, process.SignalDown, recv(t, late).Kind)
}

func TestConnectionKillUnsupported(t *testing.T) {
	_, b := connectSides(t)
	kill := process.NewCapability(b.conn.bootstrap, process.PermAll)
	assert.ErrorIs(t, kill.Kill(context.Background()), process.ErrUnsupported)
}

func TestConnectionForwardsDown(t *testing.T) {
	a, b := connectSides(t)
	ctx := context.Background()

	// B hands A a watcher; A monitors one of its own processes with it.
	watcher := b.store.Spawn(process.SpawnOptions{})
	require.NoError(t, b.conn.Bootstrap().Send(ctx, nil, watcher.Self.Demote(process.PermSend)))
	remoteWatcher := recv(t, a.boot).Caps[0]

	subject := a.store.Spawn(process.SpawnOptions{})
	require.NoError(t, a.conn.Bootstrap().Send(ctx, nil, subject.Self.Clone().Demote(process.PermSend)))
	held := recv(t, b.boot).Caps[0]
	defer held.Release()

	require.NoError(t, subject.Self.Monitor(ctx, remoteWatcher))
	require.NoError(t, subject.Exit(ctx))

	sig := recv(t, watcher)
	assert.Equal(t, process.SignalDown, sig.Kind)
	require.Len(t, sig.Caps, 1)
	assert.Equal(t, process.PermNone, sig.Caps[0].Perms())
	assert.Equal(t, held.Target(), sig.Caps[0].Target(), "down names the proxy B already holds")
	assert.Equal(t, 1, b.conn.Imports())
	sig.ReleaseCaps()
	assert.Equal(t, 1, b.conn.Imports())
}

func TestConnectionRefusesForgedDown(t *testing.T) {
	a := newSide(t, peerID(1))
	la, raw := linkPair(peerID(1), peerID(2))
	conn := New(la, Options{Bootstrap: a.boot.Self.Demote(process.PermSend), Lumps: a.lumps, Logger: testLogger()})
	defer conn.Close()

	// The peer claims our own bootstrap process died.
	raw.sendOp(t, Invoke(BootstrapIndex, process.SignalDown, nil, []CapRef{{Side: ReceiverHosted, Index: BootstrapIndex}}))
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("forged down did not close the connection")
	}
	assert.ErrorIs(t, conn.Err(), ErrForgedDown)
	_, ok := a.boot.TryRecv()
	assert.False(t, ok)
}

func TestConnectionWithoutLumpStore(t *testing.T) {
	a := newSide(t, peerID(1))
	la, raw := linkPair(peerID(1), peerID(2))
	conn := New(la, Options{Logger: testLogger()})
	defer conn.Close()
	require.NotNil(t, conn.lumps)

	data := []byte("kept in memory")
	id := types.SumLump(data)
	errc := make(chan error, 1)
	go func() {
		_, err := conn.FetchLump(context.Background(), id)
		errc <- err
	}()
	raw.recvOp(t)
	raw.sendOp(t, LumpData(id, data))
	require.NoError(t, <-errc)

	got, err := conn.FetchLump(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, a.lumps.Has(id))
}
