// pkg/process/store_test.go
package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/busybox42/capstone/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	var peer types.PeerID
	peer[0] = 0x42
	return NewStore(peer, Options{Logger: logger})
}

type recordingEntry struct {
	mu       sync.Mutex
	self     Capability
	signals  []Signal
	removed  int
	err      error
	onRemove func()
}

func (e *recordingEntry) OnInsert(self Capability) { e.self = self }

func (e *recordingEntry) OnSignal(_ context.Context, sig Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.signals = append(e.signals, sig)
	return nil
}

func (e *recordingEntry) OnRemove() {
	e.mu.Lock()
	e.removed++
	fn := e.onRemove
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func TestStoreInsertAndSend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := &recordingEntry{}
	pid := s.Insert(e)

	assert.Equal(t, s.Peer(), pid.Peer)
	assert.True(t, e.self.Valid())
	assert.Equal(t, PermAll, e.self.Perms())
	assert.Equal(t, 1, s.Len())

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, s.Send(ctx, pid, msg(p)))
	}
	require.Len(t, e.signals, 3)
	assert.Equal(t, "one", string(e.signals[0].Payload))
	assert.Equal(t, "three", string(e.signals[2].Payload))
}

func TestStoreKill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := &recordingEntry{}
	pid := s.Insert(e)

	require.NoError(t, s.Kill(ctx, pid))
	assert.Equal(t, 1, e.removed)
	assert.Equal(t, 0, s.Len())

	assert.ErrorIs(t, s.Kill(ctx, pid), ErrNotFound)
	assert.Equal(t, 1, e.removed, "second kill must not run the hook")
	assert.ErrorIs(t, s.Send(ctx, pid, msg("x")), ErrNotFound)
	assert.ErrorIs(t, e.self.Send(ctx, []byte("late")), ErrNotFound)
	assert.Empty(t, e.signals, "no signal reaches a killed entry")
}

func TestStoreUnknownPeer(t *testing.T) {
	s := newTestStore(t)
	pid := s.Insert(&recordingEntry{})
	pid.Peer[0] ^= 0xff
	assert.ErrorIs(t, s.Send(context.Background(), pid, msg("x")), ErrNotFound)
	_, err := s.Capability(pid, PermSend)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUndeliverableRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	e := &recordingEntry{err: ErrMailboxClosed}
	pid := s.Insert(e)

	err := s.Send(context.Background(), pid, msg("x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, e.removed)
	assert.Equal(t, 0, s.Len())
}

func TestStoreOtherErrorsPropagate(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")
	e := &recordingEntry{err: boom}
	pid := s.Insert(e)

	assert.ErrorIs(t, s.Send(context.Background(), pid, msg("x")), boom)
	assert.Equal(t, 0, e.removed)
	assert.Equal(t, 1, s.Len())
}

func TestStoreStaleCapabilityAfterReuse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := &recordingEntry{}
	pid := s.Insert(first)
	stale, err := s.Capability(pid, PermSend)
	require.NoError(t, err)
	require.NoError(t, s.Kill(ctx, pid))

	second := &recordingEntry{}
	reused := s.Insert(second)
	assert.Equal(t, pid.Local, reused.Local, "freed index should be reused")

	assert.ErrorIs(t, stale.Send(ctx, []byte("late")), ErrNotFound)
	assert.Empty(t, second.signals)
}

func TestStoreNoReuseBeforeRemoveHook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var inner ProcessID
	e := &recordingEntry{}
	e.onRemove = func() {
		inner = s.Insert(&recordingEntry{})
	}
	pid := s.Insert(e)
	require.NoError(t, s.Kill(ctx, pid))
	assert.NotEqual(t, pid.Local, inner.Local)
}

func TestStorePermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := &recordingEntry{}
	pid := s.Insert(e)

	sendOnly, err := s.Capability(pid, PermSend)
	require.NoError(t, err)
	assert.ErrorIs(t, sendOnly.Kill(ctx), ErrPermissionDenied)
	assert.ErrorIs(t, sendOnly.Monitor(ctx, e.self), ErrPermissionDenied)
	require.NoError(t, sendOnly.Send(ctx, []byte("ok")))

	none := e.self.Demote(PermNone)
	assert.ErrorIs(t, none.Send(ctx, nil), ErrPermissionDenied)

	var zero Capability
	assert.ErrorIs(t, zero.Send(ctx, nil), ErrInvalidCapability)
}

func TestStoreMonitor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	watcher := s.Spawn(SpawnOptions{})
	subject := &recordingEntry{}
	pid := s.Insert(subject)

	require.NoError(t, subject.self.Monitor(ctx, watcher.Self.Demote(PermSend)))
	require.NoError(t, s.Kill(ctx, pid))

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	sig, err := watcher.Recv(rctx)
	require.NoError(t, err)
	assert.Equal(t, SignalDown, sig.Kind)
	require.Len(t, sig.Caps, 1)
	assert.Equal(t, PermNone, sig.Caps[0].Perms())
}

func TestStoreMonitorDeadSubject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	watcher := s.Spawn(SpawnOptions{})
	subject := &recordingEntry{}
	pid := s.Insert(subject)
	self := subject.self
	require.NoError(t, s.Kill(ctx, pid))

	require.NoError(t, self.Monitor(ctx, watcher.Self))
	sig, ok := watcher.TryRecv()
	require.True(t, ok)
	assert.Equal(t, SignalDown, sig.Kind)
}

func TestProcessCloseIsLazy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := s.Spawn(SpawnOptions{})
	assert.Equal(t, 1, s.Len())

	p.Close()
	assert.Equal(t, 1, s.Len(), "entry lingers until the next delivery")

	assert.ErrorIs(t, p.Self.Send(ctx, []byte("x")), ErrNotFound)
	assert.Equal(t, 0, s.Len())
}

func TestProcessExit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := s.Spawn(SpawnOptions{})
	require.NoError(t, p.Exit(ctx))
	assert.Equal(t, 0, s.Len())
	_, err := p.Recv(ctx)
	assert.ErrorIs(t, err, ErrMailboxClosed)
}

func TestSpawnCarriesRegistry(t *testing.T) {
	s := newTestStore(t)
	reg := s.Spawn(SpawnOptions{})
	p := s.Spawn(SpawnOptions{Registry: reg.Self.Demote(PermSend)})
	assert.True(t, p.Registry.Valid())
	assert.Equal(t, PermSend, p.Registry.Perms())
	assert.Equal(t, reg.Self.Target(), p.Registry.Target())
}

func TestStoreConcurrentSenders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := s.Spawn(SpawnOptions{Mailbox: &MailboxOptions{Capacity: 4096}})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.NoError(t, p.Self.Send(ctx, []byte("x")))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, p.Mailbox().Len())
}

func TestReply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := NewReply(s)
	c, err := r.Capability()
	require.NoError(t, err)
	assert.Equal(t, PermSend, c.Perms())

	require.NoError(t, c.Send(ctx, []byte("answer")))
	assert.ErrorIs(t, c.Send(ctx, []byte("again")), ErrNotFound)

	sig, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer", string(sig.Payload))
	assert.Equal(t, 0, s.Len())
}

func TestReplyTimeout(t *testing.T) {
	s := newTestStore(t)
	r := NewReply(s)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Len())
}

func TestStoreLowestFreeIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var pids []ProcessID
	for i := 0; i < 4; i++ {
		pids = append(pids, s.Insert(&recordingEntry{}))
	}
	require.NoError(t, s.Kill(ctx, pids[2]))
	require.NoError(t, s.Kill(ctx, pids[1]))
	assert.Equal(t, pids[1].Local, s.Insert(&recordingEntry{}).Local)
	assert.Equal(t, pids[2].Local, s.Insert(&recordingEntry{}).Local)
}

func TestStoreMonitorByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	watcher := s.Spawn(SpawnOptions{})
	pid := s.Insert(&recordingEntry{})

	require.NoError(t, s.Monitor(ctx, pid, watcher.Self))
	require.NoError(t, s.Kill(ctx, pid))
	sig, ok := watcher.TryRecv()
	require.True(t, ok)
	assert.Equal(t, SignalDown, sig.Kind)

	assert.ErrorIs(t, s.Monitor(ctx, pid, watcher.Self), ErrNotFound)
}
