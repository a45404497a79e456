// pkg/process/store.go
package process

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/busybox42/capstone/pkg/types"
	"github.com/sirupsen/logrus"
)

type ProcessID = types.ProcessID

type Options struct {
	Mailbox MailboxOptions
	Logger  logrus.FieldLogger
}

type slot struct {
	entry    Entry
	gen      uint32
	target   *localTarget
	monitors []Capability
	live     bool
}

// Store is the table of local processes. Local ids are reused, but only
// after the previous occupant's OnRemove has returned; capabilities are
// bound to a slot generation so they never reach a later occupant.
type Store struct {
	peer    types.PeerID
	mailbox MailboxOptions
	log     logrus.FieldLogger

	mu    sync.RWMutex
	slots []slot
	free  []uint32
	count int
}

func NewStore(peer types.PeerID, opts Options) *Store {
	if opts.Mailbox.Capacity <= 0 {
		opts.Mailbox = DefaultMailboxOptions()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Store{
		peer:    peer,
		mailbox: opts.Mailbox,
		log:     opts.Logger.WithField("peer", peer),
	}
}

func (s *Store) Peer() types.PeerID {
	return s.peer
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Insert allocates a local id for entry and calls its OnInsert hook.
func (s *Store) Insert(entry Entry) ProcessID {
	s.mu.Lock()
	var index uint32
	if n := len(s.free); n > 0 {
		// Lowest free index first.
		low := 0
		for i, idx := range s.free {
			if idx < s.free[low] {
				low = i
			}
		}
		index = s.free[low]
		s.free[low] = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		index = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}
	sl := &s.slots[index]
	sl.gen++
	sl.entry = entry
	sl.live = true
	sl.monitors = nil
	sl.target = &localTarget{store: s, index: index, gen: sl.gen}
	target := sl.target
	s.count++
	s.mu.Unlock()

	pid := ProcessID{Peer: s.peer, Local: index}
	s.log.WithField("pid", pid.Local).Debug("Process inserted")
	entry.OnInsert(NewCapability(target, PermAll))
	return pid
}

func (s *Store) lookup(index, gen uint32) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(index) >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[index]
	if !sl.live || (gen != 0 && sl.gen != gen) {
		return nil, false
	}
	return sl.entry, true
}

func (s *Store) current(pid ProcessID) (uint32, bool) {
	if pid.Peer != s.peer {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(pid.Local) >= len(s.slots) || !s.slots[pid.Local].live {
		return 0, false
	}
	return s.slots[pid.Local].gen, true
}

// Capability mints a capability for a live process.
func (s *Store) Capability(pid ProcessID, perms Perm) (Capability, error) {
	if pid.Peer != s.peer {
		return Capability{}, fmt.Errorf("%w: %s", ErrNotFound, pid)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(pid.Local) >= len(s.slots) || !s.slots[pid.Local].live {
		return Capability{}, fmt.Errorf("%w: %s", ErrNotFound, pid)
	}
	return NewCapability(s.slots[pid.Local].target, perms), nil
}

// Send delivers sig to the live process pid.
func (s *Store) Send(ctx context.Context, pid ProcessID, sig Signal) error {
	gen, ok := s.current(pid)
	if !ok {
		sig.ReleaseCaps()
		return fmt.Errorf("%w: %s", ErrNotFound, pid)
	}
	return s.deliver(ctx, pid.Local, gen, sig)
}

func (s *Store) deliver(ctx context.Context, index, gen uint32, sig Signal) error {
	entry, ok := s.lookup(index, gen)
	if !ok {
		sig.ReleaseCaps()
		return fmt.Errorf("%w: %s", ErrNotFound, ProcessID{Peer: s.peer, Local: index})
	}
	err := entry.OnSignal(ctx, sig)
	if err == nil {
		return nil
	}
	sig.ReleaseCaps()
	if errors.Is(err, ErrUndeliverable) {
		s.log.WithField("pid", index).Debug("Removing process that stopped receiving")
		s.remove(ctx, index, gen)
		return fmt.Errorf("%w: %s", ErrNotFound, ProcessID{Peer: s.peer, Local: index})
	}
	return err
}

// Kill removes pid and runs its OnRemove hook.
func (s *Store) Kill(ctx context.Context, pid ProcessID) error {
	gen, ok := s.current(pid)
	if !ok || !s.remove(ctx, pid.Local, gen) {
		return fmt.Errorf("%w: %s", ErrNotFound, pid)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, index, gen uint32) bool {
	s.mu.Lock()
	if int(index) >= len(s.slots) {
		s.mu.Unlock()
		return false
	}
	sl := &s.slots[index]
	if !sl.live || sl.gen != gen {
		s.mu.Unlock()
		return false
	}
	entry, target, monitors := sl.entry, sl.target, sl.monitors
	sl.live = false
	sl.entry = nil
	sl.monitors = nil
	s.mu.Unlock()

	entry.OnRemove()

	subject := NewCapability(target, PermNone)
	for _, w := range monitors {
		if err := NotifyDown(ctx, w, subject); err != nil {
			s.log.WithFields(logrus.Fields{"pid": index, "error": err}).Debug("Monitor notification failed")
		}
		w.Release()
	}

	s.mu.Lock()
	s.free = append(s.free, index)
	s.count--
	s.mu.Unlock()
	s.log.WithField("pid", index).Debug("Process removed")
	return true
}

// Monitor registers watcher for a SignalDown once subject is removed.
func (s *Store) Monitor(ctx context.Context, subject ProcessID, watcher Capability) error {
	if !watcher.Valid() {
		return ErrInvalidCapability
	}
	gen, ok := s.current(subject)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, subject)
	}
	return s.monitor(ctx, subject.Local, gen, watcher)
}

func (s *Store) monitor(ctx context.Context, index, gen uint32, watcher Capability) error {
	s.mu.Lock()
	if int(index) < len(s.slots) {
		sl := &s.slots[index]
		if sl.live && sl.gen == gen {
			sl.monitors = append(sl.monitors, watcher)
			s.mu.Unlock()
			return nil
		}
	}
	var subject Capability
	if int(index) < len(s.slots) {
		target := s.slots[index].target
		if target == nil || target.gen != gen {
			target = &localTarget{store: s, index: index, gen: gen}
		}
		subject = NewCapability(target, PermNone)
	}
	s.mu.Unlock()

	// Already gone: report it straight away.
	return NotifyDown(ctx, watcher, subject)
}

// localTarget addresses one generation of one slot.
type localTarget struct {
	store *Store
	index uint32
	gen   uint32
}

func (t *localTarget) Deliver(ctx context.Context, sig Signal) error {
	return t.store.deliver(ctx, t.index, t.gen, sig)
}

func (t *localTarget) Monitor(ctx context.Context, watcher Capability) error {
	return t.store.monitor(ctx, t.index, t.gen, watcher)
}

func (t *localTarget) Kill(ctx context.Context) error {
	if !t.store.remove(ctx, t.index, t.gen) {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID())
	}
	return nil
}

func (t *localTarget) Retain() {}
func (t *localTarget) Release() {}

func (t *localTarget) ID() ProcessID {
	return ProcessID{Peer: t.store.peer, Local: t.index}
}

func (t *localTarget) String() string {
	return t.ID().String()
}
