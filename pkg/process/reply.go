package process

import (
	"context"
	"fmt"
	"sync"
)

// Reply is a oneshot process used to receive the answer to a request.
type Reply struct {
	store *Store
	pid   ProcessID
	ch    chan Signal

	mu   sync.Mutex
	used bool
}

func NewReply(store *Store) *Reply {
	r := &Reply{store: store, ch: make(chan Signal, 1)}
	r.pid = store.Insert(r)
	return r
}

// Capability returns a send-only capability suitable for attaching to a
// request.
func (r *Reply) Capability() (Capability, error) {
	return r.store.Capability(r.pid, PermSend)
}

func (r *Reply) ID() ProcessID {
	return r.pid
}

// Wait returns the single reply signal and removes the entry.
func (r *Reply) Wait(ctx context.Context) (Signal, error) {
	defer r.Cancel()
	select {
	case sig := <-r.ch:
		return sig, nil
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
}

// Cancel removes the entry without waiting. Safe to call more than once.
func (r *Reply) Cancel() {
	_ = r.store.Kill(context.Background(), r.pid)
	select {
	case sig := <-r.ch:
		sig.ReleaseCaps()
	default:
	}
}

func (r *Reply) OnInsert(Capability) {}

func (r *Reply) OnSignal(_ context.Context, sig Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return fmt.Errorf("%w: reply already received", ErrUndeliverable)
	}
	r.used = true
	r.ch <- sig
	return nil
}

func (r *Reply) OnRemove() {
	r.mu.Lock()
	r.used = true
	r.mu.Unlock()
}
