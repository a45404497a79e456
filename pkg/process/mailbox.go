// pkg/process/mailbox.go
package process

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Policy decides what Push does when a mailbox is full.
type Policy int

const (
	// Block waits for room or for the context to end.
	Block Policy = iota
	// DropOldest discards the oldest queued signal to make room.
	DropOldest
	// Reject fails the push with ErrMailboxFull.
	Reject
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop-oldest"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "drop-oldest", "drop_oldest":
		return DropOldest, nil
	case "reject":
		return Reject, nil
	default:
		return Block, fmt.Errorf("process: unknown mailbox policy %q", s)
	}
}

type MailboxOptions struct {
	Capacity int
	Policy   Policy
}

func DefaultMailboxOptions() MailboxOptions {
	return MailboxOptions{
		Capacity: 1024,
		Policy:   Block,
	}
}

// Mailbox is a bounded FIFO queue with many producers and one consumer.
// Close is called by the consumer when it stops receiving; every later
// Push fails with ErrMailboxClosed.
type Mailbox struct {
	mu       sync.Mutex
	queue    []Signal
	capacity int
	policy   Policy
	closed   bool
	dropped  uint64

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

func NewMailbox(opts MailboxOptions) *Mailbox {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultMailboxOptions().Capacity
	}
	return &Mailbox{
		capacity: opts.Capacity,
		policy:   opts.Policy,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Mailbox) Push(ctx context.Context, sig Signal) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrMailboxClosed
		}
		if len(m.queue) < m.capacity {
			m.queue = append(m.queue, sig)
			room := len(m.queue) < m.capacity
			m.mu.Unlock()
			wake(m.notEmpty)
			if room {
				// Pass the wakeup on to any other blocked producer.
				wake(m.notFull)
			}
			return nil
		}

		switch m.policy {
		case DropOldest:
			old := m.queue[0]
			m.queue[0] = Signal{}
			m.queue = append(m.queue[1:], sig)
			m.dropped++
			m.mu.Unlock()
			old.ReleaseCaps()
			wake(m.notEmpty)
			return nil
		case Reject:
			m.mu.Unlock()
			return ErrMailboxFull
		}
		m.mu.Unlock()

		select {
		case <-m.notFull:
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryRecv pops the next signal without waiting.
func (m *Mailbox) TryRecv() (Signal, bool) {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return Signal{}, false
	}
	sig := m.queue[0]
	m.queue[0] = Signal{}
	m.queue = m.queue[1:]
	if len(m.queue) == 0 {
		m.queue = nil
	}
	m.mu.Unlock()
	wake(m.notFull)
	return sig, true
}

// Recv waits for the next signal. Signals queued before Close are still
// returned; after that Recv fails with ErrMailboxClosed.
func (m *Mailbox) Recv(ctx context.Context) (Signal, error) {
	for {
		if sig, ok := m.TryRecv(); ok {
			return sig, nil
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Signal{}, ErrMailboxClosed
		}

		select {
		case <-m.notEmpty:
		case <-m.done:
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		}
	}
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Dropped counts signals discarded by the DropOldest policy.
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
