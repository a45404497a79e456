package process

import "context"

// Entry is a process table entry. New kinds of process (routers,
// broadcasters) implement it alongside LocalEntry.
type Entry interface {
	// OnInsert receives a full-permission capability for the new entry.
	OnInsert(self Capability)
	// OnSignal consumes sig. Returning an error wrapping ErrUndeliverable
	// hands the signal back and makes the store remove the entry.
	OnSignal(ctx context.Context, sig Signal) error
	// OnRemove runs once, after the entry has left the table.
	OnRemove()
}

// LocalEntry forwards every signal verbatim into a mailbox owned by the
// task running the process.
type LocalEntry struct {
	mailbox *Mailbox
}

func NewLocalEntry(mailbox *Mailbox) *LocalEntry {
	return &LocalEntry{mailbox: mailbox}
}

func (e *LocalEntry) Mailbox() *Mailbox {
	return e.mailbox
}

func (e *LocalEntry) OnInsert(Capability) {}

func (e *LocalEntry) OnSignal(ctx context.Context, sig Signal) error {
	return e.mailbox.Push(ctx, sig)
}

func (e *LocalEntry) OnRemove() {
	e.mailbox.Close()
}
