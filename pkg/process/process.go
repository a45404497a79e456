package process

import "context"

type SpawnOptions struct {
	// Mailbox overrides the store's default mailbox options.
	Mailbox *MailboxOptions
	// Registry is handed to the process as its ambient registry capability.
	Registry Capability
}

// Process is the handle held by the task that runs a local process.
type Process struct {
	ID       ProcessID
	Self     Capability
	Registry Capability

	store   *Store
	mailbox *Mailbox
}

// Spawn inserts a new mailbox-backed process. Self carries every
// permission; demote it before handing it out.
func (s *Store) Spawn(opts SpawnOptions) *Process {
	mopts := s.mailbox
	if opts.Mailbox != nil {
		mopts = *opts.Mailbox
	}
	mailbox := NewMailbox(mopts)
	entry := NewLocalEntry(mailbox)
	pid := s.Insert(entry)
	self, err := s.Capability(pid, PermAll)
	if err != nil {
		// Killed between Insert and here; Self stays invalid.
		s.log.WithField("pid", pid.Local).Debug("Process gone before spawn returned")
	}
	return &Process{
		ID:       pid,
		Self:     self,
		Registry: opts.Registry,
		store:    s,
		mailbox:  mailbox,
	}
}

// Recv blocks until a signal arrives, the process is removed or ctx ends.
func (p *Process) Recv(ctx context.Context) (Signal, error) {
	return p.mailbox.Recv(ctx)
}

func (p *Process) TryRecv() (Signal, bool) {
	return p.mailbox.TryRecv()
}

func (p *Process) Mailbox() *Mailbox {
	return p.mailbox
}

// Close stops receiving. The store notices on the next delivery and
// removes the entry.
func (p *Process) Close() {
	p.mailbox.Close()
}

// Exit removes the process right away and notifies its monitors.
func (p *Process) Exit(ctx context.Context) error {
	p.mailbox.Close()
	return p.store.Kill(ctx, p.ID)
}
