package registry

import (
	"context"
	"errors"
	"time"

	"github.com/busybox42/capstone/pkg/process"
	"github.com/sirupsen/logrus"
)

const monitorTimeout = time.Second

// Service serves a Table as a process. Every message gets exactly one
// reply unless it arrives without a reply capability.
type Service struct {
	table *Table
	proc  *process.Process
	// watcher receives the Down signals of registered processes. Its
	// capability is only ever given to Monitor.
	watcher *process.Process
	log     logrus.FieldLogger
}

func NewService(store *process.Store, table *Table, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	proc := store.Spawn(process.SpawnOptions{})
	return &Service{
		table:   table,
		proc:    proc,
		watcher: store.Spawn(process.SpawnOptions{}),
		log:     logger.WithFields(logrus.Fields{"component": "registry", "pid": proc.ID.Local}),
	}
}

// Capability returns a send-only capability to the service.
func (s *Service) Capability() process.Capability {
	return s.proc.Self.Demote(process.PermSend)
}

func (s *Service) Table() *Table {
	return s.table
}

// Run handles requests until ctx ends or the process is killed.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.proc.Close()
	go s.watchDowns(ctx)
	s.log.Info("Registry serving")
	for {
		sig, err := s.proc.Recv(ctx)
		if err != nil {
			if errors.Is(err, process.ErrMailboxClosed) {
				return nil
			}
			return err
		}
		s.handle(ctx, sig)
	}
}

func (s *Service) handle(ctx context.Context, sig process.Signal) {
	if sig.Kind != process.SignalMessage {
		// Anyone holding the service capability can send a Down here.
		s.log.WithField("kind", sig.Kind).Debug("Ignoring signal on the request mailbox")
		sig.ReleaseCaps()
		return
	}
	if len(sig.Caps) == 0 {
		s.log.Warn("Dropping request without a reply capability")
		return
	}
	reply := sig.Caps[0]
	defer reply.Release()
	rest := sig.Caps[1:]

	req, err := UnmarshalRequest(sig.Payload)
	if err != nil {
		s.log.WithError(err).Warn("Malformed registry request")
		releaseAll(rest)
		s.respond(ctx, reply, &Response{Kind: Invalid})
		return
	}
	log := s.log.WithFields(logrus.Fields{"kind": req.Kind, "name": req.Name})

	switch req.Kind {
	case Get:
		releaseAll(rest)
		c, ok := s.table.Get(req.Name)
		log.WithField("found", ok).Debug("Lookup")
		if ok {
			s.respond(ctx, reply, &Response{Kind: GetResponse, Found: true}, c)
		} else {
			s.respond(ctx, reply, &Response{Kind: GetResponse})
		}

	case Register:
		if len(rest) == 0 {
			log.Warn("Register without a capability")
			s.respond(ctx, reply, &Response{Kind: Invalid})
			return
		}
		releaseAll(rest[1:])
		if !s.table.ReadOnly() {
			s.watch(ctx, rest[0])
		}
		replaced, err := s.table.Register(req.Name, rest[0])
		if errors.Is(err, ErrReadOnly) {
			log.Debug("Refused register on read-only registry")
			s.respond(ctx, reply, &Response{Kind: RegisterResponse})
			return
		}
		log.WithField("replaced", replaced).Info("Registered")
		s.respond(ctx, reply, &Response{Kind: RegisterResponse, Result: &replaced})

	case List:
		releaseAll(rest)
		s.respond(ctx, reply, &Response{Kind: ListResponse, Names: s.table.List()})
	}
}

// watch asks to be told when c's process goes down so its names can be
// dropped. Capabilities without PermMonitor stay registered until replaced.
func (s *Service) watch(ctx context.Context, c process.Capability) {
	if !c.Perms().Has(process.PermMonitor) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, monitorTimeout)
	defer cancel()
	if err := c.Monitor(ctx, s.watcher.Self.Demote(process.PermSend)); err != nil {
		s.log.WithError(err).Debug("Cannot monitor registered capability")
	}
}

func (s *Service) watchDowns(ctx context.Context) {
	defer s.watcher.Close()
	for {
		sig, err := s.watcher.Recv(ctx)
		if err != nil {
			return
		}
		if sig.Kind != process.SignalDown {
			sig.ReleaseCaps()
			continue
		}
		s.down(sig)
	}
}

func (s *Service) down(sig process.Signal) {
	defer sig.ReleaseCaps()
	if len(sig.Caps) == 0 {
		return
	}
	names := s.table.Forget(sig.Caps[0].Target())
	if len(names) > 0 {
		s.log.WithField("names", names).Info("Dropped names of a dead process")
	}
}

func (s *Service) respond(ctx context.Context, reply process.Capability, resp *Response, caps ...process.Capability) {
	b, err := MarshalResponse(resp)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode response")
		releaseAll(caps)
		return
	}
	if err := reply.Send(ctx, b, caps...); err != nil {
		s.log.WithError(err).Debug("Reply not delivered")
	}
}

func releaseAll(caps []process.Capability) {
	for _, c := range caps {
		c.Release()
	}
}
