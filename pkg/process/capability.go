// pkg/process/capability.go
package process

import (
	"context"
	"fmt"
)

// Target is whatever a Capability points at: a local process entry or a
// proxy for an object on another peer. Deliver owns the capabilities in
// sig and releases them when it fails.
type Target interface {
	Deliver(ctx context.Context, sig Signal) error
	Monitor(ctx context.Context, watcher Capability) error
	Kill(ctx context.Context) error
	// Retain and Release count references held through this target.
	Retain()
	Release()
}

// Capability is an unforgeable reference to a Target plus the permissions
// granted through it. The zero value is invalid.
type Capability struct {
	target Target
	perms  Perm
}

// Key identifies a capability for table lookups. Two capabilities with
// the same target and permissions have equal keys.
type Key struct {
	target Target
	perms  Perm
}

// NewCapability is used by runtime packages that implement Target.
func NewCapability(target Target, perms Perm) Capability {
	return Capability{target: target, perms: perms}
}

func (c Capability) Valid() bool {
	return c.target != nil
}

func (c Capability) Perms() Perm {
	return c.perms
}

func (c Capability) Target() Target {
	return c.target
}

func (c Capability) Key() Key {
	return Key{target: c.target, perms: c.perms}
}

// Clone returns a second reference to the same target. Each reference is
// released on its own.
func (c Capability) Clone() Capability {
	if c.target != nil {
		c.target.Retain()
	}
	return c
}

// Demote returns a capability limited to the intersection of perms and
// the current permissions. The result shares the reference held by c.
func (c Capability) Demote(perms Perm) Capability {
	return Capability{target: c.target, perms: c.perms & perms}
}

// Send delivers a message carrying caps. The attached capabilities are
// consumed whether or not delivery succeeds.
func (c Capability) Send(ctx context.Context, payload []byte, caps ...Capability) error {
	sig := Message(payload, caps...)
	if !c.Valid() {
		sig.ReleaseCaps()
		return ErrInvalidCapability
	}
	if !c.perms.Has(PermSend) {
		sig.ReleaseCaps()
		return fmt.Errorf("%w: send", ErrPermissionDenied)
	}
	return c.target.Deliver(ctx, sig)
}

// Monitor asks for a SignalDown to be delivered to watcher once the
// target is gone.
func (c Capability) Monitor(ctx context.Context, watcher Capability) error {
	if !c.Valid() || !watcher.Valid() {
		return ErrInvalidCapability
	}
	if !c.perms.Has(PermMonitor) {
		return fmt.Errorf("%w: monitor", ErrPermissionDenied)
	}
	if !watcher.perms.Has(PermSend) {
		return fmt.Errorf("%w: watcher cannot receive", ErrPermissionDenied)
	}
	return c.target.Monitor(ctx, watcher)
}

func (c Capability) Kill(ctx context.Context) error {
	if !c.Valid() {
		return ErrInvalidCapability
	}
	if !c.perms.Has(PermKill) {
		return fmt.Errorf("%w: kill", ErrPermissionDenied)
	}
	return c.target.Kill(ctx)
}

func (c Capability) Release() {
	if c.target != nil {
		c.target.Release()
	}
}

func (c Capability) String() string {
	if c.target == nil {
		return "cap(invalid)"
	}
	if s, ok := c.target.(fmt.Stringer); ok {
		return fmt.Sprintf("cap(%s %s)", s, c.perms)
	}
	return fmt.Sprintf("cap(%p %s)", c.target, c.perms)
}

// NotifyDown delivers a SignalDown about subject to watcher.
func NotifyDown(ctx context.Context, watcher, subject Capability) error {
	if !watcher.Valid() {
		return ErrInvalidCapability
	}
	return watcher.target.Deliver(ctx, Signal{
		Kind: SignalDown,
		Caps: []Capability{subject.Demote(PermNone)},
	})
}
