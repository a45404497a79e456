package process

import "strings"

// Perm is the permission bitset carried by a Capability.
type Perm uint8

const (
	PermSend Perm = 1 << iota
	PermMonitor
	PermKill

	PermNone Perm = 0
	PermAll       = PermSend | PermMonitor | PermKill
)

func (p Perm) Has(q Perm) bool {
	return p&q == q
}

func (p Perm) String() string {
	if p == PermNone {
		return "none"
	}
	var parts []string
	if p.Has(PermSend) {
		parts = append(parts, "send")
	}
	if p.Has(PermMonitor) {
		parts = append(parts, "monitor")
	}
	if p.Has(PermKill) {
		parts = append(parts, "kill")
	}
	return strings.Join(parts, "|")
}
