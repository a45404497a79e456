package process

type SignalKind uint8

const (
	// SignalMessage carries a payload and attached capabilities.
	SignalMessage SignalKind = iota
	// SignalDown tells a monitor that its subject is gone. Caps[0] is the
	// subject with no permissions left.
	SignalDown
)

func (k SignalKind) String() string {
	switch k {
	case SignalMessage:
		return "message"
	case SignalDown:
		return "down"
	default:
		return "unknown"
	}
}

// Signal is the unit delivered to a process mailbox.
type Signal struct {
	Kind    SignalKind
	Payload []byte
	Caps    []Capability
}

func Message(payload []byte, caps ...Capability) Signal {
	return Signal{Kind: SignalMessage, Payload: payload, Caps: caps}
}

// ReleaseCaps releases every capability attached to the signal.
func (s Signal) ReleaseCaps() {
	for _, c := range s.Caps {
		c.Release()
	}
}
