// pkg/protocol/message.go
package protocol

import (
	"fmt"

	"github.com/busybox42/capstone/pkg/process"
	"github.com/busybox42/capstone/pkg/types"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

type OpKind uint8

const (
	OpInvoke OpKind = iota + 1
	OpRelease
	OpLumpWant
	OpLumpData
	OpLumpMissing
)

func (k OpKind) String() string {
	switch k {
	case OpInvoke:
		return "invoke"
	case OpRelease:
		return "release"
	case OpLumpWant:
		return "lump-want"
	case OpLumpData:
		return "lump-data"
	case OpLumpMissing:
		return "lump-missing"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// CapSide says which end of the connection hosts the export a CapRef
// names.
type CapSide uint8

const (
	// SenderHosted refers to the sender's export table.
	SenderHosted CapSide = iota
	// ReceiverHosted hands a capability back to the peer that exported it.
	ReceiverHosted
)

func (s CapSide) String() string {
	if s == ReceiverHosted {
		return "receiver"
	}
	return "sender"
}

type CapRef struct {
	Side  CapSide      `cbor:"1,keyasint"`
	Index uint64       `cbor:"2,keyasint"`
	Perms process.Perm `cbor:"3,keyasint"`
}

// Operation is one message on an established connection.
type Operation struct {
	Kind    OpKind             `cbor:"1,keyasint"`
	Target  uint64             `cbor:"2,keyasint,omitempty"`
	Signal  process.SignalKind `cbor:"3,keyasint,omitempty"`
	Payload []byte             `cbor:"4,keyasint,omitempty"`
	Caps    []CapRef           `cbor:"5,keyasint,omitempty"`
	Count   uint64             `cbor:"6,keyasint,omitempty"`
	Lump    []byte             `cbor:"7,keyasint,omitempty"`
	Data    []byte             `cbor:"8,keyasint,omitempty"`
}

func Invoke(target uint64, kind process.SignalKind, payload []byte, caps []CapRef) *Operation {
	return &Operation{Kind: OpInvoke, Target: target, Signal: kind, Payload: payload, Caps: caps}
}

func Release(index, count uint64) *Operation {
	return &Operation{Kind: OpRelease, Target: index, Count: count}
}

func LumpWant(id types.LumpID) *Operation {
	return &Operation{Kind: OpLumpWant, Lump: id[:]}
}

func LumpData(id types.LumpID, data []byte) *Operation {
	return &Operation{Kind: OpLumpData, Lump: id[:], Data: data}
}

func LumpMissing(id types.LumpID) *Operation {
	return &Operation{Kind: OpLumpMissing, Lump: id[:]}
}

// LumpID returns the lump named by a lump operation.
func (op *Operation) LumpID() types.LumpID {
	var id types.LumpID
	copy(id[:], op.Lump)
	return id
}

// Validate checks the fields each kind requires.
func (op *Operation) Validate() error {
	switch op.Kind {
	case OpInvoke:
		if op.Signal != process.SignalMessage && op.Signal != process.SignalDown {
			return fmt.Errorf("%w: signal kind %d", ErrMalformedOperation, op.Signal)
		}
		if op.Signal == process.SignalDown && len(op.Caps) != 1 {
			return fmt.Errorf("%w: down signal needs exactly one capability", ErrMalformedOperation)
		}
		for _, ref := range op.Caps {
			if ref.Side > ReceiverHosted {
				return fmt.Errorf("%w: cap side %d", ErrMalformedOperation, ref.Side)
			}
			if ref.Perms&^process.PermAll != 0 {
				return fmt.Errorf("%w: perms %#x", ErrMalformedOperation, uint8(ref.Perms))
			}
		}
	case OpRelease:
		if op.Count == 0 {
			return fmt.Errorf("%w: release of zero references", ErrMalformedOperation)
		}
	case OpLumpWant, OpLumpData, OpLumpMissing:
		if len(op.Lump) != len(types.LumpID{}) {
			return fmt.Errorf("%w: lump id length %d", ErrMalformedOperation, len(op.Lump))
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrMalformedOperation, op.Kind)
	}
	return nil
}

func Marshal(op *Operation) ([]byte, error) {
	return encMode.Marshal(op)
}

// Unmarshal decodes and validates one operation.
func Unmarshal(data []byte) (*Operation, error) {
	var op Operation
	if err := decMode.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &op, nil
}
