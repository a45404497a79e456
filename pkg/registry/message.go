package registry

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("registry: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type RequestKind uint8

const (
	// Get carries no capabilities besides the reply.
	Get RequestKind = iota + 1
	// Register carries the capability to register as Caps[1].
	Register
	List
)

// Request is the payload of a signal sent to the registry. Caps[0] of
// that signal is where the Response goes.
type Request struct {
	Kind RequestKind `cbor:"1,keyasint"`
	Name string      `cbor:"2,keyasint,omitempty"`
}

type ResponseKind uint8

const (
	GetResponse ResponseKind = iota + 1
	RegisterResponse
	ListResponse
	// Invalid answers a request the registry could not parse.
	Invalid
)

// Response answers one Request. A found Get carries the capability as
// Caps[0]. A Register Result of nil means the registry is read-only;
// otherwise it reports whether an earlier entry was replaced.
type Response struct {
	Kind   ResponseKind `cbor:"1,keyasint"`
	Found  bool         `cbor:"2,keyasint,omitempty"`
	Result *bool        `cbor:"3,keyasint,omitempty"`
	Names  []string     `cbor:"4,keyasint,omitempty"`
}

func MarshalRequest(r *Request) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

func UnmarshalRequest(data []byte) (*Request, error) {
	var r Request
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("registry: unmarshal request: %w", err)
	}
	switch r.Kind {
	case Get, Register, List:
	default:
		return nil, fmt.Errorf("registry: unknown request kind %d", r.Kind)
	}
	return &r, nil
}

func MarshalResponse(r *Response) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

func UnmarshalResponse(data []byte) (*Response, error) {
	var r Response
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("registry: unmarshal response: %w", err)
	}
	return &r, nil
}
