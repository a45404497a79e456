package fs

import (
	"fmt"

	"github.com/busybox42/capstone/pkg/types"
	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("fs: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type RequestKind uint8

const (
	Get RequestKind = iota + 1
	List
)

// Request names a slash-separated path relative to the provider root.
// Caps[0] of the carrying signal is the reply capability.
type Request struct {
	Target string      `cbor:"1,keyasint"`
	Kind   RequestKind `cbor:"2,keyasint"`
}

type FileInfo struct {
	Name string `cbor:"1,keyasint"`
	Dir  bool   `cbor:"2,keyasint,omitempty"`
	Size int64  `cbor:"3,keyasint,omitempty"`
}

// Success holds Get for a file request and List for a directory request.
type Success struct {
	Get  *types.LumpID `cbor:"1,keyasint,omitempty"`
	List []FileInfo    `cbor:"2,keyasint,omitempty"`
}

type ErrorKind uint8

const (
	NotFound ErrorKind = iota + 1
	PermissionDenied
	IsADirectory
	NotADirectory
	DirectoryTraversal
	InvalidTarget
	InvalidRequest
	Other
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case PermissionDenied:
		return "permission denied"
	case IsADirectory:
		return "is a directory"
	case NotADirectory:
		return "not a directory"
	case DirectoryTraversal:
		return "directory traversal"
	case InvalidTarget:
		return "invalid target"
	case InvalidRequest:
		return "invalid request"
	default:
		return "other"
	}
}

// Error is a failure reported by the provider.
type Error struct {
	Kind    ErrorKind `cbor:"1,keyasint"`
	Message string    `cbor:"2,keyasint,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "fs: " + e.Kind.String()
	}
	return fmt.Sprintf("fs: %s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: NotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Response carries exactly one of Success or Error.
type Response struct {
	Success *Success `cbor:"1,keyasint,omitempty"`
	Error   *Error   `cbor:"2,keyasint,omitempty"`
}

func MarshalRequest(r *Request) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

func UnmarshalRequest(data []byte) (*Request, error) {
	var r Request
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("fs: unmarshal request: %w", err)
	}
	if r.Kind != Get && r.Kind != List {
		return nil, fmt.Errorf("fs: unknown request kind %d", r.Kind)
	}
	return &r, nil
}

func MarshalResponse(r *Response) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

func UnmarshalResponse(data []byte) (*Response, error) {
	var r Response
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("fs: unmarshal response: %w", err)
	}
	if (r.Success == nil) == (r.Error == nil) {
		return nil, fmt.Errorf("fs: response must carry exactly one of success or error")
	}
	return &r, nil
}
