package protocol

import (
	"errors"
	"fmt"

	"github.com/busybox42/capstone/pkg/process"
)

var (
	ErrMalformedOperation = errors.New("protocol: malformed operation")
	ErrUnknownIndex       = errors.New("protocol: unknown export index")
	ErrOverRelease        = errors.New("protocol: release exceeds references")
	ErrPermission         = errors.New("protocol: invoke without send permission")
	ErrForgedDown         = errors.New("protocol: down signal about an object the peer does not host")
	ErrLumpMismatch       = errors.New("protocol: lump data does not match its id")
	ErrLumpNotFound       = errors.New("protocol: lump not found on peer")
	ErrStaleProxy         = fmt.Errorf("protocol: proxy no longer imported: %w", process.ErrInvalidCapability)
)

// ProtocolError is a fault by the remote peer. It always closes the
// connection.
type ProtocolError struct {
	Op    OpKind
	Index uint64
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s (index %d): %v", e.Op, e.Index, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
