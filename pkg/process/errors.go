package process

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("process: not found")
	ErrPermissionDenied  = errors.New("process: permission denied")
	ErrInvalidCapability = errors.New("process: invalid capability")
	ErrUnsupported       = errors.New("process: operation not supported by target")

	// ErrUndeliverable is returned by Entry.OnSignal when the entry can no
	// longer accept signals. The store removes such entries.
	ErrUndeliverable = errors.New("process: undeliverable")

	ErrMailboxClosed = fmt.Errorf("process: mailbox closed: %w", ErrUndeliverable)
	ErrMailboxFull   = errors.New("process: mailbox full")
)
