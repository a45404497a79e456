// pkg/network/network.go
package network

import (
	"context"
	"errors"
	"net"
)

var (
	ErrAuthFailed       = errors.New("network: authentication failed")
	ErrConnectionClosed = errors.New("network: connection closed")
	ErrFrameTooLarge    = errors.New("network: frame too large")
	ErrVersionMismatch  = errors.New("network: protocol version mismatch")
	ErrBadHandshake     = errors.New("network: malformed handshake message")
)

// Dialer opens the raw stream a session runs over. net.Dialer and the
// Tor SOCKS5 dialer both satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
