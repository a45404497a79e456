package network

import (
	"fmt"
	"time"

	"github.com/busybox42/capstone/pkg/crypto"
	"github.com/sirupsen/logrus"
)

type State int32

const (
	Connecting State = iota
	Authenticating
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	// Password is the pre-shared secret both ends must know.
	Password []byte
	KeyPair  *crypto.KeyPair

	// PasswordParams is what a server demands of its clients.
	PasswordParams crypto.PasswordParams

	// MaxFrameSize bounds a single plaintext payload.
	MaxFrameSize uint32
	// QueueSize is the depth of the outbound and inbound queues.
	QueueSize        int
	HandshakeTimeout time.Duration
	// IdleTimeout sets per-frame read and write deadlines. Zero disables them.
	IdleTimeout time.Duration
	// MaxConns caps concurrently accepted connections per listener.
	MaxConns int

	Dialer Dialer
	Logger logrus.FieldLogger

	passwords *passwordCache
}

func DefaultConfig() Config {
	return Config{
		PasswordParams:   crypto.DefaultPasswordParams(),
		MaxFrameSize:     maxMsgSize,
		QueueSize:        queueSize,
		HandshakeTimeout: handshakeTimeout,
		MaxConns:         maxConns,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PasswordParams == (crypto.PasswordParams{}) {
		c.PasswordParams = def.PasswordParams
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxConns <= 0 {
		c.MaxConns = def.MaxConns
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.passwords == nil {
		c.passwords = newPasswordCache()
	}
	return c
}

func (c Config) validate() error {
	if c.KeyPair == nil {
		return fmt.Errorf("network: config has no key pair")
	}
	if len(c.Password) == 0 {
		return fmt.Errorf("network: config has no password")
	}
	if c.MaxFrameSize > MaxFrameLimit {
		return fmt.Errorf("%w: max frame size %d above %d", ErrFrameTooLarge, c.MaxFrameSize, MaxFrameLimit)
	}
	return nil
}
