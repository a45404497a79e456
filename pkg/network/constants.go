package network

import "time"

const (
	// ProtocolVersion is exchanged in Hello and Challenge; peers with a
	// different version are refused.
	ProtocolVersion = 1

	// MaxFrameLimit is the largest MaxFrameSize a Config may ask for.
	MaxFrameLimit = 1 << 30

	connTimeout      = 30 * time.Second
	handshakeTimeout = 30 * time.Second
	maxMsgSize       = 16 * 1024 * 1024 // 16MB
	maxHandshakeMsg  = 4096
	queueSize        = 64
	maxConns         = 256

	nonceSize = 32
	saltSize  = 16
)
