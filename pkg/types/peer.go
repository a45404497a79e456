// pkg/types/peer.go
package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"time"
)

// PeerID identifies a peer process. It is the SHA-256 of the peer's
// ed25519 public key.
type PeerID [32]byte

func PeerIDFromKey(publicKey ed25519.PublicKey) PeerID {
	return sha256.Sum256(publicKey)
}

// String returns a short hex form suitable for logs.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:8])
}

func (p PeerID) Hex() string {
	return hex.EncodeToString(p[:])
}

func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// ProcessID is globally unique: Local is only unique within its owning peer.
type ProcessID struct {
	Peer  PeerID
	Local uint32
}

func (id ProcessID) String() string {
	return fmt.Sprintf("%s/%d", id.Peer, id.Local)
}

// Peer describes the far end of an authenticated link.
type Peer struct {
	ID        PeerID
	PublicKey ed25519.PublicKey
	Address   net.Addr
	LastSeen  time.Time
}

func NewPeer(publicKey ed25519.PublicKey, addr net.Addr) *Peer {
	var id PeerID
	if publicKey != nil {
		id = PeerIDFromKey(publicKey)
	}
	return &Peer{
		ID:        id,
		PublicKey: publicKey,
		Address:   addr,
		LastSeen:  time.Now(),
	}
}
