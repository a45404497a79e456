package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"net"
	"testing"
	"time"
)

func TestNewPeer(t *testing.T) {
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Failed to generate test key: %v", err)
	}

	addr := &net.TCPAddr{
		IP:   net.ParseIP("127.0.0.1"),
		Port: 8080,
	}

	peer := NewPeer(publicKey, addr)
	if peer == nil {
		t.Fatal("NewPeer returned a nil peer")
	}

	if peer.ID != PeerID(sha256.Sum256(publicKey)) {
		t.Errorf("Peer ID is not the digest of the public key")
	}

	if !peer.PublicKey.Equal(publicKey) {
		t.Errorf("PublicKey does not match expected value")
	}

	if peer.Address.String() != addr.String() {
		t.Errorf("Expected address %v, got %v", addr, peer.Address)
	}

	if time.Since(peer.LastSeen) > time.Second {
		t.Errorf("LastSeen timestamp is not recent")
	}
}

func TestNewPeerWithoutKey(t *testing.T) {
	peer := NewPeer(nil, nil)
	if !peer.ID.IsZero() {
		t.Errorf("Expected zero ID for a peer without a key, got %s", peer.ID.Hex())
	}
}

func TestProcessIDString(t *testing.T) {
	var peer PeerID
	peer[0] = 0xab
	id := ProcessID{Peer: peer, Local: 7}
	if got, want := id.String(), "ab00000000000000/7"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
