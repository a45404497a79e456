package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	infoClientToServer = "capstone client->server"
	infoServerToClient = "capstone server->client"
)

// DirectionKeys hold the cipher and MAC keys for one direction of a link.
type DirectionKeys struct {
	Cipher [KeySize]byte
	MAC    [KeySize]byte
}

// SessionKeys are the two directional key sets derived from a handshake.
type SessionKeys struct {
	ClientToServer DirectionKeys
	ServerToClient DirectionKeys
}

// Local returns the (send, receive) pair for one side of the link.
func (k *SessionKeys) Local(isClient bool) (send, recv DirectionKeys) {
	if isClient {
		return k.ClientToServer, k.ServerToClient
	}
	return k.ServerToClient, k.ClientToServer
}

// DeriveDirectionalKeys expands secret into independent keys per
// direction, salted with the handshake transcript.
func DeriveDirectionalKeys(secret, transcript []byte) (*SessionKeys, error) {
	keys := &SessionKeys{}
	if err := expand(secret, transcript, infoClientToServer, &keys.ClientToServer); err != nil {
		return nil, err
	}
	if err := expand(secret, transcript, infoServerToClient, &keys.ServerToClient); err != nil {
		return nil, err
	}
	return keys, nil
}

func expand(secret, salt []byte, info string, out *DirectionKeys) error {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out.Cipher[:]); err != nil {
		return fmt.Errorf("derive %s cipher key: %w", info, err)
	}
	if _, err := io.ReadFull(r, out.MAC[:]); err != nil {
		return fmt.Errorf("derive %s mac key: %w", info, err)
	}
	return nil
}

// MAC computes HMAC-SHA256(key, label||data...).
func MAC(key []byte, label string, data ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(label))
	for _, d := range data {
		m.Write(d)
	}
	return m.Sum(nil)
}

// Equal compares two MACs in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}
