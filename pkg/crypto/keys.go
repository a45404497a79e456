// pkg/crypto/keys.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/busybox42/capstone/pkg/types"
)

const (
	publicKeyFile  = "identity.pub"
	privateKeyFile = "identity.key"
)

// KeyPair represents a public/private key pair for signing and verification
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}

// LoadOrCreateKeyPair reads the identity stored in dir, generating and
// writing a new one when none exists.
func LoadOrCreateKeyPair(dir string) (*KeyPair, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	pubPath := filepath.Join(dir, publicKeyFile)
	privPath := filepath.Join(dir, privateKeyFile)

	priv, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		if len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("private key %s: bad length %d", privPath, len(priv))
		}
		key := ed25519.PrivateKey(priv)
		return &KeyPair{
			PublicKey:  key.Public().(ed25519.PublicKey),
			PrivateKey: key,
		}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read private key: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate keys: %w", err)
	}
	if err := os.WriteFile(privPath, kp.PrivateKey, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, kp.PublicKey, 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	return kp, nil
}

// Sign creates a signature for the given message using the private key
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(kp.PrivateKey, message), nil
}

// Verify checks if the signature is valid for the given message
func (kp *KeyPair) Verify(message, signature []byte) bool {
	return Verify(kp.PublicKey, message, signature)
}

// Verify checks a signature made by the holder of publicKey. Malformed
// keys and signatures fail instead of panicking.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// PeerID is the identity other peers see for this key pair.
func (kp *KeyPair) PeerID() types.PeerID {
	return types.PeerIDFromKey(kp.PublicKey)
}
