package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/busybox42/capstone/pkg/crypto"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 16, MaxMapPairs: 16}.DecMode()
	if err != nil {
		panic(err)
	}
}

type hello struct {
	Version   uint16 `cbor:"1,keyasint"`
	Nonce     []byte `cbor:"2,keyasint"`
	PublicKey []byte `cbor:"3,keyasint"`
}

type challenge struct {
	Version   uint16                `cbor:"1,keyasint"`
	Salt      []byte                `cbor:"2,keyasint"`
	Nonce     []byte                `cbor:"3,keyasint"`
	PublicKey []byte                `cbor:"4,keyasint"`
	Params    crypto.PasswordParams `cbor:"5,keyasint"`
}

type proof struct {
	MAC       []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

const (
	labelSecret      = "secret"
	labelClientProof = "client proof"
	labelServerProof = "server proof"
	transcriptTag    = "capstone handshake v1"
)

// handshakeResult is what both sides agree on once authenticated.
type handshakeResult struct {
	keys      *crypto.SessionKeys
	remoteKey ed25519.PublicKey
}

func sendMsg(w io.Writer, v any) error {
	b, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode handshake message: %w", err)
	}
	return writeFrame(w, b)
}

func recvMsg(r io.Reader, v any) error {
	b, err := readFrame(r, maxHandshakeMsg)
	if err != nil {
		return err
	}
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// transcript binds every value either side contributed.
func transcript(h *hello, c *challenge) []byte {
	d := sha256.New()
	d.Write([]byte(transcriptTag))
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], h.Version)
	d.Write(v[:])
	d.Write(h.Nonce)
	d.Write(h.PublicKey)
	d.Write(c.Nonce)
	d.Write(c.PublicKey)
	d.Write(c.Salt)
	var p [9]byte
	binary.LittleEndian.PutUint32(p[0:], c.Params.Time)
	binary.LittleEndian.PutUint32(p[4:], c.Params.Memory)
	p[8] = c.Params.Threads
	d.Write(p[:])
	return d.Sum(nil)
}

func (h *hello) check() error {
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d", ErrVersionMismatch, h.Version)
	}
	if len(h.Nonce) != nonceSize || len(h.PublicKey) != ed25519.PublicKeySize {
		return ErrBadHandshake
	}
	return nil
}

func (c *challenge) check() error {
	if c.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d", ErrVersionMismatch, c.Version)
	}
	if len(c.Nonce) != nonceSize || len(c.Salt) != saltSize || len(c.PublicKey) != ed25519.PublicKeySize {
		return ErrBadHandshake
	}
	return c.Params.Check()
}

// passwordCache holds the server's stretched password. One salt serves
// every handshake of a transport; the nonces keep each transcript fresh.
type passwordCache struct {
	mu          sync.Mutex
	salt        []byte
	params      crypto.PasswordParams
	key         []byte
	derivations int
}

func newPasswordCache() *passwordCache {
	return &passwordCache{}
}

func (p *passwordCache) get(password []byte, params crypto.PasswordParams) (salt, key []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != nil && p.params == params {
		return p.salt, p.key, nil
	}
	salt, err = randomBytes(saltSize)
	if err != nil {
		return nil, nil, err
	}
	p.salt = salt
	p.params = params
	p.key = crypto.PasswordKey(password, salt, params)
	p.derivations++
	return p.salt, p.key, nil
}

func (p *passwordCache) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.derivations
}

func derive(pw []byte, h *hello, c *challenge) (t []byte, keys *crypto.SessionKeys, err error) {
	t = transcript(h, c)
	secret := crypto.MAC(pw, labelSecret, t)
	keys, err = crypto.DeriveDirectionalKeys(secret, t)
	return t, keys, err
}

func verifyProof(p *proof, pw, t []byte, label string, remote ed25519.PublicKey) bool {
	want := crypto.MAC(pw, label, t)
	macOK := crypto.Equal(want, p.MAC)
	sigOK := crypto.Verify(remote, t, p.Signature)
	return macOK && sigOK
}

func clientHandshake(rw io.ReadWriter, cfg Config) (*handshakeResult, error) {
	nonce, err := randomBytes(nonceSize)
	if err != nil {
		return nil, err
	}
	h := &hello{Version: ProtocolVersion, Nonce: nonce, PublicKey: cfg.KeyPair.PublicKey}
	if err := sendMsg(rw, h); err != nil {
		return nil, err
	}

	var c challenge
	if err := recvMsg(rw, &c); err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if err := c.check(); err != nil {
		return nil, err
	}

	pw := crypto.PasswordKey(cfg.Password, c.Salt, c.Params)
	t, keys, err := derive(pw, h, &c)
	if err != nil {
		return nil, err
	}
	sig, err := cfg.KeyPair.Sign(t)
	if err != nil {
		return nil, err
	}
	if err := sendMsg(rw, &proof{MAC: crypto.MAC(pw, labelClientProof, t), Signature: sig}); err != nil {
		return nil, err
	}

	// A server that rejects our proof just hangs up.
	var sp proof
	if err := recvMsg(rw, &sp); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrAuthFailed
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	remote := ed25519.PublicKey(c.PublicKey)
	if !verifyProof(&sp, pw, t, labelServerProof, remote) {
		return nil, ErrAuthFailed
	}
	return &handshakeResult{keys: keys, remoteKey: remote}, nil
}

func serverHandshake(rw io.ReadWriter, cfg Config) (*handshakeResult, error) {
	if err := cfg.PasswordParams.Check(); err != nil {
		return nil, err
	}
	var h hello
	if err := recvMsg(rw, &h); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := h.check(); err != nil {
		return nil, err
	}

	salt, pw, err := cfg.passwords.get(cfg.Password, cfg.PasswordParams)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(nonceSize)
	if err != nil {
		return nil, err
	}
	c := &challenge{
		Version:   ProtocolVersion,
		Salt:      salt,
		Nonce:     nonce,
		PublicKey: cfg.KeyPair.PublicKey,
		Params:    cfg.PasswordParams,
	}
	if err := sendMsg(rw, c); err != nil {
		return nil, err
	}

	t, keys, err := derive(pw, &h, c)
	if err != nil {
		return nil, err
	}

	var cp proof
	if err := recvMsg(rw, &cp); err != nil {
		return nil, fmt.Errorf("read proof: %w", err)
	}
	remote := ed25519.PublicKey(h.PublicKey)
	if !verifyProof(&cp, pw, t, labelClientProof, remote) {
		return nil, ErrAuthFailed
	}

	sig, err := cfg.KeyPair.Sign(t)
	if err != nil {
		return nil, err
	}
	if err := sendMsg(rw, &proof{MAC: crypto.MAC(pw, labelServerProof, t), Signature: sig}); err != nil {
		return nil, err
	}
	return &handshakeResult{keys: keys, remoteKey: remote}, nil
}
