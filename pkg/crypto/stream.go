package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20"
)

// TagSize is the length of the truncated HMAC appended to every frame.
const TagSize = 16

// keystreamLimit is how many bytes one chacha20 key/nonce can produce
// before the 32-bit block counter wraps.
const keystreamLimit = uint64(1<<32) * 64

var (
	ErrDecrypt            = errors.New("crypto: frame authentication failed")
	ErrKeystreamExhausted = errors.New("crypto: keystream exhausted")
)

// stream is one direction's continuous cipher state plus frame counter.
type stream struct {
	cipher *chacha20.Cipher
	mac    hash.Hash
	seq    uint64
	used   uint64
}

func newStream(k DirectionKeys) (*stream, error) {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(k.Cipher[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &stream{cipher: c, mac: hmac.New(sha256.New, k.MAC[:])}, nil
}

func (s *stream) tag(ciphertext []byte) []byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], s.seq)
	s.mac.Reset()
	s.mac.Write(seq[:])
	s.mac.Write(ciphertext)
	return s.mac.Sum(nil)[:TagSize]
}

func (s *stream) reserve(n int) error {
	if s.used+uint64(n) > keystreamLimit {
		return ErrKeystreamExhausted
	}
	s.used += uint64(n)
	return nil
}

// Sealer encrypts outbound frames. Not safe for concurrent use.
type Sealer struct{ s *stream }

func NewSealer(k DirectionKeys) (*Sealer, error) {
	s, err := newStream(k)
	if err != nil {
		return nil, err
	}
	return &Sealer{s: s}, nil
}

// Seal returns ciphertext||tag for plaintext.
func (w *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if err := w.s.reserve(len(plaintext)); err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext), len(plaintext)+TagSize)
	w.s.cipher.XORKeyStream(out, plaintext)
	out = append(out, w.s.tag(out)...)
	w.s.seq++
	return out, nil
}

// Opener authenticates and decrypts inbound frames. Not safe for
// concurrent use.
type Opener struct{ s *stream }

func NewOpener(k DirectionKeys) (*Opener, error) {
	s, err := newStream(k)
	if err != nil {
		return nil, err
	}
	return &Opener{s: s}, nil
}

// Open verifies the tag before touching the keystream. Any error leaves
// the stream unusable.
func (r *Opener) Open(frame []byte) ([]byte, error) {
	if len(frame) < TagSize {
		return nil, ErrDecrypt
	}
	body := frame[:len(frame)-TagSize]
	if !hmac.Equal(r.s.tag(body), frame[len(frame)-TagSize:]) {
		return nil, ErrDecrypt
	}
	if err := r.s.reserve(len(body)); err != nil {
		return nil, err
	}
	out := make([]byte, len(body))
	r.s.cipher.XORKeyStream(out, body)
	r.s.seq++
	return out, nil
}
