package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const PasswordKeySize = 32

// PasswordParams are the argon2id cost parameters. The server picks them
// and sends them in the clear; clients bound them with Check.
type PasswordParams struct {
	Time    uint32 `cbor:"1,keyasint"`
	Memory  uint32 `cbor:"2,keyasint"` // KiB
	Threads uint8  `cbor:"3,keyasint"`
}

var ErrWeakParams = errors.New("crypto: password parameters out of range")

func DefaultPasswordParams() PasswordParams {
	return PasswordParams{
		Time:    1,
		Memory:  64 * 1024,
		Threads: 2,
	}
}

const (
	maxPasswordMemory = 1024 * 1024
	maxPasswordTime   = 16
)

// Check rejects parameters a peer could use to exhaust our memory or CPU.
func (p PasswordParams) Check() error {
	if p.Time == 0 || p.Time > maxPasswordTime {
		return fmt.Errorf("%w: time %d", ErrWeakParams, p.Time)
	}
	if p.Memory < 8*uint32(p.Threads) || p.Memory > maxPasswordMemory {
		return fmt.Errorf("%w: memory %d KiB", ErrWeakParams, p.Memory)
	}
	if p.Threads == 0 {
		return fmt.Errorf("%w: threads 0", ErrWeakParams)
	}
	return nil
}

// PasswordKey stretches password with argon2id under the given salt.
func PasswordKey(password, salt []byte, p PasswordParams) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, PasswordKeySize)
}
