package types

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var ErrInvalidLumpID = errors.New("types: invalid lump id")

// LumpID is the SHA-256 digest of a lump's bytes. It is both the key of
// the lump in a store and the proof of its integrity.
type LumpID [32]byte

func SumLump(data []byte) LumpID {
	return sha256.Sum256(data)
}

func (id LumpID) IsZero() bool {
	return id == LumpID{}
}

// CID returns the CIDv1 (raw codec, sha2-256 multihash) for the lump.
func (id LumpID) CID() cid.Cid {
	mh, err := multihash.Encode(id[:], multihash.SHA2_256)
	if err != nil {
		// Encode only fails for unknown codes or a length mismatch.
		return cid.Undef
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func (id LumpID) String() string {
	return id.CID().String()
}

// ParseLumpID accepts the textual form produced by LumpID.String.
func ParseLumpID(s string) (LumpID, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return LumpID{}, fmt.Errorf("%w: %v", ErrInvalidLumpID, err)
	}
	if c.Type() != cid.Raw {
		return LumpID{}, fmt.Errorf("%w: codec %#x is not raw", ErrInvalidLumpID, c.Type())
	}
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return LumpID{}, fmt.Errorf("%w: %v", ErrInvalidLumpID, err)
	}
	if dec.Code != multihash.SHA2_256 || len(dec.Digest) != sha256.Size {
		return LumpID{}, fmt.Errorf("%w: unsupported hash %s", ErrInvalidLumpID, dec.Name)
	}
	var id LumpID
	copy(id[:], dec.Digest)
	return id, nil
}
