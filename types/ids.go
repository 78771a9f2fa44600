// Package types holds the identities and payload records shared by the host and
// by guest applications.
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ChainID identifies the chain hosting an execution.
type ChainID [32]byte

// ChainIDFromString derives a chain identity from a human readable name.
func ChainIDFromString(name string) ChainID {
	return ChainID(sha256.Sum256([]byte(name)))
}

// String returns the hex form of the chain id.
func (c ChainID) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether the chain id is unset.
func (c ChainID) IsZero() bool {
	return c == ChainID{}
}

// ParseChainID parses the hex form produced by String.
func ParseChainID(s string) (ChainID, error) {
	var id ChainID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid chain id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid chain id %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Owner is an authenticated signer.
type Owner [32]byte

// OwnerFromPublicKey derives an owner from public key bytes.
func OwnerFromPublicKey(pub []byte) Owner {
	return Owner(sha256.Sum256(pub))
}

// String returns the hex form of the owner.
func (o Owner) String() string {
	return hex.EncodeToString(o[:])
}

// ApplicationID binds a compiled module to the chain that created it. Two
// deployments of the same bytecode on one chain differ by Index.
type ApplicationID struct {
	Chain    ChainID  `cbor:"1,keyasint"`
	Bytecode [32]byte `cbor:"2,keyasint"`
	Index    uint64   `cbor:"3,keyasint"`
}

// ApplicationKeySize is the length of ApplicationID.Key.
const ApplicationKeySize = 32 + 32 + 8

// Key returns the fixed-width binary form used as a storage prefix.
func (a ApplicationID) Key() []byte {
	key := make([]byte, ApplicationKeySize)
	copy(key[:32], a.Chain[:])
	copy(key[32:64], a.Bytecode[:])
	binary.BigEndian.PutUint64(key[64:], a.Index)
	return key
}

// ApplicationIDFromKey is the inverse of Key.
func ApplicationIDFromKey(key []byte) (ApplicationID, error) {
	var id ApplicationID
	if len(key) != ApplicationKeySize {
		return id, fmt.Errorf("invalid application key length %d", len(key))
	}
	copy(id.Chain[:], key[:32])
	copy(id.Bytecode[:], key[32:64])
	id.Index = binary.BigEndian.Uint64(key[64:])
	return id, nil
}

// IsZero reports whether the id is unset.
func (a ApplicationID) IsZero() bool {
	return a == ApplicationID{}
}

// Equal compares two ids.
func (a ApplicationID) Equal(b ApplicationID) bool {
	return bytes.Equal(a.Key(), b.Key())
}

// String returns <chain>:<bytecode>:<index>.
func (a ApplicationID) String() string {
	return fmt.Sprintf("%s:%s:%d", a.Chain, hex.EncodeToString(a.Bytecode[:]), a.Index)
}

// Short returns an abbreviated form for logs.
func (a ApplicationID) Short() string {
	return fmt.Sprintf("%x..%x/%d", a.Chain[:2], a.Bytecode[:4], a.Index)
}

// ParseApplicationID parses the String form.
func ParseApplicationID(s string) (ApplicationID, error) {
	var id ApplicationID
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return id, fmt.Errorf("invalid application id %q: want chain:bytecode:index", s)
	}

	chain, err := ParseChainID(parts[0])
	if err != nil {
		return id, err
	}

	code, err := hex.DecodeString(parts[1])
	if err != nil || len(code) != 32 {
		return id, fmt.Errorf("invalid application id %q: bad bytecode hash", s)
	}

	index, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return id, fmt.Errorf("invalid application id %q: %w", s, err)
	}

	id.Chain = chain
	copy(id.Bytecode[:], code)
	id.Index = index
	return id, nil
}
