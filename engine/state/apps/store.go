// Package apps is the registry of deployed applications: bytecode stored by
// content hash, one Description per application and the per-chain index
// counter that makes every ApplicationID unique.
package apps

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opendlt/accumen-appsdk/engine/state"
	"github.com/opendlt/accumen-appsdk/types"
)

// MaxModuleSize bounds stored bytecode.
const MaxModuleSize = 4 << 20

var (
	ErrUnknownApplication = errors.New("unknown application")
	ErrModuleTooLarge     = errors.New("module too large")
	ErrEmptyModule        = errors.New("module cannot be empty")
)

// Description is the registry record of one application.
type Description struct {
	ID      types.ApplicationID `cbor:"1,keyasint"`
	Creator *types.Owner        `cbor:"2,keyasint,omitempty"`
	// AppSchema pins the payload schema hash found at deployment, if any
	AppSchema []byte `cbor:"3,keyasint,omitempty"`
	// CreatedAt is the chain sequence of the creating transaction
	CreatedAt uint64 `cbor:"4,keyasint"`
	Size      int    `cbor:"5,keyasint"`
}

// Reader is satisfied by *state.Txn and by the committed store adapter.
type Reader interface {
	Get(key []byte) ([]byte, bool, error)
}

// Writer is satisfied by *state.Txn.
type Writer interface {
	Reader
	Set(key, value []byte) error
}

var enc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Committed adapts a KVStore to Reader.
func Committed(kv state.KVStore) Reader {
	return committed{kv}
}

type committed struct{ kv state.KVStore }

func (c committed) Get(key []byte) ([]byte, bool, error) {
	v, err := c.kv.Get(key)
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, false, nil
	}
	return v, err == nil, err
}

// SaveCode stores bytecode under its content hash and returns the hash.
// Storing the same bytecode twice is a no-op.
func SaveCode(w Writer, code []byte) ([32]byte, error) {
	if len(code) == 0 {
		return [32]byte{}, ErrEmptyModule
	}
	if len(code) > MaxModuleSize {
		return [32]byte{}, fmt.Errorf("%w: %d bytes (max: %d)", ErrModuleTooLarge, len(code), MaxModuleSize)
	}

	hash := sha256.Sum256(code)
	_, found, err := w.Get(state.CodeKey(hash))
	if err != nil {
		return hash, fmt.Errorf("failed to check module %x: %w", hash, err)
	}
	if found {
		return hash, nil
	}
	if err := w.Set(state.CodeKey(hash), code); err != nil {
		return hash, fmt.Errorf("failed to store module %x: %w", hash, err)
	}
	return hash, nil
}

// LoadCode loads bytecode by content hash.
func LoadCode(r Reader, hash [32]byte) ([]byte, error) {
	code, found, err := r.Get(state.CodeKey(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to load module %x: %w", hash, err)
	}
	if !found {
		return nil, fmt.Errorf("module %x not found", hash)
	}
	return code, nil
}

// Allocate reserves the next ApplicationID for bytecode on chain.
func Allocate(w Writer, chain types.ChainID, bytecode [32]byte) (types.ApplicationID, error) {
	raw, _, err := w.Get(state.NextAppKey(chain))
	if err != nil {
		return types.ApplicationID{}, fmt.Errorf("failed to read application counter: %w", err)
	}
	index := state.DecodeU64(raw)
	if err := w.Set(state.NextAppKey(chain), state.EncodeU64(index+1)); err != nil {
		return types.ApplicationID{}, fmt.Errorf("failed to advance application counter: %w", err)
	}
	return types.ApplicationID{Chain: chain, Bytecode: bytecode, Index: index}, nil
}

// Register stores the description of a new application.
func Register(w Writer, desc *Description) error {
	data, err := enc.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode description: %w", err)
	}
	if err := w.Set(state.DescriptionKey(desc.ID), data); err != nil {
		return fmt.Errorf("failed to store description of %s: %w", desc.ID.Short(), err)
	}
	return nil
}

// Describe loads the description of app, or ErrUnknownApplication.
func Describe(r Reader, app types.ApplicationID) (*Description, error) {
	data, found, err := r.Get(state.DescriptionKey(app))
	if err != nil {
		return nil, fmt.Errorf("failed to load description of %s: %w", app.Short(), err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, app)
	}

	var desc Description
	if err := cbor.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to decode description of %s: %w", app.Short(), err)
	}
	return &desc, nil
}

// List returns every application registered on chain, by index.
func List(kv state.KVStore, chain types.ChainID) ([]*Description, error) {
	var out []*Description
	err := kv.Iterate(state.DescriptionPrefix(chain), func(_, value []byte) error {
		var desc Description
		if err := cbor.Unmarshal(value, &desc); err != nil {
			return err
		}
		out = append(out, &desc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	return out, nil
}
