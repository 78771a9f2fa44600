package abi

import (
	"crypto/sha256"
	"sync"
)

// Custom section names read at load time.
const (
	InterfaceSection = "appsdk.interface"
	AppSchemaSection = "appsdk.app_schema"
)

// EntrySchema describes one exported entry point.
type EntrySchema struct {
	Entry    EntryPoint `cbor:"1,keyasint"`
	Export   string     `cbor:"2,keyasint"`
	ReadOnly bool       `cbor:"3,keyasint,omitempty"`
	Args     Tag        `cbor:"4,keyasint"`
	Result   Tag        `cbor:"5,keyasint"`
}

// Schema is the language neutral description of the host/guest interface.
type Schema struct {
	Version byte              `cbor:"1,keyasint"`
	Entries []EntrySchema     `cbor:"2,keyasint"`
	Imports []ImportSignature `cbor:"3,keyasint"`
}

// Hash is the sha256 of the deterministic encoding of the schema.
func (s Schema) Hash() [32]byte {
	raw, err := encMode.Marshal(s)
	if err != nil {
		panic(err)
	}
	return sha256.Sum256(raw)
}

// InterfaceSchema describes the interface implemented by this build.
func InterfaceSchema() Schema {
	s := Schema{Version: Version, Imports: Imports}
	for _, e := range Entries {
		s.Entries = append(s.Entries, EntrySchema{
			Entry:    e,
			Export:   e.ExportName(),
			ReadOnly: e.ReadOnly(),
			Args:     e.ArgsTag(),
			Result:   e.ResultTag(),
		})
	}
	return s
}

var interfaceHash = sync.OnceValue(func() [32]byte {
	return InterfaceSchema().Hash()
})

// InterfaceHash is the hash a module must embed in its InterfaceSection.
func InterfaceHash() [32]byte {
	return interfaceHash()
}

// CheckInterface verifies the content of a module's InterfaceSection.
func CheckInterface(section []byte) error {
	want := InterfaceHash()
	if len(section) != len(want) || [32]byte(section) != want {
		return &IncompatibleInterfaceError{Section: InterfaceSection, Expected: want, Found: section}
	}
	return nil
}

// AppSchemaHash hashes an application payload schema description.
func AppSchemaHash(desc []byte) [32]byte {
	return sha256.Sum256(desc)
}
