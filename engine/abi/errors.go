package abi

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// DecodeKind classifies a decoding failure.
type DecodeKind uint8

const (
	// SchemaMismatch means the bytes do not describe the expected variant.
	SchemaMismatch DecodeKind = iota + 1
	// Truncated means the buffer ended before a declared field completed.
	Truncated
)

func (k DecodeKind) String() string {
	switch k {
	case SchemaMismatch:
		return "schema mismatch"
	case Truncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// DecodeError is returned for malformed invocation input. It is a permanent
// caller error and is never retried.
type DecodeError struct {
	Kind     DecodeKind
	Expected Tag
	Detail   string
	err      error
}

func (e *DecodeError) Error() string {
	if e.Expected != 0 {
		return fmt.Sprintf("decode %s: %s: %s", e.Expected, e.Kind, e.Detail)
	}
	return fmt.Sprintf("decode: %s: %s", e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.err
}

// IsDecodeError reports whether err is a DecodeError of the given kind. A zero
// kind matches any DecodeError.
func IsDecodeError(err error, kind DecodeKind) bool {
	var de *DecodeError
	if !errors.As(err, &de) {
		return false
	}
	return kind == 0 || de.Kind == kind
}

// IncompatibleInterfaceError is returned at load time when the interface hash
// embedded in a module does not match the host's. It is fatal.
type IncompatibleInterfaceError struct {
	Section  string
	Expected [32]byte
	Found    []byte
}

func (e *IncompatibleInterfaceError) Error() string {
	if len(e.Found) == 0 {
		return fmt.Sprintf("incompatible interface: module has no %s section", e.Section)
	}
	return fmt.Sprintf("incompatible interface: %s is %s, host expects %s",
		e.Section, hex.EncodeToString(e.Found), hex.EncodeToString(e.Expected[:]))
}
