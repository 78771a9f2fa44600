// Package sdk is the guest side of the application interface. An application
// implements one or more capability interfaces; the shim decodes each
// invocation the host delivers, runs the matching capability and encodes its
// outcome.
//
// Built for GOOS=wasip1 the package exports the entry points and binds the
// host imports; see Register. Natively it runs against any Host, such as the
// in-memory one in sdk/sdktest.
package sdk

import (
	"errors"
	"fmt"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/types"
)

// Host is the import surface of the sandbox as seen by the guest.
type Host interface {
	// Input returns the encoded invocation
	Input() []byte
	// SetOutput records the encoded result
	SetOutput(out []byte)

	Get(key []byte) ([]byte, bool)
	Set(key, value []byte)
	Delete(key []byte)

	// Call runs entry of target and returns its result value, or a negative
	// status
	Call(target types.ApplicationID, entry abi.EntryPoint, args []byte, flags int32) ([]byte, int32)

	Log(level int32, msg string)
	ConsumeGas(amount uint64)
	GasRemaining() uint64

	// Abort ends the invocation with a trap. It does not return.
	Abort(msg string)
}

var (
	ErrStackOverflow      = errors.New("call stack overflow")
	ErrSubcallFailed      = errors.New("subcall failed")
	ErrUnknownApplication = errors.New("unknown application")
	ErrReentrancy         = errors.New("reentrant call refused")
	ErrNotPermitted       = errors.New("call not permitted")
)

// CallError is returned by a cross-application call that produced no value.
// It matches the sentinel of its status with errors.Is.
type CallError struct {
	Target types.ApplicationID
	Entry  abi.EntryPoint
	Status int32
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s.%s: %v", e.Target.Short(), e.Entry, e.sentinel())
}

func (e *CallError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *CallError) sentinel() error {
	switch e.Status {
	case abi.StatusStackOverflow:
		return ErrStackOverflow
	case abi.StatusSubcallFailed:
		return ErrSubcallFailed
	case abi.StatusUnknownApplication:
		return ErrUnknownApplication
	case abi.StatusReentrancy:
		return ErrReentrancy
	case abi.StatusNotPermitted:
		return ErrNotPermitted
	}
	return fmt.Errorf("status %d", e.Status)
}
