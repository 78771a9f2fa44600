package router

import (
	"errors"
	"fmt"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/runtime"
	"github.com/opendlt/accumen-appsdk/types"
)

// ErrorKind classifies a cross-application call that did not return a value.
type ErrorKind uint8

const (
	StackOverflow ErrorKind = iota + 1
	SubcallFailed
	UnknownApplication
	Reentrancy
	NotPermitted
)

func (k ErrorKind) String() string {
	switch k {
	case StackOverflow:
		return "stack_overflow"
	case SubcallFailed:
		return "subcall_failed"
	case UnknownApplication:
		return "unknown_application"
	case Reentrancy:
		return "reentrancy"
	case NotPermitted:
		return "not_permitted"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Status is the value call_application returns to the guest for the kind.
func (k ErrorKind) Status() int32 {
	switch k {
	case StackOverflow:
		return abi.StatusStackOverflow
	case SubcallFailed:
		return abi.StatusSubcallFailed
	case UnknownApplication:
		return abi.StatusUnknownApplication
	case Reentrancy:
		return abi.StatusReentrancy
	default:
		return abi.StatusNotPermitted
	}
}

// CallError is returned for a call that was refused or whose callee trapped.
// Nested calls surface it to the calling guest as a status value it can
// branch on; a refused root call is returned to the host as is.
type CallError struct {
	Kind   ErrorKind
	Target types.ApplicationID
	Entry  abi.EntryPoint
	Depth  uint32
	// Cause is the callee's trap, for SubcallFailed
	Cause *runtime.TrapError
}

func (e *CallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("call %s.%s at depth %d: %s: %v", e.Target.Short(), e.Entry, e.Depth, e.Kind, e.Cause)
	}
	return fmt.Sprintf("call %s.%s at depth %d: %s", e.Target.Short(), e.Entry, e.Depth, e.Kind)
}

func (e *CallError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Status implements host.StatusError.
func (e *CallError) Status() int32 { return e.Kind.Status() }

// AsCallError returns the *CallError in err's chain, if any.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
