package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/sys"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/host"
)

// Cause classifies why an invocation trapped.
type Cause = host.Cause

const (
	Unknown             = host.Unknown
	OutOfBudget         = host.OutOfBudget
	IllegalMemoryAccess = host.IllegalMemoryAccess
	Abort               = host.Abort
	Unreachable         = host.Unreachable
	StackExhausted      = host.StackExhausted
	Arithmetic          = host.Arithmetic
	IllegalTableAccess  = host.IllegalTableAccess
	ReadOnlyViolation   = host.ReadOnlyViolation
	MissingEntryPoint   = host.MissingEntryPoint
	MissingOutput       = host.MissingOutput
	InvalidArgument     = host.InvalidArgument
	Deadline            = host.Deadline
	HostFault           = host.HostFault
)

// TrapError reports an invocation that did not complete. A trapped
// invocation produces no result and none of its effects are kept.
type TrapError struct {
	Cause   Cause
	Entry   abi.EntryPoint
	Message string
}

func (e *TrapError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s trapped: %s", e.Entry, e.Cause)
	}
	return fmt.Sprintf("%s trapped: %s: %s", e.Entry, e.Cause, e.Message)
}

// IsTrap returns the trap in err's chain, if any.
func IsTrap(err error) (*TrapError, bool) {
	var trap *TrapError
	if errors.As(err, &trap) {
		return trap, true
	}
	return nil, false
}

// runtime error text, as reported by both wazero engines
var trapText = []struct {
	text  string
	cause Cause
}{
	{"out of bounds memory access", IllegalMemoryAccess},
	{"unreachable", Unreachable},
	{"stack overflow", StackExhausted},
	{"integer divide by zero", Arithmetic},
	{"integer overflow", Arithmetic},
	{"invalid conversion to integer", Arithmetic},
	{"invalid table access", IllegalTableAccess},
	{"indirect call type mismatch", IllegalTableAccess},
}

// classify turns the error returned by a guest call into a trap. A fault
// recorded by a host function takes precedence over whatever the engine
// reports for the unwinding it caused, and the metering counters take
// precedence over the engine's own stack limit.
func classify(ctx context.Context, entry abi.EntryPoint, env *host.Env, meter *guestMeter, err error) *TrapError {
	if f := env.Fault(); f != nil {
		return &TrapError{Cause: f.Cause, Entry: entry, Message: f.Message}
	}
	// the metering code traps through unreachable
	if meter != nil {
		if meter.exhausted() {
			return &TrapError{Cause: OutOfBudget, Entry: entry, Message: "guest code exhausted the budget"}
		}
		if meter.overflowed() {
			return &TrapError{Cause: StackExhausted, Entry: entry, Message: fmt.Sprintf("more than %d guest frames", meter.maxFrames)}
		}
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return &TrapError{Cause: Deadline, Entry: entry, Message: deadlineMessage(ctx)}
		}
		return &TrapError{Cause: Abort, Entry: entry, Message: fmt.Sprintf("exit code %d", exit.ExitCode())}
	}
	if ctx.Err() != nil {
		return &TrapError{Cause: Deadline, Entry: entry, Message: deadlineMessage(ctx)}
	}

	// the first line carries the error, the rest is a stack trace
	msg, _, _ := strings.Cut(err.Error(), "\n")
	for _, t := range trapText {
		if strings.Contains(msg, t.text) {
			return &TrapError{Cause: t.cause, Entry: entry, Message: t.text}
		}
	}
	return &TrapError{Cause: Unknown, Entry: entry, Message: msg}
}

func deadlineMessage(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil {
		return err.Error()
	}
	return "call deadline exceeded"
}
