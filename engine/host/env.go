// Package host implements the functions the host exposes to guest
// applications under the "appsdk" import module. The functions operate on an
// Env, the per-frame execution context, and on the guest's linear memory
// through the Memory interface so they stay independent of the sandbox
// backend.
package host

import (
	"context"
	"fmt"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/gas"
	"github.com/opendlt/accumen-appsdk/engine/state"
	"github.com/opendlt/accumen-appsdk/internal/logz"
	"github.com/opendlt/accumen-appsdk/types"
)

// Memory is the guest's linear memory.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// Dispatcher performs cross-application calls on behalf of a frame.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller *Env, target types.ApplicationID, entry abi.EntryPoint, args []byte, forwardSigner bool) ([]byte, error)
}

// StatusError is an error that is reported to the guest as a status value
// instead of trapping it.
type StatusError interface {
	error
	Status() int32
}

// Env is the execution context of one call frame.
type Env struct {
	Chain       types.ChainID
	Application types.ApplicationID
	Caller      *types.ApplicationID
	Signer      *types.Owner
	Depth       uint32
	Height      uint64
	Entry       abi.EntryPoint
	Message     *abi.MessageInfo

	// Input is the encoded invocation handed to the guest
	Input []byte

	View   *state.View
	Meter  *gas.Meter
	Calls  Dispatcher
	Logger *logz.Logger

	output    []byte
	hasOutput bool
	ret       []byte
	fault     *Fault
}

// Context returns the binding layer form of the frame's context.
func (e *Env) Context() abi.Context {
	return abi.Context{
		Chain:       e.Chain,
		Application: e.Application,
		Caller:      e.Caller,
		Signer:      e.Signer,
		Depth:       e.Depth,
		Budget:      e.Meter.Remaining(),
		Height:      e.Height,
		Message:     e.Message,
	}
}

// ReadOnly reports whether the frame may mutate storage.
func (e *Env) ReadOnly() bool {
	return e.View == nil || e.View.ReadOnly()
}

// Output returns the bytes written by write_output.
func (e *Env) Output() ([]byte, bool) {
	return e.output, e.hasOutput
}

// Fault returns the fault raised by a host function, if any.
func (e *Env) Fault() *Fault {
	return e.fault
}

// Fail records a fault and unwinds the guest. It never returns.
func (e *Env) Fail(cause Cause, format string, args ...any) {
	f := &Fault{Cause: cause, Message: fmt.Sprintf(format, args...)}
	if e.fault == nil {
		e.fault = f
	}
	panic(f)
}

func (e *Env) charge(amount uint64) {
	if err := e.Meter.Consume(amount); err != nil {
		e.Fail(OutOfBudget, "%v", err)
	}
}

func (e *Env) chargeBytes(rate uint64, n int) {
	if err := e.Meter.ConsumeBytes(rate, n); err != nil {
		e.Fail(OutOfBudget, "%v", err)
	}
}

func (e *Env) read(mem Memory, ptr, n uint32) []byte {
	b, ok := mem.Read(ptr, n)
	if !ok {
		e.Fail(IllegalMemoryAccess, "read of %d bytes at %#x", n, ptr)
	}
	// the slice aliases guest memory
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (e *Env) write(mem Memory, ptr uint32, b []byte) {
	if !mem.Write(ptr, b) {
		e.Fail(IllegalMemoryAccess, "write of %d bytes at %#x", len(b), ptr)
	}
}
