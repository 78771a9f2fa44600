package host

import (
	"context"
	"errors"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/engine/state"
	"github.com/opendlt/accumen-appsdk/internal/logz"
	"github.com/opendlt/accumen-appsdk/types"
)

// InputLen returns the length of the encoded invocation.
func (e *Env) InputLen() int32 {
	e.charge(e.Meter.Schedule().Context)
	return int32(len(e.Input))
}

// ReadInput copies the encoded invocation to ptr.
func (e *Env) ReadInput(mem Memory, ptr uint32) {
	e.chargeBytes(e.Meter.Schedule().ByteWritten, len(e.Input))
	e.write(mem, ptr, e.Input)
}

// WriteOutput records the guest's encoded result. A later call replaces an
// earlier one.
func (e *Env) WriteOutput(mem Memory, ptr, n uint32) {
	e.chargeBytes(e.Meter.Schedule().ByteRead, int(n))
	e.output = e.read(mem, ptr, n)
	e.hasOutput = true
}

// ReadReturn copies the value staged by the last storage_get or
// call_application to ptr.
func (e *Env) ReadReturn(mem Memory, ptr uint32) {
	e.chargeBytes(e.Meter.Schedule().ByteWritten, len(e.ret))
	e.write(mem, ptr, e.ret)
}

// StorageGet looks up a key in the frame's view. The value is staged for
// read_return and its length returned, or StatusNotFound.
func (e *Env) StorageGet(mem Memory, keyPtr, keyLen uint32) int32 {
	s := e.Meter.Schedule()
	e.charge(s.StorageGet)
	e.chargeBytes(s.ByteRead, int(keyLen))

	key := e.read(mem, keyPtr, keyLen)
	value, found, err := e.View.Get(key)
	if err != nil {
		e.storageFault(err)
	}
	if !found {
		e.ret = nil
		return abi.StatusNotFound
	}
	e.ret = value
	return int32(len(value))
}

// StorageSet buffers a write in the frame's view.
func (e *Env) StorageSet(mem Memory, keyPtr, keyLen, valPtr, valLen uint32) {
	s := e.Meter.Schedule()
	e.charge(s.StorageSet)
	if e.ReadOnly() {
		e.Fail(ReadOnlyViolation, "storage_set in %s", e.Entry)
	}
	e.chargeBytes(s.ByteStored, int(keyLen)+int(valLen))

	key := e.read(mem, keyPtr, keyLen)
	value := e.read(mem, valPtr, valLen)
	if err := e.View.Set(key, value); err != nil {
		e.storageFault(err)
	}
}

// StorageDelete buffers a removal in the frame's view.
func (e *Env) StorageDelete(mem Memory, keyPtr, keyLen uint32) {
	s := e.Meter.Schedule()
	e.charge(s.StorageDelete)
	if e.ReadOnly() {
		e.Fail(ReadOnlyViolation, "storage_delete in %s", e.Entry)
	}
	e.chargeBytes(s.ByteRead, int(keyLen))

	key := e.read(mem, keyPtr, keyLen)
	if err := e.View.Delete(key); err != nil {
		e.storageFault(err)
	}
}

func (e *Env) storageFault(err error) {
	switch {
	case errors.Is(err, state.ErrReadOnly):
		e.Fail(ReadOnlyViolation, "%v", err)
	case errors.Is(err, state.ErrEmptyKey):
		e.Fail(InvalidArgument, "%v", err)
	default:
		e.Fail(HostFault, "storage: %v", err)
	}
}

// CallApplication synchronously calls another application. The callee's
// result value is staged for read_return and its length returned. Refused or
// failed calls return a negative status the guest can branch on.
func (e *Env) CallApplication(ctx context.Context, mem Memory, targetPtr, targetLen, entry, argsPtr, argsLen, flags uint32) int32 {
	s := e.Meter.Schedule()
	e.charge(s.CallApplication)
	e.chargeBytes(s.ByteRead, int(targetLen)+int(argsLen))

	if targetLen != types.ApplicationKeySize {
		e.Fail(InvalidArgument, "call target is %d bytes, want %d", targetLen, types.ApplicationKeySize)
	}
	target, err := types.ApplicationIDFromKey(e.read(mem, targetPtr, targetLen))
	if err != nil {
		e.Fail(InvalidArgument, "call target: %v", err)
	}
	ep := abi.EntryPoint(entry)
	if !ep.Valid() {
		e.Fail(InvalidArgument, "call entry point %d", entry)
	}
	args := e.read(mem, argsPtr, argsLen)

	e.ret = nil
	value, err := e.Calls.Dispatch(ctx, e, target, ep, args, int32(flags)&abi.CallForwardSigner != 0)
	if err != nil {
		var se StatusError
		if errors.As(err, &se) {
			return se.Status()
		}
		e.Fail(HostFault, "call %s: %v", target.Short(), err)
	}
	e.ret = value
	return int32(len(value))
}

// Log forwards a guest message to the host logger. It never traps: messages
// that cannot be read or paid for are dropped.
func (e *Env) Log(mem Memory, level, ptr, n uint32) {
	cost := e.Meter.Schedule().Log + uint64(n)*e.Meter.Schedule().ByteRead
	if e.Logger == nil || e.Meter.Remaining() < cost {
		return
	}
	msg, ok := mem.Read(ptr, n)
	if !ok {
		return
	}
	_ = e.Meter.Consume(cost)

	lvl := logz.INFO
	switch int32(level) {
	case abi.LogDebug:
		lvl = logz.DEBUG
	case abi.LogWarn:
		lvl = logz.WARN
	case abi.LogError:
		lvl = logz.ERROR
	}
	e.Logger.Log(lvl, string(msg))
}

// ConsumeGas charges explicit fuel metered by guest instrumentation.
func (e *Env) ConsumeGas(amount int64) {
	if amount < 0 {
		e.Fail(InvalidArgument, "negative gas charge %d", amount)
	}
	e.charge(uint64(amount))
}

// GasRemaining returns the unspent budget, saturated to int64.
func (e *Env) GasRemaining() int64 {
	e.charge(e.Meter.Schedule().Context)
	r := e.Meter.Remaining()
	if r > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(r)
}

// ContextApplication writes the key of the executing application to ptr.
func (e *Env) ContextApplication(mem Memory, ptr uint32) int32 {
	e.charge(e.Meter.Schedule().Context)
	key := e.Application.Key()
	e.write(mem, ptr, key)
	return int32(len(key))
}

// ContextCaller writes the key of the calling application to ptr, or returns
// StatusNotFound in a root frame.
func (e *Env) ContextCaller(mem Memory, ptr uint32) int32 {
	e.charge(e.Meter.Schedule().Context)
	if e.Caller == nil {
		return abi.StatusNotFound
	}
	key := e.Caller.Key()
	e.write(mem, ptr, key)
	return int32(len(key))
}

// Abort traps the invocation with the guest's message.
func (e *Env) Abort(mem Memory, ptr, n uint32) {
	msg, ok := mem.Read(ptr, n)
	if !ok {
		e.Fail(Abort, "")
	}
	e.Fail(Abort, "%s", msg)
}
