package wasmtest

import (
	"bytes"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/types"
)

// dataBase is where App places its data segments.
const dataBase = 1024

// App is a Module that imports the whole host table, has one page of
// exported memory and carries the interface hash. It hands out memory from a
// bump allocator for constants and scratch space.
type App struct {
	*Module
	host map[string]uint32
	next uint32
}

// NewApp returns an App with every host import declared.
func NewApp() *App {
	a := &App{Module: New(), host: map[string]uint32{}, next: dataBase}
	for _, imp := range abi.Imports {
		a.host[imp.Name] = a.Module.Host(imp.Name)
	}
	a.Memory(1).Interface()
	return a
}

// Call returns a call instruction to the named host import.
func (a *App) Call(name string) []byte {
	idx, ok := a.host[name]
	if !ok {
		panic("wasmtest: unknown host import " + name)
	}
	return Call(idx)
}

// Const places b in memory and returns its offset.
func (a *App) Const(b []byte) uint32 {
	off := a.next
	a.Data(off, b)
	a.next += uint32(len(b))
	return off
}

// Reserve returns the offset of n bytes of zeroed scratch memory.
func (a *App) Reserve(n int) uint32 {
	off := a.next
	a.next += uint32(n)
	return off
}

// Output writes a constant result envelope.
func (a *App) Output(envelope []byte) []byte {
	off := a.Const(envelope)
	return Seq(I32Const(int32(off)), I32Const(int32(len(envelope))), a.Call(abi.ImportWriteOutput))
}

// OutputValue writes Result{Value: v}.
func (a *App) OutputValue(v []byte) []byte {
	return a.Output(ResultEnvelope(v))
}

// OutputReturn copies an n byte value from the return buffer into a result
// envelope and writes it.
func (a *App) OutputReturn(n int) []byte {
	prefix := ResultPrefix(n)
	off := a.Const(prefix)
	a.Reserve(n)
	return Seq(
		I32Const(int32(off+uint32(len(prefix)))), a.Call(abi.ImportReadReturn),
		I32Const(int32(off)), I32Const(int32(len(prefix)+n)), a.Call(abi.ImportWriteOutput),
	)
}

// StorageSet stores a constant value under a constant key.
func (a *App) StorageSet(key, value []byte) []byte {
	k := a.Const(key)
	v := a.Const(value)
	return Seq(
		I32Const(int32(k)), I32Const(int32(len(key))),
		I32Const(int32(v)), I32Const(int32(len(value))),
		a.Call(abi.ImportStorageSet),
	)
}

// StorageGet looks up a constant key and leaves the i32 status on the stack.
func (a *App) StorageGet(key []byte) []byte {
	k := a.Const(key)
	return Seq(I32Const(int32(k)), I32Const(int32(len(key))), a.Call(abi.ImportStorageGet))
}

// CallApp calls target's entry with constant args and leaves the i32 status
// on the stack. A nil target calls the application whose key was last
// written by context_caller or context_application to slot.
func (a *App) CallApp(slot uint32, entry abi.EntryPoint, args []byte, flags int32) []byte {
	argPtr := uint32(0)
	if len(args) > 0 {
		argPtr = a.Const(args)
	}
	return Seq(
		I32Const(int32(slot)), I32Const(types.ApplicationKeySize),
		I32Const(int32(entry)),
		I32Const(int32(argPtr)), I32Const(int32(len(args))),
		I32Const(flags),
		a.Call(abi.ImportCallApplication),
	)
}

// AppKey places the storage key of app in memory and returns its offset.
func (a *App) AppKey(app types.ApplicationID) uint32 {
	return a.Const(app.Key())
}

// Abort aborts with a constant message.
func (a *App) Abort(msg string) []byte {
	off := a.Const([]byte(msg))
	return Seq(I32Const(int32(off)), I32Const(int32(len(msg))), a.Call(abi.ImportAbort))
}

// Seq concatenates instructions.
func Seq(code ...[]byte) []byte {
	return bytes.Join(code, nil)
}

// ResultEnvelope encodes Result{Value: v}.
func ResultEnvelope(v []byte, msgs ...types.OutgoingMessage) []byte {
	return abi.MustMarshal(abi.TagResult, abi.Result{Value: v, Messages: msgs})
}

// ResultPrefix is the encoding of a Result whose n byte value has been cut
// off. Appending any n byte value yields a valid envelope.
func ResultPrefix(n int) []byte {
	if n == 0 {
		panic("wasmtest: empty value has no prefix")
	}
	full := ResultEnvelope(make([]byte, n))
	return full[:len(full)-n]
}

// Static builds an application whose every entry point returns value.
func Static(value []byte) []byte {
	a := NewApp()
	for _, e := range abi.Entries {
		a.Entry(e.ExportName(), 0, a.OutputValue(value))
	}
	return a.Bytes()
}
