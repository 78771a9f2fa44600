//go:build wasip1

package sdk

import (
	"unsafe"

	"github.com/opendlt/accumen-appsdk/engine/abi"
	"github.com/opendlt/accumen-appsdk/types"
)

//go:wasmimport appsdk input_len
func hostInputLen() int32

//go:wasmimport appsdk read_input
func hostReadInput(ptr uint32)

//go:wasmimport appsdk write_output
func hostWriteOutput(ptr, n uint32)

//go:wasmimport appsdk read_return
func hostReadReturn(ptr uint32)

//go:wasmimport appsdk storage_get
func hostStorageGet(keyPtr, keyLen uint32) int32

//go:wasmimport appsdk storage_set
func hostStorageSet(keyPtr, keyLen, valPtr, valLen uint32)

//go:wasmimport appsdk storage_delete
func hostStorageDelete(keyPtr, keyLen uint32)

//go:wasmimport appsdk call_application
func hostCallApplication(targetPtr, targetLen, entry, argsPtr, argsLen uint32, flags int32) int32

//go:wasmimport appsdk log
func hostLog(level int32, ptr, n uint32)

//go:wasmimport appsdk consume_gas
func hostConsumeGas(amount int64)

//go:wasmimport appsdk gas_remaining
func hostGasRemaining() int64

//go:wasmimport appsdk abort
func hostAbort(ptr, n uint32)

func ptr(b []byte) uint32 {
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

// wasmHost binds Host to the sandbox imports.
type wasmHost struct{}

func (wasmHost) Input() []byte {
	buf := make([]byte, hostInputLen())
	if len(buf) > 0 {
		hostReadInput(ptr(buf))
	}
	return buf
}

func (wasmHost) SetOutput(out []byte) {
	hostWriteOutput(ptr(out), uint32(len(out)))
}

func (wasmHost) Get(key []byte) ([]byte, bool) {
	n := hostStorageGet(ptr(key), uint32(len(key)))
	if n < 0 {
		return nil, false
	}
	return readReturn(n), true
}

func (wasmHost) Set(key, value []byte) {
	hostStorageSet(ptr(key), uint32(len(key)), ptr(value), uint32(len(value)))
}

func (wasmHost) Delete(key []byte) {
	hostStorageDelete(ptr(key), uint32(len(key)))
}

func (wasmHost) Call(target types.ApplicationID, entry abi.EntryPoint, args []byte, flags int32) ([]byte, int32) {
	key := target.Key()
	n := hostCallApplication(ptr(key), uint32(len(key)), uint32(entry), ptr(args), uint32(len(args)), flags)
	if n < 0 {
		return nil, n
	}
	return readReturn(n), n
}

func (wasmHost) Log(level int32, msg string) {
	b := []byte(msg)
	hostLog(level, ptr(b), uint32(len(b)))
}

func (wasmHost) ConsumeGas(amount uint64) {
	if amount > 1<<63-1 {
		amount = 1<<63 - 1
	}
	hostConsumeGas(int64(amount))
}

func (wasmHost) GasRemaining() uint64 {
	return uint64(hostGasRemaining())
}

func (wasmHost) Abort(msg string) {
	b := []byte(msg)
	hostAbort(ptr(b), uint32(len(b)))
	panic("abort returned")
}

func readReturn(n int32) []byte {
	buf := make([]byte, n)
	if n > 0 {
		hostReadReturn(ptr(buf))
	}
	return buf
}

var registered any

// Register sets the application the exported entry points dispatch to. Call
// it from an init function of the main package.
func Register(app any) {
	registered = app
}

func dispatch(entry abi.EntryPoint) {
	if registered == nil {
		wasmHost{}.Abort("no application registered")
	}
	_ = Run(wasmHost{}, registered, entry)
}

//go:wasmexport instantiate
func exportInstantiate() { dispatch(abi.Instantiate) }

//go:wasmexport execute_operation
func exportExecuteOperation() { dispatch(abi.ExecuteOperation) }

//go:wasmexport execute_message
func exportExecuteMessage() { dispatch(abi.ExecuteMessage) }

//go:wasmexport handle_query
func exportHandleQuery() { dispatch(abi.HandleQuery) }

//go:wasmexport handle_call
func exportHandleCall() { dispatch(abi.HandleCall) }
