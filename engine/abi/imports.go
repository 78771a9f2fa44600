package abi

// ImportModule is the wasm module name of every host import.
const ImportModule = "appsdk"

// Host import names.
const (
	ImportInputLen           = "input_len"
	ImportReadInput          = "read_input"
	ImportWriteOutput        = "write_output"
	ImportReadReturn         = "read_return"
	ImportStorageGet         = "storage_get"
	ImportStorageSet         = "storage_set"
	ImportStorageDelete      = "storage_delete"
	ImportCallApplication    = "call_application"
	ImportLog                = "log"
	ImportConsumeGas         = "consume_gas"
	ImportGasRemaining       = "gas_remaining"
	ImportContextApplication = "context_application"
	ImportContextCaller      = "context_caller"
	ImportAbort              = "abort"
)

// Status values returned by imports in place of a length. Non-negative
// results are always lengths.
const (
	StatusNotFound           int32 = -1
	StatusStackOverflow      int32 = -2
	StatusSubcallFailed      int32 = -3
	StatusUnknownApplication int32 = -4
	StatusReentrancy         int32 = -5
	StatusNotPermitted       int32 = -6
)

// CallForwardSigner is the call_application flag asking the host to pass the
// caller's authenticated signer on to the callee.
const CallForwardSigner int32 = 1

// Log levels accepted by the log import.
const (
	LogDebug int32 = iota
	LogInfo
	LogWarn
	LogError
)

// ValueType is a wasm value type in the import table.
type ValueType string

const (
	I32 ValueType = "i32"
	I64 ValueType = "i64"
)

// ImportSignature describes one host import.
type ImportSignature struct {
	Name    string      `cbor:"1,keyasint"`
	Params  []ValueType `cbor:"2,keyasint"`
	Results []ValueType `cbor:"3,keyasint,omitempty"`
}

// Imports is the host import table in a fixed order.
var Imports = []ImportSignature{
	{Name: ImportInputLen, Results: []ValueType{I32}},
	{Name: ImportReadInput, Params: []ValueType{I32}},
	{Name: ImportWriteOutput, Params: []ValueType{I32, I32}},
	{Name: ImportReadReturn, Params: []ValueType{I32}},
	{Name: ImportStorageGet, Params: []ValueType{I32, I32}, Results: []ValueType{I32}},
	{Name: ImportStorageSet, Params: []ValueType{I32, I32, I32, I32}},
	{Name: ImportStorageDelete, Params: []ValueType{I32, I32}},
	{Name: ImportCallApplication, Params: []ValueType{I32, I32, I32, I32, I32, I32}, Results: []ValueType{I32}},
	{Name: ImportLog, Params: []ValueType{I32, I32, I32}},
	{Name: ImportConsumeGas, Params: []ValueType{I64}},
	{Name: ImportGasRemaining, Results: []ValueType{I64}},
	{Name: ImportContextApplication, Params: []ValueType{I32}, Results: []ValueType{I32}},
	{Name: ImportContextCaller, Params: []ValueType{I32}, Results: []ValueType{I32}},
	{Name: ImportAbort, Params: []ValueType{I32, I32}},
}

// LookupImport returns the signature of a host import by name.
func LookupImport(name string) (ImportSignature, bool) {
	for _, imp := range Imports {
		if imp.Name == name {
			return imp, true
		}
	}
	return ImportSignature{}, false
}
